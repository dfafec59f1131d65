// Package broker implements the queue subsystem (C6): groups, clients,
// message admission and sequencing, the processor chain, and the
// server that owns a set of queues (C5).
package broker

import "time"

// Message is the unit the queue admits, sequences, and fans out. Payload
// is opaque to the broker; only scmp/scsql handlers interpret it.
type Message struct {
	Sequence         uint64
	SenderClientName string
	TargetGroup      string
	MimeType         string
	Payload          []byte
	CreatedAt        time.Time
}

// Clone returns a shallow copy safe to hand to a second processor or
// subscriber without aliasing the original's Payload slice header (the
// backing array is still shared; processors that mutate Payload in place
// must replace it with a new slice, never write through it).
func (m *Message) Clone() *Message {
	clone := *m
	return &clone
}
