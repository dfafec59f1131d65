// Package stats collects per-queue counters and periodically snapshots
// them into a bounded ring buffer, the way the origin broker's Server
// owned a 10-second timer feeding a 360-sample (~1 hour) history.
package stats

import (
	"sync"
	"time"
)

// Counters are one queue's cumulative or delta activity figures.
type Counters struct {
	ReceivedMessages    uint64
	ReceivedBytes       uint64
	ReceivedPayloadByte uint64
	SentMessages        uint64
	SentBytes           uint64
	SentPayloadBytes    uint64
	PeakBacklogMessages int
	PeakBacklogBytes    int
	LastSequence        uint64
}

// Add accumulates delta into c, used when folding a queue's snapshot into
// the Server-wide cumulative totals.
func (c *Counters) Add(delta Counters) {
	c.ReceivedMessages += delta.ReceivedMessages
	c.ReceivedBytes += delta.ReceivedBytes
	c.ReceivedPayloadByte += delta.ReceivedPayloadByte
	c.SentMessages += delta.SentMessages
	c.SentBytes += delta.SentBytes
	c.SentPayloadBytes += delta.SentPayloadBytes
	if delta.PeakBacklogMessages > c.PeakBacklogMessages {
		c.PeakBacklogMessages = delta.PeakBacklogMessages
	}
	if delta.PeakBacklogBytes > c.PeakBacklogBytes {
		c.PeakBacklogBytes = delta.PeakBacklogBytes
	}
	if delta.LastSequence > c.LastSequence {
		c.LastSequence = delta.LastSequence
	}
}

// Source is anything a Collector can snapshot — in practice the broker
// package's adapter around a *broker.Queue.
type Source interface {
	Name() string
	StatisticsSnapshot(reset bool) Counters
}

// Snapshot is one point-in-time sample of every queue, taken under each
// queue's own idle-mutex so a stats read never blocks message delivery.
type Snapshot struct {
	Sequence  uint64
	Timestamp time.Time
	PerQueue  map[string]Counters
	Totals    Counters
}

// Collector owns the retained history ring and the cumulative totals.
type Collector struct {
	mu      sync.Mutex
	sources []Source
	ring    []Snapshot
	ringCap int
	nextSeq uint64
	totals  Counters
}

// RingCapacity matches the origin's 360 samples at a 10-second cadence,
// i.e. roughly one hour of history.
const RingCapacity = 360

// NewCollector builds a Collector watching the given sources.
func NewCollector(sources ...Source) *Collector {
	return &Collector{
		sources: sources,
		ring:    make([]Snapshot, 0, RingCapacity),
		ringCap: RingCapacity,
	}
}

// AddSource registers an additional queue to include in future snapshots.
func (c *Collector) AddSource(s Source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources = append(c.sources, s)
}

// Collect takes one snapshot across all sources, resetting their deltas,
// and appends it to the ring buffer, evicting the oldest sample once full.
func (c *Collector) Collect() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextSeq++
	snap := Snapshot{
		Sequence:  c.nextSeq,
		Timestamp: time.Now().UTC(),
		PerQueue:  make(map[string]Counters, len(c.sources)),
	}

	for _, s := range c.sources {
		counters := s.StatisticsSnapshot(true)
		snap.PerQueue[s.Name()] = counters
		c.totals.Add(counters)
	}
	snap.Totals = c.totals

	if len(c.ring) >= c.ringCap {
		c.ring = append(c.ring[1:], snap)
	} else {
		c.ring = append(c.ring, snap)
	}

	return snap
}

// History returns the retained snapshots, oldest first.
func (c *Collector) History() []Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Snapshot, len(c.ring))
	copy(out, c.ring)
	return out
}

// Totals returns the cumulative counters across all collections so far.
func (c *Collector) Totals() Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totals
}

// Run collects on interval until stop is closed.
func (c *Collector) Run(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Collect()
		case <-stop:
			return
		}
	}
}
