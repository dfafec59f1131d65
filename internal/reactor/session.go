package reactor

import (
	"net"
	"sync/atomic"
)

// State is the session lifecycle, mirroring the origin's
// Connecting → HttpNegotiating → (Upgraded | Http) → Closing → Closed chain.
type State int32

const (
	StateConnecting State = iota
	StateNegotiating
	StateUpgraded
	StateHTTP
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateNegotiating:
		return "negotiating"
	case StateUpgraded:
		return "upgraded"
	case StateHTTP:
		return "http"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is bound to one network connection for its entire life. Its
// owning reactor is the only goroutine allowed to run callbacks against
// the session's handler; ownership can move via MoveTo, which is the Go
// shape of the origin's "tag and move" cross-reactor hand-off.
type Session struct {
	ID   uint64
	Conn net.Conn

	owner atomic.Pointer[Reactor]
	state atomic.Int32

	// Tagged marks a session as scheduled for migration to a different
	// reactor at the end of the current owner's I/O batch.
	tagged atomic.Bool
	target atomic.Pointer[Reactor]
}

// NewSession binds a freshly accepted connection to its first owning
// reactor.
func NewSession(id uint64, conn net.Conn, owner *Reactor) *Session {
	s := &Session{ID: id, Conn: conn}
	s.owner.Store(owner)
	s.state.Store(int32(StateConnecting))
	return s
}

// Owner returns the reactor currently responsible for this session.
func (s *Session) Owner() *Reactor {
	return s.owner.Load()
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// SetState transitions the session to a new lifecycle state.
func (s *Session) SetState(state State) {
	s.state.Store(int32(state))
}

// Submit hands a unit of work to whichever reactor currently owns this
// session. A read-pump goroutine calls this after parsing one frame; it
// never touches handler or queue state itself.
func (s *Session) Submit(task Task) {
	s.owner.Load().Submit(task)
}

// Tag marks the session for migration to target. The actual move happens
// when a task on the owning reactor calls MoveTo, so migration always
// happens from within a reactor turn, never concurrently with one.
func (s *Session) Tag(target *Reactor) {
	s.target.Store(target)
	s.tagged.Store(true)
}

// Tagged reports whether a migration is pending and, if so, its target.
func (s *Session) Tagged() (*Reactor, bool) {
	if !s.tagged.Load() {
		return nil, false
	}
	return s.target.Load(), true
}

// MoveTo completes a tagged migration: it reassigns ownership and, when
// onArrived is non-nil, wakes the destination by submitting it as a task,
// so the destination reactor's loop observes the session immediately
// rather than waiting for its next unrelated turn. The caller is expected to be
// running on the source reactor's own goroutine (i.e. from inside a task),
// satisfying the "migration only happens from within a turn" contract.
func (s *Session) MoveTo(target *Reactor, onArrived func(*Session)) {
	s.owner.Store(target)
	s.tagged.Store(false)
	s.target.Store(nil)

	if onArrived != nil {
		target.Submit(func() { onArrived(s) })
	}
}

// Close marks the session closed and closes the underlying connection.
// Safe to call more than once.
func (s *Session) Close() error {
	s.SetState(StateClosed)
	return s.Conn.Close()
}
