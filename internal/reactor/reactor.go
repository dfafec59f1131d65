// Package reactor serializes work for one logical worker (the Server's own
// loop, or one queue's worker) the way a single-threaded epoll loop would:
// everything that touches that worker's state runs as one task on one
// goroutine, in submission order. I/O itself is not multiplexed here — Go's
// runtime already parks blocking reads cheaply — so each connection gets
// its own read-pump goroutine, and that goroutine's only interaction with
// shared state is handing a parsed unit of work to the owning reactor's
// inbox. That satisfies the "one async task per reactor turn, not one task
// per connection" rule: the connection goroutine never touches queue or
// session state directly.
package reactor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Task is one reactor turn: a unit of work that must run with exclusive
// access to the reactor's owned state.
type Task func()

// TimerID identifies a timer registered with SetTimer, for later cancellation.
type TimerID uint64

// Reactor runs submitted tasks one at a time, in order, on a single
// goroutine. It is the Go analogue of a single-threaded event loop: the
// loop goroutine is the only goroutine allowed to mutate state owned by
// whatever this reactor represents (the Server, or one queue).
type Reactor struct {
	Name   string
	logger zerolog.Logger

	inbox chan Task

	mu      sync.Mutex
	timers  map[TimerID]*timerHandle
	nextID  TimerID
	running bool

	done chan struct{}
}

type timerHandle struct {
	ticker *time.Ticker
	stop   chan struct{}
}

// New builds a Reactor with the given inbox capacity. A small positive
// capacity lets bursts of cross-goroutine submissions avoid blocking their
// callers; a full inbox applies backpressure to the submitter.
func New(name string, inboxCapacity int, logger zerolog.Logger) *Reactor {
	return &Reactor{
		Name:   name,
		logger: logger.With().Str("reactor", name).Logger(),
		inbox:  make(chan Task, inboxCapacity),
		timers: make(map[TimerID]*timerHandle),
		done:   make(chan struct{}),
	}
}

// Run executes the loop until ctx is canceled.
// Exactly one goroutine should call Run for a given Reactor.
func (r *Reactor) Run(ctx context.Context) {
	r.mu.Lock()
	r.running = true
	r.mu.Unlock()

	defer close(r.done)

	for {
		select {
		case task := <-r.inbox:
			r.runTurn(task)
		case <-ctx.Done():
			r.drainAndStopTimers()
			return
		}
	}
}

func (r *Reactor) runTurn(task Task) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Interface("panic", rec).Msg("reactor turn panicked, recovering")
		}
	}()
	task()
}

func (r *Reactor) drainAndStopTimers() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.timers {
		h.ticker.Stop()
		close(h.stop)
	}
	r.timers = make(map[TimerID]*timerHandle)
}

// Submit enqueues task for execution on the reactor's own goroutine. Safe
// to call from any goroutine. Submit blocks if the inbox is full, applying
// backpressure rather than dropping work; callers on a tight deadline
// should use TrySubmit instead.
func (r *Reactor) Submit(task Task) {
	r.inbox <- task
}

// TrySubmit enqueues task without blocking, returning false if the inbox
// is full.
func (r *Reactor) TrySubmit(task Task) bool {
	select {
	case r.inbox <- task:
		return true
	default:
		return false
	}
}

// SetTimer registers a repeating timer. The callback runs as an ordinary
// task on the reactor's own goroutine — a timer fire is just another turn,
// matching the single repeating-timer primitive the origin reactor used
// for both its per-second queue tick and its ten-second statistics
// snapshot.
func (r *Reactor) SetTimer(interval time.Duration, callback func()) TimerID {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID

	ticker := time.NewTicker(interval)
	stop := make(chan struct{})
	r.timers[id] = &timerHandle{ticker: ticker, stop: stop}

	go func() {
		for {
			select {
			case <-ticker.C:
				r.TrySubmit(callback)
			case <-stop:
				return
			}
		}
	}()

	return id
}

// StopTimer cancels a previously registered timer. A no-op if the id is
// unknown or already stopped.
func (r *Reactor) StopTimer(id TimerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.timers[id]
	if !ok {
		return
	}
	h.ticker.Stop()
	close(h.stop)
	delete(r.timers, id)
}

// Done returns a channel closed once Run has returned.
func (r *Reactor) Done() <-chan struct{} {
	return r.done
}
