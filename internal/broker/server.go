package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/seiscomp/scmaster/internal/metrics"
	"github.com/seiscomp/scmaster/internal/stats"
)

// queueStatsSource adapts *Queue to stats.Source without putting a
// Name() method directly on Queue, which already exposes Name as a
// plain field for every call site inside this package.
type queueStatsSource struct{ *Queue }

func (s queueStatsSource) Name() string { return s.Queue.Name }

func (s queueStatsSource) StatisticsSnapshot(reset bool) stats.Counters {
	return s.Queue.StatisticsSnapshot(reset)
}

// Server owns the set of live queues, one reactor goroutine per queue,
// and the statistics collector that samples them all every ten seconds.
// It is the broker-side counterpart of an endpoint.Endpoint: the
// endpoint accepts connections, and the server owns the queues that the
// per-queue HTTP upgrade handlers attach sessions to; it does no routing
// itself.
type Server struct {
	mu     sync.RWMutex
	queues map[string]*Queue

	logger    zerolog.Logger
	m         *metrics.Registry
	collector *stats.Collector

	statsInterval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
	stopCh chan struct{}
}

// NewServer builds an empty server. Queues are added with AddQueue
// before Run is called.
func NewServer(logger zerolog.Logger, m *metrics.Registry) *Server {
	return &Server{
		queues:        make(map[string]*Queue),
		logger:        logger,
		m:             m,
		collector:     stats.NewCollector(),
		statsInterval: 10 * time.Second,
	}
}

// AddQueue creates and registers a new queue. It must be called before
// Run; adding a queue to a running server is not supported, since the
// topology is fixed at startup (see spec's queue lifecycle notes).
func (s *Server) AddQueue(name string, opts Options) (*Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.queues[name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrQueueExists, name)
	}
	q := New(name, opts, s.logger, s.m)
	s.queues[name] = q
	s.collector.AddSource(queueStatsSource{q})
	return q, nil
}

// Queue looks up a queue by name.
func (s *Server) Queue(name string) (*Queue, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.queues[name]
	return q, ok
}

// Queues returns a snapshot of every registered queue.
func (s *Server) Queues() []*Queue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Queue, 0, len(s.queues))
	for _, q := range s.queues {
		out = append(out, q)
	}
	return out
}

// Collector exposes the statistics collector, e.g. for an HTTP status
// endpoint to read History()/Totals() from.
func (s *Server) Collector() *stats.Collector { return s.collector }

// Run starts one goroutine per queue reactor, each with its own
// per-second idle-timeout timer, plus the shared statistics collector
// loop. It returns as soon as they are started; they stop when ctx is
// cancelled or Shutdown is called, and Shutdown waits for them.
func (s *Server) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stopCh = make(chan struct{})

	s.mu.RLock()
	queues := make([]*Queue, 0, len(s.queues))
	for _, q := range s.queues {
		queues = append(queues, q)
	}
	s.mu.RUnlock()

	for _, q := range queues {
		q := q
		q.Reactor.SetTimer(time.Second, q.timeout)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			q.Reactor.Run(ctx)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.collector.Run(s.statsInterval, s.stopCh)
	}()

	s.logger.Info().Int("queues", len(queues)).Msg("broker server running")
}

// Shutdown signals every queue reactor and the stats collector to stop,
// then waits for them to exit or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.stopCh != nil {
		close(s.stopCh)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
