// Package ratelimit provides token-bucket rate limiting for endpoint
// admission and per-session message flow control.
package ratelimit

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/seiscomp/scmaster/internal/metrics"
)

// EndpointLimiterConfig tunes the two-level (per-IP + global) limiter an
// endpoint applies to incoming upgrade requests.
type EndpointLimiterConfig struct {
	IPBurst     int
	IPRate      float64
	IPTTL       time.Duration
	GlobalBurst int
	GlobalRate  float64
}

func (c *EndpointLimiterConfig) setDefaults() {
	if c.IPBurst == 0 {
		c.IPBurst = 10
	}
	if c.IPRate == 0 {
		c.IPRate = 1.0
	}
	if c.IPTTL == 0 {
		c.IPTTL = 5 * time.Minute
	}
	if c.GlobalBurst == 0 {
		c.GlobalBurst = 300
	}
	if c.GlobalRate == 0 {
		c.GlobalRate = 50.0
	}
}

type ipEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// EndpointLimiter rejects session-establishment attempts before they reach
// the handshake, protecting the reactor from connection floods.
type EndpointLimiter struct {
	cfg EndpointLimiterConfig

	mu  sync.Mutex
	ips map[string]*ipEntry

	global *rate.Limiter
	logger zerolog.Logger
	m      *metrics.Registry

	stop chan struct{}
}

// NewEndpointLimiter builds a limiter and starts its stale-entry sweeper.
func NewEndpointLimiter(cfg EndpointLimiterConfig, logger zerolog.Logger, m *metrics.Registry) *EndpointLimiter {
	cfg.setDefaults()
	l := &EndpointLimiter{
		cfg:    cfg,
		ips:    make(map[string]*ipEntry),
		global: rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		logger: logger.With().Str("component", "endpoint_limiter").Logger(),
		m:      m,
		stop:   make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// Allow checks the global bucket first, then the per-IP bucket.
func (l *EndpointLimiter) Allow(ip string) bool {
	if !l.global.Allow() {
		l.record("global")
		return false
	}
	if !l.ipLimiter(ip).Allow() {
		l.record("per_ip")
		return false
	}
	return true
}

func (l *EndpointLimiter) record(scope string) {
	if l.m != nil {
		l.m.RateLimited.WithLabelValues(scope).Inc()
	}
}

func (l *EndpointLimiter) ipLimiter(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.ips[ip]
	if ok {
		entry.lastAccess = time.Now()
		return entry.limiter
	}

	entry = &ipEntry{
		limiter:    rate.NewLimiter(rate.Limit(l.cfg.IPRate), l.cfg.IPBurst),
		lastAccess: time.Now(),
	}
	l.ips[ip] = entry
	return entry.limiter
}

func (l *EndpointLimiter) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stop:
			return
		}
	}
}

func (l *EndpointLimiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	for ip, entry := range l.ips {
		if now.Sub(entry.lastAccess) > l.cfg.IPTTL {
			delete(l.ips, ip)
		}
	}
}

// Close stops the sweeper goroutine.
func (l *EndpointLimiter) Close() {
	close(l.stop)
}

// SessionLimiter is a single token bucket bound to one session. The scmp
// and scsql handlers in this module do not use it.
type SessionLimiter struct {
	limiter *rate.Limiter
}

// NewSessionLimiter builds a per-session limiter with the given sustained
// rate and burst.
func NewSessionLimiter(ratePerSec float64, burst int) *SessionLimiter {
	return &SessionLimiter{limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst)}
}

// Allow reports whether the next message may proceed immediately.
func (s *SessionLimiter) Allow() bool {
	return s.limiter.Allow()
}
