// Package resourceguard enforces static admission limits (connections, CPU,
// memory, goroutines) so a burst of sessions cannot take the broker down.
package resourceguard

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/seiscomp/scmaster/internal/metrics"
)

// Config is the static admission policy.
type Config struct {
	MaxSessions        int
	MaxGoroutines      int
	MemoryLimitBytes   int64
	CPURejectThreshold float64 // percent, 0-100
	CPUPauseThreshold  float64 // percent, 0-100
}

// Guard samples process resource usage and decides admission.
type Guard struct {
	cfg    Config
	logger zerolog.Logger
	proc   *process.Process
	m      *metrics.Registry

	activeSessions *int64

	cpuPercent atomic.Value // float64
	memBytes   atomic.Int64
}

// New builds a Guard. activeSessions must point at the counter the caller
// increments/decrements as sessions come and go.
func New(cfg Config, logger zerolog.Logger, m *metrics.Registry, activeSessions *int64) *Guard {
	if cfg.MemoryLimitBytes == 0 {
		if lim, err := cgroupMemoryLimit(); err == nil && lim > 0 {
			cfg.MemoryLimitBytes = lim
		}
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn().Err(err).Msg("resourceguard: gopsutil process handle unavailable, CPU checks disabled")
	}

	g := &Guard{
		cfg:            cfg,
		logger:         logger,
		proc:           proc,
		m:              m,
		activeSessions: activeSessions,
	}
	g.cpuPercent.Store(0.0)
	return g
}

// ShouldAcceptSession reports whether a new session may be admitted, and why
// not when it may not.
func (g *Guard) ShouldAcceptSession() (accept bool, reason string) {
	active := atomic.LoadInt64(g.activeSessions)
	if int(active) >= g.cfg.MaxSessions {
		g.reject("max_sessions")
		return false, "at max sessions"
	}

	cpu := g.cpuPercent.Load().(float64)
	if g.cfg.CPURejectThreshold > 0 && cpu > g.cfg.CPURejectThreshold {
		g.reject("cpu_overload")
		return false, "CPU overload"
	}

	mem := g.memBytes.Load()
	if g.cfg.MemoryLimitBytes > 0 && mem > g.cfg.MemoryLimitBytes {
		g.reject("memory_limit")
		return false, "memory limit exceeded"
	}

	if g.cfg.MaxGoroutines > 0 && runtime.NumGoroutine() > g.cfg.MaxGoroutines {
		g.reject("goroutine_limit")
		return false, "goroutine limit exceeded"
	}

	return true, ""
}

func (g *Guard) reject(reason string) {
	if g.m != nil {
		g.m.SessionsRejected.WithLabelValues(reason).Inc()
	}
}

// ShouldPauseIngest reports whether upstream ingestion (e.g. a mirror
// processor's consumer) should pause to let CPU recover.
func (g *Guard) ShouldPauseIngest() bool {
	if g.cfg.CPUPauseThreshold <= 0 {
		return false
	}
	return g.cpuPercent.Load().(float64) > g.cfg.CPUPauseThreshold
}

// Sample refreshes CPU/memory readings. Call it on a timer, not per request.
func (g *Guard) Sample() {
	if g.proc != nil {
		if pct, err := g.proc.CPUPercent(); err == nil {
			g.cpuPercent.Store(pct)
		}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	g.memBytes.Store(int64(mem.Alloc))

	if g.m != nil {
		g.m.CPUPercent.Set(g.cpuPercent.Load().(float64))
		g.m.MemoryBytes.Set(float64(g.memBytes.Load()))
		g.m.Goroutines.Set(float64(runtime.NumGoroutine()))
	}
}

// Run samples on interval until stop is closed.
func (g *Guard) Run(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.Sample()
		case <-stop:
			return
		}
	}
}

// cgroupMemoryLimit reads the container memory ceiling, trying cgroup v2
// then falling back to v1. Returns 0 when no limit is set.
func cgroupMemoryLimit() (int64, error) {
	if data, err := os.ReadFile("/sys/fs/cgroup/memory.max"); err == nil {
		limitStr := strings.TrimSpace(string(data))
		if limitStr != "max" {
			return strconv.ParseInt(limitStr, 10, 64)
		}
		return 0, nil
	}

	if data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
		return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	}

	return 0, nil
}
