package resourceguard

import (
	"testing"

	"github.com/rs/zerolog"
)

func newGuard(t *testing.T, cfg Config) (*Guard, *int64) {
	t.Helper()
	active := new(int64)
	return New(cfg, zerolog.Nop(), nil, active), active
}

func TestShouldAcceptSessionWithinLimits(t *testing.T) {
	g, active := newGuard(t, Config{MaxSessions: 10})
	*active = 2

	ok, reason := g.ShouldAcceptSession()
	if !ok {
		t.Fatalf("expected accept, got reject: %s", reason)
	}
}

func TestShouldAcceptSessionRejectsAtMaxSessions(t *testing.T) {
	g, active := newGuard(t, Config{MaxSessions: 2})
	*active = 2

	ok, _ := g.ShouldAcceptSession()
	if ok {
		t.Fatal("expected reject at max sessions")
	}
}

func TestShouldAcceptSessionRejectsOnCPUOverload(t *testing.T) {
	g, _ := newGuard(t, Config{MaxSessions: 10, CPURejectThreshold: 80})
	g.cpuPercent.Store(95.0)

	ok, reason := g.ShouldAcceptSession()
	if ok {
		t.Fatal("expected reject on CPU overload")
	}
	if reason != "CPU overload" {
		t.Fatalf("reason = %q, want CPU overload", reason)
	}
}

func TestShouldAcceptSessionRejectsOnMemoryLimit(t *testing.T) {
	g, _ := newGuard(t, Config{MaxSessions: 10, MemoryLimitBytes: 100})
	g.memBytes.Store(200)

	ok, _ := g.ShouldAcceptSession()
	if ok {
		t.Fatal("expected reject over memory limit")
	}
}

func TestShouldAcceptSessionRejectsOnGoroutineLimit(t *testing.T) {
	g, _ := newGuard(t, Config{MaxSessions: 10, MaxGoroutines: 1})

	ok, _ := g.ShouldAcceptSession()
	if ok {
		t.Fatal("expected reject: test process always runs more than one goroutine")
	}
}

func TestShouldPauseIngestRespectsThreshold(t *testing.T) {
	g, _ := newGuard(t, Config{MaxSessions: 10, CPUPauseThreshold: 90})
	g.cpuPercent.Store(95.0)

	if !g.ShouldPauseIngest() {
		t.Fatal("expected ShouldPauseIngest true above threshold")
	}

	g.cpuPercent.Store(10.0)
	if g.ShouldPauseIngest() {
		t.Fatal("expected ShouldPauseIngest false below threshold")
	}
}

func TestShouldPauseIngestDisabledWhenThresholdUnset(t *testing.T) {
	g, _ := newGuard(t, Config{MaxSessions: 10})
	g.cpuPercent.Store(99.0)

	if g.ShouldPauseIngest() {
		t.Fatal("expected ShouldPauseIngest false when CPUPauseThreshold is 0")
	}
}
