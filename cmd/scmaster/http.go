package main

import (
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/seiscomp/scmaster/internal/auth"
	"github.com/seiscomp/scmaster/internal/broker"
	"github.com/seiscomp/scmaster/internal/metrics"
	"github.com/seiscomp/scmaster/internal/ratelimit"
	"github.com/seiscomp/scmaster/internal/resourceguard"
	"github.com/seiscomp/scmaster/internal/scmp"
	"github.com/seiscomp/scmaster/internal/scsql"
	"github.com/seiscomp/scmaster/internal/wsproto"
)

// sessionGate is the shared admission policy every upgrade handler
// checks before completing a handshake: an IP-scoped rate limiter and
// the process-wide resource guard.
type sessionGate struct {
	limiter *ratelimit.EndpointLimiter
	guard   *resourceguard.Guard
	active  *int64
	m       *metrics.Registry
}

func (g *sessionGate) admit(r *http.Request) (ok bool, reason string) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !g.limiter.Allow(host) {
		return false, "rate limited"
	}
	if accept, why := g.guard.ShouldAcceptSession(); !accept {
		return false, why
	}
	return true, ""
}

// brokerUpgradeHandler serves one queue's scmp sub-protocol endpoint.
func brokerUpgradeHandler(queue *broker.Queue, verifier *auth.Verifier, gate *sessionGate, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ok, reason := gate.admit(r); !ok {
			http.Error(w, reason, http.StatusServiceUnavailable)
			return
		}

		conn, err := wsproto.Upgrade(w, r, "scmp", nil)
		if err != nil {
			logger.Warn().Err(err).Str("queue", queue.Name).Msg("scmp upgrade failed")
			return
		}

		if gate.m != nil {
			gate.m.SessionsTotal.Inc()
			gate.m.SessionsActive.Inc()
		}
		atomic.AddInt64(gate.active, 1)

		h := scmp.NewHandler(conn, queue, verifier, logger)
		go runScmpSession(conn, queue, h, gate, logger)
	}
}

func runScmpSession(conn *wsproto.Conn, queue *broker.Queue, h *scmp.Handler, gate *sessionGate, logger zerolog.Logger) {
	defer func() {
		conn.Close()
		if gate.m != nil {
			gate.m.SessionsActive.Dec()
		}
		atomic.AddInt64(gate.active, -1)
	}()

	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			done := make(chan struct{})
			queue.Reactor.Submit(func() {
				h.ConnectionLost()
				close(done)
			})
			<-done
			return
		}

		done := make(chan struct{})
		queue.Reactor.Submit(func() {
			h.HandleFrame(msg.Payload)
			close(done)
		})
		<-done
	}
}

// dbUpgradeHandler serves the scsql sub-protocol endpoint backing one
// queue's durable message history.
func dbUpgradeHandler(db *sql.DB, backend, columnPrefix string, opts scsql.Options, gate *sessionGate, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ok, reason := gate.admit(r); !ok {
			http.Error(w, reason, http.StatusServiceUnavailable)
			return
		}

		conn, err := wsproto.Upgrade(w, r, "scsql", wsproto.UpgradeHeaders{
			"X-DB-Backend": backend,
			"X-DB-Prefix":  columnPrefix,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("scsql upgrade failed")
			return
		}

		if gate.m != nil {
			gate.m.SessionsTotal.Inc()
			gate.m.SessionsActive.Inc()
		}
		atomic.AddInt64(gate.active, 1)

		h := scsql.NewHandler(conn, db, opts, logger)
		go runScsqlSession(conn, h, gate)
	}
}

func runScsqlSession(conn *wsproto.Conn, h *scsql.Handler, gate *sessionGate) {
	defer func() {
		conn.Close()
		if gate.m != nil {
			gate.m.SessionsActive.Dec()
		}
		atomic.AddInt64(gate.active, -1)
	}()

	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		h.HandleFrame(msg.Payload)
		if h.Closed() {
			return
		}
	}
}

// healthHandler reports 200 as long as the process is serving; a more
// elaborate readiness probe is not part of this surface.
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}
