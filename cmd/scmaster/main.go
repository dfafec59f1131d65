// Command scmaster serves the seismic-data messaging broker: one scmp
// endpoint per configured queue for publish/subscribe traffic, plus a
// scsql endpoint onto the durable message history of each queue that has
// a dbstore processor.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/seiscomp/scmaster/internal/auth"
	"github.com/seiscomp/scmaster/internal/broker"
	"github.com/seiscomp/scmaster/internal/config"
	"github.com/seiscomp/scmaster/internal/endpoint"
	"github.com/seiscomp/scmaster/internal/logging"
	"github.com/seiscomp/scmaster/internal/metrics"
	"github.com/seiscomp/scmaster/internal/ratelimit"
	"github.com/seiscomp/scmaster/internal/resourceguard"
	"github.com/seiscomp/scmaster/internal/scsql"
)

func main() {
	bind := flag.String("bind", "", "override interface.bind")
	sbind := flag.String("sbind", "", "override interface.ssl.bind")
	configFile := flag.String("config", "", "topology config file (YAML/JSON)")
	flag.Parse()

	proc, err := config.LoadProcess()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load process config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Config{
		Level:   logging.Level(proc.LogLevel),
		Format:  logging.Format(proc.LogFormat),
		Service: "scmaster",
	})

	cfgFile := proc.ConfigFile
	if *configFile != "" {
		cfgFile = *configFile
	}
	topo, err := config.LoadTopology(cfgFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("load topology config")
	}
	if *bind != "" {
		topo.Interface.Bind = *bind
	}
	if *sbind != "" {
		topo.Interface.SSL.Bind = *sbind
	}

	m := metrics.New()

	var activeSessions int64
	guard := resourceguard.New(resourceguard.Config{
		MaxSessions:        proc.MaxGoroutines, // one goroutine pair per session is the dominant cost
		MaxGoroutines:      proc.MaxGoroutines,
		MemoryLimitBytes:   proc.MemoryLimit,
		CPURejectThreshold: proc.CPURejectThreshold,
		CPUPauseThreshold:  proc.CPUPauseThreshold,
	}, logger, m, &activeSessions)

	limiter := ratelimit.NewEndpointLimiter(ratelimit.EndpointLimiterConfig{}, logger, m)
	defer limiter.Close()

	var verifier *auth.Verifier
	if topo.JWTSecret != "" {
		verifier = auth.NewVerifier(topo.JWTSecret)
	}

	brokerServer := broker.NewServer(logger, m)
	gate := &sessionGate{limiter: limiter, guard: guard, active: &activeSessions, m: m}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", healthHandler)

	acl, err := endpoint.NewACL(topo.Interface.ACLAllow, topo.Interface.ACLDeny)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse interface ACL")
	}

	for _, qc := range topo.Queues {
		qc := qc
		chain, dbStore, err := buildProcessors(qc.MessageProcessors, qc, topo, logger)
		if err != nil {
			logger.Fatal().Err(err).Str("queue", qc.Name).Msg("configure message processors")
		}

		queue, err := brokerServer.AddQueue(qc.Name, broker.Options{
			MaxPayloadSize:    qc.MaxPayloadSize,
			RetentionMessages: qc.RetentionMessages,
			BacklogBytes:      qc.BacklogBytes,
			BacklogMessages:   qc.BacklogMessages,
			DefaultGroups:     qc.Groups,
			Processors:        chain,
		})
		if err != nil {
			logger.Fatal().Err(err).Str("queue", qc.Name).Msg("add queue")
		}

		brokerPath := topo.HTTP.BrokerPath
		if len(topo.Queues) > 1 {
			brokerPath = brokerPath + "/" + qc.Name
		}
		mux.HandleFunc(brokerPath, brokerUpgradeHandler(queue, verifier, gate, logger))
		logger.Info().Str("queue", qc.Name).Str("path", brokerPath).Msg("scmp endpoint registered")

		if dbStore != nil {
			dbPath := topo.HTTP.DBPath
			if len(topo.Queues) > 1 {
				dbPath = dbPath + "/" + qc.Name
			}
			mux.HandleFunc(dbPath, dbUpgradeHandler(dbStore.DB(), qc.DBStore.Driver, qc.DBStore.Parameters["column_prefix"], scsql.Options{}, gate, logger))
			logger.Info().Str("queue", qc.Name).Str("path", dbPath).Msg("scsql endpoint registered")
		}
	}

	ep, err := endpoint.New(endpoint.Config{Bind: topo.Interface.Bind, ACL: acl}, nil, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("bind interface")
	}

	httpServer := &http.Server{Handler: mux}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	brokerServer.Run(ctx)

	guardStop := make(chan struct{})
	go guard.Run(proc.MetricsInterval, guardStop)

	go func() {
		logger.Info().Str("bind", topo.Interface.Bind).Msg("scmaster listening")
		if err := httpServer.Serve(ep); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server stopped")
		}
	}()

	var tlsServer *http.Server
	var sslEp *endpoint.Endpoint
	if topo.Interface.SSL.Bind != "" && topo.Interface.SSL.Certificate != "" {
		sslACL, err := endpoint.NewACL(topo.Interface.SSL.ACLAllow, topo.Interface.SSL.ACLDeny)
		if err != nil {
			logger.Fatal().Err(err).Msg("parse SSL ACL")
		}
		sslEp, err = endpoint.New(endpoint.Config{Bind: topo.Interface.SSL.Bind, ACL: sslACL}, nil, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("bind SSL interface")
		}
		tlsServer = &http.Server{Handler: mux}
		go func() {
			logger.Info().Str("bind", topo.Interface.SSL.Bind).Msg("scmaster listening (tls)")
			err := tlsServer.ServeTLS(sslEp, topo.Interface.SSL.Certificate, topo.Interface.SSL.Key)
			if err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("tls http server stopped")
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	close(guardStop)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = httpServer.Shutdown(shutdownCtx)
	if tlsServer != nil {
		_ = tlsServer.Shutdown(shutdownCtx)
	}
	if sslEp != nil {
		_ = sslEp.Close()
	}
	_ = ep.Close()

	if err := brokerServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("broker server shutdown timed out")
	}

	logger.Info().Int64("active_sessions", atomic.LoadInt64(&activeSessions)).Msg("shutdown complete")
}
