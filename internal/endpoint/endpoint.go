// Package endpoint implements a listening socket plus accept policy: an
// IP allow/deny ACL evaluated on every accepted connection before a
// session is handed to its protocol handler.
package endpoint

import (
	"fmt"
	"net"
	"syscall"

	"github.com/rs/zerolog"
)

// ACL is an allow-list minus deny-list, CIDR-aware, IP admission policy.
// An empty allow list means "allow everything not explicitly denied."
type ACL struct {
	allow []*net.IPNet
	deny  []*net.IPNet
}

// NewACL parses CIDR or bare-IP entries (a bare IP is treated as a /32 or
// /128) into an ACL. A malformed entry is a configuration error, not a
// runtime one — it is caught here rather than at accept time.
func NewACL(allow, deny []string) (*ACL, error) {
	a := &ACL{}
	var err error
	if a.allow, err = parseNets(allow); err != nil {
		return nil, fmt.Errorf("parse allow list: %w", err)
	}
	if a.deny, err = parseNets(deny); err != nil {
		return nil, fmt.Errorf("parse deny list: %w", err)
	}
	return a, nil
}

func parseNets(entries []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(entries))
	for _, e := range entries {
		_, ipnet, err := net.ParseCIDR(e)
		if err != nil {
			ip := net.ParseIP(e)
			if ip == nil {
				return nil, fmt.Errorf("invalid ACL entry %q", e)
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			ipnet = &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}
		}
		nets = append(nets, ipnet)
	}
	return nets, nil
}

// Allowed reports whether ip may connect: denied first, then allow-list
// (empty allow-list passes everything not denied).
func (a *ACL) Allowed(ip net.IP) bool {
	if a == nil {
		return true
	}
	for _, n := range a.deny {
		if n.Contains(ip) {
			return false
		}
	}
	if len(a.allow) == 0 {
		return true
	}
	for _, n := range a.allow {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Config describes one listening endpoint.
type Config struct {
	Bind    string
	ACL     *ACL
	Backlog int // optional custom TCP accept-queue size
}

// SessionFactory constructs whatever the caller wants from a freshly
// accepted, ACL-passed connection (an HTTP server, a raw protocol reader,
// etc). Endpoint does not know or care which.
type SessionFactory func(conn net.Conn)

// Endpoint owns one listening socket and hands accepted connections that
// pass its ACL to a session factory.
type Endpoint struct {
	cfg      Config
	logger   zerolog.Logger
	listener net.Listener
	factory  SessionFactory
}

// New binds the listening socket. No connection is accepted until Serve
// or Accept is called.
func New(cfg Config, factory SessionFactory, logger zerolog.Logger) (*Endpoint, error) {
	ln, err := net.Listen("tcp", cfg.Bind)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Bind, err)
	}

	if cfg.Backlog > 0 {
		if tcpLn, ok := ln.(*net.TCPListener); ok {
			if file, ferr := tcpLn.File(); ferr == nil {
				_ = syscall.Listen(int(file.Fd()), cfg.Backlog)
				file.Close()
			}
		}
	}

	return &Endpoint{cfg: cfg, logger: logger.With().Str("endpoint", cfg.Bind).Logger(), listener: ln, factory: factory}, nil
}

// Accept implements net.Listener so an *http.Server can Serve directly
// over an Endpoint, applying the ACL to every accepted connection
// before the HTTP layer ever reads a byte from it.
func (e *Endpoint) Accept() (net.Conn, error) {
	for {
		conn, err := e.listener.Accept()
		if err != nil {
			return nil, err
		}

		host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
		ip := net.ParseIP(host)
		if err != nil || ip == nil || !e.cfg.ACL.Allowed(ip) {
			e.logger.Warn().Str("remote", conn.RemoteAddr().String()).Msg("connection rejected by ACL")
			conn.Close()
			continue
		}
		return conn, nil
	}
}

// Serve accepts connections until the listener is closed. Denied IPs are
// closed immediately without reaching the session factory.
func (e *Endpoint) Serve() error {
	e.logger.Info().Msg("endpoint listening")
	for {
		conn, err := e.listener.Accept()
		if err != nil {
			return err
		}

		host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
		ip := net.ParseIP(host)
		if err != nil || ip == nil || !e.cfg.ACL.Allowed(ip) {
			e.logger.Warn().Str("remote", conn.RemoteAddr().String()).Msg("connection rejected by ACL")
			conn.Close()
			continue
		}

		go e.factory(conn)
	}
}

// Close stops accepting new connections.
func (e *Endpoint) Close() error {
	return e.listener.Close()
}

// Addr returns the listener's bound address.
func (e *Endpoint) Addr() net.Addr {
	return e.listener.Addr()
}
