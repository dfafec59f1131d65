package processors

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/seiscomp/scmaster/internal/broker"
)

// NATSMirror republishes every admitted message onto a NATS subject
// derived from the queue name and target group, for fan-out to
// consumers outside the broker's own WebSocket subscribers.
type NATSMirror struct {
	conn          *nats.Conn
	subjectPrefix string
	logger        zerolog.Logger
}

// NATSMirrorConfig is built by cmd/scmaster from the topology's nats
// section; Init does not read it.
type NATSMirrorConfig struct {
	URL           string
	SubjectPrefix string
}

// NewNATSMirror connects eagerly, same rationale as NewKafkaMirror: fail
// at queue startup, not on the first dropped message.
func NewNATSMirror(cfg NATSMirrorConfig, logger zerolog.Logger) (*NATSMirror, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.SubjectPrefix == "" {
		return nil, fmt.Errorf("nats mirror: subject prefix is required")
	}

	conn, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats mirror disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("nats mirror reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats mirror: %w", err)
	}

	return &NATSMirror{conn: conn, subjectPrefix: cfg.SubjectPrefix, logger: logger}, nil
}

func (n *NATSMirror) Init(config map[string]string, prefix string) bool {
	n.logger = n.logger.With().Str("processor", "nats").Str("prefix", prefix).Logger()
	return true
}

// Process publishes without waiting for acknowledgement; NATS core
// pub/sub is fire-and-forget by design, matching the processor chain's
// requirement that no processor block the hot path on I/O.
func (n *NATSMirror) Process(msg *broker.Message) broker.Action {
	subject := n.subjectPrefix + "." + msg.TargetGroup
	if err := n.conn.Publish(subject, msg.Payload); err != nil {
		n.logger.Error().Err(err).Uint64("sequence", msg.Sequence).Msg("nats mirror publish failed")
	}
	return broker.ActionPass
}

// Close drains and closes the connection.
func (n *NATSMirror) Close() {
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
	}
}
