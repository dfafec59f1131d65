package main

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/seiscomp/scmaster/internal/broker"
	"github.com/seiscomp/scmaster/internal/broker/processors"
	"github.com/seiscomp/scmaster/internal/config"
)

// buildProcessors resolves a queue's message_processors list into the
// concrete mirror processors it names, in the order configured. A
// "dbstore" entry also returns the *DBStore so the caller can hand its
// *sql.DB to the scsql handler for the same queue's database path.
func buildProcessors(names []string, q config.QueueConfig, topo *config.Topology, logger zerolog.Logger) ([]broker.Processor, *processors.DBStore, error) {
	var chain []broker.Processor
	var dbStore *processors.DBStore

	for _, name := range names {
		switch name {
		case "kafka":
			if len(topo.Kafka.Brokers) == 0 {
				return nil, nil, fmt.Errorf("queue %s: kafka processor configured without kafka.brokers", q.Name)
			}
			mirror, err := processors.NewKafkaMirror(processors.KafkaMirrorConfig{
				Brokers: topo.Kafka.Brokers,
				Topic:   topo.Kafka.TopicPrefix + q.Name,
			}, logger)
			if err != nil {
				return nil, nil, fmt.Errorf("queue %s: %w", q.Name, err)
			}
			chain = append(chain, mirror)

		case "nats":
			if topo.NATS.URL == "" {
				return nil, nil, fmt.Errorf("queue %s: nats processor configured without nats.url", q.Name)
			}
			mirror, err := processors.NewNATSMirror(processors.NATSMirrorConfig{
				URL:           topo.NATS.URL,
				SubjectPrefix: topo.NATS.SubjectPrefix + "." + q.Name,
			}, logger)
			if err != nil {
				return nil, nil, fmt.Errorf("queue %s: %w", q.Name, err)
			}
			chain = append(chain, mirror)

		case "dbstore":
			driver := q.DBStore.Driver
			if driver == "" {
				driver = "sqlite3"
			}
			if driver != "sqlite3" {
				return nil, nil, fmt.Errorf("queue %s: unsupported dbstore driver %q", q.Name, driver)
			}
			path := q.DBStore.Parameters["path"]
			if path == "" {
				path = q.Name + ".db"
			}
			store, err := processors.NewDBStore(processors.DBStoreConfig{
				Path:  path,
				Table: q.DBStore.Parameters["table"],
			}, logger)
			if err != nil {
				return nil, nil, fmt.Errorf("queue %s: %w", q.Name, err)
			}
			chain = append(chain, store)
			dbStore = store

		default:
			return nil, nil, fmt.Errorf("queue %s: unknown message processor %q", q.Name, name)
		}
	}

	return chain, dbStore, nil
}
