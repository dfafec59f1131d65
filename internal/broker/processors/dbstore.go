package processors

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/seiscomp/scmaster/internal/broker"
)

// DBStore persists every admitted message into a SQLite table, giving a
// queue a durable history independent of the in-memory retention buffer
// Queue.Resume reads from. It is the processor a scsql handler's queries
// run against.
type DBStore struct {
	db     *sql.DB
	table  string
	logger zerolog.Logger
}

// DBStoreConfig mirrors config.DBStoreConfig's "driver"/"parameters"
// shape: Path names the database file, Table the row destination.
type DBStoreConfig struct {
	Path  string
	Table string
}

// NewDBStore opens (creating if absent) the database file and the
// message table.
func NewDBStore(cfg DBStoreConfig, logger zerolog.Logger) (*DBStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("dbstore: path is required")
	}
	if cfg.Table == "" {
		cfg.Table = "messages"
	}

	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("dbstore: open: %w", err)
	}

	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		sequence INTEGER PRIMARY KEY,
		sender TEXT NOT NULL,
		target_group TEXT NOT NULL,
		mime_type TEXT NOT NULL,
		payload BLOB NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`, cfg.Table)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("dbstore: schema: %w", err)
	}

	return &DBStore{db: db, table: cfg.Table, logger: logger}, nil
}

// DB exposes the underlying connection for scsql's query handler, which
// reads from the same table this processor writes into.
func (d *DBStore) DB() *sql.DB { return d.db }

// Table returns the configured table name.
func (d *DBStore) Table() string { return d.table }

func (d *DBStore) Init(config map[string]string, prefix string) bool {
	return d.db != nil
}

// Process inserts the message. Process has no error return (Processor's
// contract), so a write failure is logged and otherwise swallowed rather
// than blocking fan-out to live subscribers.
func (d *DBStore) Process(msg *broker.Message) broker.Action {
	query := fmt.Sprintf(
		"INSERT OR REPLACE INTO %s (sequence, sender, target_group, mime_type, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		d.table,
	)
	if _, err := d.db.Exec(query, msg.Sequence, msg.SenderClientName, msg.TargetGroup, msg.MimeType, msg.Payload, msg.CreatedAt); err != nil {
		d.logger.Error().Err(err).Uint64("sequence", msg.Sequence).Msg("dbstore insert failed")
	}
	return broker.ActionPass
}

// Close releases the database handle.
func (d *DBStore) Close() error {
	return d.db.Close()
}
