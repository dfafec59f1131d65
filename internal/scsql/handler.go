package scsql

import (
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"github.com/seiscomp/scmaster/internal/wsproto"
)

// Options configures one Handler. MaxRows bounds the total number of
// rows a single QUERY may FETCH before the handler closes the
// connection with a protocol error, guarding against a client that
// opens a cursor over a huge result set and never calls QUERY_END.
type Options struct {
	MaxRows              int
	DistinguishEndOfRows bool
}

func (o *Options) setDefaults() {
	if o.MaxRows <= 0 {
		o.MaxRows = 100000
	}
}

// Handler drives one scsql session's transaction/statement/cursor
// state machine against a shared *sql.DB. Every method must run on
// the single goroutine that owns this connection's read loop — unlike
// scmp's queue-backed Handler, nothing else delivers concurrently
// into a scsql session, so no reactor ownership is required here.
type Handler struct {
	conn   *wsproto.Conn
	db     *sql.DB
	logger zerolog.Logger
	opts   Options

	tx          *sql.Tx
	rows        *sql.Rows
	columns     []string
	lastResult  sql.Result
	rowsFetched int

	lastActivity time.Time
	closed       bool
}

// NewHandler binds a session to the shared database handle (typically
// processors.DBStore's DB()) backing a queue's message history.
func NewHandler(conn *wsproto.Conn, db *sql.DB, opts Options, logger zerolog.Logger) *Handler {
	opts.setDefaults()
	return &Handler{
		conn:         conn,
		db:           db,
		opts:         opts,
		logger:       logger,
		lastActivity: time.Now(),
	}
}

// Closed reports whether a protocol error has already ended the
// session, so the owning read loop knows to stop calling HandleFrame.
func (h *Handler) Closed() bool { return h.closed }

// IdleSince reports how long it has been since the last inbound
// frame, for an external watchdog to enforce an idle-transaction
// timeout the way scmp's queue reactor ages out idle clients.
func (h *Handler) IdleSince() time.Duration { return time.Since(h.lastActivity) }

// HandleFrame dispatches exactly one command: scsql frames one
// command per binary WebSocket message, unlike scmp's line-oriented
// multi-command pipelining.
func (h *Handler) HandleFrame(data []byte) {
	h.lastActivity = time.Now()

	if len(data) == 0 {
		h.protocolClose("empty frame")
		return
	}

	cmd := Command(data[0])
	body := data[1:]

	switch cmd {
	case CmdStart:
		h.handleStart()
	case CmdCommit:
		h.handleCommit()
	case CmdRollback:
		h.handleRollback()
	case CmdExecute:
		h.handleExecute(body)
	case CmdQuery:
		h.handleQuery(body)
	case CmdQueryEnd:
		h.handleQueryEnd()
	case CmdLastID:
		h.handleLastID()
	case CmdAffectedRows:
		h.handleAffectedRows()
	case CmdFetch:
		h.handleFetch()
	default:
		h.protocolClose("unknown command")
	}
}

func (h *Handler) handleStart() {
	if h.tx != nil {
		h.sendResult(CmdStart, StatusError, "transaction already active")
		return
	}
	tx, err := h.db.Begin()
	if err != nil {
		h.sendResult(CmdStart, StatusError, err.Error())
		return
	}
	h.tx = tx
	h.sendResult(CmdStart, StatusOK, "OK")
}

func (h *Handler) handleCommit() {
	if h.tx == nil {
		h.sendResult(CmdCommit, StatusError, "no active transaction")
		return
	}
	err := h.tx.Commit()
	h.tx = nil
	if err != nil {
		h.sendResult(CmdCommit, StatusError, err.Error())
		return
	}
	h.sendResult(CmdCommit, StatusOK, "OK")
}

func (h *Handler) handleRollback() {
	if h.tx == nil {
		h.sendResult(CmdRollback, StatusError, "no active transaction")
		return
	}
	err := h.tx.Rollback()
	h.tx = nil
	if err != nil {
		h.sendResult(CmdRollback, StatusError, err.Error())
		return
	}
	h.sendResult(CmdRollback, StatusOK, "OK")
}

// execer and queryer let handleExecute/handleQuery run against either
// the active transaction or the shared db handle without duplicating
// the call sites.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}
type queryer interface {
	Query(query string, args ...any) (*sql.Rows, error)
}

func (h *Handler) execer() execer {
	if h.tx != nil {
		return h.tx
	}
	return h.db
}

func (h *Handler) queryer() queryer {
	if h.tx != nil {
		return h.tx
	}
	return h.db
}

func (h *Handler) handleExecute(body []byte) {
	stmt := nulTerminatedString(body)
	if stmt == "" {
		h.sendResult(CmdExecute, StatusError, "empty statement")
		return
	}
	res, err := h.execer().Exec(stmt)
	if err != nil {
		h.sendResult(CmdExecute, StatusError, err.Error())
		return
	}
	h.lastResult = res
	h.sendResult(CmdExecute, StatusOK, "OK")
}

func (h *Handler) handleQuery(body []byte) {
	stmt := nulTerminatedString(body)
	if stmt == "" {
		h.sendResult(CmdQuery, StatusError, "empty statement")
		return
	}
	h.closeCursor()

	rows, err := h.queryer().Query(stmt)
	if err != nil {
		h.sendResult(CmdQuery, StatusError, err.Error())
		return
	}
	columns, err := rows.Columns()
	if err != nil {
		rows.Close()
		h.sendResult(CmdQuery, StatusError, err.Error())
		return
	}

	h.rows = rows
	h.columns = columns
	h.rowsFetched = 0
	h.write(encodeFieldsResult(CmdQuery, columns))
}

func (h *Handler) handleQueryEnd() {
	h.closeCursor()
	h.sendResult(CmdQueryEnd, StatusOK, "")
}

func (h *Handler) closeCursor() {
	if h.rows != nil {
		h.rows.Close()
		h.rows = nil
		h.columns = nil
	}
}

func (h *Handler) handleLastID() {
	if h.lastResult == nil {
		h.sendResult(CmdLastID, StatusError, "no prior EXECUTE")
		return
	}
	id, err := h.lastResult.LastInsertId()
	if err != nil {
		h.sendResult(CmdLastID, StatusError, err.Error())
		return
	}
	h.write(encodeUint64Result(CmdLastID, StatusOK, uint64(id)))
}

func (h *Handler) handleAffectedRows() {
	if h.lastResult == nil {
		h.sendResult(CmdAffectedRows, StatusError, "no prior EXECUTE")
		return
	}
	n, err := h.lastResult.RowsAffected()
	if err != nil {
		h.sendResult(CmdAffectedRows, StatusError, err.Error())
		return
	}
	h.write(encodeUint64Result(CmdAffectedRows, StatusOK, uint64(n)))
}

func (h *Handler) handleFetch() {
	if h.rows == nil {
		h.protocolClose("no active query")
		return
	}
	if h.rowsFetched >= h.opts.MaxRows {
		h.protocolClose("row limit exceeded")
		return
	}

	if !h.rows.Next() {
		if err := h.rows.Err(); err != nil {
			h.sendResult(CmdFetch, StatusError, err.Error())
			return
		}
		if h.opts.DistinguishEndOfRows {
			h.sendResult(CmdFetch, StatusEndOfRows, "")
		} else {
			h.sendResult(CmdFetch, StatusError, "")
		}
		return
	}

	raw := make([]sql.RawBytes, len(h.columns))
	dest := make([]any, len(raw))
	for i := range raw {
		dest[i] = &raw[i]
	}
	if err := h.rows.Scan(dest...); err != nil {
		h.sendResult(CmdFetch, StatusError, err.Error())
		return
	}

	values := make([][]byte, len(raw))
	for i, v := range raw {
		if v == nil {
			continue
		}
		values[i] = append([]byte(nil), v...)
	}
	h.rowsFetched++
	h.write(encodeRowResult(values))
}

func (h *Handler) sendResult(cmd Command, status byte, message string) {
	h.write(encodeResult(cmd, status, message))
}

func (h *Handler) write(frame []byte) {
	if err := h.conn.WriteBinary(frame); err != nil {
		h.logger.Warn().Err(err).Msg("scsql reply write failed")
	}
}

// protocolClose matches the original handler's sendClose(): a
// malformed command, a FETCH with no open QUERY, or a FETCH past
// MaxRows ends the session immediately rather than leaving it in an
// ambiguous state. Other out-of-order commands (START inside a
// transaction, COMMIT or ROLLBACK without one, LAST_ID or AFFECTED_ROWS
// before any EXECUTE) get a StatusError reply and the session stays open.
func (h *Handler) protocolClose(reason string) {
	h.closeCursor()
	if h.tx != nil {
		h.tx.Rollback()
		h.tx = nil
	}
	h.conn.CloseProtocolError(reason)
	h.closed = true
}
