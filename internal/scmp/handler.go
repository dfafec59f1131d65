package scmp

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/seiscomp/scmaster/internal/auth"
	"github.com/seiscomp/scmaster/internal/broker"
	"github.com/seiscomp/scmaster/internal/wsproto"
)

// State is the client's position in the CONNECT → SUBSCRIBE* →
// SEND*/STATE* → DISCONNECT lifecycle.
type State int32

const (
	StateUnconnected State = iota
	StateConnected
	StateDisconnecting
	StateClosed
)

// outboxCapacity bounds the per-session outbox, in frames. It is sized
// well above the default BacklogMessages threshold (see
// internal/broker's Options.setDefaults) so a subscriber crossing its
// logical backlog threshold is what gets it evicted, not the outbox
// itself filling first.
const outboxCapacity = 2048

// closeKind selects the frame, if any, the writer goroutine sends before
// closing the connection once the outbox drains.
type closeKind int32

const (
	closeAbrupt closeKind = iota
	closeGraceful
	closeProtocolErr
)

// Handler parses inbound scmp frames, drives the client state machine,
// and implements broker.Subscriber so Queue can deliver straight back
// onto this connection. Every method here must run on the owning
// queue's reactor goroutine — HandleFrame is the task a session's read
// pump submits there.
//
// Writes never happen inline on the reactor goroutine: Publish/reply
// enqueue a frame onto outbox and a dedicated writer goroutine (started
// by NewHandler) drains it onto the socket, so one stalled subscriber's
// slow write can never stall the queue's reactor or any other session.
type Handler struct {
	conn     *wsproto.Conn
	queue    *broker.Queue
	verifier *auth.Verifier
	logger   zerolog.Logger

	client *broker.Client
	state  State

	bytesSentThisTurn int
	maxBytesPerTurn   int

	outbox      chan []byte
	closeOnce   sync.Once
	closeKind   closeKind
	closeReason string
}

// NewHandler builds a handler bound to one connection and the queue it
// was upgraded against (the queue name comes from the brokerPath URL,
// resolved by the caller before the handler is constructed), and starts
// its outbox writer goroutine.
func NewHandler(conn *wsproto.Conn, queue *broker.Queue, verifier *auth.Verifier, logger zerolog.Logger) *Handler {
	h := &Handler{
		conn:            conn,
		queue:           queue,
		verifier:        verifier,
		logger:          logger,
		maxBytesPerTurn: 1 << 20,
		outbox:          make(chan []byte, outboxCapacity),
	}
	go h.runWriter()
	return h
}

// runWriter is the only goroutine that ever writes to conn. It drains
// outbox until requestClose closes it, then sends the requested close
// frame (if any) exactly once, after every already-buffered frame has
// gone out.
func (h *Handler) runWriter() {
	for frame := range h.outbox {
		if err := h.conn.WriteBinary(frame); err != nil {
			h.logger.Warn().Err(err).Msg("scmp outbox write failed")
		}
	}
	switch h.closeKind {
	case closeGraceful:
		_ = h.conn.CloseNormal(h.closeReason)
	case closeProtocolErr:
		_ = h.conn.CloseProtocolError(h.closeReason)
	default:
		_ = h.conn.Close()
	}
}

// enqueue hands frame to the writer goroutine without blocking. It
// reports false if the outbox is full, so the caller can treat the
// delivery as failed rather than stall waiting for room.
func (h *Handler) enqueue(frame []byte) bool {
	select {
	case h.outbox <- frame:
		return true
	default:
		return false
	}
}

// requestClose schedules the connection to close with the given frame
// once the outbox has drained. Only the first call takes effect.
func (h *Handler) requestClose(kind closeKind, reason string) {
	h.closeOnce.Do(func() {
		h.closeKind = kind
		h.closeReason = reason
		close(h.outbox)
	})
}

// HandleFrame parses and dispatches every command in one inbound binary
// frame. Bytes written to the client during fan-out earlier in this
// same reactor turn count toward maxBytesPerTurn; the budget resets at
// the start of the next frame.
func (h *Handler) HandleFrame(data []byte) {
	h.bytesSentThisTurn = 0

	cmds, err := ParseCommands(data)
	if err != nil {
		h.protocolError(err.Error())
		return
	}
	for _, cmd := range cmds {
		h.dispatch(cmd)
		if h.state == StateClosed {
			return
		}
	}
}

func (h *Handler) dispatch(cmd Command) {
	switch cmd.Verb {
	case VerbConnect:
		h.handleConnect(cmd)
	case VerbDisconnect:
		h.handleDisconnect(cmd)
	case VerbSubscribe:
		h.requireConnected(func() { h.handleSubscribe(cmd) })
	case VerbUnsubscribe:
		h.requireConnected(func() { h.handleUnsubscribe(cmd) })
	case VerbSend:
		h.requireConnected(func() { h.handleSend(cmd) })
	case VerbState:
		h.requireConnected(func() { h.handleState(cmd) })
	default:
		h.reply(VerbError, Headers{"Reason": {"unknown verb " + cmd.Verb}}, nil)
	}
}

func (h *Handler) requireConnected(fn func()) {
	if h.state != StateConnected {
		h.reply(VerbError, Headers{"Reason": {"not connected"}}, nil)
		return
	}
	fn()
}

func (h *Handler) handleConnect(cmd Command) {
	if h.state != StateUnconnected {
		h.reply(VerbError, Headers{"Reason": {"already connected"}}, nil)
		return
	}

	name := cmd.Headers.Get("Name")
	if name == "" {
		h.reply(VerbError, Headers{"Reason": {"missing Name"}}, nil)
		return
	}

	authenticated := false
	if h.verifier != nil && h.verifier.Enabled() {
		claims, err := h.verifier.Verify(cmd.Headers.Get("Authorization"))
		if err != nil {
			h.reply(VerbError, Headers{"Reason": {"unauthorized"}}, nil)
			return
		}
		name = claims.ClientName
		authenticated = true
	}

	h.client = broker.NewClient(name, h)
	h.client.Authenticated = authenticated
	h.state = StateConnected
	h.reply(VerbConnected, Headers{"Name": {name}}, nil)

	if cw := cmd.Headers.Get("ContinueWith"); cw != "" {
		h.resume(cw)
	}
}

func (h *Handler) resume(continueWith string) {
	seq, err := strconv.ParseUint(continueWith, 10, 64)
	if err != nil {
		h.reply(VerbError, Headers{"Reason": {"bad ContinueWith"}}, nil)
		return
	}
	msgs, err := h.queue.Resume(seq)
	if err != nil {
		h.reply(VerbError, Headers{"Reason": {err.Error()}}, nil)
		return
	}
	for _, m := range msgs {
		h.Publish(m)
	}
}

func (h *Handler) handleDisconnect(cmd Command) {
	h.state = StateDisconnecting
	h.reply(VerbAck, nil, nil)
	h.teardown()
}

func (h *Handler) teardown() {
	h.requestClose(closeGraceful, "disconnect")
	if h.client != nil {
		h.queue.Disconnected(h.client)
	}
	h.state = StateClosed
}

// ConnectionLost runs the same queue-membership cleanup as an explicit
// DISCONNECT, for the case where the socket's read pump hits EOF or an
// error instead of receiving a DISCONNECT command. It must be submitted
// to the owning queue's reactor exactly like HandleFrame. It does not
// attempt to write a close frame — the connection is already gone.
func (h *Handler) ConnectionLost() {
	if h.state == StateClosed {
		return
	}
	h.requestClose(closeAbrupt, "")
	if h.client != nil {
		h.queue.Disconnected(h.client)
	}
	h.state = StateClosed
}

func (h *Handler) handleSubscribe(cmd Command) {
	groups := cmd.Headers.Groups()
	if len(groups) == 0 {
		h.reply(VerbError, Headers{"Reason": {"missing Group"}}, nil)
		return
	}
	for _, g := range groups {
		h.queue.Subscribe(h.client, g)
	}
	h.reply(VerbAck, Headers{"Group": groups}, nil)
}

func (h *Handler) handleUnsubscribe(cmd Command) {
	groups := cmd.Headers.Groups()
	if len(groups) == 0 {
		h.reply(VerbError, Headers{"Reason": {"missing Group"}}, nil)
		return
	}
	for _, g := range groups {
		h.queue.Unsubscribe(h.client, g)
	}
	h.reply(VerbAck, Headers{"Group": groups}, nil)
}

func (h *Handler) handleSend(cmd Command) {
	dest := cmd.Headers.Get("Destination")
	if dest == "" {
		h.reply(VerbError, Headers{"Reason": {"missing Destination"}}, nil)
		return
	}

	mime := cmd.Headers.Get("Mime")
	if mime == "" {
		mime = cmd.Headers.Get("Content-Type")
	}

	msg := &broker.Message{
		SenderClientName: h.client.Name,
		TargetGroup:      dest,
		MimeType:         mime,
		Payload:          cmd.Body,
	}

	if _, err := h.queue.Push(h.client, msg); err != nil {
		h.reply(VerbError, Headers{"Reason": {err.Error()}}, nil)
	}
	// On success the queue calls back into Handler.Ack, which sends the
	// ACK; a Drop also acks through the same path.
}

func (h *Handler) handleState(cmd Command) {
	switch typ := cmd.Headers.Get("Type"); typ {
	case "", "service":
		counters := h.queue.StatisticsSnapshot(false)
		h.reply(VerbState, Headers{
			"ReceivedMessages": {fmt.Sprint(counters.ReceivedMessages)},
			"SentMessages":     {fmt.Sprint(counters.SentMessages)},
			"LastSequence":     {fmt.Sprint(counters.LastSequence)},
		}, nil)
	default:
		h.reply(VerbError, Headers{"Reason": {"unknown STATE Type " + typ}}, nil)
	}
}

// Publish implements broker.Subscriber. It enforces the per-turn byte
// budget described in spec §4.5's flow-control note: once a client has
// been sent maxBytesPerTurn bytes within the current inbound frame's
// processing, further deliveries in that same turn are dropped rather
// than risking the queue's reactor on a slow socket. The actual write
// never happens here — the frame is enqueued onto the session's outbox
// and the dedicated writer goroutine flushes it, so Publish itself never
// blocks regardless of how far behind this subscriber's socket is.
func (h *Handler) Publish(msg *broker.Message) (int, bool) {
	if h.bytesSentThisTurn+len(msg.Payload) > h.maxBytesPerTurn {
		return 0, false
	}

	frame := EncodeFrame(VerbDeliver, Headers{
		"Destination":    {msg.TargetGroup},
		"Sequence":       {fmt.Sprint(msg.Sequence)},
		"Content-Type":   {msg.MimeType},
		"Content-Length": {fmt.Sprint(len(msg.Payload))},
	}, msg.Payload)

	if !h.enqueue(frame) {
		return 0, false
	}
	h.bytesSentThisTurn += len(msg.Payload)
	return len(msg.Payload), true
}

func (h *Handler) Enter(clientName, groupName string) {
	h.reply(VerbEnter, Headers{"Name": {clientName}, "Group": {groupName}}, nil)
}

func (h *Handler) Leave(clientName, groupName string) {
	h.reply(VerbLeave, Headers{"Name": {clientName}, "Group": {groupName}}, nil)
}

func (h *Handler) Disconnected(clientName string) {
	h.reply(VerbDisconnected, Headers{"Name": {clientName}}, nil)
}

func (h *Handler) Ack(msg *broker.Message) {
	h.reply(VerbAck, Headers{"Sequence": {fmt.Sprint(msg.Sequence)}}, nil)
}

// Dispose releases the outbox: it requests an abrupt close (a no-op if
// teardown/ConnectionLost already requested one) so the writer goroutine
// always exits once the client leaves every group it belonged to,
// including the idle-timeout eviction path that calls Disconnected
// directly without going through teardown or ConnectionLost.
func (h *Handler) Dispose() {
	h.requestClose(closeAbrupt, "")
}

func (h *Handler) reply(verb string, headers Headers, body []byte) {
	if !h.enqueue(EncodeFrame(verb, headers, body)) {
		h.logger.Warn().Str("verb", verb).Msg("scmp reply dropped: outbox full")
	}
}

func (h *Handler) protocolError(reason string) {
	h.reply(VerbError, Headers{"Reason": {reason}}, nil)
	h.requestClose(closeProtocolErr, reason)
	h.state = StateClosed
}
