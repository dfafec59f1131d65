// Package wsproto implements the HTTP upgrade handshake and RFC 6455
// framing that every session speaks, independent of which sub-protocol
// (scmp or scsql) ends up driving the connection.
package wsproto

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// UpgradeHeaders carries extra response headers to send during the
// handshake, e.g. scsql's X-DB-Backend/X-DB-Prefix.
type UpgradeHeaders map[string]string

// Upgrade completes the HTTP/1.1 Upgrade handshake for the given
// sub-protocol ("scmp" or "scsql"), rejecting any request that does not
// offer it in Sec-WebSocket-Protocol. extraHeaders are written verbatim
// into the 101 response, e.g. scsql's X-DB-Backend/X-DB-Prefix.
func Upgrade(w http.ResponseWriter, r *http.Request, protocol string, extraHeaders UpgradeHeaders) (*Conn, error) {
	offered := false
	for _, v := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(v, ",") {
			if strings.TrimSpace(p) == protocol {
				offered = true
			}
		}
	}
	if !offered {
		http.Error(w, "unsupported websocket sub-protocol", http.StatusBadRequest)
		return nil, fmt.Errorf("websocket upgrade (%s): sub-protocol not offered", protocol)
	}

	var headerLines strings.Builder
	for k, v := range extraHeaders {
		headerLines.WriteString(k)
		headerLines.WriteString(": ")
		headerLines.WriteString(v)
		headerLines.WriteString("\r\n")
	}

	upgrader := ws.HTTPUpgrader{
		Protocol: func(offered string) bool {
			return offered == protocol
		},
	}
	if headerLines.Len() > 0 {
		upgrader.Header = ws.HandshakeHeaderString(headerLines.String())
	}

	conn, _, _, err := upgrader.Upgrade(r, w)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade (%s): %w", protocol, err)
	}
	return &Conn{raw: conn}, nil
}

// Message is one fully reassembled application message (text or binary).
type Message struct {
	Op      ws.OpCode
	Payload []byte
}

// Conn wraps an upgraded connection with payload-size enforcement and the
// graceful close-on-protocol-error behavior the origin's codec used
// instead of a bare socket close.
type Conn struct {
	raw            net.Conn
	MaxPayloadSize int
}

// DefaultMaxPayloadSize matches the origin broker handler's ceiling before
// a queue or endpoint config overrides it.
const DefaultMaxPayloadSize = 1024 * 1024

// NewConn wraps an already-established connection without performing the
// HTTP upgrade handshake, for tests and for any caller that obtains a
// raw framed connection by other means.
func NewConn(raw net.Conn, maxPayloadSize int) *Conn {
	return &Conn{raw: raw, MaxPayloadSize: maxPayloadSize}
}

// ReadMessage reads one reassembled message. wsutil.ReadClientData
// reassembles fragments until FIN before returning, satisfying the
// reassembly requirement without the caller buffering anything itself.
func (c *Conn) ReadMessage() (Message, error) {
	data, op, err := wsutil.ReadClientData(c.raw)
	if err != nil {
		return Message{}, err
	}
	max := c.MaxPayloadSize
	if max <= 0 {
		max = DefaultMaxPayloadSize
	}
	if len(data) > max {
		_ = c.CloseProtocolError("payload too large")
		return Message{}, fmt.Errorf("frame payload %d exceeds max %d", len(data), max)
	}
	return Message{Op: op, Payload: data}, nil
}

// WriteMessage writes one message with the given opcode.
func (c *Conn) WriteMessage(op ws.OpCode, payload []byte) error {
	return wsutil.WriteServerMessage(c.raw, op, payload)
}

// WriteText is a convenience for WriteMessage(ws.OpText, ...).
func (c *Conn) WriteText(payload []byte) error {
	return c.WriteMessage(ws.OpText, payload)
}

// WriteBinary is a convenience for WriteMessage(ws.OpBinary, ...).
func (c *Conn) WriteBinary(payload []byte) error {
	return c.WriteMessage(ws.OpBinary, payload)
}

// Ping writes a ping control frame.
func (c *Conn) Ping() error {
	return c.WriteMessage(ws.OpPing, nil)
}

// CloseProtocolError sends a WebSocket close frame with status
// CloseProtocolError before the caller tears down the socket, so the peer
// sees a clean protocol-violation close rather than an abrupt reset.
func (c *Conn) CloseProtocolError(reason string) error {
	return c.closeWithStatus(ws.StatusProtocolError, reason)
}

// CloseNormal sends a normal closure frame.
func (c *Conn) CloseNormal(reason string) error {
	return c.closeWithStatus(ws.StatusNormalClosure, reason)
}

func (c *Conn) closeWithStatus(status ws.StatusCode, reason string) error {
	body := ws.NewCloseFrameBody(status, reason)
	_ = c.WriteMessage(ws.OpClose, body)
	return c.raw.Close()
}

// SetReadDeadline and SetWriteDeadline pass through to the underlying
// connection for idle-timeout and write-backpressure handling.
func (c *Conn) SetReadDeadline(t time.Time) error  { return c.raw.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.raw.SetWriteDeadline(t) }

// Raw exposes the underlying connection, e.g. for binding to a Session.
func (c *Conn) Raw() net.Conn { return c.raw }

// Close closes the underlying connection without sending a close frame;
// prefer CloseNormal/CloseProtocolError when the peer should be told why.
func (c *Conn) Close() error { return c.raw.Close() }
