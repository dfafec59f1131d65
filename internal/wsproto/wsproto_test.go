package wsproto

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

func TestCloseProtocolErrorSendsCloseFrame(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	conn := &Conn{raw: server}

	done := make(chan error, 1)
	go func() {
		done <- conn.CloseProtocolError("bad frame")
	}()

	client.SetReadDeadline(time.Now().Add(time.Second))
	header, err := ws.ReadHeader(client)
	if err != nil {
		t.Fatalf("reading close frame header: %v", err)
	}
	if header.OpCode != ws.OpClose {
		t.Fatalf("expected close opcode, got %v", header.OpCode)
	}
	payload := make([]byte, header.Length)
	if _, err := io.ReadFull(client, payload); err != nil {
		t.Fatalf("reading close payload: %v", err)
	}
	if header.Masked {
		ws.Cipher(payload, header.Mask, 0)
	}
	code, reason := ws.ParseCloseFrameData(payload)
	if code != ws.StatusProtocolError {
		t.Fatalf("expected status protocol error, got %v", code)
	}
	if reason != "bad frame" {
		t.Fatalf("expected reason 'bad frame', got %q", reason)
	}

	if err := <-done; err != nil {
		t.Fatalf("CloseProtocolError returned error: %v", err)
	}
}

func TestReadMessageRejectsOversizedPayload(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	conn := &Conn{raw: server, MaxPayloadSize: 8}

	go func() {
		_ = wsutil.WriteClientMessage(client, ws.OpBinary, []byte("this payload is far too long"))
	}()

	_, err := conn.ReadMessage()
	if err == nil {
		t.Fatal("expected error for oversized payload")
	}
}
