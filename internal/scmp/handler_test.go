package scmp

import (
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/seiscomp/scmaster/internal/broker"
	"github.com/seiscomp/scmaster/internal/wsproto"
)

func newTestHandler(t *testing.T) (*Handler, net.Conn, *broker.Queue) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close() })

	queue := broker.New("Q", broker.Options{MaxPayloadSize: 256, DefaultGroups: []string{"G"}}, zerolog.Nop(), nil)
	h := NewHandler(wsproto.NewConn(server, 0), queue, nil, zerolog.Nop())
	return h, client, queue
}

func readReply(t *testing.T, client net.Conn) Command {
	t.Helper()
	client.SetReadDeadline(time.Now().Add(time.Second))
	data, _, err := wsutil.ReadServerData(client)
	if err != nil {
		t.Fatalf("reading server frame: %v", err)
	}
	cmds, err := ParseCommands(data)
	if err != nil {
		t.Fatalf("ParseCommands: %v", err)
	}
	if len(cmds) != 1 {
		t.Fatalf("got %d commands, want 1", len(cmds))
	}
	return cmds[0]
}

func TestHandlerConnectRepliesConnected(t *testing.T) {
	h, client, _ := newTestHandler(t)

	go h.HandleFrame([]byte("CONNECT\r\nName: alice\r\n\r\n"))

	reply := readReply(t, client)
	if reply.Verb != VerbConnected {
		t.Fatalf("reply verb = %q, want CONNECTED", reply.Verb)
	}
	if h.state != StateConnected {
		t.Fatalf("state = %v, want StateConnected", h.state)
	}
}

func TestHandlerRejectsCommandsBeforeConnect(t *testing.T) {
	h, client, _ := newTestHandler(t)

	go h.HandleFrame([]byte("SUBSCRIBE\r\nGroup: G\r\n\r\n"))

	reply := readReply(t, client)
	if reply.Verb != VerbError {
		t.Fatalf("reply verb = %q, want ERROR", reply.Verb)
	}
}

func TestHandlerSubscribeSendAck(t *testing.T) {
	h, client, _ := newTestHandler(t)

	go h.HandleFrame([]byte("CONNECT\r\nName: alice\r\n\r\n"))
	readReply(t, client)

	go h.HandleFrame([]byte("SUBSCRIBE\r\nGroup: G\r\n\r\n"))
	subAck := readReply(t, client)
	if subAck.Verb != VerbAck {
		t.Fatalf("subscribe reply verb = %q, want ACK", subAck.Verb)
	}

	go h.HandleFrame([]byte("SEND\r\nDestination: G\r\nContent-Length: 5\r\n\r\nhello"))
	sendAck := readReply(t, client)
	if sendAck.Verb != VerbAck {
		t.Fatalf("send reply verb = %q, want ACK", sendAck.Verb)
	}
	if sendAck.Headers.Get("Sequence") != "1" {
		t.Fatalf("Sequence = %q, want 1", sendAck.Headers.Get("Sequence"))
	}
}

func TestHandlerSendToUnknownGroupErrors(t *testing.T) {
	h, client, _ := newTestHandler(t)

	go h.HandleFrame([]byte("CONNECT\r\nName: alice\r\n\r\n"))
	readReply(t, client)

	go h.HandleFrame([]byte("SEND\r\nDestination: NOPE\r\nContent-Length: 1\r\n\r\nx"))
	reply := readReply(t, client)
	if reply.Verb != VerbError {
		t.Fatalf("reply verb = %q, want ERROR", reply.Verb)
	}
}

func TestHandlerDeliversToOtherSubscriber(t *testing.T) {
	queue := broker.New("Q", broker.Options{MaxPayloadSize: 256, DefaultGroups: []string{"G"}}, zerolog.Nop(), nil)

	aliceClient, aliceServer := net.Pipe()
	defer aliceClient.Close()
	bobClient, bobServer := net.Pipe()
	defer bobClient.Close()

	alice := NewHandler(wsproto.NewConn(aliceServer, 0), queue, nil, zerolog.Nop())
	bob := NewHandler(wsproto.NewConn(bobServer, 0), queue, nil, zerolog.Nop())

	go alice.HandleFrame([]byte("CONNECT\r\nName: alice\r\n\r\n"))
	readReply(t, aliceClient)
	go bob.HandleFrame([]byte("CONNECT\r\nName: bob\r\n\r\n"))
	readReply(t, bobClient)

	go alice.HandleFrame([]byte("SUBSCRIBE\r\nGroup: G\r\n\r\n"))
	readReply(t, aliceClient)

	// bob's SUBSCRIBE notifies alice (the existing member) with ENTER and
	// acks bob; each frame goes to its own handler's outbox, so the two
	// pipe ends can be read in either order.
	go bob.HandleFrame([]byte("SUBSCRIBE\r\nGroup: G\r\n\r\n"))
	enter := readReply(t, aliceClient)
	if enter.Verb != VerbEnter || enter.Headers.Get("Name") != "bob" {
		t.Fatalf("enter = %+v, want ENTER bob", enter)
	}
	readReply(t, bobClient)

	done := make(chan struct{})
	go func() {
		alice.HandleFrame([]byte("SEND\r\nDestination: G\r\nContent-Length: 5\r\n\r\nhello"))
		close(done)
	}()

	deliver := readReply(t, bobClient)
	if deliver.Verb != VerbDeliver {
		t.Fatalf("bob received verb = %q, want DELIVER", deliver.Verb)
	}
	if string(deliver.Body) != "hello" {
		t.Fatalf("delivered body = %q, want hello", deliver.Body)
	}

	ack := readReply(t, aliceClient)
	if ack.Verb != VerbAck {
		t.Fatalf("alice ack verb = %q, want ACK", ack.Verb)
	}
	<-done
}

func TestHandlerPublishNonBlockingWhenOutboxFull(t *testing.T) {
	h, _, _ := newTestHandler(t)
	// Nothing ever reads from the client side of the pipe, so runWriter's
	// WriteBinary call blocks forever on its first frame and the outbox
	// channel fills up behind it. enqueue must still return promptly
	// (never block) and start reporting false once the channel is full.

	sawFailure := false
	for i := 0; i < outboxCapacity*2; i++ {
		_, ok := h.Publish(&broker.Message{TargetGroup: "G", Sequence: uint64(i), Payload: []byte("x")})
		if !ok {
			sawFailure = true
			break
		}
	}
	if !sawFailure {
		t.Fatal("Publish never reported a failure after exceeding outbox capacity")
	}
}

func TestHandlerRequestCloseIsIdempotent(t *testing.T) {
	h, _, _ := newTestHandler(t)

	h.requestClose(closeGraceful, "bye")
	h.requestClose(closeAbrupt, "")

	if h.closeKind != closeGraceful {
		t.Fatalf("closeKind = %v, want closeGraceful (first call wins)", h.closeKind)
	}
}

func TestHandlerDisposeReleasesWriterAfterIdleEviction(t *testing.T) {
	h, client, _ := newTestHandler(t)

	go h.HandleFrame([]byte("CONNECT\r\nName: alice\r\n\r\n"))
	readReply(t, client)

	// The idle-timeout path calls Queue.Disconnected directly, which in
	// turn calls the subscriber's Dispose — not teardown/ConnectionLost.
	// Dispose alone must still be enough to let runWriter exit.
	h.Dispose()
	h.Dispose()

	client.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 32)
	if _, err := client.Read(buf); err == nil {
		t.Fatal("expected the abrupt close to end the connection")
	}
}
