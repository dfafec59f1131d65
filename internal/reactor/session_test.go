package reactor

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func pipeConn(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func TestSessionMoveToReassignsOwnerAndWakesTarget(t *testing.T) {
	_, server := pipeConn(t)

	src := New("src", 4, zerolog.Nop())
	dst := New("dst", 4, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go src.Run(ctx)
	go dst.Run(ctx)

	sess := NewSession(1, server, src)
	if sess.Owner() != src {
		t.Fatalf("expected initial owner to be src")
	}

	sess.Tag(dst)
	target, tagged := sess.Tagged()
	if !tagged || target != dst {
		t.Fatalf("expected session tagged for dst")
	}

	arrived := make(chan *Session, 1)
	done := make(chan struct{})
	src.Submit(func() {
		sess.MoveTo(dst, func(s *Session) { arrived <- s })
		close(done)
	})

	<-done
	if sess.Owner() != dst {
		t.Fatalf("expected owner to be dst after MoveTo")
	}
	if _, tagged := sess.Tagged(); tagged {
		t.Fatalf("expected tag cleared after MoveTo")
	}

	select {
	case got := <-arrived:
		if got != sess {
			t.Fatalf("onArrived called with wrong session")
		}
	case <-time.After(time.Second):
		t.Fatal("onArrived callback never ran on destination reactor")
	}
}

func TestSessionStateTransitions(t *testing.T) {
	_, server := pipeConn(t)
	r := New("r", 1, zerolog.Nop())
	sess := NewSession(1, server, r)

	if got := sess.State(); got != StateConnecting {
		t.Fatalf("expected initial state connecting, got %v", got)
	}

	sess.SetState(StateUpgraded)
	if got := sess.State(); got != StateUpgraded {
		t.Fatalf("expected state upgraded, got %v", got)
	}
}
