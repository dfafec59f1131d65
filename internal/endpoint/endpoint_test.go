package endpoint

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestACLAllowed(t *testing.T) {
	tests := []struct {
		name  string
		allow []string
		deny  []string
		ip    string
		want  bool
	}{
		{
			name: "empty acl allows everything",
			ip:   "203.0.113.5",
			want: true,
		},
		{
			name:  "allow list restricts to matching CIDR",
			allow: []string{"10.0.0.0/8"},
			ip:    "10.1.2.3",
			want:  true,
		},
		{
			name:  "allow list rejects non-matching IP",
			allow: []string{"10.0.0.0/8"},
			ip:    "192.168.1.1",
			want:  false,
		},
		{
			name:  "deny list overrides allow list",
			allow: []string{"0.0.0.0/0"},
			deny:  []string{"192.168.1.0/24"},
			ip:    "192.168.1.50",
			want:  false,
		},
		{
			name:  "bare IP entry matches exactly",
			allow: []string{"198.51.100.7"},
			ip:    "198.51.100.7",
			want:  true,
		},
		{
			name:  "bare IP entry does not match other hosts",
			allow: []string{"198.51.100.7"},
			ip:    "198.51.100.8",
			want:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acl, err := NewACL(tt.allow, tt.deny)
			if err != nil {
				t.Fatalf("NewACL: %v", err)
			}
			got := acl.Allowed(net.ParseIP(tt.ip))
			if got != tt.want {
				t.Errorf("Allowed(%s) = %v, want %v", tt.ip, got, tt.want)
			}
		})
	}
}

func TestNewACLRejectsMalformedEntry(t *testing.T) {
	if _, err := NewACL([]string{"not-an-ip"}, nil); err == nil {
		t.Fatal("expected error for malformed allow entry")
	}
}

func TestEndpointAcceptsAndClosesListener(t *testing.T) {
	connected := make(chan net.Conn, 1)
	ep, err := New(Config{Bind: "127.0.0.1:0"}, func(conn net.Conn) {
		connected <- conn
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer ep.Close()

	go ep.Serve()

	client, err := net.Dial("tcp", ep.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	select {
	case conn := <-connected:
		conn.Close()
	case <-time.After(time.Second):
		t.Fatal("endpoint never invoked the session factory")
	}
}
