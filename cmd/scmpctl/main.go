// Command scmpctl is a scmp smoke-test client: it connects to a queue,
// subscribes to one or more groups, optionally sends a message, and
// prints every frame the server replies with until interrupted.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/seiscomp/scmaster/internal/auth"
	"github.com/seiscomp/scmaster/internal/scmp"
)

func main() {
	wsURL := flag.String("url", "ws://localhost:18180/production", "scmp endpoint URL")
	name := flag.String("name", "scmpctl", "client name presented on CONNECT")
	groups := flag.String("groups", "", "comma-separated groups to subscribe to")
	send := flag.String("send", "", "if set, send this text to the first group after subscribing")
	dest := flag.String("dest", "", "destination group for -send (defaults to the first -groups entry)")
	jwtSecret := flag.String("jwt-secret", "", "if set, mint and send a test token signed with this secret")
	continueWith := flag.String("continue-with", "", "resume delivery after this sequence number")
	flag.Parse()

	u, err := url.Parse(*wsURL)
	if err != nil {
		log.Fatalf("invalid -url: %v", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second, Subprotocols: []string{"scmp"}}
	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("dial %s: %v", u.String(), err)
	}
	defer conn.Close()

	headers := scmp.Headers{"Name": {*name}}
	if *continueWith != "" {
		headers["ContinueWith"] = []string{*continueWith}
	}
	if *jwtSecret != "" {
		token, err := auth.NewTestToken(*jwtSecret, *name, splitCSV(*groups), time.Hour)
		if err != nil {
			log.Fatalf("mint test token: %v", err)
		}
		headers["Authorization"] = []string{token}
	}
	mustSend(conn, scmp.EncodeFrame(scmp.VerbConnect, headers, nil))

	groupList := splitCSV(*groups)
	if len(groupList) > 0 {
		mustSend(conn, scmp.EncodeFrame(scmp.VerbSubscribe, scmp.Headers{"Group": groupList}, nil))
	}

	if *send != "" {
		target := *dest
		if target == "" && len(groupList) > 0 {
			target = groupList[0]
		}
		if target == "" {
			log.Fatal("-send requires -dest or at least one -groups entry")
		}
		body := []byte(*send)
		mustSend(conn, scmp.EncodeFrame(scmp.VerbSend, scmp.Headers{
			"Destination":    {target},
			"Content-Length": {fmt.Sprint(len(body))},
		}, body))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				log.Printf("read: %v", err)
				return
			}
			cmds, err := scmp.ParseCommands(data)
			if err != nil {
				log.Printf("parse: %v", err)
				continue
			}
			for _, cmd := range cmds {
				printCommand(cmd)
			}
		}
	}()

	select {
	case <-sigCh:
		mustSend(conn, scmp.EncodeFrame(scmp.VerbDisconnect, nil, nil))
	case <-done:
	}
}

func mustSend(conn *websocket.Conn, frame []byte) {
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		log.Fatalf("write: %v", err)
	}
}

func printCommand(cmd scmp.Command) {
	fmt.Printf("< %s", cmd.Verb)
	for k, vs := range cmd.Headers {
		fmt.Printf(" %s=%s", k, strings.Join(vs, ","))
	}
	if len(cmd.Body) > 0 {
		fmt.Printf(" body=%q", cmd.Body)
	}
	fmt.Println()
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
