package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNewRegistersAllCollectors(t *testing.T) {
	r := New()

	r.SessionsTotal.Inc()
	r.MessagesPublished.WithLabelValues("Q", "G").Inc()
	r.QueueBacklogMessages.WithLabelValues("Q").Set(3)
	r.ObserveReactorTurn("Q", 5*time.Millisecond)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("metrics handler status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"scmaster_sessions_total",
		"scmaster_messages_published_total",
		"scmaster_queue_backlog_messages",
		"scmaster_reactor_turn_seconds",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
