package broker

import (
	"testing"

	"github.com/rs/zerolog"
)

type fakeSubscriber struct {
	name      string
	published []*Message
	entered   []string
	left      []string
	acked     []*Message
	disposed  bool
	reject    bool
}

func (f *fakeSubscriber) Publish(msg *Message) (int, bool) {
	if f.reject {
		return 0, false
	}
	f.published = append(f.published, msg)
	return len(msg.Payload), true
}

func (f *fakeSubscriber) Enter(clientName, groupName string) {
	f.entered = append(f.entered, clientName+"@"+groupName)
}

func (f *fakeSubscriber) Leave(clientName, groupName string) {
	f.left = append(f.left, clientName+"@"+groupName)
}

func (f *fakeSubscriber) Disconnected(clientName string) {
	f.left = append(f.left, clientName+"@disconnected")
}

func (f *fakeSubscriber) Ack(msg *Message) { f.acked = append(f.acked, msg) }

func (f *fakeSubscriber) Dispose() { f.disposed = true }

func newTestQueue() *Queue {
	return New("TEST", Options{MaxPayloadSize: 64}, zerolog.Nop(), nil)
}

func TestQueueSubscribeIsIdempotent(t *testing.T) {
	q := newTestQueue()
	sub := &fakeSubscriber{name: "alice"}
	client := NewClient("alice", sub)

	if res := q.Subscribe(client, "GROUP"); res != ResultOK {
		t.Fatalf("first subscribe = %v, want ResultOK", res)
	}
	if res := q.Subscribe(client, "GROUP"); res != ResultOK {
		t.Fatalf("second subscribe = %v, want ResultOK", res)
	}
	if got := q.groups["GROUP"].Count(); got != 1 {
		t.Fatalf("group member count = %d, want 1", got)
	}
}

func TestQueueSubscribeNotifiesExistingMembers(t *testing.T) {
	q := newTestQueue()
	aliceSub := &fakeSubscriber{name: "alice"}
	bobSub := &fakeSubscriber{name: "bob"}
	alice := NewClient("alice", aliceSub)
	bob := NewClient("bob", bobSub)

	q.Subscribe(alice, "GROUP")
	q.Subscribe(bob, "GROUP")

	if len(aliceSub.entered) != 1 || aliceSub.entered[0] != "bob@GROUP" {
		t.Fatalf("alice.entered = %v, want [bob@GROUP]", aliceSub.entered)
	}
	if len(bobSub.entered) != 0 {
		t.Fatalf("bob.entered = %v, want none (joining client isn't notified of itself)", bobSub.entered)
	}
}

func TestQueuePushFansOutAndSkipsSender(t *testing.T) {
	q := newTestQueue()
	aliceSub := &fakeSubscriber{name: "alice"}
	bobSub := &fakeSubscriber{name: "bob"}
	alice := NewClient("alice", aliceSub)
	bob := NewClient("bob", bobSub)
	q.Subscribe(alice, "GROUP")
	q.Subscribe(bob, "GROUP")

	msg := &Message{SenderClientName: "alice", TargetGroup: "GROUP", Payload: []byte("hello")}
	res, err := q.Push(alice, msg)
	if err != nil || res != ResultOK {
		t.Fatalf("Push = (%v, %v), want (ResultOK, nil)", res, err)
	}

	if len(bobSub.published) != 1 {
		t.Fatalf("bob received %d messages, want 1", len(bobSub.published))
	}
	if len(aliceSub.published) != 0 {
		t.Fatalf("alice (sender) received %d messages, want 0", len(aliceSub.published))
	}
	if len(aliceSub.acked) != 1 {
		t.Fatalf("alice acked count = %d, want 1", len(aliceSub.acked))
	}
	if msg.Sequence != 1 {
		t.Fatalf("sequence = %d, want 1", msg.Sequence)
	}
}

func TestQueuePushWithSelfDelivery(t *testing.T) {
	q := newTestQueue()
	aliceSub := &fakeSubscriber{name: "alice"}
	alice := NewClient("alice", aliceSub)
	alice.SelfDelivery = true
	q.Subscribe(alice, "GROUP")

	msg := &Message{SenderClientName: "alice", TargetGroup: "GROUP", Payload: []byte("x")}
	if _, err := q.Push(alice, msg); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if len(aliceSub.published) != 1 {
		t.Fatalf("self-delivery published count = %d, want 1", len(aliceSub.published))
	}
}

func TestQueuePushRejectsOversizedPayload(t *testing.T) {
	q := newTestQueue()
	sub := &fakeSubscriber{}
	client := NewClient("alice", sub)

	msg := &Message{SenderClientName: "alice", TargetGroup: "GROUP", Payload: make([]byte, 1000)}
	res, err := q.Push(client, msg)
	if err != ErrPayloadTooLarge || res != ResultOversizedPayload {
		t.Fatalf("Push = (%v, %v), want (ResultOversizedPayload, ErrPayloadTooLarge)", res, err)
	}
}

func TestQueuePushRejectsUnknownGroup(t *testing.T) {
	q := newTestQueue()
	sub := &fakeSubscriber{}
	client := NewClient("alice", sub)

	msg := &Message{SenderClientName: "alice", TargetGroup: "NOPE", Payload: []byte("x")}
	res, err := q.Push(client, msg)
	if err != ErrNoSuchGroup || res != ResultNoSuchGroup {
		t.Fatalf("Push = (%v, %v), want (ResultNoSuchGroup, ErrNoSuchGroup)", res, err)
	}
}

type dropProcessor struct{}

func (dropProcessor) Init(map[string]string, string) bool { return true }
func (dropProcessor) Process(*Message) Action              { return ActionDrop }

func TestQueuePushAppliesProcessorDrop(t *testing.T) {
	q := New("TEST", Options{MaxPayloadSize: 64, Processors: []Processor{dropProcessor{}}}, zerolog.Nop(), nil)
	aliceSub := &fakeSubscriber{}
	bobSub := &fakeSubscriber{}
	alice := NewClient("alice", aliceSub)
	bob := NewClient("bob", bobSub)
	q.Subscribe(alice, "GROUP")
	q.Subscribe(bob, "GROUP")

	msg := &Message{SenderClientName: "alice", TargetGroup: "GROUP", Payload: []byte("x")}
	res, err := q.Push(alice, msg)
	if err != nil || res != ResultDropped {
		t.Fatalf("Push = (%v, %v), want (ResultDropped, nil)", res, err)
	}
	if len(bobSub.published) != 0 {
		t.Fatalf("bob received %d messages, want 0 (dropped)", len(bobSub.published))
	}
	if len(aliceSub.acked) != 1 {
		t.Fatalf("sender should still be acked on drop, got %d acks", len(aliceSub.acked))
	}
}

func TestQueueResumeReturnsGapError(t *testing.T) {
	q := New("TEST", Options{MaxPayloadSize: 64, RetentionMessages: 2}, zerolog.Nop(), nil)
	sub := &fakeSubscriber{}
	client := NewClient("alice", sub)
	q.Subscribe(client, "GROUP")

	for i := 0; i < 5; i++ {
		q.Push(client, &Message{SenderClientName: "alice", TargetGroup: "GROUP", Payload: []byte("x")})
	}
	// Retention cap is 2, so only sequences 4 and 5 remain; a client that
	// last saw sequence 0 has fallen out of the window.
	if msgs, err := q.Resume(4); err != nil || len(msgs) != 1 || msgs[0].Sequence != 5 {
		t.Fatalf("Resume(4) = (%v, %v), want ([seq5], nil)", msgs, err)
	}
	if _, err := q.Resume(0); err != ErrResumeGap {
		t.Fatalf("Resume(0) = %v, want ErrResumeGap", err)
	}
}

func TestQueueDisconnectedNotifiesRemainingMembers(t *testing.T) {
	q := newTestQueue()
	aliceSub := &fakeSubscriber{}
	bobSub := &fakeSubscriber{}
	alice := NewClient("alice", aliceSub)
	bob := NewClient("bob", bobSub)
	q.Subscribe(alice, "GROUP")
	q.Subscribe(bob, "GROUP")

	q.Disconnected(alice)

	if !aliceSub.disposed {
		t.Fatal("alice subscriber was not disposed")
	}
	if len(bobSub.left) != 1 || bobSub.left[0] != "alice@disconnected" {
		t.Fatalf("bob.left = %v, want [alice@disconnected]", bobSub.left)
	}
	if q.groups["GROUP"].Count() != 1 {
		t.Fatalf("group member count after disconnect = %d, want 1", q.groups["GROUP"].Count())
	}
}

func TestQueuePushEvictsSubscriberOverBacklogMessagesThreshold(t *testing.T) {
	q := New("TEST", Options{MaxPayloadSize: 64, BacklogMessages: 2}, zerolog.Nop(), nil)
	aliceSub := &fakeSubscriber{}
	bobSub := &fakeSubscriber{}
	carolSub := &fakeSubscriber{}
	alice := NewClient("alice", aliceSub)
	bob := NewClient("bob", bobSub)
	carol := NewClient("carol", carolSub)
	q.Subscribe(alice, "GROUP")
	q.Subscribe(bob, "GROUP")
	q.Subscribe(carol, "GROUP")

	for i := 0; i < 3; i++ {
		q.Push(alice, &Message{SenderClientName: "alice", TargetGroup: "GROUP", Payload: []byte("x")})
	}

	if len(bobSub.published) != 3 {
		t.Fatalf("bob received %d messages, want 3 (delivered before eviction)", len(bobSub.published))
	}
	if bob.IsSubscribed("GROUP") {
		t.Fatal("bob should have been dropped from GROUP after crossing BacklogMessages")
	}
	if bob.BacklogMessages != 0 || bob.BacklogBytes != 0 {
		t.Fatalf("bob's counters = (%d, %d), want (0, 0) after eviction reset", bob.BacklogMessages, bob.BacklogBytes)
	}
	if len(carolSub.left) != 1 || carolSub.left[0] != "bob@GROUP" {
		t.Fatalf("carol.left = %v, want [bob@GROUP]", carolSub.left)
	}
	if len(bobSub.left) != 0 {
		t.Fatalf("bob itself should not receive a leave notice for its own eviction, got %v", bobSub.left)
	}
	if !alice.IsSubscribed("GROUP") {
		t.Fatal("alice's own subscription must be unaffected by bob's eviction")
	}
}

func TestQueuePushEvictsSubscriberOnRepeatedPublishFailure(t *testing.T) {
	q := New("TEST", Options{MaxPayloadSize: 64, BacklogMessages: 2}, zerolog.Nop(), nil)
	aliceSub := &fakeSubscriber{}
	bobSub := &fakeSubscriber{reject: true}
	carolSub := &fakeSubscriber{}
	alice := NewClient("alice", aliceSub)
	bob := NewClient("bob", bobSub)
	carol := NewClient("carol", carolSub)
	q.Subscribe(alice, "GROUP")
	q.Subscribe(bob, "GROUP")
	q.Subscribe(carol, "GROUP")

	for i := 0; i < 3; i++ {
		q.Push(alice, &Message{SenderClientName: "alice", TargetGroup: "GROUP", Payload: []byte("x")})
	}

	if len(bobSub.published) != 0 {
		t.Fatalf("bob.published = %d, want 0 (every Publish rejected)", len(bobSub.published))
	}
	if bob.IsSubscribed("GROUP") {
		t.Fatal("bob should have been evicted even though it never accepted a single message")
	}
	if len(carolSub.left) != 1 || carolSub.left[0] != "bob@GROUP" {
		t.Fatalf("carol.left = %v, want [bob@GROUP]", carolSub.left)
	}
	if _, stillClient := q.clients["bob"]; !stillClient {
		t.Fatal("bob must remain a registered queue client; eviction is group-scoped, not a full disconnect")
	}
}

func TestQueueStatisticsSnapshotResetsDeltas(t *testing.T) {
	q := newTestQueue()
	sub := &fakeSubscriber{}
	client := NewClient("alice", sub)
	q.Subscribe(client, "GROUP")
	q.Push(client, &Message{SenderClientName: "alice", TargetGroup: "GROUP", Payload: []byte("x")})

	first := q.StatisticsSnapshot(true)
	if first.ReceivedMessages != 1 {
		t.Fatalf("first.ReceivedMessages = %d, want 1", first.ReceivedMessages)
	}

	second := q.StatisticsSnapshot(true)
	if second.ReceivedMessages != 0 {
		t.Fatalf("second.ReceivedMessages = %d, want 0 after reset", second.ReceivedMessages)
	}
	if second.LastSequence != first.LastSequence {
		t.Fatalf("LastSequence should survive reset: first=%d second=%d", first.LastSequence, second.LastSequence)
	}
}
