package broker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/seiscomp/scmaster/internal/metrics"
	"github.com/seiscomp/scmaster/internal/reactor"
	"github.com/seiscomp/scmaster/internal/stats"
)

// Options configures a Queue at construction. Values come from a
// topology's per-queue configuration; the broker package stays free of
// any config-file format knowledge.
type Options struct {
	MaxPayloadSize    int
	RetentionMessages int
	BacklogBytes      int
	BacklogMessages   int
	DefaultGroups     []string
	Processors        []Processor
	IdleTimeout       time.Duration
	InboxCapacity     int
}

func (o *Options) setDefaults() {
	if o.MaxPayloadSize <= 0 {
		o.MaxPayloadSize = 1 << 20
	}
	if o.RetentionMessages <= 0 {
		o.RetentionMessages = 1000
	}
	if o.BacklogBytes <= 0 {
		o.BacklogBytes = 4 << 20
	}
	if o.BacklogMessages <= 0 {
		o.BacklogMessages = 1000
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 5 * time.Minute
	}
	if o.InboxCapacity <= 0 {
		o.InboxCapacity = 1024
	}
}

// Queue is one named topic: a set of groups, the clients subscribed to
// them, and the sequencing/retention/fan-out logic a SEND goes through.
//
// Every field below except counters/idleMu is owned exclusively by the
// queue's own Reactor goroutine: scmp/scsql handlers reach the queue only
// by submitting a Task to Reactor, which is how a session "moved onto"
// this queue gets to call Push/Subscribe/etc. without a lock. Only the
// periodic statistics snapshot crosses that boundary, so it gets its own
// small mutex, matching the origin's idle-mutex split between the hot
// path and the stats-collector read.
type Queue struct {
	Name string
	opts Options

	Reactor *reactor.Reactor

	groups       map[string]*Group
	clients      map[string]*Client
	nextSequence uint64
	retention    []*Message

	idleMu   sync.Mutex
	counters stats.Counters

	logger zerolog.Logger
	m      *metrics.Registry
}

// New builds a queue and its owning reactor, and pre-creates any groups
// listed in opts.DefaultGroups.
func New(name string, opts Options, logger zerolog.Logger, m *metrics.Registry) *Queue {
	opts.setDefaults()
	q := &Queue{
		Name:    name,
		opts:    opts,
		Reactor: reactor.New(name, opts.InboxCapacity, logger.With().Str("queue", name).Logger()),
		groups:  make(map[string]*Group),
		clients: make(map[string]*Client),
		logger:  logger.With().Str("queue", name).Logger(),
		m:       m,
	}
	for _, g := range opts.DefaultGroups {
		q.groups[g] = newGroup(g)
	}
	return q
}

// AddGroup creates a group if it doesn't already exist. Must run on the
// queue's reactor.
func (q *Queue) AddGroup(name string) Result {
	if _, ok := q.groups[name]; ok {
		return ResultAlreadyExists
	}
	q.groups[name] = newGroup(name)
	return ResultOK
}

func (q *Queue) group(name string, autoCreate bool) (*Group, bool) {
	g, ok := q.groups[name]
	if !ok && autoCreate {
		g = newGroup(name)
		q.groups[name] = g
		ok = true
	}
	return g, ok
}

// Subscribe adds client to groupName, auto-creating the group if it does
// not already exist, and notifies the group's other members. Idempotent:
// subscribing twice is a no-op success. Must run on the queue's reactor.
func (q *Queue) Subscribe(client *Client, groupName string) Result {
	g, _ := q.group(groupName, true)

	if client.IsSubscribed(groupName) {
		return ResultOK
	}

	client.subscriptions[groupName] = struct{}{}
	g.members[client.Name] = client
	q.registerClient(client)

	if q.m != nil {
		q.m.QueueSubscribers.WithLabelValues(q.Name, groupName).Set(float64(g.Count()))
	}

	for _, member := range g.Members() {
		if member.Name == client.Name {
			continue
		}
		member.Subscriber.Enter(client.Name, groupName)
	}
	return ResultOK
}

// Unsubscribe removes client from groupName and notifies the remaining
// members. Idempotent. Must run on the queue's reactor.
func (q *Queue) Unsubscribe(client *Client, groupName string) Result {
	g, ok := q.groups[groupName]
	if !ok || !client.IsSubscribed(groupName) {
		return ResultOK
	}

	delete(client.subscriptions, groupName)
	delete(g.members, client.Name)

	if q.m != nil {
		q.m.QueueSubscribers.WithLabelValues(q.Name, groupName).Set(float64(g.Count()))
	}

	for _, member := range g.Members() {
		member.Subscriber.Leave(client.Name, groupName)
	}
	return ResultOK
}

// evictForBackpressure removes member from g because its outstanding
// backlog (bytes or messages undelivered toward its outbox) crossed the
// configured threshold — the BackpressureDrop policy: drop the
// subscriber from the group rather than let one slow reader hold
// unbounded state, and tell the group's other members it left. member
// itself is not disconnected; it keeps any other subscriptions it has.
// Must run on the queue's reactor.
func (q *Queue) evictForBackpressure(member *Client, g *Group) {
	delete(g.members, member.Name)
	delete(member.subscriptions, g.Name)
	member.BacklogBytes = 0
	member.BacklogMessages = 0

	q.logger.Warn().
		Str("client", member.Name).
		Str("group", g.Name).
		Msg("subscriber backlog exceeded threshold, dropped from group")

	for _, other := range g.Members() {
		other.Subscriber.Leave(member.Name, g.Name)
	}
	if q.m != nil {
		q.m.QueueSubscribers.WithLabelValues(q.Name, g.Name).Set(float64(g.Count()))
		q.m.MessagesDropped.WithLabelValues(q.Name, "backlog_exceeded").Inc()
	}
}

func (q *Queue) registerClient(client *Client) {
	if _, ok := q.clients[client.Name]; !ok {
		q.clients[client.Name] = client
	}
}

// Push admits msg from sender, runs it through the processor chain,
// assigns it a sequence number, retains it for resume, and fans it out to
// msg.TargetGroup's members. Must run on the queue's reactor.
func (q *Queue) Push(sender *Client, msg *Message) (Result, error) {
	if len(msg.Payload) > q.opts.MaxPayloadSize {
		return ResultOversizedPayload, ErrPayloadTooLarge
	}

	q.idleMu.Lock()
	q.counters.ReceivedMessages++
	q.counters.ReceivedPayloadByte += uint64(len(msg.Payload))
	q.idleMu.Unlock()

	for _, p := range q.opts.Processors {
		switch p.Process(msg) {
		case ActionDrop:
			if sender != nil && sender.Subscriber != nil {
				sender.Subscriber.Ack(msg)
			}
			return ResultDropped, nil
		case ActionReplace, ActionPass:
			// continue to next processor
		}
	}

	msg.Sequence = q.nextSequence + 1
	q.nextSequence = msg.Sequence
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	q.retain(msg)

	g, ok := q.group(msg.TargetGroup, false)
	if !ok {
		return ResultNoSuchGroup, ErrNoSuchGroup
	}

	delivered := 0
	for _, member := range g.Members() {
		if member.Name == msg.SenderClientName && !member.SelfDelivery {
			continue
		}
		bytesEnqueued, ok := member.Subscriber.Publish(msg)
		if !ok {
			// The subscriber couldn't even enqueue this one: it is
			// already as backed up as a successful delivery that pushed
			// it over threshold, so it still counts toward eviction
			// below. Otherwise a fully-stalled subscriber would never
			// reach the threshold check that a merely-slow one does.
			member.BacklogMessages++
			if q.m != nil {
				q.m.MessagesDropped.WithLabelValues(q.Name, "backlog_full").Inc()
			}
		} else {
			member.BacklogBytes += bytesEnqueued
			member.BacklogMessages++
			member.lastSentSeq = msg.Sequence
			member.hasLastSentSeq = true
			member.touch()
			delivered++
		}

		if member.BacklogBytes > q.opts.BacklogBytes || member.BacklogMessages > q.opts.BacklogMessages {
			q.evictForBackpressure(member, g)
		}
	}

	q.idleMu.Lock()
	q.counters.SentMessages += uint64(delivered)
	q.counters.SentPayloadBytes += uint64(delivered * len(msg.Payload))
	q.counters.LastSequence = msg.Sequence
	if backlog := q.retentionBytes(); backlog > q.counters.PeakBacklogBytes {
		q.counters.PeakBacklogBytes = backlog
	}
	if len(q.retention) > q.counters.PeakBacklogMessages {
		q.counters.PeakBacklogMessages = len(q.retention)
	}
	q.idleMu.Unlock()

	if q.m != nil {
		q.m.MessagesPublished.WithLabelValues(q.Name, msg.TargetGroup).Inc()
		q.m.MessagesDelivered.WithLabelValues(q.Name).Add(float64(delivered))
		q.m.QueueBacklogMessages.WithLabelValues(q.Name).Set(float64(len(q.retention)))
		q.m.QueueBacklogBytes.WithLabelValues(q.Name).Set(float64(q.retentionBytes()))
	}

	if sender != nil && sender.Subscriber != nil {
		sender.Subscriber.Ack(msg)
	}

	return ResultOK, nil
}

func (q *Queue) retain(msg *Message) {
	q.retention = append(q.retention, msg.Clone())
	if overflow := len(q.retention) - q.opts.RetentionMessages; overflow > 0 {
		q.retention = q.retention[overflow:]
	}
}

func (q *Queue) retentionBytes() int {
	total := 0
	for _, m := range q.retention {
		total += len(m.Payload)
	}
	return total
}

// Resume returns every retained message with sequence greater than
// continueWithSeqNo, or ErrResumeGap if the oldest retained message is
// already past that point.
func (q *Queue) Resume(continueWithSeqNo uint64) ([]*Message, error) {
	if len(q.retention) == 0 {
		if continueWithSeqNo == q.nextSequence {
			return nil, nil
		}
		return nil, ErrResumeGap
	}
	oldest := q.retention[0].Sequence
	if continueWithSeqNo+1 < oldest {
		return nil, ErrResumeGap
	}
	out := make([]*Message, 0, len(q.retention))
	for _, m := range q.retention {
		if m.Sequence > continueWithSeqNo {
			out = append(out, m)
		}
	}
	return out, nil
}

// Disconnected removes client from every group it belongs to, notifying
// the remaining members of each, then disposes its subscriber. Must run
// on the queue's reactor.
func (q *Queue) Disconnected(client *Client) {
	for _, groupName := range client.Subscriptions() {
		g, ok := q.groups[groupName]
		if !ok {
			continue
		}
		delete(g.members, client.Name)
		delete(client.subscriptions, groupName)
		for _, member := range g.Members() {
			member.Subscriber.Disconnected(client.Name)
		}
		if q.m != nil {
			q.m.QueueSubscribers.WithLabelValues(q.Name, groupName).Set(float64(g.Count()))
		}
	}
	delete(q.clients, client.Name)
	if client.Subscriber != nil {
		client.Subscriber.Dispose()
	}
}

// StatisticsSnapshot implements stats.Source. reset clears the delta
// counters (ReceivedMessages, SentMessages, ...) but not LastSequence.
// Safe to call from any goroutine; it never touches reactor-only state.
func (q *Queue) StatisticsSnapshot(reset bool) stats.Counters {
	q.idleMu.Lock()
	defer q.idleMu.Unlock()

	snap := q.counters
	if reset {
		lastSeq := q.counters.LastSequence
		q.counters = stats.Counters{LastSequence: lastSeq}
	}
	return snap
}

// timeout is the queue reactor's per-second timer callback: it ages out
// clients that have gone quiet past opts.IdleTimeout, per spec.md's
// watchdog requirement. Must run on the queue's reactor.
func (q *Queue) timeout() {
	if q.opts.IdleTimeout <= 0 {
		return
	}
	deadline := time.Now().Add(-q.opts.IdleTimeout)
	for _, c := range q.clients {
		if c.lastActivity.Before(deadline) {
			q.logger.Debug().Str("client", c.Name).Msg("idle client timed out")
			q.Disconnected(c)
		}
	}
}
