package bus

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arklabs/ark/pkg/types"
)

// recorder captures escalations for assertions.
type recorder struct {
	mu   sync.Mutex
	escs []*types.Escalation
}

func (r *recorder) Escalate(esc *types.Escalation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.escs = append(r.escs, esc)
}

func (r *recorder) all() []*types.Escalation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*types.Escalation(nil), r.escs...)
}

// collector subscribes and records delivered messages.
type collector struct {
	mu   sync.Mutex
	msgs []*types.Message
}

func (c *collector) handle(msg *types.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *collector) wait(t *testing.T, n int) []*types.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.msgs) >= n {
			out := append([]*types.Message(nil), c.msgs...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d messages", n)
	return nil
}

func TestPublishDirectAndBroadcast(t *testing.T) {
	b := New(Options{}, nil)
	defer b.Stop()

	scholar := &collector{}
	builder := &collector{}
	b.Subscribe(types.AgentScholar, scholar.handle)
	b.Subscribe(types.AgentBuilder, builder.handle)

	b.Publish(&types.Message{CorrelationID: "c1", From: types.AgentScanner, To: types.AgentScholar, Kind: types.MessageRequest})
	b.Publish(&types.Message{CorrelationID: "c1", From: types.AgentScanner, Kind: types.MessageEvent}) // broadcast

	scholarMsgs := scholar.wait(t, 2)
	builderMsgs := builder.wait(t, 1)
	assert.Equal(t, types.MessageRequest, scholarMsgs[0].Kind)
	assert.Equal(t, types.MessageEvent, builderMsgs[0].Kind)
}

func TestPublishOrderPreservedPerSender(t *testing.T) {
	b := New(Options{}, nil)
	defer b.Stop()

	c := &collector{}
	b.Subscribe(types.AgentBuilder, c.handle)

	for i := 0; i < 20; i++ {
		b.Publish(&types.Message{
			CorrelationID: "c1",
			From:          types.AgentScholar,
			To:            types.AgentBuilder,
			Kind:          types.MessageRequest,
			Payload:       map[string]any{"seq": i},
		})
	}

	msgs := c.wait(t, 20)
	for i, m := range msgs {
		assert.Equal(t, i, m.Payload["seq"])
	}
}

func TestHistoryIsCorrelationPure(t *testing.T) {
	b := New(Options{}, nil)
	defer b.Stop()

	for i := 0; i < 3; i++ {
		b.Publish(&types.Message{CorrelationID: "A", From: "x", Kind: types.MessageEvent})
		b.Publish(&types.Message{CorrelationID: "B", From: "y", Kind: types.MessageEvent})
	}

	histA := b.History("A")
	histB := b.History("B")
	require.Len(t, histA, 3)
	require.Len(t, histB, 3)
	for _, m := range histA {
		assert.Equal(t, "A", m.CorrelationID)
	}
	for _, m := range histB {
		assert.Equal(t, "B", m.CorrelationID)
	}
}

func TestHistoryRingEvictsFIFO(t *testing.T) {
	b := New(Options{HistorySize: 5}, nil)
	defer b.Stop()

	for i := 0; i < 8; i++ {
		b.Publish(&types.Message{CorrelationID: "A", From: "x", Kind: types.MessageEvent, Payload: map[string]any{"seq": i}})
	}

	hist := b.History("A")
	require.Len(t, hist, 5)
	assert.Equal(t, 3, hist[0].Payload["seq"])
	assert.Equal(t, 7, hist[4].Payload["seq"])
}

func TestConversationTree(t *testing.T) {
	b := New(Options{}, nil)
	defer b.Stop()

	root := &types.Message{MessageID: "m1", CorrelationID: "A", From: "scanner", Kind: types.MessageRequest}
	child := &types.Message{MessageID: "m2", CausationID: "m1", CorrelationID: "A", From: "scholar", Kind: types.MessageResponse}
	grandchild := &types.Message{MessageID: "m3", CausationID: "m2", CorrelationID: "A", From: "builder", Kind: types.MessageResponse}
	orphan := &types.Message{MessageID: "m4", CausationID: "gone", CorrelationID: "A", From: "mirror", Kind: types.MessageEvent}

	for _, m := range []*types.Message{root, child, grandchild, orphan} {
		b.Publish(m)
	}

	roots := b.Conversation("A")
	require.Len(t, roots, 2)
	assert.Equal(t, "m1", roots[0].Message.MessageID)
	require.Len(t, roots[0].Children, 1)
	assert.Equal(t, "m2", roots[0].Children[0].Message.MessageID)
	require.Len(t, roots[0].Children[0].Children, 1)
	assert.Equal(t, "m3", roots[0].Children[0].Children[0].Message.MessageID)
	assert.Equal(t, "m4", roots[1].Message.MessageID)
}

func TestHandlerErrorEscalated(t *testing.T) {
	rec := &recorder{}
	b := New(Options{}, rec)
	defer b.Stop()

	b.Subscribe(types.AgentArbiter, func(msg *types.Message) error {
		return errors.New("boom")
	})
	b.Publish(&types.Message{CorrelationID: "c1", From: "x", To: types.AgentArbiter, Kind: types.MessageRequest})

	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, 2*time.Second, 5*time.Millisecond)
	esc := rec.all()[0]
	assert.Equal(t, "c1", esc.CorrelationID)
	assert.Equal(t, types.SeverityError, esc.Severity)
}

func TestHandlerPanicContained(t *testing.T) {
	rec := &recorder{}
	b := New(Options{}, rec)
	defer b.Stop()

	c := &collector{}
	sub := b.Subscribe(types.AgentArbiter, func(msg *types.Message) error {
		if msg.Payload["explode"] == true {
			panic("kaboom")
		}
		return c.handle(msg)
	})

	b.Publish(&types.Message{CorrelationID: "c1", From: "x", To: types.AgentArbiter, Kind: types.MessageRequest, Payload: map[string]any{"explode": true}})
	b.Publish(&types.Message{CorrelationID: "c1", From: "x", To: types.AgentArbiter, Kind: types.MessageRequest, Payload: map[string]any{}})

	// The panic is escalated and delivery continues.
	c.wait(t, 1)
	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.NotEmpty(t, rec.all()[0].Stack)
	_ = sub
}

func TestExpiredMessagesNotDelivered(t *testing.T) {
	b := New(Options{}, nil)
	defer b.Stop()

	c := &collector{}
	b.Subscribe(types.AgentMirror, c.handle)

	b.Publish(&types.Message{
		CorrelationID: "c1", From: "x", To: types.AgentMirror,
		Kind:      types.MessageEvent,
		TTL:       time.Millisecond,
		CreatedAt: time.Now().Add(-time.Second),
	})
	b.Publish(&types.Message{CorrelationID: "c1", From: "x", To: types.AgentMirror, Kind: types.MessageEvent})

	msgs := c.wait(t, 1)
	assert.Zero(t, msgs[0].TTL)
}

func TestOverflowDropsLowTiersFirst(t *testing.T) {
	rec := &recorder{}
	b := New(Options{InboxSize: 4}, rec)
	defer b.Stop()

	// A subscriber that never finishes its first message, so the inbox fills.
	block := make(chan struct{})
	b.Subscribe(types.AgentBuilder, func(msg *types.Message) error {
		<-block
		return nil
	})
	defer close(block)

	send := func(kind types.MessageKind, seq int) {
		b.Publish(&types.Message{
			CorrelationID: "c1", From: "x", To: types.AgentBuilder,
			Kind: kind, Payload: map[string]any{"seq": seq},
		})
	}

	// One message is consumed by the blocked handler; fill the inbox.
	send(types.MessageEvent, 0)
	require.Eventually(t, func() bool {
		b.mu.RLock()
		defer b.mu.RUnlock()
		for _, sub := range b.subs {
			sub.inbox.mu.Lock()
			empty := len(sub.inbox.queue) == 0
			sub.inbox.mu.Unlock()
			return empty
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	send(types.MessageEvent, 1)
	send(types.MessageRequest, 2)
	send(types.MessageRequest, 3)
	send(types.MessageError, 4)

	// Inbox is now full: event(1), request(2), request(3), error(4).
	// An incoming error must evict the oldest event, never the error.
	send(types.MessageError, 5)

	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, 2*time.Second, 5*time.Millisecond)
	esc := rec.all()[0]
	assert.Equal(t, "InboxOverflow", esc.Code)
	assert.Equal(t, types.SeverityWarning, esc.Severity)
	assert.Equal(t, "c1", esc.CorrelationID)

	// Another incoming error evicts the oldest request.
	send(types.MessageError, 6)
	require.Eventually(t, func() bool { return len(rec.all()) == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(Options{}, nil)
	defer b.Stop()

	c := &collector{}
	sub := b.Subscribe(types.AgentScholar, c.handle)
	b.Publish(&types.Message{CorrelationID: "c1", From: "x", To: types.AgentScholar, Kind: types.MessageEvent})
	c.wait(t, 1)

	b.Unsubscribe(sub)
	b.Publish(&types.Message{CorrelationID: "c1", From: "x", To: types.AgentScholar, Kind: types.MessageEvent})
	time.Sleep(50 * time.Millisecond)

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Len(t, c.msgs, 1)
}
