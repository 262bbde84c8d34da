package bus

import (
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arklabs/ark/pkg/log"
	"github.com/arklabs/ark/pkg/metrics"
	"github.com/arklabs/ark/pkg/types"
)

// Handler processes one delivered message. Handlers run on the subscriber's
// own goroutine; a returned error or panic is escalated, never propagated
// into the bus.
type Handler func(msg *types.Message) error

// Escalator is the error-bus surface the bus needs. Satisfied by
// *errbus.Bus; tests substitute a recorder.
type Escalator interface {
	Escalate(esc *types.Escalation)
}

// Options sizes the bus buffers.
type Options struct {
	HistorySize int // ring buffer, default 1000
	InboxSize   int // per-subscriber inbox, default 1024
}

// Bus is the correlation-tracked agent message bus. Publish fans out to
// subscriber inboxes; each subscriber drains its inbox on a dedicated
// goroutine so a slow handler never blocks publishers or other subscribers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]*Subscription
	history *ring
	opts    Options
	esc     Escalator
	stopped bool
}

// Subscription is an opaque handle returned by Subscribe.
type Subscription struct {
	id      string
	agent   string
	handler Handler
	inbox   *inbox
	done    chan struct{}
}

// Agent returns the subscriber's agent name.
func (s *Subscription) Agent() string { return s.agent }

// New creates a bus. esc may be nil; escalations are then only logged.
func New(opts Options, esc Escalator) *Bus {
	if opts.HistorySize <= 0 {
		opts.HistorySize = 1000
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = 1024
	}
	return &Bus{
		subs:    make(map[string]*Subscription),
		history: newRing(opts.HistorySize),
		opts:    opts,
		esc:     esc,
	}
}

// Subscribe registers a handler for an agent name and starts its delivery
// goroutine. Multiple subscriptions may share an agent name.
func (b *Bus) Subscribe(agent string, handler Handler) *Subscription {
	sub := &Subscription{
		id:      uuid.NewString(),
		agent:   agent,
		handler: handler,
		inbox:   newInbox(b.opts.InboxSize),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go b.deliverLoop(sub)
	return sub
}

// Unsubscribe stops delivery for the handle. Safe to call twice.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	_, present := b.subs[sub.id]
	delete(b.subs, sub.id)
	b.mu.Unlock()

	if present {
		sub.inbox.close()
		<-sub.done
	}
}

// Stop unsubscribes everything. Pending inbox messages are discarded.
func (b *Bus) Stop() {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[string]*Subscription)
	b.stopped = true
	b.mu.Unlock()

	for _, sub := range subs {
		sub.inbox.close()
		<-sub.done
	}
}

// Publish records the message in history and delivers it to every
// subscriber matching To, or to all subscribers when To is empty
// (broadcast). Missing message id, priority, and created_at are filled in.
func (b *Bus) Publish(msg *types.Message) {
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.Priority == 0 {
		msg.Priority = 5
	}
	if msg.Kind == "" {
		msg.Kind = types.MessageEvent
	}

	b.history.add(msg)
	metrics.MessagesPublished.WithLabelValues(string(msg.Kind)).Inc()

	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if msg.To == "" || sub.agent == msg.To {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		if dropped := sub.inbox.push(msg); dropped != nil {
			b.reportDrop(sub, dropped)
		}
	}
}

// deliverLoop drains one subscriber inbox until it is closed.
func (b *Bus) deliverLoop(sub *Subscription) {
	defer close(sub.done)

	for {
		msg, ok := sub.inbox.pop()
		if !ok {
			return
		}
		if msg.Expired(time.Now()) {
			metrics.MessagesDropped.WithLabelValues("ttl").Inc()
			continue
		}
		b.invoke(sub, msg)
	}
}

// invoke runs the handler with panic containment. Subscriber faults become
// escalations tagged with the originating message; the bus never crashes
// because of them.
func (b *Bus) invoke(sub *Subscription, msg *types.Message) {
	defer func() {
		if r := recover(); r != nil {
			b.escalate(sub, msg, fmt.Errorf("handler panic: %v", r), string(debug.Stack()))
		}
	}()

	if err := sub.handler(msg); err != nil {
		b.escalate(sub, msg, err, "")
	}
}

func (b *Bus) escalate(sub *Subscription, msg *types.Message, err error, stack string) {
	log.WithComponent("bus").Error().
		Err(err).
		Str("agent", sub.agent).
		Str("correlation_id", msg.CorrelationID).
		Str("message_id", msg.MessageID).
		Msg("subscriber handler failed")

	if b.esc == nil {
		return
	}
	b.esc.Escalate(&types.Escalation{
		CorrelationID: msg.CorrelationID,
		From:          sub.agent,
		Severity:      types.SeverityError,
		Code:          types.CodeInternalError,
		Message:       err.Error(),
		Stack:         stack,
		Context:       map[string]any{"message_id": msg.MessageID, "message_kind": string(msg.Kind)},
		Recoverable:   false,
	})
}

func (b *Bus) reportDrop(sub *Subscription, dropped *types.Message) {
	metrics.MessagesDropped.WithLabelValues("overflow").Inc()
	log.WithComponent("bus").Warn().
		Str("agent", sub.agent).
		Str("correlation_id", dropped.CorrelationID).
		Str("kind", string(dropped.Kind)).
		Msg("inbox overflow, message dropped")

	if b.esc == nil {
		return
	}
	b.esc.Escalate(&types.Escalation{
		CorrelationID: dropped.CorrelationID,
		From:          sub.agent,
		Severity:      types.SeverityWarning,
		Code:          "InboxOverflow",
		Message:       fmt.Sprintf("inbox for %s full, dropped %s message", sub.agent, dropped.Kind),
		Context:       map[string]any{"message_id": dropped.MessageID},
		Recoverable:   true,
	})
}
