package bus

import (
	"sync"

	"github.com/arklabs/ark/pkg/types"
)

// ring is the bounded message history with a correlation index. Eviction is
// FIFO; the index is updated under the same lock as the buffer so history
// and index never disagree.
type ring struct {
	mu    sync.RWMutex
	buf   []*types.Message
	limit int
	byCID map[string][]*types.Message
}

func newRing(limit int) *ring {
	return &ring{
		limit: limit,
		byCID: make(map[string][]*types.Message),
	}
}

func (r *ring) add(msg *types.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.buf) >= r.limit {
		evicted := r.buf[0]
		r.buf = r.buf[1:]
		r.evictFromIndex(evicted)
	}
	r.buf = append(r.buf, msg)
	r.byCID[msg.CorrelationID] = append(r.byCID[msg.CorrelationID], msg)
}

func (r *ring) evictFromIndex(msg *types.Message) {
	entries := r.byCID[msg.CorrelationID]
	for i, m := range entries {
		if m.MessageID == msg.MessageID {
			entries = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		delete(r.byCID, msg.CorrelationID)
	} else {
		r.byCID[msg.CorrelationID] = entries
	}
}

func (r *ring) byCorrelation(cid string) []*types.Message {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*types.Message(nil), r.byCID[cid]...)
}

// History returns the messages known to the bus for a correlation id,
// oldest first. The window is bounded by the ring size.
func (b *Bus) History(correlationID string) []*types.Message {
	return b.history.byCorrelation(correlationID)
}

// ConversationNode is one message in a reconstructed causal tree.
type ConversationNode struct {
	Message  *types.Message      `json:"message"`
	Children []*ConversationNode `json:"children,omitempty"`
}

// Conversation reconstructs the causal tree for a correlation id using
// causation_id edges. Messages whose cause is unknown (or outside the
// retained window) become roots. Sibling order follows publish order.
func (b *Bus) Conversation(correlationID string) []*ConversationNode {
	msgs := b.history.byCorrelation(correlationID)

	nodes := make(map[string]*ConversationNode, len(msgs))
	for _, m := range msgs {
		nodes[m.MessageID] = &ConversationNode{Message: m}
	}

	var roots []*ConversationNode
	for _, m := range msgs {
		node := nodes[m.MessageID]
		if parent, ok := nodes[m.CausationID]; ok && m.CausationID != m.MessageID {
			parent.Children = append(parent.Children, node)
		} else {
			roots = append(roots, node)
		}
	}
	return roots
}
