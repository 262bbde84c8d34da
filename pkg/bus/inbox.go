package bus

import (
	"sync"

	"github.com/arklabs/ark/pkg/types"
)

// dropRank orders message kinds for the overflow policy: events (the
// info/debug tier) go first, then requests, then responses. Errors are never
// dropped; an error arriving at a full inbox is admitted over capacity.
var dropRank = map[types.MessageKind]int{
	types.MessageEvent:    0,
	types.MessageRequest:  1,
	types.MessageResponse: 2,
	types.MessageError:    3,
}

// inbox is a bounded FIFO with a severity-aware overflow policy. A plain
// channel cannot express "drop the oldest event first", so the inbox is a
// mutex-guarded slice with a wakeup channel for the delivery loop.
type inbox struct {
	mu     sync.Mutex
	queue  []*types.Message
	limit  int
	wake   chan struct{}
	closed bool
}

func newInbox(limit int) *inbox {
	return &inbox{
		limit: limit,
		wake:  make(chan struct{}, 1),
	}
}

// push appends msg, evicting per the drop policy when full. Returns the
// evicted message, or nil if nothing was dropped.
func (in *inbox) push(msg *types.Message) *types.Message {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return nil
	}

	var dropped *types.Message
	if len(in.queue) >= in.limit {
		if idx := in.victim(msg); idx >= 0 {
			dropped = in.queue[idx]
			in.queue = append(in.queue[:idx], in.queue[idx+1:]...)
		} else {
			// Nothing droppable below the incoming message: the
			// incoming non-error message is the victim.
			if msg.Kind != types.MessageError {
				return msg
			}
			// Errors are admitted over capacity.
		}
	}

	in.queue = append(in.queue, msg)
	select {
	case in.wake <- struct{}{}:
	default:
	}
	return dropped
}

// victim finds the oldest queued message with the lowest drop rank that is
// not an error and does not outrank the incoming message.
func (in *inbox) victim(incoming *types.Message) int {
	best := -1
	bestRank := dropRank[types.MessageError] // sentinel: never chosen
	for i, queued := range in.queue {
		r := dropRank[queued.Kind]
		if r >= dropRank[types.MessageError] {
			continue
		}
		if r < bestRank {
			best, bestRank = i, r
		}
	}
	if best >= 0 && bestRank > dropRank[incoming.Kind] && incoming.Kind != types.MessageError {
		// Queued messages all outrank the incoming one; drop incoming
		// instead (handled by caller via -1).
		return -1
	}
	return best
}

// pop blocks until a message is available or the inbox is closed.
func (in *inbox) pop() (*types.Message, bool) {
	for {
		in.mu.Lock()
		if len(in.queue) > 0 {
			msg := in.queue[0]
			in.queue = in.queue[1:]
			in.mu.Unlock()
			return msg, true
		}
		closed := in.closed
		in.mu.Unlock()

		if closed {
			return nil, false
		}
		<-in.wake
	}
}

// close wakes the delivery loop and discards anything still queued.
func (in *inbox) close() {
	in.mu.Lock()
	in.closed = true
	in.queue = nil
	in.mu.Unlock()

	select {
	case in.wake <- struct{}{}:
	default:
	}
}
