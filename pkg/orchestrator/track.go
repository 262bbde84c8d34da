package orchestrator

import (
	"sync"
	"time"

	"github.com/arklabs/ark/pkg/generation"
	"github.com/arklabs/ark/pkg/scoring"
	"github.com/arklabs/ark/pkg/types"
)

// Transition is one recorded state change of a request.
type Transition struct {
	From types.PipelineState `json:"from"`
	To   types.PipelineState `json:"to"`
	At   time.Time           `json:"at"`
	Note string              `json:"note,omitempty"`
}

// allowed maps each state to its legal successors. Failed is reachable from
// every non-terminal state and is checked separately.
var allowed = map[types.PipelineState][]types.PipelineState{
	types.StateReceived:  {types.StateEnriched},
	types.StateEnriched:  {types.StateComposed},
	types.StateComposed:  {types.StateValidated},
	types.StateValidated: {types.StateApproved, types.StateRejected},
	types.StateApproved:  {types.StateReflected},
	types.StateRejected:  {types.StateReflected},
	types.StateReflected: {types.StateFinalized, types.StateArchived},
}

// track is the per-request pipeline record.
type track struct {
	mu          sync.Mutex
	cid         string
	state       types.PipelineState
	transitions []Transition
	request     *types.Request
	result      *generation.Result
	decision    *scoring.Decision
	reflection  *generation.Reflection
	outline     *generation.Outline
	failureCode string
	createdAt   time.Time

	cancelOnce sync.Once
	cancelCh   chan struct{}
}

func newTrack(cid string) *track {
	return &track{
		cid:       cid,
		state:     types.StateReceived,
		createdAt: time.Now(),
		cancelCh:  make(chan struct{}),
	}
}

// transition moves the track to a new state if the FSM allows it. A move
// out of a terminal state is refused, including to Failed.
func (t *track) transition(to types.PipelineState, note string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state.Terminal() {
		return false
	}
	if to != types.StateFailed && !legal(t.state, to) {
		return false
	}
	t.transitions = append(t.transitions, Transition{From: t.state, To: to, At: time.Now(), Note: note})
	t.state = to
	return true
}

func legal(from, to types.PipelineState) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (t *track) cancel() {
	t.cancelOnce.Do(func() { close(t.cancelCh) })
}

func (t *track) cancelled() bool {
	select {
	case <-t.cancelCh:
		return true
	default:
		return false
	}
}

func (t *track) currentState() types.PipelineState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Snapshot is the externally visible view of one request's pipeline.
type Snapshot struct {
	CorrelationID string                 `json:"correlation_id"`
	State         types.PipelineState    `json:"state"`
	Transitions   []Transition           `json:"transitions"`
	Request       *types.Request         `json:"request,omitempty"`
	Result        *generation.Result     `json:"result,omitempty"`
	Decision      *scoring.Decision      `json:"decision,omitempty"`
	Reflection    *generation.Reflection `json:"reflection,omitempty"`
	Outline       *generation.Outline    `json:"outline,omitempty"`
	FailureCode   string                 `json:"failure_code,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
}

func (t *track) snapshot() *Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return &Snapshot{
		CorrelationID: t.cid,
		State:         t.state,
		Transitions:   append([]Transition(nil), t.transitions...),
		Request:       t.request,
		Result:        t.result,
		Decision:      t.decision,
		Reflection:    t.reflection,
		Outline:       t.outline,
		FailureCode:   t.failureCode,
		CreatedAt:     t.createdAt,
	}
}
