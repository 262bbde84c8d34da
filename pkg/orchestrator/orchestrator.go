package orchestrator

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arklabs/ark/pkg/agents"
	"github.com/arklabs/ark/pkg/bus"
	"github.com/arklabs/ark/pkg/config"
	"github.com/arklabs/ark/pkg/errbus"
	"github.com/arklabs/ark/pkg/generation"
	"github.com/arklabs/ark/pkg/log"
	"github.com/arklabs/ark/pkg/metrics"
	"github.com/arklabs/ark/pkg/scoring"
	"github.com/arklabs/ark/pkg/types"
)

// Name is the orchestrator's bus identity; agents address responses to it.
const Name = "orchestrator"

var (
	// ErrUnknownCorrelation is returned for operations on a correlation id
	// the orchestrator has never seen.
	ErrUnknownCorrelation = errors.New("unknown correlation id")

	// ErrStopped is returned by Submit after Stop.
	ErrStopped = errors.New("orchestrator stopped")

	errCancelled = errors.New("correlation cancelled")
)

// stageFailure carries a failed stage's wire code into the Failed state.
type stageFailure struct {
	Agent   string
	Code    string
	Message string
}

func (e *stageFailure) Error() string {
	return fmt.Sprintf("stage %s failed: %s: %s", e.Agent, e.Code, e.Message)
}

// Orchestrator drives the per-request pipeline over the agent bus. It owns
// one track per correlation id, publishes stage requests in pipeline order,
// and enforces per-stage timeouts, retry backoff, and cooperative
// cancellation.
type Orchestrator struct {
	bus    *bus.Bus
	errors *errbus.Bus
	cfg    *config.Config

	mu      sync.RWMutex
	tracks  map[string]*track
	waits   map[string]chan *types.Message
	stopped bool

	sub *bus.Subscription
	wg  sync.WaitGroup
}

// New creates the orchestrator and subscribes it to the bus.
func New(b *bus.Bus, eb *errbus.Bus, cfg *config.Config) *Orchestrator {
	o := &Orchestrator{
		bus:    b,
		errors: eb,
		cfg:    cfg,
		tracks: make(map[string]*track),
		waits:  make(map[string]chan *types.Message),
	}
	o.sub = b.Subscribe(Name, o.onMessage)
	return o
}

// Stop cancels every in-flight pipeline, waits for the runners to drain,
// and unsubscribes from the bus.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	o.stopped = true
	for _, t := range o.tracks {
		t.cancel()
	}
	o.mu.Unlock()

	o.wg.Wait()
	o.bus.Unsubscribe(o.sub)
}

// Submit starts a pipeline for a raw submission and returns its
// correlation id immediately; the pipeline runs on its own goroutine.
func (o *Orchestrator) Submit(raw string, requirements []string, options map[string]string) (string, error) {
	cid := uuid.NewString()
	t := newTrack(cid)

	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return "", ErrStopped
	}
	o.tracks[cid] = t
	o.mu.Unlock()

	log.WithCorrelationID(cid).Info().Msg("request accepted")

	o.wg.Add(1)
	go o.run(t, raw, requirements, options)
	return cid, nil
}

// Cancel signals cooperative cancellation for a correlation. Cancelling a
// request already in a terminal state is a no-op.
func (o *Orchestrator) Cancel(cid string) error {
	t, ok := o.track(cid)
	if !ok {
		return ErrUnknownCorrelation
	}
	if t.currentState().Terminal() {
		return nil
	}
	t.cancel()
	return nil
}

// Cancelled reports whether a correlation has been cancelled. Agents call
// this before long operations.
func (o *Orchestrator) Cancelled(cid string) bool {
	t, ok := o.track(cid)
	return ok && t.cancelled()
}

// Snapshot returns the externally visible pipeline state for a correlation.
func (o *Orchestrator) Snapshot(cid string) (*Snapshot, bool) {
	t, ok := o.track(cid)
	if !ok {
		return nil, false
	}
	return t.snapshot(), true
}

func (o *Orchestrator) track(cid string) (*track, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	t, ok := o.tracks[cid]
	return t, ok
}

// onMessage routes agent responses to the stage call waiting on them.
// Responses for calls that already timed out or were cancelled fall on the
// floor; their output is discarded by contract.
func (o *Orchestrator) onMessage(msg *types.Message) error {
	if msg.CausationID == "" {
		return nil
	}
	if msg.Kind != types.MessageResponse && msg.Kind != types.MessageError {
		return nil
	}

	o.mu.Lock()
	ch, ok := o.waits[msg.CausationID]
	delete(o.waits, msg.CausationID)
	o.mu.Unlock()

	if ok {
		ch <- msg
	}
	return nil
}

// run drives one request through the full pipeline.
func (o *Orchestrator) run(t *track, raw string, requirements []string, options map[string]string) {
	defer o.wg.Done()

	// Scanner: normalize the submission.
	resp, err := o.callStage(t, types.AgentScanner, map[string]any{
		"raw": raw, "requirements": requirements, "options": options,
	})
	if err != nil {
		o.fail(t, types.AgentScanner, err)
		return
	}
	req, ok := resp.Payload["request"].(*types.Request)
	if !ok {
		o.fail(t, types.AgentScanner, &stageFailure{types.AgentScanner, types.CodeInternalError, "scanner response missing request"})
		return
	}
	t.mu.Lock()
	t.request = req
	t.mu.Unlock()

	// Scholar: enrich with lattice context.
	resp, err = o.callStage(t, types.AgentScholar, map[string]any{"request": req})
	if err != nil {
		o.fail(t, types.AgentScholar, err)
		return
	}
	context, _ := resp.Payload["context"].([]*types.CapabilityNode)
	t.transition(types.StateEnriched, fmt.Sprintf("%d context nodes", len(context)))

	// Builder: compose the artifact.
	resp, err = o.callStage(t, types.AgentBuilder, map[string]any{"request": req, "context": context})
	if err != nil {
		o.fail(t, types.AgentBuilder, err)
		return
	}
	result, ok := resp.Payload["result"].(*generation.Result)
	if !ok {
		o.fail(t, types.AgentBuilder, &stageFailure{types.AgentBuilder, types.CodeInternalError, "builder response missing result"})
		return
	}
	t.mu.Lock()
	t.result = result
	t.mu.Unlock()
	t.transition(types.StateComposed, fmt.Sprintf("%d nodes chosen", len(result.ChosenNodes)))

	// Arbiter: validate against the configured ruleset.
	resp, err = o.callStage(t, types.AgentArbiter, map[string]any{"request": req, "result": result})
	if err != nil {
		o.fail(t, types.AgentArbiter, err)
		return
	}
	decision, ok := resp.Payload["decision"].(*scoring.Decision)
	if !ok {
		o.fail(t, types.AgentArbiter, &stageFailure{types.AgentArbiter, types.CodeInternalError, "arbiter response missing decision"})
		return
	}
	t.mu.Lock()
	t.decision = decision
	t.mu.Unlock()
	t.transition(types.StateValidated, "")

	if decision.Approved {
		t.transition(types.StateApproved, "")
	} else {
		t.transition(types.StateRejected, fmt.Sprintf("%d violations", len(decision.Violations)))
	}

	// Mirror: reflection is advisory and never blocks delivery; a failure
	// here degrades the result instead of failing the request.
	resp, err = o.callStage(t, types.AgentMirror, map[string]any{
		"request": req, "result": result, "decision": decision,
	})
	switch {
	case errors.Is(err, errCancelled):
		o.fail(t, types.AgentMirror, err)
		return
	case err != nil:
		o.escalate(t, types.AgentMirror, types.SeverityWarning, "ReflectionSkipped", err.Error(), true)
	default:
		t.mu.Lock()
		t.reflection, _ = resp.Payload["reflection"].(*generation.Reflection)
		t.outline, _ = resp.Payload["outline"].(*generation.Outline)
		t.mu.Unlock()
	}
	t.transition(types.StateReflected, "")

	final := types.StateFinalized
	if !decision.Approved {
		final = types.StateArchived
	}
	t.transition(final, "")
	metrics.RequestsTotal.WithLabelValues(string(final)).Inc()
	log.WithCorrelationID(t.cid).Info().Str("state", string(final)).Msg("pipeline complete")

	// Reflector folds the outcome back into the lattice asynchronously.
	o.bus.Publish(&types.Message{
		CorrelationID: t.cid,
		From:          Name,
		To:            types.AgentReflector,
		Kind:          types.MessageEvent,
		Payload:       map[string]any{"result": result, "approved": decision.Approved},
	})
}

// callStage publishes one stage request and waits for its response, with
// per-stage timeout and exponential backoff retries. Cancellation during a
// stage waits out the grace period for the agent to yield; an agent that
// does not is recorded as misbehaving and its eventual output discarded.
func (o *Orchestrator) callStage(t *track, agent string, payload map[string]any) (*types.Message, error) {
	timeout := o.cfg.StageTimeout(agent, 5*time.Second)
	maxRetries := o.cfg.Orchestrator.MaxRetries
	base := o.cfg.Orchestrator.RetryBase.D()
	if base <= 0 {
		base = 200 * time.Millisecond
	}

	timer := metrics.NewTimer()
	defer timer.ObserveStage(agent)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			metrics.StageRetries.WithLabelValues(agent).Inc()
			// Retries are zero-based: retry n waits base·2^n, so the
			// first waits base, doubling after.
			select {
			case <-time.After(base << (attempt - 1)):
			case <-t.cancelCh:
				return nil, errCancelled
			}
		}

		msgID := uuid.NewString()
		ch := make(chan *types.Message, 1)
		o.addWait(msgID, ch)
		o.bus.Publish(&types.Message{
			MessageID:     msgID,
			CorrelationID: t.cid,
			From:          Name,
			To:            agent,
			Kind:          types.MessageRequest,
			Payload:       payload,
		})

		stageTimer := time.NewTimer(timeout)
		select {
		case resp := <-ch:
			stageTimer.Stop()
			if resp.Kind != types.MessageError {
				return resp, nil
			}
			code, _ := resp.Payload["code"].(string)
			message, _ := resp.Payload["message"].(string)
			recoverable, _ := resp.Payload["recoverable"].(bool)
			if code == agents.CodeCancelled {
				return nil, errCancelled
			}
			lastErr = &stageFailure{agent, code, message}
			if !recoverable {
				return nil, lastErr
			}
			o.escalate(t, agent, types.SeverityWarning, code, message, true)

		case <-stageTimer.C:
			o.removeWait(msgID)
			lastErr = &stageFailure{agent, "StageTimeout", fmt.Sprintf("no response within %s", timeout)}
			o.escalate(t, agent, types.SeverityWarning, "StageTimeout", lastErr.Error(), true)

		case <-t.cancelCh:
			stageTimer.Stop()
			grace := o.cfg.Orchestrator.GracePeriod.D()
			if grace <= 0 {
				grace = 500 * time.Millisecond
			}
			graceTimer := time.NewTimer(grace)
			select {
			case <-ch:
				// Agent yielded in time; its output is discarded.
				graceTimer.Stop()
			case <-graceTimer.C:
				o.removeWait(msgID)
				o.escalate(t, agent, types.SeverityError, types.CodeMisbehavingAgent,
					fmt.Sprintf("agent %s ignored cancellation beyond %s", agent, grace), false)
			}
			return nil, errCancelled
		}
	}
	return nil, lastErr
}

func (o *Orchestrator) addWait(msgID string, ch chan *types.Message) {
	o.mu.Lock()
	o.waits[msgID] = ch
	o.mu.Unlock()
}

func (o *Orchestrator) removeWait(msgID string) {
	o.mu.Lock()
	delete(o.waits, msgID)
	o.mu.Unlock()
}

// fail moves the track to Failed, recording the stage and code. Cancelled
// pipelines fail quietly; stage faults escalate at severity error.
func (o *Orchestrator) fail(t *track, agent string, err error) {
	code := types.CodeInternalError
	var sf *stageFailure
	switch {
	case errors.Is(err, errCancelled):
		code = agents.CodeCancelled
	case errors.As(err, &sf):
		code = sf.Code
	}

	t.mu.Lock()
	t.failureCode = code
	t.mu.Unlock()

	if !t.transition(types.StateFailed, err.Error()) {
		return
	}
	metrics.RequestsTotal.WithLabelValues(string(types.StateFailed)).Inc()
	log.WithCorrelationID(t.cid).Warn().Str("agent", agent).Err(err).Msg("pipeline failed")

	if code != agents.CodeCancelled {
		o.escalate(t, agent, types.SeverityError, code, err.Error(), false)
	}
}

func (o *Orchestrator) escalate(t *track, agent string, sev types.Severity, code, message string, recoverable bool) {
	if o.errors == nil {
		return
	}
	o.errors.Escalate(&types.Escalation{
		CorrelationID: t.cid,
		From:          agent,
		Severity:      sev,
		Code:          code,
		Message:       message,
		Recoverable:   recoverable,
	})
}
