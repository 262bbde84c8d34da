package agents

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/arklabs/ark/pkg/bus"
	"github.com/arklabs/ark/pkg/errbus"
	"github.com/arklabs/ark/pkg/generation"
	"github.com/arklabs/ark/pkg/lattice"
	"github.com/arklabs/ark/pkg/log"
	"github.com/arklabs/ark/pkg/scoring"
	"github.com/arklabs/ark/pkg/types"
)

// Deps carries the services every role works against. Cancelled is the
// orchestrator's per-correlation cancellation check; handlers consult it
// before long operations and return promptly once it reports true.
type Deps struct {
	Bus       *bus.Bus
	Errors    *errbus.Bus
	Store     *lattice.Store
	Engine    *generation.Engine
	Rulesets  map[string][]scoring.Rule
	Cancelled func(correlationID string) bool
}

func (d Deps) cancelled(cid string) bool {
	return d.Cancelled != nil && d.Cancelled(cid)
}

// Agent is one running pipeline role bound to a bus subscription.
type Agent struct {
	name string
	deps Deps
	sub  *bus.Subscription
}

// Name returns the role name.
func (a *Agent) Name() string { return a.name }

// Set is the full complement of pipeline roles.
type Set struct {
	agents []*Agent
}

// StartAll subscribes every pipeline role to the bus in pipeline order.
func StartAll(deps Deps) *Set {
	set := &Set{}
	for _, role := range types.AgentRoles {
		set.agents = append(set.agents, start(role, deps))
	}
	return set
}

func start(role string, deps Deps) *Agent {
	a := &Agent{name: role, deps: deps}
	a.sub = deps.Bus.Subscribe(role, a.handle)
	log.WithAgent(role).Debug().Msg("agent started")
	return a
}

// Stop unsubscribes every role.
func (s *Set) Stop() {
	for _, a := range s.agents {
		a.deps.Bus.Unsubscribe(a.sub)
	}
}

// Names returns the running role names in pipeline order.
func (s *Set) Names() []string {
	out := make([]string, len(s.agents))
	for i, a := range s.agents {
		out[i] = a.name
	}
	return out
}

// handle dispatches one delivered message to the role's stage logic.
// Broadcast traffic not meant for this role is ignored.
func (a *Agent) handle(msg *types.Message) error {
	switch {
	case a.name == types.AgentReflector && msg.Kind == types.MessageEvent:
		return a.reflect(msg)
	case msg.Kind != types.MessageRequest || (msg.To != "" && msg.To != a.name):
		return nil
	}

	payload, err := a.stage(msg)
	if err != nil {
		a.respondError(msg, err)
		return nil
	}
	if payload != nil {
		a.respond(msg, payload)
	}
	return nil
}

func (a *Agent) stage(msg *types.Message) (map[string]any, error) {
	switch a.name {
	case types.AgentScanner:
		return a.scan(msg)
	case types.AgentScholar:
		return a.enrich(msg)
	case types.AgentBuilder:
		return a.compose(msg)
	case types.AgentArbiter:
		return a.validate(msg)
	case types.AgentMirror:
		return a.summarise(msg)
	}
	return nil, nil
}

func (a *Agent) respond(msg *types.Message, payload map[string]any) {
	a.deps.Bus.Publish(&types.Message{
		CorrelationID: msg.CorrelationID,
		CausationID:   msg.MessageID,
		From:          a.name,
		To:            msg.From,
		Kind:          types.MessageResponse,
		Payload:       payload,
	})
}

func (a *Agent) respondError(msg *types.Message, err error) {
	se := asStageError(err)
	a.deps.Bus.Publish(&types.Message{
		CorrelationID: msg.CorrelationID,
		CausationID:   msg.MessageID,
		From:          a.name,
		To:            msg.From,
		Kind:          types.MessageError,
		Payload: map[string]any{
			"code":        se.Code,
			"message":     se.Message,
			"recoverable": se.Recoverable,
		},
	})
}

// CodeCancelled marks a stage that stopped because its correlation was
// cancelled. The orchestrator discards the response; it only proves the
// agent yielded within the grace period.
const CodeCancelled = "Cancelled"

func cancelledError() *StageError {
	return &StageError{Code: CodeCancelled, Message: "correlation cancelled"}
}

// StageError is a stage failure with its wire code and retry class.
type StageError struct {
	Code        string
	Message     string
	Recoverable bool
}

func (e *StageError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func asStageError(err error) *StageError {
	if se, ok := err.(*StageError); ok {
		return se
	}
	return &StageError{Code: types.CodeInternalError, Message: err.Error()}
}

// scan normalizes raw external input into a Request. Requirements may come
// pre-split or as free text; free text is split on commas and whitespace.
func (a *Agent) scan(msg *types.Message) (map[string]any, error) {
	req := &types.Request{
		CorrelationID: msg.CorrelationID,
		SubmittedAt:   time.Now(),
		Options:       map[string]string{},
	}
	if raw, ok := msg.Payload["raw"].(string); ok {
		req.Raw = raw
	}
	if reqs, ok := msg.Payload["requirements"].([]string); ok {
		req.Requirements = normalizeRequirements(reqs)
	}
	if opts, ok := msg.Payload["options"].(map[string]string); ok {
		for k, v := range opts {
			req.Options[k] = v
		}
	}
	if len(req.Requirements) == 0 && req.Raw != "" {
		req.Requirements = normalizeRequirements(strings.FieldsFunc(req.Raw, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\n' || r == '\t'
		}))
	}
	if len(req.Requirements) == 0 {
		return nil, &StageError{Code: types.CodeInvalidPayload, Message: "no requirements in submission"}
	}
	return map[string]any{"request": req}, nil
}

func normalizeRequirements(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, r := range in {
		r = strings.ToLower(strings.TrimSpace(r))
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}

// enrich queries the lattice for context nodes per requirement. An empty
// result set is a warning, never a failure: the builder proceeds with empty
// context.
func (a *Agent) enrich(msg *types.Message) (map[string]any, error) {
	req, err := requestFrom(msg)
	if err != nil {
		return nil, err
	}

	var context []*types.CapabilityNode
	seen := map[string]bool{}
	for _, requirement := range req.Requirements {
		if a.deps.cancelled(msg.CorrelationID) {
			return nil, cancelledError()
		}
		nodes, err := a.deps.Store.Query(lattice.Selectors{Capability: requirement})
		if err != nil {
			return nil, &StageError{Code: types.CodeStoreUnavailable, Message: err.Error(), Recoverable: true}
		}
		for _, n := range nodes {
			if !seen[n.ID] {
				seen[n.ID] = true
				context = append(context, n)
			}
		}
	}

	if len(context) == 0 && a.deps.Errors != nil {
		a.deps.Errors.Escalate(&types.Escalation{
			CorrelationID: msg.CorrelationID,
			From:          a.name,
			Severity:      types.SeverityWarning,
			Code:          "EmptyQuery",
			Message:       "no lattice context for requirements, builder proceeds without",
			Recoverable:   true,
		})
	}
	return map[string]any{"request": req, "context": context}, nil
}

// compose runs the generation engine. An options entry simulate_delay_ms
// stalls here in small slices, checking cancellation between them; it exists
// so cancellation behaviour can be exercised end to end.
func (a *Agent) compose(msg *types.Message) (map[string]any, error) {
	req, err := requestFrom(msg)
	if err != nil {
		return nil, err
	}

	if ms, ok := req.Options["simulate_delay_ms"]; ok {
		if delay, err := strconv.Atoi(ms); err == nil {
			deadline := time.Now().Add(time.Duration(delay) * time.Millisecond)
			for time.Now().Before(deadline) {
				if a.deps.cancelled(msg.CorrelationID) {
					return nil, cancelledError()
				}
				time.Sleep(10 * time.Millisecond)
			}
		}
	}
	if a.deps.cancelled(msg.CorrelationID) {
		return nil, cancelledError()
	}

	// The scholar's context seeds candidate choice, so requirements it
	// already resolved skip a second store query.
	context, _ := msg.Payload["context"].([]*types.CapabilityNode)

	result, err := a.deps.Engine.Generate(req.Requirements, generation.Options{
		Language:   req.Options["language"],
		Framework:  req.Options["framework"],
		TargetKind: req.Options["target_kind"],
		Context:    context,
	})
	if err != nil {
		switch {
		case isUnresolved(err):
			return nil, &StageError{Code: types.CodeUnresolvedDep, Message: err.Error()}
		case isNoCandidates(err):
			return nil, &StageError{Code: types.CodeNotFound, Message: err.Error()}
		}
		return nil, &StageError{Code: types.CodeInternalError, Message: err.Error()}
	}
	return map[string]any{"request": req, "result": result}, nil
}

// validate applies the configured ruleset against the composed result. The
// action record carries the scoring outcome plus any numeric request
// options, so rulesets can constrain either.
func (a *Agent) validate(msg *types.Message) (map[string]any, error) {
	req, err := requestFrom(msg)
	if err != nil {
		return nil, err
	}
	result, err := resultFrom(msg)
	if err != nil {
		return nil, err
	}

	rulesetID := req.Options["ruleset_id"]
	if rulesetID == "" {
		rulesetID = "default"
	}
	rules := a.deps.Rulesets[rulesetID]

	action := map[string]any{
		"chosen_count": len(result.ChosenNodes),
		"template":     result.TemplateID != "",
	}
	minScore, minConfidence := 1.0, 1.0
	for _, bd := range result.Breakdowns {
		if bd.Total < minScore {
			minScore = bd.Total
		}
		if bd.Confidence < minConfidence {
			minConfidence = bd.Confidence
		}
	}
	action["min_score"] = minScore
	action["min_confidence"] = minConfidence
	for k, v := range req.Options {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			action[k] = f
		} else {
			action[k] = v
		}
	}

	decision := scoring.Evaluate(rules, action)
	return map[string]any{"decision": &decision}, nil
}

// summarise runs the reflection engine and renders the documentation
// outline. Failures here degrade the result, they never block it; the
// orchestrator treats errors from this stage as advisory.
func (a *Agent) summarise(msg *types.Message) (map[string]any, error) {
	req, err := requestFrom(msg)
	if err != nil {
		return nil, err
	}
	result, err := resultFrom(msg)
	if err != nil {
		return nil, err
	}
	decision, _ := msg.Payload["decision"].(*scoring.Decision)

	reflection, err := a.deps.Engine.Reflect(msg.CorrelationID, result, decision)
	if err != nil {
		return nil, &StageError{Code: types.CodeInternalError, Message: err.Error()}
	}
	outline, err := a.deps.Engine.Document(req, result)
	if err != nil {
		return nil, &StageError{Code: types.CodeInternalError, Message: err.Error()}
	}
	return map[string]any{"reflection": reflection, "outline": outline}, nil
}

// reflect consumes the pipeline-completed event and folds the outcome back
// into the lattice: usage counters on every chosen node, success counters
// when the arbiter approved. Runs after delivery, so write latency here
// never holds up a caller.
func (a *Agent) reflect(msg *types.Message) error {
	result, ok := msg.Payload["result"].(*generation.Result)
	if !ok {
		return nil
	}
	approved, _ := msg.Payload["approved"].(bool)

	for _, id := range result.ChosenNodes {
		node, err := a.deps.Store.Get(id)
		if err != nil {
			continue
		}
		if node.Metadata == nil {
			node.Metadata = map[string]string{}
		}
		bumpCounter(node.Metadata, "usage_count")
		if approved {
			bumpCounter(node.Metadata, "success_count")
		}
		if _, err := a.deps.Store.Put(node); err != nil {
			log.WithAgent(a.name).Warn().Err(err).Str("node_id", id).Msg("failed to update usage counters")
		}
	}
	return nil
}

func bumpCounter(meta map[string]string, key string) {
	n, _ := strconv.Atoi(meta[key])
	meta[key] = strconv.Itoa(n + 1)
}

func requestFrom(msg *types.Message) (*types.Request, error) {
	req, ok := msg.Payload["request"].(*types.Request)
	if !ok {
		return nil, &StageError{Code: types.CodeInvalidPayload, Message: "stage payload missing request"}
	}
	return req, nil
}

func resultFrom(msg *types.Message) (*generation.Result, error) {
	result, ok := msg.Payload["result"].(*generation.Result)
	if !ok {
		return nil, &StageError{Code: types.CodeInvalidPayload, Message: "stage payload missing result"}
	}
	return result, nil
}

func isUnresolved(err error) bool   { return errors.Is(err, generation.ErrUnresolvedDependency) }
func isNoCandidates(err error) bool { return errors.Is(err, generation.ErrNoCandidates) }
