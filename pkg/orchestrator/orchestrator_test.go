package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arklabs/ark/pkg/agents"
	"github.com/arklabs/ark/pkg/bus"
	"github.com/arklabs/ark/pkg/config"
	"github.com/arklabs/ark/pkg/errbus"
	"github.com/arklabs/ark/pkg/generation"
	"github.com/arklabs/ark/pkg/lattice"
	"github.com/arklabs/ark/pkg/scoring"
	"github.com/arklabs/ark/pkg/types"
)

type pipeline struct {
	orch   *Orchestrator
	bus    *bus.Bus
	errors *errbus.Bus
	store  *lattice.Store
}

func newPipeline(t *testing.T, rulesets map[string][]scoring.Rule, nodes ...*types.CapabilityNode) *pipeline {
	t.Helper()

	store, err := lattice.Open(t.TempDir(), "aaa")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	for _, n := range nodes {
		_, err := store.Put(n)
		require.NoError(t, err)
	}

	eb, err := errbus.New(errbus.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { eb.Close() })

	b := bus.New(bus.Options{}, eb)

	cfg := config.Default()
	cfg.Orchestrator.RetryBase = config.Duration(20 * time.Millisecond)

	orch := New(b, eb, cfg)
	set := agents.StartAll(agents.Deps{
		Bus:       b,
		Errors:    eb,
		Store:     store,
		Engine:    generation.NewEngine(store, nil),
		Rulesets:  rulesets,
		Cancelled: orch.Cancelled,
	})
	t.Cleanup(func() {
		orch.Stop()
		set.Stop()
		b.Stop()
	})

	return &pipeline{orch: orch, bus: b, errors: eb, store: store}
}

func (p *pipeline) waitTerminal(t *testing.T, cid string) *Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, ok := p.orch.Snapshot(cid)
		if ok && snap.State.Terminal() {
			return snap
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("pipeline %s did not reach a terminal state", cid)
	return nil
}

func webNodes() []*types.CapabilityNode {
	return []*types.CapabilityNode{
		{ID: "py-flask", Kind: types.KindFramework, Value: "flask",
			Capabilities: []string{"http"},
			Metadata:     map[string]string{"language": "python"}},
		{ID: "py-sqlite", Kind: types.KindLibrary, Value: "sqlite3",
			Capabilities: []string{"storage"},
			Metadata:     map[string]string{"language": "python"}},
	}
}

func TestHappyPathFinalized(t *testing.T) {
	p := newPipeline(t, nil, webNodes()...)

	cid, err := p.orch.Submit("", []string{"http", "storage"}, map[string]string{"language": "python"})
	require.NoError(t, err)

	snap := p.waitTerminal(t, cid)
	assert.Equal(t, types.StateFinalized, snap.State)
	require.NotNil(t, snap.Result)
	assert.Equal(t, []string{"py-flask", "py-sqlite"}, snap.Result.ChosenNodes)
	assert.NotEmpty(t, snap.Result.ArtifactText)

	// Finalized implies a validator decision exists in the history.
	require.NotNil(t, snap.Decision)
	assert.True(t, snap.Decision.Approved)
	require.NotNil(t, snap.Reflection)
	require.NotNil(t, snap.Outline)

	states := []types.PipelineState{types.StateReceived}
	for _, tr := range snap.Transitions {
		states = append(states, tr.To)
	}
	assert.Equal(t, []types.PipelineState{
		types.StateReceived, types.StateEnriched, types.StateComposed,
		types.StateValidated, types.StateApproved, types.StateReflected,
		types.StateFinalized,
	}, states)
}

func TestRejectedRequestIsArchived(t *testing.T) {
	rulesets := map[string][]scoring.Rule{
		"trading_basic": {{
			ID: "max-position", Selector: "position_pct", Operator: scoring.OpLte,
			Threshold: 0.10, Severity: types.SeverityError,
			Explanation: "position size exceeds limit",
		}},
	}
	p := newPipeline(t, rulesets, webNodes()...)

	cid, err := p.orch.Submit("", []string{"http"}, map[string]string{
		"ruleset_id": "trading_basic", "position_pct": "0.25",
	})
	require.NoError(t, err)

	snap := p.waitTerminal(t, cid)
	assert.Equal(t, types.StateArchived, snap.State)

	// Rejected implies at least one violation of severity >= error.
	require.NotNil(t, snap.Decision)
	assert.False(t, snap.Decision.Approved)
	require.Len(t, snap.Decision.Violations, 1)
	assert.Equal(t, types.SeverityError, snap.Decision.Violations[0].Severity)
}

func TestEmptyScholarContextWarnsAndProceeds(t *testing.T) {
	// No capability tag, so the scholar finds nothing; the builder's text
	// fallback still composes.
	p := newPipeline(t, nil, &types.CapabilityNode{
		ID: "store-lib", Kind: types.KindLibrary, Value: "key-value storage engine",
	})

	cid, err := p.orch.Submit("", []string{"storage"}, nil)
	require.NoError(t, err)

	snap := p.waitTerminal(t, cid)
	assert.Equal(t, types.StateFinalized, snap.State)

	warnings := p.errors.BySeverity(types.SeverityWarning)
	require.NotEmpty(t, warnings)
	assert.Equal(t, "EmptyQuery", warnings[0].Code)
	assert.Equal(t, cid, warnings[0].CorrelationID)
}

func TestNoCandidatesFailsPipeline(t *testing.T) {
	p := newPipeline(t, nil) // empty lattice

	cid, err := p.orch.Submit("", []string{"quantum-annealing"}, nil)
	require.NoError(t, err)

	snap := p.waitTerminal(t, cid)
	assert.Equal(t, types.StateFailed, snap.State)
	assert.Equal(t, types.CodeNotFound, snap.FailureCode)
}

func TestInvalidSubmissionFails(t *testing.T) {
	p := newPipeline(t, nil, webNodes()...)

	cid, err := p.orch.Submit("", nil, nil)
	require.NoError(t, err)

	snap := p.waitTerminal(t, cid)
	assert.Equal(t, types.StateFailed, snap.State)
	assert.Equal(t, types.CodeInvalidPayload, snap.FailureCode)
}

func TestCancellationFailsWithinGrace(t *testing.T) {
	p := newPipeline(t, nil, webNodes()...)

	cid, err := p.orch.Submit("", []string{"http"}, map[string]string{
		"simulate_delay_ms": "500",
	})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, p.orch.Cancel(cid))

	start := time.Now()
	snap := p.waitTerminal(t, cid)
	assert.Equal(t, types.StateFailed, snap.State)
	assert.Equal(t, agents.CodeCancelled, snap.FailureCode)
	assert.Less(t, time.Since(start), time.Second)

	// No further traffic for the correlation after the terminal state.
	before := len(p.bus.History(cid))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, before, len(p.bus.History(cid)))
}

func TestCancelAfterTerminalIsNoop(t *testing.T) {
	p := newPipeline(t, nil, webNodes()...)

	cid, err := p.orch.Submit("", []string{"http"}, nil)
	require.NoError(t, err)
	snap := p.waitTerminal(t, cid)
	require.Equal(t, types.StateFinalized, snap.State)

	require.NoError(t, p.orch.Cancel(cid))
	after, ok := p.orch.Snapshot(cid)
	require.True(t, ok)
	assert.Equal(t, types.StateFinalized, after.State)
}

func TestConcurrentRequestsKeepHistoriesPure(t *testing.T) {
	p := newPipeline(t, nil, webNodes()...)

	cidA, err := p.orch.Submit("", []string{"http"}, nil)
	require.NoError(t, err)
	cidB, err := p.orch.Submit("", []string{"storage"}, nil)
	require.NoError(t, err)

	p.waitTerminal(t, cidA)
	p.waitTerminal(t, cidB)
	time.Sleep(50 * time.Millisecond) // let the trailing reflector events land

	histA := p.bus.History(cidA)
	histB := p.bus.History(cidB)
	require.NotEmpty(t, histA)
	require.NotEmpty(t, histB)
	for _, m := range histA {
		assert.Equal(t, cidA, m.CorrelationID)
	}
	for _, m := range histB {
		assert.Equal(t, cidB, m.CorrelationID)
	}
	// Both requests walk the same pipeline, so their traffic is symmetric.
	assert.Equal(t, len(histA), len(histB))
}

func TestUnknownCorrelation(t *testing.T) {
	p := newPipeline(t, nil)

	_, ok := p.orch.Snapshot("missing")
	assert.False(t, ok)
	assert.ErrorIs(t, p.orch.Cancel("missing"), ErrUnknownCorrelation)
}

func TestSubmitAfterStop(t *testing.T) {
	p := newPipeline(t, nil)
	p.orch.Stop()

	_, err := p.orch.Submit("", []string{"http"}, nil)
	assert.ErrorIs(t, err, ErrStopped)
}

func TestRecoverableFailureRetriesWithBackoff(t *testing.T) {
	p := newPipeline(t, nil, webNodes()...)

	// A closed store makes the scholar fail recoverably on every attempt.
	require.NoError(t, p.store.Close())

	start := time.Now()
	cid, err := p.orch.Submit("", []string{"http"}, nil)
	require.NoError(t, err)

	snap := p.waitTerminal(t, cid)
	elapsed := time.Since(start)
	assert.Equal(t, types.StateFailed, snap.State)
	assert.Equal(t, types.CodeStoreUnavailable, snap.FailureCode)

	// One initial attempt plus max_retries re-publishes to the scholar.
	requests := 0
	for _, m := range p.bus.History(cid) {
		if m.To == types.AgentScholar && m.Kind == types.MessageRequest {
			requests++
		}
	}
	assert.Equal(t, 4, requests)

	// Zero-based retries wait base, 2·base, 4·base before giving up.
	assert.GreaterOrEqual(t, elapsed, 140*time.Millisecond)
}
