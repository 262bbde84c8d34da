package generation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arklabs/ark/pkg/lattice"
	"github.com/arklabs/ark/pkg/scoring"
	"github.com/arklabs/ark/pkg/types"
)

func newTestEngine(t *testing.T, nodes ...*types.CapabilityNode) *Engine {
	t.Helper()
	s, err := lattice.Open(t.TempDir(), "aaa")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	for _, n := range nodes {
		_, err := s.Put(n)
		require.NoError(t, err)
	}
	return NewEngine(s, nil)
}

func webStackNodes() []*types.CapabilityNode {
	return []*types.CapabilityNode{
		{ID: "py-lang", Kind: types.KindLanguage, Value: "python",
			Capabilities: []string{"python"}},
		{ID: "py-flask", Kind: types.KindFramework, Category: "web", Value: "flask",
			Capabilities: []string{"http-api"},
			Dependencies: []string{"py-lang"},
			Metadata:     map[string]string{"language": "python", "popularity": "0.9"}},
		{ID: "js-express", Kind: types.KindFramework, Category: "web", Value: "express",
			Capabilities: []string{"http-api"},
			Metadata:     map[string]string{"language": "javascript", "popularity": "0.9"}},
		{ID: "py-sqlite", Kind: types.KindLibrary, Category: "storage", Value: "sqlite3",
			Capabilities: []string{"database"},
			Dependencies: []string{"py-lang"},
			Metadata:     map[string]string{"language": "python", "popularity": "0.9"}},
		{ID: "py-postgres", Kind: types.KindLibrary, Category: "storage", Value: "psycopg2",
			Capabilities: []string{"database"},
			Dependencies: []string{"py-lang"},
			Metadata:     map[string]string{"language": "python", "popularity": "0.4"}},
	}
}

func TestGenerateChoosesLanguageFitCandidates(t *testing.T) {
	e := newTestEngine(t, webStackNodes()...)

	result, err := e.Generate([]string{"http-api", "database"}, Options{Language: "python"})
	require.NoError(t, err)

	assert.Equal(t, []string{"py-flask", "py-sqlite"}, result.ChosenNodes)
	assert.NotEmpty(t, result.ArtifactText)
	require.Len(t, result.Reasoning, 3) // two requirements plus the py-lang dependency
	assert.Contains(t, result.Reasoning[0], "py-flask")
	assert.Contains(t, result.Reasoning[2], "py-lang")
}

func TestGenerateIsDeterministic(t *testing.T) {
	e := newTestEngine(t, webStackNodes()...)

	first, err := e.Generate([]string{"http-api", "database"}, Options{Language: "python"})
	require.NoError(t, err)
	second, err := e.Generate([]string{"http-api", "database"}, Options{Language: "python"})
	require.NoError(t, err)

	assert.Equal(t, first.ArtifactText, second.ArtifactText)
	assert.Equal(t, first.ChosenNodes, second.ChosenNodes)
	assert.Equal(t, first.Reasoning, second.Reasoning)
}

func TestGenerateNoCandidates(t *testing.T) {
	e := newTestEngine(t, webStackNodes()...)

	_, err := e.Generate([]string{"quantum-annealing"}, Options{})
	assert.ErrorIs(t, err, ErrNoCandidates)
}

func TestGenerateUnresolvedDependency(t *testing.T) {
	e := newTestEngine(t, &types.CapabilityNode{
		ID: "broken", Kind: types.KindLibrary,
		Capabilities: []string{"parsing"},
		Dependencies: []string{"missing-node"},
	})

	_, err := e.Generate([]string{"parsing"}, Options{})
	assert.ErrorIs(t, err, ErrUnresolvedDependency)
}

func TestTieBreakFewerDependenciesThenID(t *testing.T) {
	// Identical scores: the node with fewer dependencies wins, then the
	// lexicographically smaller id.
	e := newTestEngine(t,
		&types.CapabilityNode{ID: "dep", Kind: types.KindLibrary, Capabilities: []string{"base"}},
		&types.CapabilityNode{ID: "b-heavy", Kind: types.KindLibrary, Capabilities: []string{"cache"}, Dependencies: []string{"dep"}},
		&types.CapabilityNode{ID: "c-light", Kind: types.KindLibrary, Capabilities: []string{"cache"}},
		&types.CapabilityNode{ID: "a-light", Kind: types.KindLibrary, Capabilities: []string{"cache"}},
	)

	result, err := e.Generate([]string{"cache"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a-light"}, result.ChosenNodes)
}

func TestTemplateFill(t *testing.T) {
	e := newTestEngine(t,
		&types.CapabilityNode{ID: "py-flask", Kind: types.KindFramework, Value: "flask",
			Capabilities: []string{"http-api"}},
		&types.CapabilityNode{ID: "web-service-tpl", Kind: types.KindTemplate,
			Capabilities: []string{"scaffold"},
			Content:      "app = {{framework}}.App()\n# lang: {{language}}\n# keep: {{unknown}}\n"},
	)

	result, err := e.Generate([]string{"http-api", "scaffold"},
		Options{Language: "python", Framework: "flask"})
	require.NoError(t, err)

	assert.Equal(t, "web-service-tpl", result.TemplateID)
	assert.Contains(t, result.ArtifactText, "app = flask.App()")
	assert.Contains(t, result.ArtifactText, "# lang: python")
	assert.Contains(t, result.ArtifactText, "{{unknown}}", "unbound placeholders stay visible")
}

func TestExampleConcatenationHeadings(t *testing.T) {
	e := newTestEngine(t,
		&types.CapabilityNode{ID: "py-sqlite", Kind: types.KindLibrary, Value: "sqlite3",
			Capabilities: []string{"database"},
			Examples:     []string{"conn = sqlite3.connect('app.db')"}},
	)

	result, err := e.Generate([]string{"database"}, Options{})
	require.NoError(t, err)

	assert.Contains(t, result.ArtifactText, "# --- py-sqlite (library)")
	assert.Contains(t, result.ArtifactText, "conn = sqlite3.connect('app.db')\n")
	assert.Empty(t, result.TemplateID)
}

func TestReflectSplitsStrengthsAndWeaknesses(t *testing.T) {
	e := newTestEngine(t, webStackNodes()...)

	result, err := e.Generate([]string{"http-api", "database"}, Options{Language: "python"})
	require.NoError(t, err)

	decision := &scoring.Decision{
		Approved: false,
		Violations: []scoring.Violation{{
			RuleID:      "max-position",
			Selector:    "position_pct",
			Severity:    types.SeverityError,
			Explanation: "position size exceeds limit",
		}},
		Severity: types.SeverityError,
	}

	refl, err := e.Reflect("c1", result, decision)
	require.NoError(t, err)

	assert.Equal(t, "c1", refl.CorrelationID)
	assert.NotEmpty(t, refl.Strengths)
	assert.Contains(t, refl.Weaknesses, "validation: position size exceeds limit")
	assert.Contains(t, refl.Improvements, "address rule max-position before resubmitting")
	assert.Contains(t, refl.Patterns, "framework+library")
}

func TestReflectCleanRun(t *testing.T) {
	e := newTestEngine(t, webStackNodes()...)

	result, err := e.Generate([]string{"http-api"}, Options{Language: "python"})
	require.NoError(t, err)

	refl, err := e.Reflect("c2", result, &scoring.Decision{Approved: true})
	require.NoError(t, err)
	assert.Contains(t, refl.Strengths, "passed validation with no violations")
	assert.Empty(t, refl.Weaknesses)
}

func TestDocumentOutline(t *testing.T) {
	e := newTestEngine(t, webStackNodes()...)

	req := &types.Request{
		CorrelationID: "c3",
		Requirements:  []string{"http-api", "database"},
	}
	result, err := e.Generate(req.Requirements, Options{Language: "python"})
	require.NoError(t, err)

	outline, err := e.Document(req, result)
	require.NoError(t, err)

	assert.Contains(t, outline.Title, "c3")
	assert.Equal(t, req.Requirements, outline.Inputs)
	assert.Equal(t, []string{"py-lang"}, outline.Dependencies)
	assert.NotEmpty(t, outline.Usage)
	assert.Equal(t, result.Reasoning, outline.Notes)
}

func TestGenerateDrawsCandidatesFromContext(t *testing.T) {
	// Empty store: candidates can only come from the supplied context.
	e := newTestEngine(t)
	ctx := []*types.CapabilityNode{
		{ID: "py-flask", Kind: types.KindFramework, Value: "flask",
			Capabilities: []string{"http-api"},
			Metadata:     map[string]string{"language": "python"}},
	}

	result, err := e.Generate([]string{"http-api"}, Options{Language: "python", Context: ctx})
	require.NoError(t, err)
	assert.Equal(t, []string{"py-flask"}, result.ChosenNodes)

	// A requirement no context node satisfies still falls back to the
	// store, which here has nothing.
	_, err = e.Generate([]string{"database"}, Options{Context: ctx})
	assert.ErrorIs(t, err, ErrNoCandidates)
}
