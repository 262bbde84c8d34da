package generation

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/arklabs/ark/pkg/lattice"
	"github.com/arklabs/ark/pkg/scoring"
	"github.com/arklabs/ark/pkg/types"
)

var (
	// ErrNoCandidates is returned when a requirement matches no lattice
	// node at all.
	ErrNoCandidates = errors.New("no candidate nodes for requirement")

	// ErrUnresolvedDependency is returned when a chosen node references a
	// dependency id absent from the lattice.
	ErrUnresolvedDependency = errors.New("unresolved dependency")
)

// DefaultWeights are the scorer factors for node choice, overridable per
// call through Options.Weights or globally through configuration.
var DefaultWeights = scoring.Weights{
	"relevance":    0.4,
	"language-fit": 0.3,
	"recency":      0.2,
	"popularity":   0.1,
}

// Options tunes one generation call.
type Options struct {
	Language   string            `json:"language,omitempty"`
	Framework  string            `json:"framework,omitempty"`
	TargetKind string            `json:"target_kind,omitempty"`
	Weights    scoring.Weights   `json:"weights,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`

	// Context seeds candidate choice with nodes already gathered for the
	// request. A requirement satisfied by a context node skips the store
	// query; dependency resolution still reads the store.
	Context []*types.CapabilityNode `json:"-"`
}

// Result is a generated artifact with its provenance.
type Result struct {
	ArtifactText string                        `json:"artifact_text"`
	ChosenNodes  []string                      `json:"chosen_nodes"`
	TemplateID   string                        `json:"template_id,omitempty"`
	Reasoning    []string                      `json:"reasoning"`
	Breakdowns   map[string]*scoring.Breakdown `json:"breakdowns,omitempty"`
}

// Engine composes artifacts from lattice nodes. It is stateless beyond the
// store handle and default weights, so one engine serves all requests.
type Engine struct {
	store   *lattice.Store
	weights scoring.Weights
}

// NewEngine creates a generation engine. weights may be nil to use
// DefaultWeights.
func NewEngine(store *lattice.Store, weights scoring.Weights) *Engine {
	if weights == nil {
		weights = DefaultWeights
	}
	return &Engine{store: store, weights: weights}
}

// Generate produces an artifact for the given capability requirements.
// Given identical requirements, options, and lattice snapshot the output is
// byte-identical: every choice point is deterministic.
func (e *Engine) Generate(requirements []string, opts Options) (*Result, error) {
	if len(requirements) == 0 {
		return nil, fmt.Errorf("at least one requirement is needed")
	}

	weights := opts.Weights
	if weights == nil {
		weights = e.weights
	}
	if err := weights.Validate(); err != nil {
		return nil, err
	}

	result := &Result{Breakdowns: make(map[string]*scoring.Breakdown)}
	chosen := make([]*types.CapabilityNode, 0, len(requirements))

	for _, req := range requirements {
		node, breakdown, err := e.choose(req, opts, weights)
		if err != nil {
			return nil, err
		}
		chosen = append(chosen, node)
		result.ChosenNodes = append(result.ChosenNodes, node.ID)
		result.Breakdowns[req] = breakdown
		result.Reasoning = append(result.Reasoning, fmt.Sprintf(
			"requirement %q satisfied by %s (score %.2f, confidence %.2f)",
			req, node.ID, breakdown.Total, breakdown.Confidence))
	}

	// Resolve dependencies transitively over the chosen set. The lattice
	// guarantees acyclicity, so a plain depth-first walk suffices.
	deps, err := e.resolveDependencies(chosen)
	if err != nil {
		return nil, err
	}
	for _, dep := range deps {
		result.Reasoning = append(result.Reasoning, fmt.Sprintf("dependency %s pulled in", dep.ID))
	}

	e.assemble(result, chosen, deps, opts)
	return result, nil
}

// choose picks one node for a requirement using the weighted scorer.
// Ties fall to the node with fewer dependencies, then lexicographic id.
func (e *Engine) choose(req string, opts Options, weights scoring.Weights) (*types.CapabilityNode, *scoring.Breakdown, error) {
	candidates := contextCandidates(opts.Context, req)
	var err error
	if len(candidates) == 0 {
		candidates, err = e.store.Query(lattice.Selectors{Capability: req})
		if err != nil {
			return nil, nil, err
		}
	}
	if len(candidates) == 0 {
		// Fall back to a text match before giving up.
		candidates, err = e.store.Query(lattice.Selectors{Text: req})
		if err != nil {
			return nil, nil, err
		}
	}
	if len(candidates) == 0 {
		return nil, nil, fmt.Errorf("%w: %q", ErrNoCandidates, req)
	}

	newest := candidates[0].UpdatedAt
	for _, c := range candidates {
		if newest.Before(c.UpdatedAt) {
			newest = c.UpdatedAt
		}
	}

	var best *types.CapabilityNode
	var bestBD *scoring.Breakdown
	for _, c := range candidates {
		bd, err := scoring.Score(e.factors(c, req, opts, newest), weights)
		if err != nil {
			return nil, nil, err
		}
		if best == nil || better(c, bd, best, bestBD) {
			best, bestBD = c, bd
		}
	}
	return best, bestBD, nil
}

// contextCandidates filters supplied context nodes down to those matching
// the requirement.
func contextCandidates(context []*types.CapabilityNode, req string) []*types.CapabilityNode {
	var out []*types.CapabilityNode
	for _, n := range context {
		if n.HasCapability(req) {
			out = append(out, n)
		}
	}
	return out
}

// better applies the deterministic ordering: higher total, then fewer
// dependencies, then lexicographically smaller id.
func better(c *types.CapabilityNode, cbd *scoring.Breakdown, b *types.CapabilityNode, bbd *scoring.Breakdown) bool {
	if cbd.Total != bbd.Total {
		return cbd.Total > bbd.Total
	}
	if len(c.Dependencies) != len(b.Dependencies) {
		return len(c.Dependencies) < len(b.Dependencies)
	}
	return c.ID < b.ID
}

// factors computes the raw scorer inputs for one candidate. Recency is
// relative to the newest candidate rather than the wall clock, so the same
// snapshot always scores the same.
func (e *Engine) factors(c *types.CapabilityNode, req string, opts Options, newest types.LogicalTime) map[string]float64 {
	inputs := map[string]float64{}

	if c.HasCapability(req) {
		inputs["relevance"] = 1.0
	} else {
		inputs["relevance"] = 0.5
	}

	if opts.Language != "" {
		inputs["language-fit"] = languageFit(c, opts.Language)
	}

	// Age is bucketed by hour so nodes written moments apart score the same.
	ageHours := (newest.WallMillis - c.UpdatedAt.WallMillis) / (3600 * 1000)
	const monthHours = 30 * 24
	inputs["recency"] = 1.0 / (1.0 + float64(ageHours)/monthHours)

	if p, ok := popularity(c); ok {
		inputs["popularity"] = p
	}
	return inputs
}

func languageFit(c *types.CapabilityNode, language string) float64 {
	lang := strings.ToLower(language)
	hay := strings.ToLower(strings.Join(append([]string{c.ID, c.Value, c.Category}, c.Capabilities...), " "))
	if c.Metadata["language"] == lang || strings.Contains(hay, lang) {
		return 1.0
	}
	// Short prefixes like "py-" for python are common node naming.
	if len(lang) >= 2 && strings.HasPrefix(strings.ToLower(c.ID), lang[:2]+"-") {
		return 0.9
	}
	return 0.2
}

func popularity(c *types.CapabilityNode) (float64, bool) {
	raw, ok := c.Metadata["popularity"]
	if !ok {
		return 0, false
	}
	var p float64
	if _, err := fmt.Sscanf(raw, "%f", &p); err != nil {
		return 0, false
	}
	return p, true
}

// resolveDependencies walks the chosen nodes' dependency edges depth-first,
// returning the transitive closure (excluding the chosen nodes themselves)
// in deterministic order. A reference to a missing id fails the generation.
func (e *Engine) resolveDependencies(chosen []*types.CapabilityNode) ([]*types.CapabilityNode, error) {
	chosenIDs := make(map[string]bool, len(chosen))
	for _, n := range chosen {
		chosenIDs[n.ID] = true
	}

	seen := make(map[string]*types.CapabilityNode)
	var visit func(ids []string) error
	visit = func(ids []string) error {
		for _, id := range ids {
			if chosenIDs[id] || seen[id] != nil {
				continue
			}
			node, err := e.store.Get(id)
			if err != nil {
				if errors.Is(err, lattice.ErrNotFound) {
					return fmt.Errorf("%w: %s", ErrUnresolvedDependency, id)
				}
				return err
			}
			seen[id] = node
			if err := visit(node.Dependencies); err != nil {
				return err
			}
		}
		return nil
	}

	for _, n := range chosen {
		if err := visit(n.Dependencies); err != nil {
			return nil, err
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]*types.CapabilityNode, len(ids))
	for i, id := range ids {
		out[i] = seen[id]
	}
	return out, nil
}

// assemble produces the artifact text. A template node among the chosen set
// wins; otherwise examples are concatenated with heading comments.
func (e *Engine) assemble(result *Result, chosen, deps []*types.CapabilityNode, opts Options) {
	for _, n := range chosen {
		if n.Kind == types.KindTemplate && n.Content != "" {
			result.TemplateID = n.ID
			result.ArtifactText = fill(n.Content, substitutions(chosen, opts))
			return
		}
	}

	var sb strings.Builder
	all := append(append([]*types.CapabilityNode(nil), chosen...), deps...)
	for i, n := range all {
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "# --- %s (%s)\n", n.ID, n.Kind)
		if n.Value != "" {
			fmt.Fprintf(&sb, "# %s\n", n.Value)
		}
		for _, ex := range n.Examples {
			sb.WriteString(ex)
			if !strings.HasSuffix(ex, "\n") {
				sb.WriteString("\n")
			}
		}
	}
	result.ArtifactText = sb.String()
}

// substitutions builds the template context: options first, then each
// chosen node under both its kind and its id, so {{framework}} and
// {{py-flask}} both resolve.
func substitutions(chosen []*types.CapabilityNode, opts Options) map[string]string {
	ctx := map[string]string{
		"language":    opts.Language,
		"framework":   opts.Framework,
		"target_kind": opts.TargetKind,
	}
	for k, v := range opts.Extra {
		ctx[k] = v
	}
	for _, n := range chosen {
		if n.Value != "" {
			ctx[string(n.Kind)] = n.Value
			ctx[n.ID] = n.Value
		}
	}
	return ctx
}

// fill performs mustache-style substitution of {{key}} placeholders. Keys
// without a binding are left intact so the gap is visible in the artifact.
func fill(template string, ctx map[string]string) string {
	out := template
	for key, value := range ctx {
		if value == "" {
			continue
		}
		out = strings.ReplaceAll(out, "{{"+key+"}}", value)
	}
	return out
}
