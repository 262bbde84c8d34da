package generation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/arklabs/ark/pkg/scoring"
	"github.com/arklabs/ark/pkg/types"
)

// Reflection is the structured critique of one generated artifact. It feeds
// the mirror stage and, once observed patterns recur, new pattern nodes.
type Reflection struct {
	CorrelationID string   `json:"correlation_id"`
	Strengths     []string `json:"strengths"`
	Weaknesses    []string `json:"weaknesses"`
	Improvements  []string `json:"improvements"`
	Patterns      []string `json:"patterns"`
}

// Reflect critiques a generation result against its validation decision.
// The decision may be nil when validation was skipped.
func (e *Engine) Reflect(cid string, result *Result, decision *scoring.Decision) (*Reflection, error) {
	refl := &Reflection{CorrelationID: cid}

	kinds := map[types.NodeKind]bool{}
	for _, id := range result.ChosenNodes {
		node, err := e.store.Get(id)
		if err != nil {
			return nil, fmt.Errorf("reflecting on %s: %w", id, err)
		}
		kinds[node.Kind] = true
	}

	reqs := make([]string, 0, len(result.Breakdowns))
	for req := range result.Breakdowns {
		reqs = append(reqs, req)
	}
	sort.Strings(reqs)

	for _, req := range reqs {
		bd := result.Breakdowns[req]
		switch {
		case bd.Total >= 0.8:
			refl.Strengths = append(refl.Strengths, fmt.Sprintf("strong match for %q (score %.2f)", req, bd.Total))
		case bd.Total < 0.5:
			refl.Weaknesses = append(refl.Weaknesses, fmt.Sprintf("weak match for %q (score %.2f)", req, bd.Total))
			refl.Improvements = append(refl.Improvements, fmt.Sprintf("grow the lattice with better candidates for %q", req))
		}
		if bd.Confidence < 0.7 {
			refl.Weaknesses = append(refl.Weaknesses, fmt.Sprintf("low scoring confidence for %q (%.2f): factor inputs missing", req, bd.Confidence))
		}
	}

	if decision != nil {
		if decision.Approved && len(decision.Violations) == 0 {
			refl.Strengths = append(refl.Strengths, "passed validation with no violations")
		}
		for _, v := range decision.Violations {
			refl.Weaknesses = append(refl.Weaknesses, fmt.Sprintf("validation: %s", v.Explanation))
			refl.Improvements = append(refl.Improvements, fmt.Sprintf("address rule %s before resubmitting", v.RuleID))
		}
	}

	if result.TemplateID != "" {
		refl.Strengths = append(refl.Strengths, fmt.Sprintf("template %s anchored the artifact", result.TemplateID))
	}

	// Record the kind combination as an observed composition pattern.
	names := make([]string, 0, len(kinds))
	for k := range kinds {
		names = append(names, string(k))
	}
	sort.Strings(names)
	if len(names) > 1 {
		refl.Patterns = append(refl.Patterns, strings.Join(names, "+"))
	}

	return refl, nil
}

// Outline is the structured documentation for a generated artifact.
type Outline struct {
	Title        string   `json:"title"`
	Overview     string   `json:"overview"`
	Inputs       []string `json:"inputs"`
	Outputs      []string `json:"outputs"`
	Dependencies []string `json:"dependencies"`
	Usage        string   `json:"usage"`
	Notes        []string `json:"notes"`
}

// Document produces the documentation outline for a generation result.
func (e *Engine) Document(req *types.Request, result *Result) (*Outline, error) {
	out := &Outline{
		Title:    fmt.Sprintf("Artifact %s", req.CorrelationID),
		Overview: fmt.Sprintf("Composed from %d lattice nodes for requirements: %s.", len(result.ChosenNodes), strings.Join(req.Requirements, ", ")),
		Inputs:   append([]string(nil), req.Requirements...),
		Outputs:  []string{"generated artifact text"},
	}
	if result.TemplateID != "" {
		out.Usage = fmt.Sprintf("Filled from template %s; adjust the substituted values before use.", result.TemplateID)
	} else {
		out.Usage = "Assembled from example sections; each heading names its source node."
	}

	depSet := map[string]bool{}
	for _, id := range result.ChosenNodes {
		node, err := e.store.Get(id)
		if err != nil {
			return nil, fmt.Errorf("documenting %s: %w", id, err)
		}
		for _, d := range node.Dependencies {
			if !depSet[d] {
				depSet[d] = true
				out.Dependencies = append(out.Dependencies, d)
			}
		}
	}
	sort.Strings(out.Dependencies)

	out.Notes = append([]string(nil), result.Reasoning...)
	return out, nil
}
