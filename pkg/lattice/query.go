package lattice

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	bolt "go.etcd.io/bbolt"

	"github.com/arklabs/ark/pkg/types"
)

// Selectors filter a query. All present selectors must match (AND). Text is
// a case-insensitive substring match over id, value, capabilities, and
// category joined by spaces; multi-word text is tokenized and every token
// must hit.
type Selectors struct {
	Kind       types.NodeKind `json:"kind,omitempty"`
	Category   string         `json:"category,omitempty"`
	Capability string         `json:"capability,omitempty"`
	Text       string         `json:"text,omitempty"`
}

// scored pairs a node with its query relevance.
type scored struct {
	node  *types.CapabilityNode
	score int
}

// Query returns live nodes matching the selectors, ordered by relevance:
// +1 per capability selector hit, +1 per text token hit, ties broken by
// updated_at descending. An empty query matches everything and is not an
// error.
func (s *Store) Query(sel Selectors) ([]*types.CapabilityNode, error) {
	tokens := strings.Fields(strings.ToLower(sel.Text))

	var matches []scored
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(_, v []byte) error {
			var node types.CapabilityNode
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			if node.Deleted {
				return nil
			}
			if sel.Kind != "" && node.Kind != sel.Kind {
				return nil
			}
			if sel.Category != "" && !strings.EqualFold(node.Category, sel.Category) {
				return nil
			}

			score := 0
			if sel.Capability != "" {
				if !node.HasCapability(sel.Capability) {
					return nil
				}
				score++
			}
			if len(tokens) > 0 {
				haystack := strings.ToLower(strings.Join(append([]string{
					node.ID, node.Value, node.Category,
				}, node.Capabilities...), " "))
				for _, token := range tokens {
					if !strings.Contains(haystack, token) {
						return nil
					}
					score++
				}
			}

			matches = append(matches, scored{node: &node, score: score})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		if c := matches[i].node.UpdatedAt.Compare(matches[j].node.UpdatedAt); c != 0 {
			return c > 0
		}
		return matches[i].node.ID < matches[j].node.ID
	})

	out := make([]*types.CapabilityNode, len(matches))
	for i, m := range matches {
		out[i] = m.node
	}
	return out, nil
}
