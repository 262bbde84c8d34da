package lattice

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/arklabs/ark/pkg/types"
)

// contentFields is the canonical hashable body of a node. Field order is
// fixed and updated_at / origin_peer are excluded, so the hash is a pure
// function of content: two peers writing the same content produce the same
// hash regardless of when or where.
type contentFields struct {
	ID           string   `json:"id"`
	Kind         string   `json:"kind"`
	Category     string   `json:"category"`
	Value        string   `json:"value"`
	Capabilities []string `json:"capabilities"`
	Dependencies []string `json:"dependencies"`
	Examples     []string `json:"examples"`
	Content      string   `json:"content"`
	Deleted      bool     `json:"deleted"`
}

// ContentHash computes the deterministic hash over a node's normalized
// content. Capabilities are treated as a set (sorted before hashing);
// dependencies stay ordered because order is meaningful.
func ContentHash(n *types.CapabilityNode) string {
	caps := append([]string(nil), n.Capabilities...)
	sort.Strings(caps)

	body := contentFields{
		ID:           n.ID,
		Kind:         string(n.Kind),
		Category:     n.Category,
		Value:        n.Value,
		Capabilities: caps,
		Dependencies: n.Dependencies,
		Examples:     n.Examples,
		Content:      n.Content,
		Deleted:      n.Deleted,
	}

	data, _ := json.Marshal(body)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Manifest emits the signed-state summary: every record including
// tombstones, sorted by node id, with a hash over the sorted list. Two
// stores holding identical state produce identical manifest hashes.
func (s *Store) Manifest() (*types.Manifest, error) {
	m := &types.Manifest{
		PeerID:     s.peerID,
		ProducedAt: time.Now().UTC(),
	}

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(_, v []byte) error {
			var node types.CapabilityNode
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			m.Entries = append(m.Entries, types.ManifestEntry{
				NodeID:      node.ID,
				ContentHash: node.ContentHash,
				UpdatedAt:   node.UpdatedAt,
			})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	sort.Slice(m.Entries, func(i, j int) bool {
		return m.Entries[i].NodeID < m.Entries[j].NodeID
	})
	m.ManifestHash = ManifestHash(m.Entries)
	return m, nil
}

// ManifestHash hashes a sorted entry list. The producer timestamp and peer
// id are deliberately excluded so the hash depends on lattice state alone.
func ManifestHash(entries []types.ManifestEntry) string {
	h := sha256.New()
	for _, e := range entries {
		fmt.Fprintf(h, "%s\x00%s\x00%d\x00%s\x1e", e.NodeID, e.ContentHash, e.UpdatedAt.WallMillis, e.UpdatedAt.PeerID)
	}
	return hex.EncodeToString(h.Sum(nil))
}
