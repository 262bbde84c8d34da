package lattice

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/arklabs/ark/pkg/metrics"
	"github.com/arklabs/ark/pkg/types"
)

var (
	// ErrNotFound is returned for a missing or tombstoned node id.
	ErrNotFound = errors.New("node not found")

	// ErrInvalidGraph is returned when a write would introduce a
	// dependency cycle.
	ErrInvalidGraph = errors.New("invalid graph: dependency cycle")

	// ErrStoreUnavailable wraps I/O faults; callers may retry.
	ErrStoreUnavailable = errors.New("store unavailable")
)

var bucketNodes = []byte("nodes")

// Store is the persistent capability-node graph. It is backed by a single
// bbolt file: many concurrent readers on consistent snapshots, writes
// serialized by the underlying database.
type Store struct {
	db     *bolt.DB
	peerID string

	// nowMillis is swappable in tests to control logical timestamps.
	nowMillis func() int64
}

// Open opens (or creates) the lattice store at dir/lattice.dat, stamping all
// local writes with peerID.
func Open(dir, peerID string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	db, err := bolt.Open(filepath.Join(dir, "lattice.dat"), 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketNodes)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	return &Store{
		db:        db,
		peerID:    peerID,
		nowMillis: func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// PeerID returns the peer id local writes are stamped with.
func (s *Store) PeerID() string { return s.peerID }

// Put upserts a node written locally. It computes the content hash, stamps
// updated_at and origin_peer, and enforces the acyclic-dependency invariant.
// Rewriting identical content is a no-op that preserves the existing stamp,
// so put(get(id)) never changes state. Returns the stamped node.
func (s *Store) Put(node *types.CapabilityNode) (*types.CapabilityNode, error) {
	if node.ID == "" {
		return nil, fmt.Errorf("node id is required")
	}
	if !types.ValidKind(node.Kind) {
		return nil, fmt.Errorf("unknown node kind %q", node.Kind)
	}

	stamped := node.Clone()
	stamped.ContentHash = ContentHash(stamped)

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)

		if existing := readNode(b, stamped.ID); existing != nil {
			if existing.ContentHash == stamped.ContentHash && existing.Deleted == stamped.Deleted {
				// Identical content: keep the existing stamp.
				*stamped = *existing
				return nil
			}
		}

		if !stamped.Deleted {
			if err := checkAcyclic(b, stamped); err != nil {
				return err
			}
		}

		stamped.UpdatedAt = types.LogicalTime{WallMillis: s.nowMillis(), PeerID: s.peerID}
		stamped.OriginPeer = s.peerID
		return writeNode(b, stamped)
	})
	if err != nil {
		if errors.Is(err, ErrInvalidGraph) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	metrics.LatticeWrites.Inc()
	return stamped, nil
}

// Get returns the node with the given id. Tombstones read as not found.
func (s *Store) Get(id string) (*types.CapabilityNode, error) {
	var node *types.CapabilityNode
	err := s.db.View(func(tx *bolt.Tx) error {
		node = readNode(tx.Bucket(bucketNodes), id)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if node == nil || node.Deleted {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return node, nil
}

// Delete writes a tombstone for the node so the deletion replicates with a
// monotonic timestamp. Deleting a missing or already-deleted id fails with
// ErrNotFound.
func (s *Store) Delete(id string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		existing := readNode(b, id)
		if existing == nil || existing.Deleted {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}

		tomb := existing.Clone()
		tomb.Deleted = true
		tomb.Content = ""
		tomb.Examples = nil
		tomb.ContentHash = ContentHash(tomb)
		tomb.UpdatedAt = types.LogicalTime{WallMillis: s.nowMillis(), PeerID: s.peerID}
		tomb.OriginPeer = s.peerID
		return writeNode(b, tomb)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	metrics.LatticeWrites.Inc()
	return nil
}

// ApplyResult reports the outcome of applying a federated node.
type ApplyResult struct {
	// Applied is true when the incoming node replaced local state.
	Applied bool
	// Conflict is true when divergent versions of the same id were
	// resolved, whichever side won.
	Conflict bool
}

// Apply merges a node received through federation using deterministic
// conflict resolution: newer wall-clock wins; on an equal wall clock the
// larger origin peer id wins, so both sides of a sync converge to the same
// choice without coordination. Tombstones participate like any other write.
// The acyclic invariant is preserved by rejecting offending incoming nodes
// with ErrInvalidGraph.
func (s *Store) Apply(incoming *types.CapabilityNode) (ApplyResult, error) {
	if incoming.ID == "" || incoming.UpdatedAt.IsZero() {
		return ApplyResult{}, fmt.Errorf("incoming node missing id or timestamp")
	}

	in := incoming.Clone()
	if hash := ContentHash(in); in.ContentHash != hash {
		// Recompute rather than trust the wire value.
		in.ContentHash = hash
	}

	var result ApplyResult
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		existing := readNode(b, in.ID)

		if existing != nil {
			if existing.ContentHash == in.ContentHash && existing.UpdatedAt == in.UpdatedAt {
				// Identical version already present: idempotent no-op.
				return nil
			}

			diverged := existing.ContentHash != in.ContentHash
			switch {
			case in.UpdatedAt.WallMillis < existing.UpdatedAt.WallMillis:
				// Older incoming write: keep local, nothing to resolve.
				return nil
			case in.UpdatedAt.WallMillis == existing.UpdatedAt.WallMillis:
				if diverged {
					result.Conflict = true
				}
				if in.OriginPeer <= existing.OriginPeer {
					// Tiebreak keeps the local node.
					return nil
				}
			default:
				if diverged {
					result.Conflict = true
				}
			}
		}

		if !in.Deleted {
			if err := checkAcyclic(b, in); err != nil {
				return err
			}
		}

		result.Applied = true
		return writeNode(b, in)
	})
	if err != nil {
		if errors.Is(err, ErrInvalidGraph) {
			return ApplyResult{}, err
		}
		return ApplyResult{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if result.Applied {
		metrics.LatticeWrites.Inc()
	}
	if result.Conflict {
		metrics.ConflictsResolved.Inc()
	}
	return result, nil
}

// Since yields every node, including tombstones, with updated_at strictly
// after t. Used by federation delta computation.
func (s *Store) Since(t types.LogicalTime) ([]*types.CapabilityNode, error) {
	var out []*types.CapabilityNode
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(_, v []byte) error {
			var node types.CapabilityNode
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			if t.Before(node.UpdatedAt) {
				out = append(out, &node)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return out, nil
}

// All returns every record including tombstones. Federation uses it to build
// deltas for ids the remote side has never seen.
func (s *Store) All() ([]*types.CapabilityNode, error) {
	return s.Since(types.LogicalTime{WallMillis: -1})
}

// Stats summarises live nodes by kind and category.
type Stats struct {
	Total      int            `json:"total"`
	Tombstones int            `json:"tombstones"`
	ByKind     map[string]int `json:"by_kind"`
	ByCategory map[string]int `json:"by_category"`
}

// Stats computes store totals. Tombstones are counted separately and do not
// appear in the kind or category buckets.
func (s *Store) Stats() (*Stats, error) {
	stats := &Stats{
		ByKind:     make(map[string]int),
		ByCategory: make(map[string]int),
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(_, v []byte) error {
			var node types.CapabilityNode
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			if node.Deleted {
				stats.Tombstones++
				return nil
			}
			stats.Total++
			stats.ByKind[string(node.Kind)]++
			if node.Category != "" {
				stats.ByCategory[node.Category]++
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	for _, kind := range types.NodeKinds {
		metrics.LatticeNodes.WithLabelValues(string(kind)).Set(float64(stats.ByKind[string(kind)]))
	}
	return stats, nil
}

// SweepTombstones removes tombstones older than ttl. The federation layer
// calls this only after fleet convergence; the store itself applies no
// policy beyond the age check.
func (s *Store) SweepTombstones(ttl time.Duration) (int, error) {
	cutoff := s.nowMillis() - ttl.Milliseconds()
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var node types.CapabilityNode
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			if node.Deleted && node.UpdatedAt.WallMillis < cutoff {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return removed, nil
}

func readNode(b *bolt.Bucket, id string) *types.CapabilityNode {
	data := b.Get([]byte(id))
	if data == nil {
		return nil
	}
	var node types.CapabilityNode
	if err := json.Unmarshal(data, &node); err != nil {
		return nil
	}
	return &node
}

func writeNode(b *bolt.Bucket, node *types.CapabilityNode) error {
	data, err := json.Marshal(node)
	if err != nil {
		return err
	}
	return b.Put([]byte(node.ID), data)
}

// checkAcyclic rejects a write whose dependency edges would close a cycle.
// Dependencies on absent ids are allowed here; the generation engine reports
// them as unresolved when it walks the graph.
func checkAcyclic(b *bolt.Bucket, candidate *types.CapabilityNode) error {
	// Depth-first walk from the candidate along dependency edges, with the
	// candidate's own edge list overriding whatever is stored.
	visited := make(map[string]bool)
	var walk func(id string) bool
	walk = func(id string) bool {
		if id == candidate.ID && len(visited) > 0 {
			return true
		}
		if visited[id] {
			return false
		}
		visited[id] = true

		var deps []string
		if id == candidate.ID {
			deps = candidate.Dependencies
		} else if node := readNode(b, id); node != nil && !node.Deleted {
			deps = node.Dependencies
		}
		for _, dep := range deps {
			if dep == candidate.ID {
				return true
			}
			if walk(dep) {
				return true
			}
		}
		return false
	}

	for _, dep := range candidate.Dependencies {
		if dep == candidate.ID {
			return fmt.Errorf("%w: %s depends on itself", ErrInvalidGraph, candidate.ID)
		}
	}
	if walk(candidate.ID) {
		return fmt.Errorf("%w: introduced by %s", ErrInvalidGraph, candidate.ID)
	}
	return nil
}
