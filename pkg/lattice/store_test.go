package lattice

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arklabs/ark/pkg/types"
)

func newTestStore(t *testing.T, peerID string) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), peerID)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutStampsAndHashes(t *testing.T) {
	s := newTestStore(t, "aaa")

	stamped, err := s.Put(&types.CapabilityNode{
		ID:           "py-flask",
		Kind:         types.KindFramework,
		Category:     "web",
		Capabilities: []string{"http"},
	})
	require.NoError(t, err)
	assert.Equal(t, "aaa", stamped.OriginPeer)
	assert.Equal(t, "aaa", stamped.UpdatedAt.PeerID)
	assert.NotZero(t, stamped.UpdatedAt.WallMillis)
	assert.Equal(t, ContentHash(stamped), stamped.ContentHash)

	got, err := s.Get("py-flask")
	require.NoError(t, err)
	assert.Equal(t, stamped, got)
}

func TestPutRejectsUnknownKind(t *testing.T) {
	s := newTestStore(t, "aaa")
	_, err := s.Put(&types.CapabilityNode{ID: "x", Kind: "banana"})
	assert.Error(t, err)
}

func TestContentHashIgnoresStamps(t *testing.T) {
	a := &types.CapabilityNode{ID: "n", Kind: types.KindLibrary, Value: "v",
		UpdatedAt: types.LogicalTime{WallMillis: 1, PeerID: "p"}, OriginPeer: "p"}
	b := &types.CapabilityNode{ID: "n", Kind: types.KindLibrary, Value: "v",
		UpdatedAt: types.LogicalTime{WallMillis: 99, PeerID: "q"}, OriginPeer: "q"}
	assert.Equal(t, ContentHash(a), ContentHash(b))

	// Capability order does not matter; content change does.
	c := &types.CapabilityNode{ID: "n", Kind: types.KindLibrary, Value: "v", Capabilities: []string{"a", "b"}}
	d := &types.CapabilityNode{ID: "n", Kind: types.KindLibrary, Value: "v", Capabilities: []string{"b", "a"}}
	assert.Equal(t, ContentHash(c), ContentHash(d))

	e := d.Clone()
	e.Value = "changed"
	assert.NotEqual(t, ContentHash(d), ContentHash(e))
}

func TestPutIdenticalContentIsNoop(t *testing.T) {
	s := newTestStore(t, "aaa")

	first, err := s.Put(&types.CapabilityNode{ID: "n", Kind: types.KindPattern, Value: "v"})
	require.NoError(t, err)

	got, err := s.Get("n")
	require.NoError(t, err)
	second, err := s.Put(got)
	require.NoError(t, err)
	assert.Equal(t, first.UpdatedAt, second.UpdatedAt)

	again, err := s.Get("n")
	require.NoError(t, err)
	assert.Equal(t, first, again)
}

func TestCycleRejected(t *testing.T) {
	s := newTestStore(t, "aaa")

	_, err := s.Put(&types.CapabilityNode{ID: "a", Kind: types.KindLibrary, Dependencies: []string{"b"}})
	require.NoError(t, err)
	_, err = s.Put(&types.CapabilityNode{ID: "b", Kind: types.KindLibrary, Dependencies: []string{"c"}})
	require.NoError(t, err)

	// c -> a closes the cycle a -> b -> c -> a.
	_, err = s.Put(&types.CapabilityNode{ID: "c", Kind: types.KindLibrary, Dependencies: []string{"a"}})
	assert.ErrorIs(t, err, ErrInvalidGraph)

	// Self-dependency is the degenerate cycle.
	_, err = s.Put(&types.CapabilityNode{ID: "d", Kind: types.KindLibrary, Dependencies: []string{"d"}})
	assert.ErrorIs(t, err, ErrInvalidGraph)

	// Dangling dependencies are allowed at write time.
	_, err = s.Put(&types.CapabilityNode{ID: "e", Kind: types.KindLibrary, Dependencies: []string{"missing"}})
	assert.NoError(t, err)
}

func TestDeleteWritesTombstone(t *testing.T) {
	s := newTestStore(t, "aaa")

	_, err := s.Put(&types.CapabilityNode{ID: "n", Kind: types.KindLibrary})
	require.NoError(t, err)
	require.NoError(t, s.Delete("n"))

	_, err = s.Get("n")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete("n"), ErrNotFound)

	// The tombstone is visible to federation.
	all, err := s.All()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].Deleted)
}

func TestSinceFiltersByTimestamp(t *testing.T) {
	s := newTestStore(t, "aaa")
	ts := int64(1000)
	s.nowMillis = func() int64 { ts++; return ts }

	_, err := s.Put(&types.CapabilityNode{ID: "old", Kind: types.KindLibrary})
	require.NoError(t, err)
	mid, err := s.Put(&types.CapabilityNode{ID: "mid", Kind: types.KindLibrary})
	require.NoError(t, err)
	_, err = s.Put(&types.CapabilityNode{ID: "new", Kind: types.KindLibrary})
	require.NoError(t, err)

	nodes, err := s.Since(mid.UpdatedAt)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "new", nodes[0].ID)
}

func TestQueryRelevanceOrdering(t *testing.T) {
	s := newTestStore(t, "aaa")

	_, err := s.Put(&types.CapabilityNode{ID: "py-flask", Kind: types.KindFramework,
		Category: "web", Value: "Flask", Capabilities: []string{"http", "python"}})
	require.NoError(t, err)
	_, err = s.Put(&types.CapabilityNode{ID: "go-chi", Kind: types.KindFramework,
		Category: "web", Value: "chi", Capabilities: []string{"http"}})
	require.NoError(t, err)
	_, err = s.Put(&types.CapabilityNode{ID: "py-sqlite", Kind: types.KindLibrary,
		Category: "storage", Capabilities: []string{"storage", "python"}})
	require.NoError(t, err)

	// AND of selectors.
	nodes, err := s.Query(Selectors{Kind: types.KindFramework, Capability: "http"})
	require.NoError(t, err)
	assert.Len(t, nodes, 2)

	// Text tokens all must match; more hits rank higher.
	nodes, err = s.Query(Selectors{Capability: "python", Text: "py"})
	require.NoError(t, err)
	require.Len(t, nodes, 2)

	// Empty query returns everything, not an error.
	nodes, err = s.Query(Selectors{})
	require.NoError(t, err)
	assert.Len(t, nodes, 3)

	// No match is an empty result, not an error.
	nodes, err = s.Query(Selectors{Text: "no-such-thing"})
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestQueryExcludesTombstones(t *testing.T) {
	s := newTestStore(t, "aaa")
	_, err := s.Put(&types.CapabilityNode{ID: "n", Kind: types.KindLibrary})
	require.NoError(t, err)
	require.NoError(t, s.Delete("n"))

	nodes, err := s.Query(Selectors{})
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestApplyConflictResolution(t *testing.T) {
	s := newTestStore(t, "aaa")
	s.nowMillis = func() int64 { return 1000 }

	local, err := s.Put(&types.CapabilityNode{ID: "x", Kind: types.KindLibrary, Value: "local"})
	require.NoError(t, err)

	t.Run("older incoming is ignored", func(t *testing.T) {
		incoming := &types.CapabilityNode{ID: "x", Kind: types.KindLibrary, Value: "stale",
			UpdatedAt: types.LogicalTime{WallMillis: 500, PeerID: "zzz"}, OriginPeer: "zzz"}
		res, err := s.Apply(incoming)
		require.NoError(t, err)
		assert.False(t, res.Applied)

		got, err := s.Get("x")
		require.NoError(t, err)
		assert.Equal(t, "local", got.Value)
	})

	t.Run("newer incoming replaces", func(t *testing.T) {
		incoming := &types.CapabilityNode{ID: "x", Kind: types.KindLibrary, Value: "newer",
			UpdatedAt: types.LogicalTime{WallMillis: 2000, PeerID: "zzz"}, OriginPeer: "zzz"}
		res, err := s.Apply(incoming)
		require.NoError(t, err)
		assert.True(t, res.Applied)
		assert.True(t, res.Conflict)

		got, err := s.Get("x")
		require.NoError(t, err)
		assert.Equal(t, "newer", got.Value)
	})

	_ = local
}

func TestApplyEqualTimestampTiebreak(t *testing.T) {
	// Peer "aaa" and peer "zzz" write the same id in the same millisecond.
	// Both sides must converge on the zzz-authored version.
	p := newTestStore(t, "aaa")
	q := newTestStore(t, "zzz")
	p.nowMillis = func() int64 { return 7000 }
	q.nowMillis = func() int64 { return 7000 }

	pNode, err := p.Put(&types.CapabilityNode{ID: "x", Kind: types.KindLibrary, Value: "from-p"})
	require.NoError(t, err)
	qNode, err := q.Put(&types.CapabilityNode{ID: "x", Kind: types.KindLibrary, Value: "from-q"})
	require.NoError(t, err)

	// P applies Q's write: zzz > aaa, incoming wins.
	res, err := p.Apply(qNode)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.True(t, res.Conflict)

	// Q applies P's write: local zzz wins, still a resolved conflict.
	res, err = q.Apply(pNode)
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.True(t, res.Conflict)

	pGot, err := p.Get("x")
	require.NoError(t, err)
	qGot, err := q.Get("x")
	require.NoError(t, err)
	assert.Equal(t, "from-q", pGot.Value)
	assert.Equal(t, "from-q", qGot.Value)
	assert.Equal(t, pGot.ContentHash, qGot.ContentHash)
}

func TestApplyIdempotent(t *testing.T) {
	s := newTestStore(t, "aaa")
	incoming := &types.CapabilityNode{ID: "x", Kind: types.KindLibrary, Value: "v",
		UpdatedAt: types.LogicalTime{WallMillis: 2000, PeerID: "zzz"}, OriginPeer: "zzz"}

	first, err := s.Apply(incoming)
	require.NoError(t, err)
	assert.True(t, first.Applied)

	m1, err := s.Manifest()
	require.NoError(t, err)

	second, err := s.Apply(incoming)
	require.NoError(t, err)
	assert.False(t, second.Applied)
	assert.False(t, second.Conflict)

	m2, err := s.Manifest()
	require.NoError(t, err)
	assert.Equal(t, m1.ManifestHash, m2.ManifestHash)
}

func TestApplyNewerTombstoneErasesNode(t *testing.T) {
	s := newTestStore(t, "aaa")
	s.nowMillis = func() int64 { return 1000 }
	_, err := s.Put(&types.CapabilityNode{ID: "x", Kind: types.KindLibrary})
	require.NoError(t, err)

	tomb := &types.CapabilityNode{ID: "x", Kind: types.KindLibrary, Deleted: true,
		UpdatedAt: types.LogicalTime{WallMillis: 2000, PeerID: "zzz"}, OriginPeer: "zzz"}
	res, err := s.Apply(tomb)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	_, err = s.Get("x")
	assert.ErrorIs(t, err, ErrNotFound)

	// An older tombstone cannot erase a newer node.
	s2 := newTestStore(t, "aaa")
	s2.nowMillis = func() int64 { return 3000 }
	_, err = s2.Put(&types.CapabilityNode{ID: "y", Kind: types.KindLibrary})
	require.NoError(t, err)
	oldTomb := &types.CapabilityNode{ID: "y", Kind: types.KindLibrary, Deleted: true,
		UpdatedAt: types.LogicalTime{WallMillis: 2000, PeerID: "zzz"}, OriginPeer: "zzz"}
	res, err = s2.Apply(oldTomb)
	require.NoError(t, err)
	assert.False(t, res.Applied)
	_, err = s2.Get("y")
	assert.NoError(t, err)
}

func TestManifestEqualForEqualState(t *testing.T) {
	p := newTestStore(t, "aaa")
	q := newTestStore(t, "zzz")
	p.nowMillis = func() int64 { return 1234 }

	for _, id := range []string{"n1", "n2", "n3"} {
		node, err := p.Put(&types.CapabilityNode{ID: id, Kind: types.KindLibrary, Value: id})
		require.NoError(t, err)
		_, err = q.Apply(node)
		require.NoError(t, err)
	}

	pm, err := p.Manifest()
	require.NoError(t, err)
	qm, err := q.Manifest()
	require.NoError(t, err)

	assert.Equal(t, pm.ManifestHash, qm.ManifestHash)
	assert.Len(t, pm.Entries, 3)
	assert.Equal(t, "n1", pm.Entries[0].NodeID)
}

func TestStats(t *testing.T) {
	s := newTestStore(t, "aaa")
	_, err := s.Put(&types.CapabilityNode{ID: "a", Kind: types.KindFramework, Category: "web"})
	require.NoError(t, err)
	_, err = s.Put(&types.CapabilityNode{ID: "b", Kind: types.KindLibrary, Category: "web"})
	require.NoError(t, err)
	_, err = s.Put(&types.CapabilityNode{ID: "c", Kind: types.KindLibrary, Category: "storage"})
	require.NoError(t, err)
	require.NoError(t, s.Delete("c"))

	stats, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Tombstones)
	assert.Equal(t, 1, stats.ByKind["framework"])
	assert.Equal(t, 1, stats.ByKind["library"])
	assert.Equal(t, 2, stats.ByCategory["web"])
}

func TestSweepTombstones(t *testing.T) {
	s := newTestStore(t, "aaa")
	ts := int64(1_000_000)
	s.nowMillis = func() int64 { return ts }

	_, err := s.Put(&types.CapabilityNode{ID: "x", Kind: types.KindLibrary})
	require.NoError(t, err)
	require.NoError(t, s.Delete("x"))

	// Not old enough yet.
	ts += 1000
	removed, err := s.SweepTombstones(10_000)
	require.NoError(t, err)
	assert.Zero(t, removed)

	ts += 100_000
	removed, err = s.SweepTombstones(10_000)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	all, err := s.All()
	require.NoError(t, err)
	assert.Empty(t, all)
}
