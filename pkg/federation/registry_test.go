package federation

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arklabs/ark/pkg/identity"
	"github.com/arklabs/ark/pkg/types"
)

func makePeer(t *testing.T, endpoint string) *types.PeerRecord {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return &types.PeerRecord{
		PeerID:      identity.DerivePeerID(pub),
		Role:        types.PeerRoleLocal,
		EndpointURL: endpoint,
		PublicKey:   pub,
		LastSeen:    time.Now(),
		Reachable:   true,
	}
}

func newRegistry(t *testing.T, opts RegistryOptions) *Registry {
	t.Helper()
	r, err := NewRegistry(makePeer(t, "mem://self"), NewHub(), opts)
	require.NoError(t, err)
	return r
}

func TestRegisterRejectsMismatchedPeerID(t *testing.T) {
	r := newRegistry(t, RegistryOptions{MaxPeers: 8})

	rec := makePeer(t, "mem://peer")
	rec.PeerID = "not-the-key-hash"
	assert.ErrorIs(t, r.Register(rec), ErrPeerIDMismatch)
	assert.Empty(t, r.List())
}

func TestRegisterPreservesStats(t *testing.T) {
	r := newRegistry(t, RegistryOptions{MaxPeers: 8})

	rec := makePeer(t, "mem://peer")
	require.NoError(t, r.Register(rec))
	r.UpdateStats(rec.PeerID, func(s *types.PeerStats) { s.Syncs = 7 })

	again := *rec
	again.EndpointURL = "mem://moved"
	require.NoError(t, r.Register(&again))

	got, err := r.Get(rec.PeerID)
	require.NoError(t, err)
	assert.Equal(t, "mem://moved", got.EndpointURL)
	assert.EqualValues(t, 7, got.Stats.Syncs)
}

func TestMergeSkipsStaleAndCapsTable(t *testing.T) {
	r := newRegistry(t, RegistryOptions{MaxPeers: 3})

	known := makePeer(t, "mem://known")
	known.LastSeen = time.Now()
	require.NoError(t, r.Register(known))

	// A gossiped copy with an older last_seen must not clobber ours.
	stale := *known
	stale.LastSeen = time.Now().Add(-time.Hour)
	stale.EndpointURL = "mem://stale"

	gossip := []*types.PeerRecord{&stale}
	for i := 0; i < 4; i++ {
		p := makePeer(t, fmt.Sprintf("mem://gossip-%d", i))
		p.LastSeen = time.Now().Add(time.Duration(i-10) * time.Minute)
		gossip = append(gossip, p)
	}
	forged := makePeer(t, "mem://forged")
	forged.PeerID = "forged-id"
	gossip = append(gossip, forged)

	added := r.Merge(gossip)
	assert.Equal(t, 4, added)

	peers := r.List()
	assert.Len(t, peers, 3, "table capped at MaxPeers")
	got, err := r.Get(known.PeerID)
	require.NoError(t, err)
	assert.Equal(t, "mem://known", got.EndpointURL)
	_, err = r.Get("forged-id")
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestSweepAgesPeersOut(t *testing.T) {
	r := newRegistry(t, RegistryOptions{
		MaxPeers: 8,
		PeerTTL:  time.Minute,
		PeerGC:   time.Minute,
	})

	fresh := makePeer(t, "mem://fresh")
	quiet := makePeer(t, "mem://quiet")
	quiet.LastSeen = time.Now().Add(-90 * time.Second)
	gone := makePeer(t, "mem://gone")
	gone.LastSeen = time.Now().Add(-3 * time.Minute)
	for _, rec := range []*types.PeerRecord{fresh, quiet, gone} {
		require.NoError(t, r.Register(rec))
	}

	r.sweep(time.Now())

	got, err := r.Get(fresh.PeerID)
	require.NoError(t, err)
	assert.True(t, got.Reachable)

	got, err = r.Get(quiet.PeerID)
	require.NoError(t, err)
	assert.False(t, got.Reachable, "silent past ttl goes unreachable")

	_, err = r.Get(gone.PeerID)
	assert.ErrorIs(t, err, ErrUnknownPeer, "silent past ttl+gc is removed")
}

func TestSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.json")
	self := makePeer(t, "mem://self")

	r, err := NewRegistry(self, nil, RegistryOptions{SnapshotPath: path, MaxPeers: 8})
	require.NoError(t, err)
	peer := makePeer(t, "mem://peer")
	require.NoError(t, r.Register(peer))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var snap snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	require.Len(t, snap.Peers, 1)

	reloaded, err := NewRegistry(self, nil, RegistryOptions{SnapshotPath: path, MaxPeers: 8})
	require.NoError(t, err)
	got, err := reloaded.Get(peer.PeerID)
	require.NoError(t, err)
	assert.Equal(t, "mem://peer", got.EndpointURL)
}

func TestReachabilityEvents(t *testing.T) {
	hub := NewHub()
	r, err := NewRegistry(makePeer(t, "mem://self"), hub, RegistryOptions{MaxPeers: 8})
	require.NoError(t, err)

	events, cancel := hub.Subscribe()
	defer cancel()

	peer := makePeer(t, "mem://peer")
	require.NoError(t, r.Register(peer))
	r.MarkUnreachable(peer.PeerID)
	r.Touch(peer.PeerID)

	var seen []EventType
	for i := 0; i < 3; i++ {
		select {
		case ev := <-events:
			seen = append(seen, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("expected 3 events, got %v", seen)
		}
	}
	assert.Equal(t, []EventType{EventPeerUp, EventPeerDown, EventPeerUp}, seen)
}

func TestDiscoveryHandle(t *testing.T) {
	r := newRegistry(t, RegistryOptions{MaxPeers: 8})
	d := NewDiscovery(r, "239.77.7.7:7777", time.Minute)

	peer := makePeer(t, "http://10.0.0.2:8080")
	packet, err := json.Marshal(Announcement{
		PeerID:      peer.PeerID,
		EndpointURL: peer.EndpointURL,
		PublicKey:   peer.PublicKey,
		ProducedAt:  time.Now().UTC(),
	})
	require.NoError(t, err)
	d.handle(packet)

	got, err := r.Get(peer.PeerID)
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.2:8080", got.EndpointURL)
	assert.True(t, got.Reachable)

	// The same announcement aged past the window is ignored.
	stale := makePeer(t, "http://10.0.0.3:8080")
	packet, err = json.Marshal(Announcement{
		PeerID:      stale.PeerID,
		EndpointURL: stale.EndpointURL,
		PublicKey:   stale.PublicKey,
		ProducedAt:  time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)
	d.handle(packet)

	_, err = r.Get(stale.PeerID)
	assert.ErrorIs(t, err, ErrUnknownPeer)
}
