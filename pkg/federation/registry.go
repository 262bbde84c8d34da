package federation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/arklabs/ark/pkg/identity"
	"github.com/arklabs/ark/pkg/log"
	"github.com/arklabs/ark/pkg/metrics"
	"github.com/arklabs/ark/pkg/types"
)

var (
	// ErrUnknownPeer is returned for operations on an unregistered peer id.
	ErrUnknownPeer = errors.New("unknown peer")

	// ErrPeerIDMismatch is returned when a record's peer id is not the hash
	// of its public key.
	ErrPeerIDMismatch = errors.New("peer id does not match public key")
)

// RegistryOptions configures the peer table.
type RegistryOptions struct {
	// SnapshotPath is the peers.json on-disk snapshot. Empty disables
	// persistence (tests).
	SnapshotPath string
	// MaxPeers caps the table; gossip merges evict by oldest last_seen.
	MaxPeers int
	// PeerTTL marks a peer unreachable after this long without contact.
	PeerTTL time.Duration
	// PeerGC removes an unreachable peer this long after it went stale.
	PeerGC time.Duration
	// JanitorInterval is the sweep cadence; defaults to one minute.
	JanitorInterval time.Duration
}

// Registry is the federation peer table. It records every peer this node
// knows about, how to reach it, its public key, and per-peer sync stats.
// A janitor loop ages peers out: unreachable after PeerTTL, gone after
// PeerTTL+PeerGC.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*types.PeerRecord
	self  *types.PeerRecord
	opts  RegistryOptions

	events *Hub

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewRegistry creates the registry, loading the snapshot if one exists.
func NewRegistry(self *types.PeerRecord, events *Hub, opts RegistryOptions) (*Registry, error) {
	if opts.MaxPeers <= 0 {
		opts.MaxPeers = 256
	}
	if opts.JanitorInterval <= 0 {
		opts.JanitorInterval = time.Minute
	}

	r := &Registry{
		peers:  make(map[string]*types.PeerRecord),
		self:   self,
		opts:   opts,
		events: events,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

// Self returns this node's own peer record.
func (r *Registry) Self() *types.PeerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	clone := *r.self
	return &clone
}

// SetSelfManifestHash records the latest local manifest hash on the self
// record, so /federation/info reflects current lattice state.
func (r *Registry) SetSelfManifestHash(hash string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.self.ManifestHash = hash
}

// Register upserts a peer record. The peer id must be the derived hash of
// the public key; records violating that are rejected. The self peer is
// never stored in the table.
func (r *Registry) Register(rec *types.PeerRecord) error {
	if rec.PeerID == "" || len(rec.PublicKey) == 0 {
		return fmt.Errorf("peer record missing id or public key")
	}
	if identity.DerivePeerID(rec.PublicKey) != rec.PeerID {
		return fmt.Errorf("%w: %s", ErrPeerIDMismatch, rec.PeerID)
	}

	r.mu.Lock()
	if rec.PeerID == r.self.PeerID {
		r.mu.Unlock()
		return nil
	}
	existing, known := r.peers[rec.PeerID]
	if known {
		// Preserve accumulated stats across re-registration.
		rec.Stats = existing.Stats
	}
	if rec.LastSeen.IsZero() {
		rec.LastSeen = time.Now()
	}
	clone := *rec
	r.peers[rec.PeerID] = &clone
	r.mu.Unlock()

	if !known {
		r.publish(EventPeerUp, rec.PeerID, map[string]any{"endpoint_url": rec.EndpointURL})
	}
	r.afterChange()
	return nil
}

// Remove deletes a peer from the table.
func (r *Registry) Remove(peerID string) error {
	r.mu.Lock()
	_, ok := r.peers[peerID]
	delete(r.peers, peerID)
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	r.publish(EventPeerDown, peerID, nil)
	r.afterChange()
	return nil
}

// Get returns a copy of one peer record.
func (r *Registry) Get(peerID string) (*types.PeerRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.peers[peerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	clone := *rec
	return &clone, nil
}

// List returns all known peers sorted by peer id.
func (r *Registry) List() []*types.PeerRecord {
	r.mu.RLock()
	out := make([]*types.PeerRecord, 0, len(r.peers))
	for _, rec := range r.peers {
		clone := *rec
		out = append(out, &clone)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// Reachable returns peers currently marked reachable, sorted by peer id.
func (r *Registry) Reachable() []*types.PeerRecord {
	var out []*types.PeerRecord
	for _, rec := range r.List() {
		if rec.Reachable {
			out = append(out, rec)
		}
	}
	return out
}

// Touch records successful contact with a peer.
func (r *Registry) Touch(peerID string) {
	r.setReachable(peerID, true, true)
}

// MarkUnreachable flags a peer that failed to respond.
func (r *Registry) MarkUnreachable(peerID string) {
	r.setReachable(peerID, false, false)
}

func (r *Registry) setReachable(peerID string, reachable, touch bool) {
	r.mu.Lock()
	rec, ok := r.peers[peerID]
	var changed bool
	if ok {
		changed = rec.Reachable != reachable
		rec.Reachable = reachable
		if touch {
			rec.LastSeen = time.Now()
		}
	}
	r.mu.Unlock()

	if changed {
		event := EventPeerDown
		if reachable {
			event = EventPeerUp
		}
		r.publish(event, peerID, nil)
	}
	if ok {
		r.afterChange()
	}
}

// UpdateStats applies a mutation to a peer's sync accounting.
func (r *Registry) UpdateStats(peerID string, fn func(*types.PeerStats)) {
	r.mu.Lock()
	if rec, ok := r.peers[peerID]; ok {
		fn(&rec.Stats)
	}
	r.mu.Unlock()
	r.afterChange()
}

// SetManifestHash records the last manifest hash observed from a peer.
func (r *Registry) SetManifestHash(peerID, hash string) {
	r.mu.Lock()
	if rec, ok := r.peers[peerID]; ok {
		rec.ManifestHash = hash
	}
	r.mu.Unlock()
}

// Merge folds a gossiped peer list into the table: the union of both lists
// capped at MaxPeers, evicting the least recently seen. Records failing the
// id-to-key check are skipped, as are self references and ids we already
// know with a fresher last_seen.
func (r *Registry) Merge(records []*types.PeerRecord) int {
	added := 0
	for _, rec := range records {
		if rec.PeerID == r.self.PeerID {
			continue
		}
		if identity.DerivePeerID(rec.PublicKey) != rec.PeerID {
			log.WithPeerID(rec.PeerID).Warn().Msg("gossiped peer fails key check, skipped")
			continue
		}

		r.mu.Lock()
		existing, known := r.peers[rec.PeerID]
		if known && !existing.LastSeen.Before(rec.LastSeen) {
			r.mu.Unlock()
			continue
		}
		clone := *rec
		if known {
			clone.Stats = existing.Stats
		}
		r.peers[rec.PeerID] = &clone
		r.mu.Unlock()

		if !known {
			added++
			r.publish(EventPeerUp, rec.PeerID, map[string]any{"source": "gossip"})
		}
	}

	r.evictOverflow()
	r.afterChange()
	return added
}

// evictOverflow trims the table to MaxPeers by dropping the least recently
// seen records.
func (r *Registry) evictOverflow() {
	r.mu.Lock()
	defer r.mu.Unlock()

	excess := len(r.peers) - r.opts.MaxPeers
	if excess <= 0 {
		return
	}

	byAge := make([]*types.PeerRecord, 0, len(r.peers))
	for _, rec := range r.peers {
		byAge = append(byAge, rec)
	}
	sort.Slice(byAge, func(i, j int) bool { return byAge[i].LastSeen.Before(byAge[j].LastSeen) })
	for _, rec := range byAge[:excess] {
		delete(r.peers, rec.PeerID)
	}
}

// Start launches the janitor loop.
func (r *Registry) Start() {
	go r.janitorLoop()
}

// Stop halts the janitor and writes a final snapshot.
func (r *Registry) Stop() {
	close(r.stopCh)
	<-r.doneCh
	r.save()
}

func (r *Registry) janitorLoop() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.opts.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep(time.Now())
		case <-r.stopCh:
			return
		}
	}
}

// sweep ages peers: silent past PeerTTL become unreachable, silent past
// PeerTTL+PeerGC are removed.
func (r *Registry) sweep(now time.Time) {
	var wentDown, removed []string

	r.mu.Lock()
	for id, rec := range r.peers {
		silent := now.Sub(rec.LastSeen)
		switch {
		case r.opts.PeerGC > 0 && silent > r.opts.PeerTTL+r.opts.PeerGC:
			delete(r.peers, id)
			removed = append(removed, id)
		case r.opts.PeerTTL > 0 && silent > r.opts.PeerTTL && rec.Reachable:
			rec.Reachable = false
			wentDown = append(wentDown, id)
		}
	}
	r.mu.Unlock()

	for _, id := range wentDown {
		r.publish(EventPeerDown, id, map[string]any{"reason": "ttl"})
	}
	for _, id := range removed {
		r.publish(EventPeerDown, id, map[string]any{"reason": "gc"})
	}
	if len(wentDown)+len(removed) > 0 {
		r.afterChange()
	}
}

func (r *Registry) publish(event EventType, peerID string, detail map[string]any) {
	if r.events != nil {
		r.events.Publish(Event{Type: event, PeerID: peerID, Detail: detail, At: time.Now()})
	}
}

// afterChange refreshes gauges and persists the snapshot.
func (r *Registry) afterChange() {
	r.mu.RLock()
	reachable, unreachable := 0, 0
	for _, rec := range r.peers {
		if rec.Reachable {
			reachable++
		} else {
			unreachable++
		}
	}
	r.mu.RUnlock()

	metrics.PeersKnown.WithLabelValues("true").Set(float64(reachable))
	metrics.PeersKnown.WithLabelValues("false").Set(float64(unreachable))
	r.save()
}

// snapshot is the peers.json wire form.
type snapshot struct {
	SavedAt time.Time           `json:"saved_at"`
	Peers   []*types.PeerRecord `json:"peers"`
}

func (r *Registry) save() {
	if r.opts.SnapshotPath == "" {
		return
	}

	snap := snapshot{SavedAt: time.Now().UTC(), Peers: r.List()}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		log.WithComponent("federation").Error().Err(err).Msg("failed to encode peer snapshot")
		return
	}

	tmp := r.opts.SnapshotPath + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err == nil {
		err = os.Rename(tmp, r.opts.SnapshotPath)
		if err != nil {
			log.WithComponent("federation").Error().Err(err).Msg("failed to write peer snapshot")
		}
	}
}

func (r *Registry) load() error {
	if r.opts.SnapshotPath == "" {
		return nil
	}
	data, err := os.ReadFile(r.opts.SnapshotPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read peer snapshot: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to parse peer snapshot: %w", err)
	}
	for _, rec := range snap.Peers {
		if rec.PeerID == r.self.PeerID {
			continue
		}
		r.peers[rec.PeerID] = rec
	}
	return nil
}
