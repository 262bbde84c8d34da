package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/arklabs/ark/pkg/identity"
	"github.com/arklabs/ark/pkg/lattice"
	"github.com/arklabs/ark/pkg/log"
	"github.com/arklabs/ark/pkg/metrics"
	"github.com/arklabs/ark/pkg/types"
)

var (
	// ErrSyncBackoff is returned when a peer is inside a mismatch backoff
	// window.
	ErrSyncBackoff = errors.New("peer in sync backoff")

	// ErrManifestIntegrity is returned when a manifest's claimed hash does
	// not match its entries.
	ErrManifestIntegrity = errors.New("manifest hash does not match entries")
)

// Escalator is the error-bus surface the sync engine needs.
type Escalator interface {
	Escalate(esc *types.Escalation)
}

// Envelope is a signed federation payload. The signature covers the raw
// payload bytes and verifies against the sender's registered public key.
type Envelope struct {
	PeerID    string          `json:"peer_id"`
	Payload   json.RawMessage `json:"payload"`
	Signature []byte          `json:"signature"`
}

// ManifestResponse answers a manifest exchange: match short-circuits the
// sync, otherwise the responder's manifest comes back for delta
// computation.
type ManifestResponse struct {
	Match    bool            `json:"match"`
	Manifest *types.Manifest `json:"manifest,omitempty"`
}

// NodesRequest is the delta batch plus the sender's manifest, so the
// responder can compute its own return delta statelessly. Known peers ride
// along for gossip.
type NodesRequest struct {
	Manifest *types.Manifest         `json:"manifest"`
	Nodes    []*types.CapabilityNode `json:"nodes"`
	Peers    []*types.PeerRecord     `json:"peers,omitempty"`
}

// NodesResponse summarises the responder's apply pass and carries its own
// delta back.
type NodesResponse struct {
	Applied   int                     `json:"applied"`
	Conflicts int                     `json:"conflicts"`
	FailedIDs []string                `json:"failed_ids,omitempty"`
	Nodes     []*types.CapabilityNode `json:"nodes,omitempty"`
	Peers     []*types.PeerRecord     `json:"peers,omitempty"`
}

// SyncResult is the initiator-side outcome of one sync.
type SyncResult struct {
	PeerID    string   `json:"peer_id"`
	Outcome   string   `json:"outcome"` // noop, delta, failed
	Sent      int      `json:"sent"`
	Received  int      `json:"received"`
	Applied   int      `json:"applied"`
	Conflicts int      `json:"conflicts"`
	FailedIDs []string `json:"failed_ids,omitempty"`
}

// EngineOptions configures sync behaviour.
type EngineOptions struct {
	Role       types.PeerRole
	HubURL     string
	SyncPeriod time.Duration
	// MismatchLimit is how many manifest integrity failures are tolerated
	// before escalating and backing off; default 3.
	MismatchLimit int
	// TombstoneTTL is how long tombstones are retained before they become
	// eligible for sweeping. Zero disables the sweep.
	TombstoneTTL time.Duration
}

// Engine runs the two-phase signed sync protocol against registered peers.
// Topology follows the peer role: local syncs every reachable peer, edge
// syncs only the hub, cloud never initiates.
type Engine struct {
	store     *lattice.Store
	registry  *Registry
	id        *identity.Identity
	transport Transport
	events    *Hub
	errors    Escalator
	opts      EngineOptions

	mu           sync.Mutex
	mismatches   map[string]int
	backoffUntil map[string]time.Time
	breakers     map[string]*gobreaker.CircuitBreaker

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewEngine creates a sync engine. errors and events may be nil.
func NewEngine(store *lattice.Store, registry *Registry, id *identity.Identity,
	transport Transport, events *Hub, errors Escalator, opts EngineOptions) *Engine {
	if opts.SyncPeriod <= 0 {
		opts.SyncPeriod = time.Minute
	}
	if opts.MismatchLimit <= 0 {
		opts.MismatchLimit = 3
	}
	return &Engine{
		store:        store,
		registry:     registry,
		id:           id,
		transport:    transport,
		events:       events,
		errors:       errors,
		opts:         opts,
		mismatches:   make(map[string]int),
		backoffUntil: make(map[string]time.Time),
		breakers:     make(map[string]*gobreaker.CircuitBreaker),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Start launches the periodic sync loop. Cloud peers accept inbound syncs
// only, so their loop never fires.
func (e *Engine) Start() {
	go e.loop()
}

// Stop halts the sync loop.
func (e *Engine) Stop() {
	close(e.stopCh)
	<-e.doneCh
}

func (e *Engine) loop() {
	defer close(e.doneCh)

	if e.opts.Role == types.PeerRoleCloud {
		<-e.stopCh
		return
	}

	ticker := time.NewTicker(e.opts.SyncPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, rec := range e.targets() {
				if _, err := e.SyncWith(context.Background(), rec.PeerID); err != nil {
					log.WithPeerID(rec.PeerID).Debug().Err(err).Msg("periodic sync failed")
				}
			}
			e.sweepTombstones()
		case <-e.stopCh:
			return
		}
	}
}

// targets picks the peers this role initiates against.
func (e *Engine) targets() []*types.PeerRecord {
	switch e.opts.Role {
	case types.PeerRoleEdge:
		for _, rec := range e.registry.List() {
			if rec.EndpointURL == e.opts.HubURL {
				return []*types.PeerRecord{rec}
			}
		}
		return nil
	case types.PeerRoleCloud:
		return nil
	}
	return e.registry.List()
}

// SyncWith runs one full sync against a peer: signed manifest exchange,
// delta computation, and per-node apply with partial-failure accounting.
func (e *Engine) SyncWith(ctx context.Context, peerID string) (*SyncResult, error) {
	rec, err := e.registry.Get(peerID)
	if err != nil {
		return nil, err
	}
	if until, ok := e.backoff(peerID); ok {
		return nil, fmt.Errorf("%w until %s", ErrSyncBackoff, until.Format(time.RFC3339))
	}

	// A key rotation mid-sync would invalidate signatures in flight.
	e.id.BeginSync()
	defer e.id.EndSync()

	e.publish(Event{Type: EventSyncStart, PeerID: peerID, At: time.Now()})

	result, err := e.sync(ctx, rec)
	if err != nil {
		metrics.SyncsTotal.WithLabelValues("failed").Inc()
		e.publish(Event{Type: EventSyncEnd, PeerID: peerID, At: time.Now(),
			Detail: map[string]any{"outcome": "failed", "error": err.Error()}})
		return nil, err
	}

	metrics.SyncsTotal.WithLabelValues(result.Outcome).Inc()
	e.publish(Event{Type: EventSyncEnd, PeerID: peerID, At: time.Now(),
		Detail: map[string]any{"outcome": result.Outcome, "applied": result.Applied}})
	if result.Conflicts > 0 {
		e.publish(Event{Type: EventConflicts, PeerID: peerID, At: time.Now(),
			Detail: map[string]any{"conflicts": result.Conflicts}})
	}
	return result, nil
}

func (e *Engine) sync(ctx context.Context, rec *types.PeerRecord) (*SyncResult, error) {
	result := &SyncResult{PeerID: rec.PeerID}

	local, err := e.store.Manifest()
	if err != nil {
		return nil, err
	}
	e.registry.SetSelfManifestHash(local.ManifestHash)

	env, err := e.seal(local)
	if err != nil {
		return nil, err
	}

	respEnv, err := e.call(rec, func() (*Envelope, error) {
		return e.transport.SendManifest(ctx, rec.EndpointURL, env)
	})
	if err != nil {
		return nil, e.unreachable(rec.PeerID, err)
	}

	var mr ManifestResponse
	if err := e.open(respEnv, rec, &mr); err != nil {
		return nil, err
	}
	e.registry.Touch(rec.PeerID)

	if mr.Match {
		result.Outcome = "noop"
		e.registry.SetManifestHash(rec.PeerID, local.ManifestHash)
		e.registry.UpdateStats(rec.PeerID, func(s *types.PeerStats) { s.Syncs++ })
		e.clearMismatch(rec.PeerID)
		return result, nil
	}

	if mr.Manifest == nil || lattice.ManifestHash(mr.Manifest.Entries) != mr.Manifest.ManifestHash {
		return nil, e.mismatch(rec.PeerID)
	}
	e.registry.SetManifestHash(rec.PeerID, mr.Manifest.ManifestHash)

	toSend, err := e.delta(mr.Manifest)
	if err != nil {
		return nil, err
	}
	nreq := &NodesRequest{Manifest: local, Nodes: toSend, Peers: e.gossip()}
	nenv, err := e.seal(nreq)
	if err != nil {
		return nil, err
	}

	respEnv, err = e.call(rec, func() (*Envelope, error) {
		return e.transport.SendNodes(ctx, rec.EndpointURL, nenv)
	})
	if err != nil {
		return nil, e.unreachable(rec.PeerID, err)
	}

	var nr NodesResponse
	if err := e.open(respEnv, rec, &nr); err != nil {
		return nil, err
	}

	applied, conflicts, failed := e.applyAll(nr.Nodes)
	e.registry.Merge(nr.Peers)

	result.Outcome = "delta"
	result.Sent = len(toSend)
	result.Received = len(nr.Nodes)
	result.Applied = applied
	result.Conflicts = conflicts
	result.FailedIDs = failed

	sent := int64(len(env.Payload) + len(nenv.Payload))
	received := int64(len(respEnv.Payload))
	metrics.SyncBytes.WithLabelValues("sent").Add(float64(sent))
	metrics.SyncBytes.WithLabelValues("received").Add(float64(received))

	e.registry.UpdateStats(rec.PeerID, func(s *types.PeerStats) {
		s.Syncs++
		s.ConflictsResolved += int64(conflicts)
		s.BytesSent += sent
		s.BytesReceived += received
	})
	e.clearMismatch(rec.PeerID)

	if len(failed) > 0 {
		e.escalate(rec.PeerID, types.SeverityError, "PartialApply",
			fmt.Sprintf("sync with %s failed to apply %d nodes: %v", rec.PeerID, len(failed), failed), true)
	}
	return result, nil
}

// HandleManifest is the responder side of phase one. The envelope must
// verify against the sender's registered key; a hash match ends the sync.
func (e *Engine) HandleManifest(env *Envelope) (*Envelope, error) {
	rec, err := e.verify(env)
	if err != nil {
		return nil, err
	}

	var remote types.Manifest
	if err := json.Unmarshal(env.Payload, &remote); err != nil {
		return nil, fmt.Errorf("malformed manifest payload: %w", err)
	}
	if lattice.ManifestHash(remote.Entries) != remote.ManifestHash {
		return nil, ErrManifestIntegrity
	}

	local, err := e.store.Manifest()
	if err != nil {
		return nil, err
	}
	e.registry.SetSelfManifestHash(local.ManifestHash)
	e.registry.Touch(rec.PeerID)
	e.registry.SetManifestHash(rec.PeerID, remote.ManifestHash)

	resp := ManifestResponse{Match: local.ManifestHash == remote.ManifestHash}
	if resp.Match {
		e.registry.UpdateStats(rec.PeerID, func(s *types.PeerStats) { s.Syncs++ })
	} else {
		resp.Manifest = local
	}
	return e.seal(resp)
}

// HandleNodes is the responder side of phase two: apply the incoming
// delta, then answer with our own delta against the sender's manifest.
func (e *Engine) HandleNodes(env *Envelope) (*Envelope, error) {
	rec, err := e.verify(env)
	if err != nil {
		return nil, err
	}

	var req NodesRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return nil, fmt.Errorf("malformed nodes payload: %w", err)
	}
	if req.Manifest == nil || lattice.ManifestHash(req.Manifest.Entries) != req.Manifest.ManifestHash {
		return nil, ErrManifestIntegrity
	}

	// Compute our return delta before applying: if an incoming node wins a
	// conflict here, our losing version must still travel back so the other
	// side resolves the same conflict and both counters advance.
	toSend, err := e.delta(req.Manifest)
	if err != nil {
		return nil, err
	}

	applied, conflicts, failed := e.applyAll(req.Nodes)
	e.registry.Merge(req.Peers)

	received := int64(len(env.Payload))
	e.registry.Touch(rec.PeerID)
	e.registry.UpdateStats(rec.PeerID, func(s *types.PeerStats) {
		s.Syncs++
		s.ConflictsResolved += int64(conflicts)
		s.BytesReceived += received
	})

	e.publish(Event{Type: EventSyncEnd, PeerID: rec.PeerID, At: time.Now(),
		Detail: map[string]any{"outcome": "inbound", "applied": applied}})
	if conflicts > 0 {
		e.publish(Event{Type: EventConflicts, PeerID: rec.PeerID, At: time.Now(),
			Detail: map[string]any{"conflicts": conflicts}})
	}
	if len(failed) > 0 {
		e.escalate(rec.PeerID, types.SeverityError, "PartialApply",
			fmt.Sprintf("inbound sync from %s failed to apply %d nodes: %v", rec.PeerID, len(failed), failed), true)
	}

	return e.seal(&NodesResponse{
		Applied:   applied,
		Conflicts: conflicts,
		FailedIDs: failed,
		Nodes:     toSend,
		Peers:     e.gossip(),
	})
}

// sweepTombstones removes expired tombstones, but only once every known
// peer's last observed manifest hash matches ours: sweeping earlier could
// resurrect a deleted node on the next delta exchange.
func (e *Engine) sweepTombstones() {
	if e.opts.TombstoneTTL <= 0 {
		return
	}
	local, err := e.store.Manifest()
	if err != nil {
		return
	}
	for _, rec := range e.registry.List() {
		if rec.ManifestHash != local.ManifestHash {
			return
		}
	}

	removed, err := e.store.SweepTombstones(e.opts.TombstoneTTL)
	if err != nil {
		log.WithComponent("federation").Warn().Err(err).Msg("tombstone sweep failed")
		return
	}
	if removed > 0 {
		log.WithComponent("federation").Info().Int("removed", removed).Msg("swept expired tombstones")
	}
}

// applyAll merges incoming nodes one by one. A node that fails to apply is
// recorded and skipped; the rest of the batch still lands.
func (e *Engine) applyAll(nodes []*types.CapabilityNode) (applied, conflicts int, failed []string) {
	for _, node := range nodes {
		res, err := e.store.Apply(node)
		if err != nil {
			failed = append(failed, node.ID)
			log.WithComponent("federation").Warn().Err(err).Str("node_id", node.ID).Msg("failed to apply node")
			continue
		}
		if res.Applied {
			applied++
		}
		if res.Conflict {
			conflicts++
		}
	}
	return applied, conflicts, failed
}

// delta returns every local record the remote manifest lacks or holds a
// different version of.
func (e *Engine) delta(remote *types.Manifest) ([]*types.CapabilityNode, error) {
	index := make(map[string]types.ManifestEntry, len(remote.Entries))
	for _, entry := range remote.Entries {
		index[entry.NodeID] = entry
	}

	all, err := e.store.All()
	if err != nil {
		return nil, err
	}

	var out []*types.CapabilityNode
	for _, node := range all {
		entry, known := index[node.ID]
		if !known || entry.ContentHash != node.ContentHash || entry.UpdatedAt != node.UpdatedAt {
			out = append(out, node)
		}
	}
	return out, nil
}

// gossip is the peer list shared during sync: everyone we know plus
// ourselves, so new peers propagate through the mesh.
func (e *Engine) gossip() []*types.PeerRecord {
	self := e.registry.Self()
	self.LastSeen = time.Now()
	self.Reachable = true
	return append(e.registry.List(), self)
}

// seal signs a payload under this peer's identity.
func (e *Engine) seal(payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return &Envelope{
		PeerID:    e.id.PeerID(),
		Payload:   raw,
		Signature: e.id.Sign(raw),
	}, nil
}

// verify checks an inbound envelope against the sender's registered key.
// Unknown peers and bad signatures both drop the entire payload.
func (e *Engine) verify(env *Envelope) (*types.PeerRecord, error) {
	rec, err := e.registry.Get(env.PeerID)
	if err != nil {
		e.escalate(env.PeerID, types.SeverityWarning, types.CodeInvalidSignature,
			fmt.Sprintf("envelope from unregistered peer %s dropped", env.PeerID), false)
		return nil, err
	}
	if err := identity.Verify(env.Payload, env.Signature, rec.PublicKey); err != nil {
		e.escalate(env.PeerID, types.SeverityWarning, types.CodeInvalidSignature,
			fmt.Sprintf("invalid signature from peer %s, payload dropped", env.PeerID), false)
		return nil, err
	}
	return rec, nil
}

// open verifies a response envelope from a known peer and decodes it.
func (e *Engine) open(env *Envelope, rec *types.PeerRecord, into any) error {
	if env.PeerID != rec.PeerID {
		e.escalate(rec.PeerID, types.SeverityWarning, types.CodeInvalidSignature,
			fmt.Sprintf("response claims peer %s, expected %s", env.PeerID, rec.PeerID), false)
		return identity.ErrInvalidSignature
	}
	if err := identity.Verify(env.Payload, env.Signature, rec.PublicKey); err != nil {
		e.escalate(rec.PeerID, types.SeverityWarning, types.CodeInvalidSignature,
			fmt.Sprintf("invalid response signature from peer %s, payload dropped", rec.PeerID), false)
		return err
	}
	return json.Unmarshal(env.Payload, into)
}

// call routes a transport call through the peer's circuit breaker.
func (e *Engine) call(rec *types.PeerRecord, fn func() (*Envelope, error)) (*Envelope, error) {
	out, err := e.breaker(rec.PeerID).Execute(func() (any, error) { return fn() })
	if err != nil {
		return nil, err
	}
	return out.(*Envelope), nil
}

func (e *Engine) breaker(peerID string) *gobreaker.CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()

	cb, ok := e.breakers[peerID]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "sync-" + peerID,
			Timeout: e.opts.SyncPeriod,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		})
		e.breakers[peerID] = cb
	}
	return cb
}

// unreachable records a failed transport attempt: the peer is marked down
// and will be retried on the next cycle.
func (e *Engine) unreachable(peerID string, err error) error {
	e.registry.MarkUnreachable(peerID)
	e.escalate(peerID, types.SeverityWarning, types.CodePeerUnreachable,
		fmt.Sprintf("peer %s unreachable: %v", peerID, err), true)
	return fmt.Errorf("%s: %w", types.CodePeerUnreachable, err)
}

// mismatch counts a manifest integrity failure; past the limit the peer is
// put in a sync_period x4 backoff and an error is escalated.
func (e *Engine) mismatch(peerID string) error {
	e.mu.Lock()
	e.mismatches[peerID]++
	count := e.mismatches[peerID]
	var until time.Time
	if count >= e.opts.MismatchLimit {
		until = time.Now().Add(e.opts.SyncPeriod * 4)
		e.backoffUntil[peerID] = until
		e.mismatches[peerID] = 0
	}
	e.mu.Unlock()

	if !until.IsZero() {
		e.escalate(peerID, types.SeverityError, types.CodeManifestMismatch,
			fmt.Sprintf("manifest mismatch with %s persisted for %d attempts, backing off", peerID, e.opts.MismatchLimit), true)
		return fmt.Errorf("%s: backing off until %s", types.CodeManifestMismatch, until.Format(time.RFC3339))
	}
	return fmt.Errorf("%s: attempt %d of %d", types.CodeManifestMismatch, count, e.opts.MismatchLimit)
}

func (e *Engine) clearMismatch(peerID string) {
	e.mu.Lock()
	delete(e.mismatches, peerID)
	delete(e.backoffUntil, peerID)
	e.mu.Unlock()
}

func (e *Engine) backoff(peerID string) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	until, ok := e.backoffUntil[peerID]
	if ok && time.Now().After(until) {
		delete(e.backoffUntil, peerID)
		return time.Time{}, false
	}
	return until, ok
}

func (e *Engine) publish(event Event) {
	if e.events != nil {
		e.events.Publish(event)
	}
}

func (e *Engine) escalate(peerID string, sev types.Severity, code, message string, recoverable bool) {
	if e.errors == nil {
		return
	}
	e.errors.Escalate(&types.Escalation{
		From:        "federation",
		Severity:    sev,
		Code:        code,
		Message:     message,
		Recoverable: recoverable,
		Context:     map[string]any{"peer_id": peerID},
	})
}
