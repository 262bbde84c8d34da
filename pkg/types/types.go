package types

import (
	"strings"
	"time"
)

// NodeKind classifies a capability node. Kind governs which fields are
// meaningful: templates carry Content, libraries carry Examples, and so on.
type NodeKind string

const (
	KindLanguage  NodeKind = "language"
	KindFramework NodeKind = "framework"
	KindPattern   NodeKind = "pattern"
	KindComponent NodeKind = "component"
	KindLibrary   NodeKind = "library"
	KindTemplate  NodeKind = "template"
	KindCompiler  NodeKind = "compiler"
	KindRuntime   NodeKind = "runtime"
)

// NodeKinds lists every valid kind, used for validation and stats buckets.
var NodeKinds = []NodeKind{
	KindLanguage, KindFramework, KindPattern, KindComponent,
	KindLibrary, KindTemplate, KindCompiler, KindRuntime,
}

// ValidKind reports whether k is a recognized node kind.
func ValidKind(k NodeKind) bool {
	for _, kind := range NodeKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// LogicalTime is a hybrid timestamp (wall_millis, peer_id). Comparisons are
// lexicographic on the pair, which yields a strict total order even when two
// peers write in the same millisecond. Correctness does not depend on
// synchronized clocks; the pair only has to be totally ordered.
type LogicalTime struct {
	WallMillis int64  `json:"wall_millis"`
	PeerID     string `json:"peer_id"`
}

// NewLogicalTime stamps the current wall clock for the given peer.
func NewLogicalTime(peerID string) LogicalTime {
	return LogicalTime{WallMillis: time.Now().UnixMilli(), PeerID: peerID}
}

// Compare returns -1 if t < o, 0 if equal, +1 if t > o.
func (t LogicalTime) Compare(o LogicalTime) int {
	if t.WallMillis != o.WallMillis {
		if t.WallMillis < o.WallMillis {
			return -1
		}
		return 1
	}
	return strings.Compare(t.PeerID, o.PeerID)
}

// Before reports whether t orders strictly before o.
func (t LogicalTime) Before(o LogicalTime) bool { return t.Compare(o) < 0 }

// IsZero reports whether t is the zero timestamp.
func (t LogicalTime) IsZero() bool { return t.WallMillis == 0 && t.PeerID == "" }

// CapabilityNode is an atomic entry in the lattice: a language, framework,
// pattern, library, template, or similar building block that agents compose.
// A node with Deleted set is a tombstone; it participates in federation
// conflict resolution like any other write.
type CapabilityNode struct {
	ID           string            `json:"id"`
	Kind         NodeKind          `json:"kind"`
	Category     string            `json:"category,omitempty"`
	Value        string            `json:"value,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Dependencies []string          `json:"dependencies,omitempty"`
	Examples     []string          `json:"examples,omitempty"`
	Content      string            `json:"content,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	UpdatedAt    LogicalTime       `json:"updated_at"`
	OriginPeer   string            `json:"origin_peer,omitempty"`
	ContentHash  string            `json:"content_hash,omitempty"`
	Deleted      bool              `json:"deleted,omitempty"`
}

// HasCapability reports whether the node carries the given capability tag.
func (n *CapabilityNode) HasCapability(tag string) bool {
	for _, c := range n.Capabilities {
		if strings.EqualFold(c, tag) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers never share internal slices.
func (n *CapabilityNode) Clone() *CapabilityNode {
	out := *n
	out.Capabilities = append([]string(nil), n.Capabilities...)
	out.Dependencies = append([]string(nil), n.Dependencies...)
	out.Examples = append([]string(nil), n.Examples...)
	if n.Metadata != nil {
		out.Metadata = make(map[string]string, len(n.Metadata))
		for k, v := range n.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// MessageKind classifies bus traffic.
type MessageKind string

const (
	MessageRequest  MessageKind = "request"
	MessageResponse MessageKind = "response"
	MessageEvent    MessageKind = "event"
	MessageError    MessageKind = "error"
)

// Message is the unit of agent communication. CorrelationID is initialised at
// the entry point and preserved through every downstream send; CausationID
// optionally names the message that caused this one. An empty To means
// broadcast.
type Message struct {
	MessageID     string         `json:"message_id"`
	CorrelationID string         `json:"correlation_id"`
	CausationID   string         `json:"causation_id,omitempty"`
	From          string         `json:"from"`
	To            string         `json:"to,omitempty"`
	Kind          MessageKind    `json:"kind"`
	Payload       map[string]any `json:"payload,omitempty"`
	Priority      int            `json:"priority"` // 1-10, lower is higher priority
	TTL           time.Duration  `json:"ttl,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Expired reports whether the message's TTL has elapsed at time now.
func (m *Message) Expired(now time.Time) bool {
	return m.TTL > 0 && now.After(m.CreatedAt.Add(m.TTL))
}

// Severity tiers error escalations. Ordering is debug < info < warning <
// error < critical.
type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityDebug:    0,
	SeverityInfo:     1,
	SeverityWarning:  2,
	SeverityError:    3,
	SeverityCritical: 4,
}

// Rank returns the numeric order of the severity; unknown severities rank
// below debug so they never mask real errors.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return -1
}

// AtLeast reports whether s is at least as severe as min.
func (s Severity) AtLeast(min Severity) bool { return s.Rank() >= min.Rank() }

// MaxSeverity returns the more severe of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Escalation is an error routed through the error bus. Escalations are
// correlation-tagged so the full failure history of a request can be
// reconstructed alongside its bus history.
type Escalation struct {
	ErrorID         string         `json:"error_id"`
	CorrelationID   string         `json:"correlation_id,omitempty"`
	From            string         `json:"from"`
	Severity        Severity       `json:"severity"`
	Code            string         `json:"code"`
	Message         string         `json:"message"`
	ExceptionType   string         `json:"exception_type,omitempty"`
	Stack           string         `json:"stack,omitempty"`
	Context         map[string]any `json:"context,omitempty"`
	RetryCount      int            `json:"retry_count"`
	Recoverable     bool           `json:"recoverable"`
	SuggestedAction string         `json:"suggested_action,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	Resolved        bool           `json:"resolved"`
	ResolvedAt      *time.Time     `json:"resolved_at,omitempty"`
}

// Error codes shared across the core. Packages define sentinel error values;
// these string codes travel on the wire and in the error log.
const (
	CodeInvalidPayload      = "InvalidPayload"
	CodeInvalidWeights      = "InvalidWeights"
	CodePolicyViolation     = "PolicyViolation"
	CodeStoreUnavailable    = "StoreUnavailable"
	CodePeerUnreachable     = "PeerUnreachable"
	CodeInvalidSignature    = "InvalidSignature"
	CodeInvalidGraph        = "InvalidGraph"
	CodeInternalError       = "InternalError"
	CodeNotFound            = "NotFound"
	CodeUnresolvedDep       = "UnresolvedDependency"
	CodeManifestMismatch    = "ManifestMismatch"
	CodeKeyRotationConflict = "KeyRotationConflict"
	CodeMisbehavingAgent    = "misbehaving_agent"
)

// PeerRole determines a peer's sync initiative mode: p2p, hub, or spoke.
type PeerRole string

const (
	PeerRoleLocal PeerRole = "local" // p2p: sync against every reachable peer
	PeerRoleCloud PeerRole = "cloud" // hub: accept inbound, never initiate
	PeerRoleEdge  PeerRole = "edge"  // spoke: sync only against the hub
)

// PeerStats accumulates per-peer sync accounting.
type PeerStats struct {
	BytesSent         int64 `json:"bytes_sent"`
	BytesReceived     int64 `json:"bytes_received"`
	Syncs             int64 `json:"syncs"`
	ConflictsResolved int64 `json:"conflicts_resolved"`
}

// PeerRecord is one row of the federation peer table. PeerID is always the
// hash of PublicKey; records that violate that are rejected at registration.
type PeerRecord struct {
	PeerID       string    `json:"peer_id"`
	DisplayName  string    `json:"display_name,omitempty"`
	Role         PeerRole  `json:"role"`
	EndpointURL  string    `json:"endpoint_url"`
	PublicKey    []byte    `json:"public_key"`
	LastSeen     time.Time `json:"last_seen"`
	Reachable    bool      `json:"reachable"`
	ManifestHash string    `json:"manifest_hash,omitempty"`
	Stats        PeerStats `json:"stats"`
}

// ManifestEntry summarises one node for manifest comparison.
type ManifestEntry struct {
	NodeID      string      `json:"node_id"`
	ContentHash string      `json:"content_hash"`
	UpdatedAt   LogicalTime `json:"updated_at"`
}

// Manifest is a signed listing of (node_id, content_hash, updated_at) sorted
// by node id. Two peers holding identical lattice state produce identical
// manifest hashes.
type Manifest struct {
	PeerID       string          `json:"peer_id"`
	ProducedAt   time.Time       `json:"produced_at"`
	Entries      []ManifestEntry `json:"entries"`
	ManifestHash string          `json:"manifest_hash"`
}

// PipelineState enumerates the per-request orchestrator state machine.
type PipelineState string

const (
	StateReceived  PipelineState = "received"
	StateEnriched  PipelineState = "enriched"
	StateComposed  PipelineState = "composed"
	StateValidated PipelineState = "validated"
	StateApproved  PipelineState = "approved"
	StateRejected  PipelineState = "rejected"
	StateReflected PipelineState = "reflected"
	StateFinalized PipelineState = "finalized"
	StateArchived  PipelineState = "archived"
	StateFailed    PipelineState = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s PipelineState) Terminal() bool {
	switch s {
	case StateFinalized, StateArchived, StateFailed:
		return true
	}
	return false
}

// Request is the normalized form of an external submission, produced by the
// Scanner and carried through the pipeline.
type Request struct {
	CorrelationID string            `json:"correlation_id"`
	Raw           string            `json:"raw,omitempty"`
	Requirements  []string          `json:"requirements"`
	Options       map[string]string `json:"options,omitempty"`
	SubmittedAt   time.Time         `json:"submitted_at"`
}

// AgentName constants for the six pipeline roles.
const (
	AgentScanner   = "scanner"
	AgentScholar   = "scholar"
	AgentBuilder   = "builder"
	AgentArbiter   = "arbiter"
	AgentMirror    = "mirror"
	AgentReflector = "reflector"
)

// AgentRoles lists the pipeline roles in pipeline order.
var AgentRoles = []string{
	AgentScanner, AgentScholar, AgentBuilder,
	AgentArbiter, AgentMirror, AgentReflector,
}
