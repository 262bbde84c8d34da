package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

var (
	// ErrInvalidSignature is returned when verification fails.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrKeyRotationConflict is returned when a rotation is attempted while
	// a federation sync is in flight.
	ErrKeyRotationConflict = errors.New("key rotation conflict: sync in progress")
)

const (
	// keyFilePerm restricts private keys to the owning process.
	keyFilePerm = 0o600

	// peerIDLen is the number of hex characters in a derived peer id.
	peerIDLen = 16

	// DefaultRotationGrace is how long a retired public key remains trusted
	// for verifying in-flight messages.
	DefaultRotationGrace = 24 * time.Hour
)

// DerivePeerID returns the stable peer id for a public key:
// the first 16 hex characters of sha256(public_key).
func DerivePeerID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])[:peerIDLen]
}

// Identity holds this peer's long-lived keypair and the trusted-previous
// list used during rotation grace periods.
type Identity struct {
	mu      sync.RWMutex
	priv    ed25519.PrivateKey
	pub     ed25519.PublicKey
	peerID  string
	keysDir string

	// previous holds retired public keys, expiring after the grace period.
	previous *gocache.Cache

	// activeSyncs guards rotation: a rotation while a sync is exchanging
	// signed payloads would invalidate the sync's signatures mid-flight.
	activeSyncs atomic.Int64
}

// LoadOrCreate loads an existing key from keysDir or generates and persists
// a new one. The key file is store/keys/<peer_id>.key with 0600 permissions.
func LoadOrCreate(keysDir string) (*Identity, error) {
	if err := os.MkdirAll(keysDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create keys dir: %w", err)
	}

	entries, err := os.ReadDir(keysDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read keys dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".key") {
			continue
		}
		return loadKeyFile(keysDir, filepath.Join(keysDir, entry.Name()))
	}

	return generate(keysDir)
}

func loadKeyFile(keysDir, path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil || len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("malformed key file %s", path)
	}

	priv := ed25519.PrivateKey(raw)
	pub := priv.Public().(ed25519.PublicKey)
	return &Identity{
		priv:     priv,
		pub:      pub,
		peerID:   DerivePeerID(pub),
		keysDir:  keysDir,
		previous: gocache.New(DefaultRotationGrace, time.Hour),
	}, nil
}

func generate(keysDir string) (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}

	id := &Identity{
		priv:     priv,
		pub:      pub,
		peerID:   DerivePeerID(pub),
		keysDir:  keysDir,
		previous: gocache.New(DefaultRotationGrace, time.Hour),
	}
	if err := id.persist(); err != nil {
		return nil, err
	}
	return id, nil
}

func (i *Identity) persist() error {
	path := filepath.Join(i.keysDir, i.peerID+".key")
	encoded := hex.EncodeToString(i.priv)
	if err := os.WriteFile(path, []byte(encoded+"\n"), keyFilePerm); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

// PeerID returns this peer's derived id.
func (i *Identity) PeerID() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.peerID
}

// PublicKey returns a copy of the current public key.
func (i *Identity) PublicKey() ed25519.PublicKey {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return append(ed25519.PublicKey(nil), i.pub...)
}

// Sign signs data with the current private key. Ed25519 signing is
// deterministic: the same input under the same key yields the same output.
func (i *Identity) Sign(data []byte) []byte {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return ed25519.Sign(i.priv, data)
}

// Verify checks a signature against an arbitrary public key.
func Verify(data, sig []byte, pub ed25519.PublicKey) error {
	if len(pub) != ed25519.PublicKeySize || !ed25519.Verify(pub, data, sig) {
		return ErrInvalidSignature
	}
	return nil
}

// VerifyLocal checks a signature against this peer's current key, falling
// back to retired keys still inside the rotation grace window.
func (i *Identity) VerifyLocal(data, sig []byte) error {
	i.mu.RLock()
	pub := i.pub
	i.mu.RUnlock()

	if Verify(data, sig, pub) == nil {
		return nil
	}
	for _, item := range i.previous.Items() {
		if old, ok := item.Object.(ed25519.PublicKey); ok {
			if Verify(data, sig, old) == nil {
				return nil
			}
		}
	}
	return ErrInvalidSignature
}

// Rotate generates a fresh keypair, retiring the old public key into the
// trusted-previous list for the grace period. Fails with
// ErrKeyRotationConflict while any sync is in flight.
func (i *Identity) Rotate() error {
	if i.activeSyncs.Load() > 0 {
		return ErrKeyRotationConflict
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate keypair: %w", err)
	}

	i.mu.Lock()
	oldPub := i.pub
	oldID := i.peerID
	oldPath := filepath.Join(i.keysDir, oldID+".key")
	i.previous.SetDefault(oldID, oldPub)
	i.priv = priv
	i.pub = pub
	i.peerID = DerivePeerID(pub)
	i.mu.Unlock()

	if err := i.persist(); err != nil {
		return err
	}
	// Old key file is no longer needed once the new key is durable.
	_ = os.Remove(oldPath)
	return nil
}

// BeginSync marks a federation sync as in flight; rotation is refused until
// the matching EndSync. Safe for concurrent syncs.
func (i *Identity) BeginSync() { i.activeSyncs.Add(1) }

// EndSync releases a sync hold taken by BeginSync.
func (i *Identity) EndSync() { i.activeSyncs.Add(-1) }
