package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateGeneratesAndPersists(t *testing.T) {
	dir := t.TempDir()

	id, err := LoadOrCreate(dir)
	require.NoError(t, err)
	assert.Len(t, id.PeerID(), 16)

	path := filepath.Join(dir, id.PeerID()+".key")
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// A second load picks up the same key.
	again, err := LoadOrCreate(dir)
	require.NoError(t, err)
	assert.Equal(t, id.PeerID(), again.PeerID())
	assert.Equal(t, id.PublicKey(), again.PublicKey())
}

func TestSignVerifyRoundTrip(t *testing.T) {
	id, err := LoadOrCreate(t.TempDir())
	require.NoError(t, err)

	data := []byte("manifest body")
	sig := id.Sign(data)
	assert.NoError(t, Verify(data, sig, id.PublicKey()))

	// Deterministic: same input, same signature.
	assert.Equal(t, sig, id.Sign(data))

	// Tampered data fails.
	assert.ErrorIs(t, Verify([]byte("manifest bodY"), sig, id.PublicKey()), ErrInvalidSignature)

	// Wrong key fails.
	other, err := LoadOrCreate(t.TempDir())
	require.NoError(t, err)
	assert.ErrorIs(t, Verify(data, sig, other.PublicKey()), ErrInvalidSignature)
}

func TestDerivePeerIDStable(t *testing.T) {
	id, err := LoadOrCreate(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, DerivePeerID(id.PublicKey()), id.PeerID())
}

func TestRotateKeepsOldKeyTrusted(t *testing.T) {
	id, err := LoadOrCreate(t.TempDir())
	require.NoError(t, err)

	data := []byte("in-flight message")
	oldSig := id.Sign(data)
	oldID := id.PeerID()

	require.NoError(t, id.Rotate())
	assert.NotEqual(t, oldID, id.PeerID())

	// Signatures made under the retired key still verify locally.
	assert.NoError(t, id.VerifyLocal(data, oldSig))

	// New signatures use the new key.
	newSig := id.Sign(data)
	assert.NotEqual(t, oldSig, newSig)
	assert.NoError(t, Verify(data, newSig, id.PublicKey()))
}

func TestRotateRefusedDuringSync(t *testing.T) {
	id, err := LoadOrCreate(t.TempDir())
	require.NoError(t, err)

	id.BeginSync()
	assert.ErrorIs(t, id.Rotate(), ErrKeyRotationConflict)

	id.EndSync()
	assert.NoError(t, id.Rotate())
}
