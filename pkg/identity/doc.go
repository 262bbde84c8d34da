/*
Package identity manages the peer's long-lived Ed25519 keypair.

The peer id is derived from the public key (first 16 hex characters of its
SHA-256), so identity and addressing cannot drift apart: a peer record whose
id does not match its key is rejected at registration. Keys persist under
store/keys/<peer_id>.key with 0600 permissions.

Ed25519 gives deterministic signatures, which federation relies on: signing
the same manifest twice produces the same bytes, so signature comparison is
stable across retries.

# Rotation

Rotate generates a fresh keypair and retires the old public key into a
trusted-previous cache with a 24 hour TTL. VerifyLocal falls back to retired
keys so in-flight messages signed before the rotation still verify during
the grace window. Rotation is refused with ErrKeyRotationConflict while a
federation sync holds the BeginSync/EndSync guard, because rotating mid-sync
would invalidate signatures the remote peer is still checking.
*/
package identity
