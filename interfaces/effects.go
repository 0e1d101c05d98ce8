package interfaces

import (
	"context"
	"log/slog"
	"time"
)

// TimeSource is the clock effect. Production wires the real clock;
// simulation wires a manually advanced one so ceremonies replay
// bit-for-bit.
type TimeSource interface {
	// NowMs returns wall-clock milliseconds since the Unix epoch.
	NowMs() uint64

	// Now returns the current wall-clock time.
	Now() time.Time

	// Sleep suspends for d or until the context is cancelled.
	Sleep(ctx context.Context, d time.Duration) error
}

// Randomness is the entropy effect: cryptographically secure in production,
// deterministic-from-seed in simulation.
type Randomness interface {
	// Bytes fills and returns a fresh n-byte buffer.
	Bytes(n int) []byte

	// Bytes32 returns 32 fresh bytes.
	Bytes32() [32]byte

	// Uint64 returns a fresh random integer.
	Uint64() uint64
}

// CipherSuite selects an AEAD construction.
type CipherSuite uint8

const (
	// CipherChaCha20Poly1305 is the default AEAD.
	CipherChaCha20Poly1305 CipherSuite = iota
	// CipherAESGCM is the alternative AEAD.
	CipherAESGCM
)

// CryptoProvider is the primitive crypto effect. Implementations fail with a
// typed error on bad input and never panic. No code path may return a
// placeholder at runtime; simulation implementations are deterministic, not
// fake.
type CryptoProvider interface {
	// Hash computes a domain-separated 256-bit hash over the concatenation
	// of data.
	Hash(domain string, data ...[]byte) Hash

	// DeriveKey runs HKDF over secret with the given salt and info,
	// producing n bytes.
	DeriveKey(secret, salt []byte, info string, n int) ([]byte, error)

	// GenerateSigningKey produces a fresh Ed25519 keypair from the
	// provider's entropy.
	GenerateSigningKey() (pub, priv []byte, err error)

	// SigningPublicKey recovers the public key from a private key.
	SigningPublicKey(priv []byte) ([]byte, error)

	// Sign produces an Ed25519 signature over msg.
	Sign(priv, msg []byte) ([]byte, error)

	// VerifySignature reports whether sig is valid for msg under pub.
	VerifySignature(pub, msg, sig []byte) bool

	// Seal encrypts plaintext under key with the given suite. The nonce is
	// drawn from the provider's entropy and prepended to the ciphertext.
	Seal(suite CipherSuite, key, plaintext, aad []byte) ([]byte, error)

	// Open decrypts a Seal output.
	Open(suite CipherSuite, key, ciphertext, aad []byte) ([]byte, error)
}

// ThresholdShare is one participant's piece of a threshold-distributed
// signing key, paired with its public verification share.
type ThresholdShare struct {
	Index       uint32
	Secret      []byte
	PublicShare []byte
}

// SigningCommitment is a signer's fresh round-2 nonce commitment pair.
type SigningCommitment struct {
	Index   uint32
	Hiding  []byte
	Binding []byte
}

// PartialSignature is one signer's round-3 contribution.
type PartialSignature struct {
	Index uint32
	Zi    []byte
}

// ThresholdScheme is the threshold-operations effect: FROST-style two-round
// Schnorr signing whose aggregate verifies as a plain Ed25519 signature
// under the group public key.
type ThresholdScheme interface {
	// Deal splits a fresh group key into n shares with reconstruction
	// threshold m. Returns the group public key and the shares.
	Deal(m, n int) (groupPub []byte, shares []ThresholdShare, err error)

	// Commit samples fresh signing nonces for a share and returns the
	// commitment to send plus an opaque nonce state to keep locally.
	Commit(share ThresholdShare) (SigningCommitment, []byte, error)

	// PartialSign computes a signer's contribution for msg given every
	// participant's commitment and the signer's local nonce state.
	PartialSign(share ThresholdShare, nonceState []byte, msg []byte, commitments []SigningCommitment, groupPub []byte) (PartialSignature, error)

	// Aggregate combines partial signatures into a full signature.
	// Fails if fewer than the dealt threshold contributed or any partial is
	// invalid.
	Aggregate(msg []byte, commitments []SigningCommitment, partials []PartialSignature, groupPub []byte) ([]byte, error)

	// VerifySignature reports whether sig verifies under the group key.
	VerifySignature(groupPub, msg, sig []byte) bool

	// SubShares re-splits one holder's share toward a new threshold
	// configuration. The dealing set names the old holders participating;
	// it must be identical for every dealer.
	SubShares(share ThresholdShare, dealingSet []uint32, newM, newN int) ([]ThresholdShare, error)

	// CombineReceivedSubShares sums the sub-shares addressed to one new
	// holder, one from each dealer, into that holder's new share.
	CombineReceivedSubShares(subs []ThresholdShare) (ThresholdShare, error)
}

// Transport is the peer I/O effect. Send with a timeout either delivers or
// fails cleanly; ordering is guaranteed per (sender, session) only.
type Transport interface {
	// Send delivers data to one peer, bounded by the context deadline.
	Send(ctx context.Context, peer DeviceID, data []byte) error

	// Broadcast delivers data to every connected peer.
	Broadcast(ctx context.Context, data []byte) error

	// Receive blocks for the next inbound message, returning the sender.
	Receive(ctx context.Context) (DeviceID, []byte, error)

	// ConnectedPeers lists currently reachable peers.
	ConnectedPeers() []DeviceID
}

// Persistence is the durable key-value effect. Store is at-least-once
// durable after it returns. Keys follow the `<namespace>:<type>:<id>`
// layout; values are CBOR blobs.
type Persistence interface {
	Store(ctx context.Context, key string, value []byte) error

	// Retrieve returns the stored value, or found=false if absent.
	Retrieve(ctx context.Context, key string) (value []byte, found bool, err error)

	Remove(ctx context.Context, key string) error

	// List returns all keys with the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Effects bundles every effect handle. Higher layers take it by reference;
// there is no ambient I/O anywhere in the core.
type Effects struct {
	Time      TimeSource
	Rand      Randomness
	Crypto    CryptoProvider
	Threshold ThresholdScheme
	Transport Transport
	Store     Persistence
	Log       *slog.Logger
}
