package effects

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"io"

	"github.com/hxrts/aura/interfaces"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"lukechampine.com/blake3"
)

// Crypto implements the primitive crypto effect with blake3 hashing, HKDF
// key derivation, Ed25519 signatures, and ChaCha20-Poly1305 / AES-GCM AEADs.
// All entropy comes from the injected randomness handle, so the same code
// serves production and deterministic simulation.
type Crypto struct {
	rand interfaces.Randomness
}

// NewCrypto creates a provider drawing entropy from rand.
func NewCrypto(rand interfaces.Randomness) *Crypto {
	return &Crypto{rand: rand}
}

// Hash computes a domain-separated blake3 hash. Each input chunk is
// length-prefixed so concatenation ambiguity cannot produce collisions.
func (c *Crypto) Hash(domain string, data ...[]byte) interfaces.Hash {
	h := blake3.New(32, nil)
	writeChunk(h, []byte(domain))
	for _, d := range data {
		writeChunk(h, d)
	}
	var out interfaces.Hash
	h.Sum(out[:0])
	return out
}

func writeChunk(w io.Writer, b []byte) {
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], uint64(len(b)))
	w.Write(n[:])
	w.Write(b)
}

// DeriveKey runs HKDF-SHA256 over the secret.
func (c *Crypto) DeriveKey(secret, salt []byte, info string, n int) ([]byte, error) {
	if len(secret) == 0 {
		return nil, interfaces.E(interfaces.KindInvalidInput, "empty HKDF secret")
	}
	out := make([]byte, n)
	r := hkdf.New(sha256.New, secret, salt, []byte(info))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, interfaces.Wrap(interfaces.KindInternal, "hkdf expand", err)
	}
	return out, nil
}

// GenerateSigningKey produces an Ed25519 keypair from the provider entropy.
func (c *Crypto) GenerateSigningKey() ([]byte, []byte, error) {
	seed := c.rand.Bytes(ed25519.SeedSize)
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return pub, priv, nil
}

// SigningPublicKey recovers the public half of an Ed25519 private key.
func (c *Crypto) SigningPublicKey(priv []byte) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, interfaces.E(interfaces.KindInvalidInput, "invalid ed25519 private key length")
	}
	return []byte(ed25519.PrivateKey(priv).Public().(ed25519.PublicKey)), nil
}

// Sign produces an Ed25519 signature.
func (c *Crypto) Sign(priv, msg []byte) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, interfaces.E(interfaces.KindInvalidInput, "invalid ed25519 private key length")
	}
	return ed25519.Sign(ed25519.PrivateKey(priv), msg), nil
}

// VerifySignature checks an Ed25519 signature.
func (c *Crypto) VerifySignature(pub, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}

func (c *Crypto) aead(suite interfaces.CipherSuite, key []byte) (cipher.AEAD, error) {
	switch suite {
	case interfaces.CipherChaCha20Poly1305:
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, interfaces.Wrap(interfaces.KindInvalidInput, "chacha20poly1305 key", err)
		}
		return aead, nil
	case interfaces.CipherAESGCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, interfaces.Wrap(interfaces.KindInvalidInput, "aes key", err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, interfaces.Wrap(interfaces.KindInternal, "gcm construction", err)
		}
		return aead, nil
	default:
		return nil, interfaces.Ef(interfaces.KindInvalidInput, "unknown cipher suite %d", suite)
	}
}

// Seal encrypts plaintext; the random nonce is prepended to the ciphertext.
func (c *Crypto) Seal(suite interfaces.CipherSuite, key, plaintext, aad []byte) ([]byte, error) {
	aead, err := c.aead(suite, key)
	if err != nil {
		return nil, err
	}
	nonce := c.rand.Bytes(aead.NonceSize())
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Open decrypts a Seal output.
func (c *Crypto) Open(suite interfaces.CipherSuite, key, ciphertext, aad []byte) ([]byte, error) {
	aead, err := c.aead(suite, key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, interfaces.E(interfaces.KindInvalidInput, "ciphertext shorter than nonce")
	}
	nonce, body := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, body, aad)
	if err != nil {
		return nil, interfaces.Wrap(interfaces.KindAuthenticationFailed, "aead open", err)
	}
	return plaintext, nil
}
