package capability

import (
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"

	"github.com/hxrts/aura/interfaces"
	"github.com/hxrts/aura/journal"
)

// TokenVersion gates parser behavior for the token wire format.
const TokenVersion uint16 = 1

// Permission names. The permission set of a token is open-ended; these
// cover the operations the bridge dispatches.
const (
	PermRead  = "read"
	PermWrite = "write"
	PermAdmin = "admin"
)

// Restriction is the narrowing payload of an attenuation block. Zero values
// mean "no further restriction" for that dimension.
type Restriction struct {
	// Scope further restricts the resource pattern. A resource must match
	// the base scope and every block scope to be covered.
	Scope string `cbor:"1,keyasint,omitempty"`

	// Permissions restricts the permission set by intersection.
	Permissions []string `cbor:"2,keyasint,omitempty"`

	// ExpiresAtMs lowers the expiry.
	ExpiresAtMs uint64 `cbor:"3,keyasint,omitempty"`

	// MaxUses caps how often the token may authorize an operation.
	MaxUses uint64 `cbor:"4,keyasint,omitempty"`
}

// Block is one attenuation appended by a delegator. Blocks chain custody:
// each block is signed by the previous holder key and commits to the next,
// so a block can neither be stripped nor reordered without breaking the
// chain back to the issuer signature.
type Block struct {
	Restriction Restriction `cbor:"1,keyasint"`

	// NextKey is the holder public key after this attenuation.
	NextKey []byte `cbor:"2,keyasint"`

	// Sig is the previous holder key's signature over this block and the
	// token id it extends.
	Sig []byte `cbor:"3,keyasint"`
}

// Token is an authority-signed, attenuable policy document. Tokens are
// immutable and content-addressed; attenuation produces a new token.
type Token struct {
	Version uint16                 `cbor:"1,keyasint"`
	Issuer  interfaces.AuthorityID `cbor:"2,keyasint"`

	// Subject binds the token to a device.
	Subject interfaces.DeviceID `cbor:"3,keyasint"`

	// Scope is the resource pattern this token covers (§ resource URIs).
	Scope string `cbor:"4,keyasint"`

	Permissions []string `cbor:"5,keyasint"`

	IssuedAtMs uint64 `cbor:"6,keyasint"`

	// ExpiresAtMs is the absolute expiry, or 0 for no expiry.
	ExpiresAtMs uint64 `cbor:"7,keyasint,omitempty"`

	// MaxDelegationDepth bounds the attenuation chain length.
	MaxDelegationDepth uint32 `cbor:"8,keyasint"`

	// HolderKey is the public key controlling the next attenuation. The
	// matching private key travels out of band to the subject.
	HolderKey []byte `cbor:"9,keyasint"`

	// Signature is the issuer authority's signature over the base fields.
	Signature []byte `cbor:"10,keyasint"`

	Blocks []Block `cbor:"11,keyasint,omitempty"`
}

const (
	tokenSignDomain = "aura/cap/token/v1"
	blockSignDomain = "aura/cap/block/v1"
)

// baseBytes is the canonical encoding of the issuer-signed fields.
func (t *Token) baseBytes() ([]byte, error) {
	stripped := *t
	stripped.Signature = nil
	stripped.Blocks = nil
	return journal.Marshal(&stripped)
}

// Encode serializes the full token as canonical CBOR.
func (t *Token) Encode() ([]byte, error) {
	return journal.Marshal(t)
}

// DecodeToken parses a token, gating on the version field.
func DecodeToken(data []byte) (*Token, error) {
	var t Token
	if err := journal.Unmarshal(data, &t); err != nil {
		return nil, ErrMalformedToken("token decode failed")
	}
	if t.Version == 0 || t.Version > TokenVersion {
		return nil, ErrMalformedToken("unsupported token version")
	}
	return &t, nil
}

// ID returns the token's content address: a CIDv1 over the canonical
// encoding. Attenuating a token changes its id; the unattenuated ancestors
// remain addressable via AncestorIDs.
func (t *Token) ID() (interfaces.CapabilityID, error) {
	raw, err := t.Encode()
	if err != nil {
		return "", err
	}
	digest, err := mh.Sum(raw, mh.BLAKE3, 32)
	if err != nil {
		return "", interfaces.Wrap(interfaces.KindInternal, "token multihash", err)
	}
	return interfaces.CapabilityID(cid.NewCidV1(cid.DagCBOR, digest).String()), nil
}

// AncestorIDs returns the ids of this token and every prefix of its
// attenuation chain, outermost first. Revoking any ancestor revokes all
// tokens attenuated from it.
func (t *Token) AncestorIDs() ([]interfaces.CapabilityID, error) {
	ids := make([]interfaces.CapabilityID, 0, len(t.Blocks)+1)
	for n := 0; n <= len(t.Blocks); n++ {
		prefix := *t
		prefix.Blocks = t.Blocks[:n]
		id, err := prefix.ID()
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// EffectivePermissions intersects the base permission set with every
// attenuation block that names permissions.
func (t *Token) EffectivePermissions() []string {
	perms := t.Permissions
	for _, b := range t.Blocks {
		if len(b.Restriction.Permissions) == 0 {
			continue
		}
		allowed := make(map[string]struct{}, len(b.Restriction.Permissions))
		for _, p := range b.Restriction.Permissions {
			allowed[p] = struct{}{}
		}
		var kept []string
		for _, p := range perms {
			if _, ok := allowed[p]; ok {
				kept = append(kept, p)
			}
		}
		perms = kept
	}
	return perms
}

// EffectiveExpiryMs returns the tightest expiry across the base token and
// its blocks, or 0 if none is set anywhere.
func (t *Token) EffectiveExpiryMs() uint64 {
	expiry := t.ExpiresAtMs
	for _, b := range t.Blocks {
		if b.Restriction.ExpiresAtMs != 0 && (expiry == 0 || b.Restriction.ExpiresAtMs < expiry) {
			expiry = b.Restriction.ExpiresAtMs
		}
	}
	return expiry
}

// EffectiveMaxUses returns the tightest use cap across blocks, or 0 for
// unlimited.
func (t *Token) EffectiveMaxUses() uint64 {
	var max uint64
	for _, b := range t.Blocks {
		if b.Restriction.MaxUses != 0 && (max == 0 || b.Restriction.MaxUses < max) {
			max = b.Restriction.MaxUses
		}
	}
	return max
}

// Issue mints a token signed by the issuer authority's key. The returned
// holder private key authorizes the first attenuation and travels to the
// subject out of band.
func Issue(eff *interfaces.Effects, issuer interfaces.AuthorityID, issuerPriv []byte, subject interfaces.DeviceID, scope string, permissions []string, ttlMs uint64, maxDepth uint32) (*Token, []byte, error) {
	holderPub, holderPriv, err := eff.Crypto.GenerateSigningKey()
	if err != nil {
		return nil, nil, err
	}
	now := eff.Time.NowMs()
	t := &Token{
		Version:            TokenVersion,
		Issuer:             issuer,
		Subject:            subject,
		Scope:              scope,
		Permissions:        permissions,
		IssuedAtMs:         now,
		MaxDelegationDepth: maxDepth,
		HolderKey:          holderPub,
	}
	if ttlMs != 0 {
		t.ExpiresAtMs = now + ttlMs
	}
	base, err := t.baseBytes()
	if err != nil {
		return nil, nil, err
	}
	t.Signature, err = eff.Crypto.Sign(issuerPriv, eff.Crypto.Hash(tokenSignDomain, base).Bytes())
	if err != nil {
		return nil, nil, err
	}
	return t, holderPriv, nil
}

// Attenuate appends a restriction block signed by the current holder key.
// It returns the narrowed token and the next holder private key. The input
// token is not modified.
func Attenuate(eff *interfaces.Effects, t *Token, holderPriv []byte, r Restriction) (*Token, []byte, error) {
	if uint32(len(t.Blocks)) >= t.MaxDelegationDepth {
		return nil, nil, ErrDelegationDepthExceeded(len(t.Blocks))
	}
	nextPub, nextPriv, err := eff.Crypto.GenerateSigningKey()
	if err != nil {
		return nil, nil, err
	}
	parentID, err := t.ID()
	if err != nil {
		return nil, nil, err
	}

	block := Block{Restriction: r, NextKey: nextPub}
	blockBytes, err := journal.Marshal(&struct {
		Restriction Restriction `cbor:"1,keyasint"`
		NextKey     []byte      `cbor:"2,keyasint"`
		Parent      string      `cbor:"3,keyasint"`
	}{r, nextPub, string(parentID)})
	if err != nil {
		return nil, nil, err
	}
	block.Sig, err = eff.Crypto.Sign(holderPriv, eff.Crypto.Hash(blockSignDomain, blockBytes).Bytes())
	if err != nil {
		return nil, nil, err
	}

	out := *t
	out.Blocks = make([]Block, len(t.Blocks)+1)
	copy(out.Blocks, t.Blocks)
	out.Blocks[len(t.Blocks)] = block
	return &out, nextPriv, nil
}

// Verify checks the token's structure, issuer signature, attenuation
// chain, delegation depth, and expiry against the given clock. It does not
// consult revocation state or evaluate policy; that is Authorize.
func Verify(eff *interfaces.Effects, t *Token, issuerPub []byte, nowMs uint64) error {
	if t.Version == 0 || t.Version > TokenVersion {
		return ErrMalformedToken("unsupported token version")
	}
	if len(t.HolderKey) == 0 || len(t.Signature) == 0 {
		return ErrMalformedToken("token missing signature material")
	}
	base, err := t.baseBytes()
	if err != nil {
		return err
	}
	if !eff.Crypto.VerifySignature(issuerPub, eff.Crypto.Hash(tokenSignDomain, base).Bytes(), t.Signature) {
		return ErrInvalidSignature("issuer signature does not verify")
	}
	if uint32(len(t.Blocks)) > t.MaxDelegationDepth {
		return ErrDelegationDepthExceeded(len(t.Blocks))
	}

	// Walk the custody chain: each block must be signed by the holder key
	// established before it, over the block and the token id it extended.
	key := t.HolderKey
	prefix := *t
	for i, b := range t.Blocks {
		prefix.Blocks = t.Blocks[:i]
		parentID, err := prefix.ID()
		if err != nil {
			return err
		}
		blockBytes, err := journal.Marshal(&struct {
			Restriction Restriction `cbor:"1,keyasint"`
			NextKey     []byte      `cbor:"2,keyasint"`
			Parent      string      `cbor:"3,keyasint"`
		}{b.Restriction, b.NextKey, string(parentID)})
		if err != nil {
			return err
		}
		if !eff.Crypto.VerifySignature(key, eff.Crypto.Hash(blockSignDomain, blockBytes).Bytes(), b.Sig) {
			return ErrInvalidSignature("attenuation chain does not verify")
		}
		key = b.NextKey
	}

	if expiry := t.EffectiveExpiryMs(); expiry != 0 && nowMs >= expiry {
		return ErrExpired(expiry)
	}
	return nil
}
