package journal

import (
	"github.com/hxrts/aura/interfaces"
)

// CurrentVersion gates parser behavior for the event wire format.
const CurrentVersion uint16 = 1

const eventHashDomain = "aura/event/v1"

// OpKind selects the merge rule for a fact operation.
type OpKind uint8

const (
	// OpPut writes a single-value fact, resolved last-writer-wins under
	// (epoch, timestamp, event hash).
	OpPut OpKind = iota

	// OpSetAdd adds an element to a set-valued fact, merged by union.
	OpSetAdd

	// OpCounterMax raises a counter fact, merged by maximum.
	OpCounterMax

	// OpTombstone supersedes a fact with a removal marker. Tombstones are
	// facts themselves and participate in last-writer-wins ordering.
	OpTombstone
)

// FactOp is one append-only state transition carried by an event. Every
// higher-layer mutation is expressed as a small set of these, so the view
// merges without custom reducers.
type FactOp struct {
	Op        OpKind `cbor:"1,keyasint"`
	Predicate string `cbor:"2,keyasint"`
	Value     Value  `cbor:"3,keyasint,omitempty"`
}

// AuthKind discriminates authorization witnesses.
type AuthKind uint8

const (
	// AuthDevice is a single-device Ed25519 signature.
	AuthDevice AuthKind = iota

	// AuthGuardian is a guardian Ed25519 signature.
	AuthGuardian

	// AuthThreshold is an aggregated threshold signature with a signer
	// bitmap and per-share audit bytes.
	AuthThreshold

	// AuthLifecycle is an internal marker valid only while the named
	// ceremony session is in progress.
	AuthLifecycle
)

// Authorization is the witness attached to an event. The signable hash of
// an event excludes this field to break circularity.
type Authorization struct {
	Kind AuthKind `cbor:"1,keyasint"`

	// Signer is the verifying key: a device or guardian Ed25519 public key,
	// or the group public key for threshold witnesses.
	Signer []byte `cbor:"2,keyasint,omitempty"`

	// Signature is the Ed25519 or aggregated threshold signature over the
	// event's signable hash.
	Signature []byte `cbor:"3,keyasint,omitempty"`

	// SignerBitmap marks the 1-based share indices that contributed to a
	// threshold signature.
	SignerBitmap []byte `cbor:"4,keyasint,omitempty"`

	// ShareAudit carries per-share auditing bytes for threshold witnesses.
	ShareAudit [][]byte `cbor:"5,keyasint,omitempty"`

	// Session names the owning ceremony for lifecycle witnesses.
	Session interfaces.SessionID `cbor:"6,keyasint,omitempty"`
}

// SignerCount returns the number of set bits in the signer bitmap.
func (a Authorization) SignerCount() int {
	n := 0
	for _, b := range a.SignerBitmap {
		for b != 0 {
			n += int(b & 1)
			b >>= 1
		}
	}
	return n
}

// BitmapWithSigners builds a signer bitmap from 1-based share indices.
func BitmapWithSigners(indices []uint32) []byte {
	var out []byte
	for _, idx := range indices {
		bit := int(idx - 1)
		for len(out) <= bit/8 {
			out = append(out, 0)
		}
		out[bit/8] |= 1 << (bit % 8)
	}
	return out
}

// Event is one signed record in an authority's append-only log.
type Event struct {
	Version   uint16                 `cbor:"1,keyasint"`
	ID        interfaces.EventID     `cbor:"2,keyasint"`
	Account   interfaces.AccountID   `cbor:"3,keyasint"`
	Authority interfaces.AuthorityID `cbor:"4,keyasint"`

	// Nonce rises strictly per authority.
	Nonce uint64 `cbor:"5,keyasint"`

	// Parent is the content hash of this authority's previous event, or nil
	// for an authority's first event (which may instead anchor causally to
	// any known event via Anchor).
	Parent *interfaces.Hash `cbor:"6,keyasint,omitempty"`

	// Anchor optionally records a causal dependency on another authority's
	// event. Enforced as "must be known before acceptance".
	Anchor *interfaces.Hash `cbor:"7,keyasint,omitempty"`

	// Epoch is the write epoch, the primary conflict-resolution key.
	Epoch uint64 `cbor:"8,keyasint"`

	// TimestampMs tags the facts this event writes.
	TimestampMs uint64 `cbor:"9,keyasint"`

	// Kind names the typed payload for auditing, e.g. "device.add".
	Kind string `cbor:"10,keyasint"`

	// Ops is the payload: the fact operations this event applies.
	Ops []FactOp `cbor:"11,keyasint"`

	Auth Authorization `cbor:"12,keyasint"`

	// raw holds the original wire encoding for events parsed off the wire,
	// preserving unknown trailing data across re-serialization.
	raw []byte
}

// SignableHash computes the event's content hash with the authorization
// witness zeroed.
func (e *Event) SignableHash(crypto interfaces.CryptoProvider) interfaces.Hash {
	stripped := *e
	stripped.Auth = Authorization{}
	stripped.raw = nil
	b, err := Marshal(&stripped)
	if err != nil {
		// Events are closed structs of encodable fields.
		panic("journal: event encoding: " + err.Error())
	}
	return crypto.Hash(eventHashDomain, b)
}

// Encode serializes the event as canonical CBOR. Events decoded from the
// wire re-serialize to their original bytes.
func (e *Event) Encode() ([]byte, error) {
	if e.raw != nil {
		return e.raw, nil
	}
	return Marshal(e)
}

// DecodeEvent parses an event, gating on the version field and retaining
// the original bytes for round-trip stability.
func DecodeEvent(data []byte) (*Event, error) {
	var e Event
	if err := Unmarshal(data, &e); err != nil {
		return nil, err
	}
	if e.Version == 0 || e.Version > CurrentVersion {
		return nil, interfaces.Ef(interfaces.KindInvalidInput, "unsupported event version %d", e.Version)
	}
	e.raw = make([]byte, len(data))
	copy(e.raw, data)
	return &e, nil
}
