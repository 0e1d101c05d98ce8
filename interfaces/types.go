package interfaces

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
)

// Hash is a 256-bit content hash. All event hashes, Merkle nodes, and
// derived identifiers in Aura are this type.
type Hash [32]byte

// NewHashFromBytes creates a hash from a 32-byte slice.
func NewHashFromBytes(b []byte) (Hash, error) {
	if len(b) != 32 {
		return Hash{}, errors.New("invalid hash length: must be 32 bytes")
	}
	var h Hash
	copy(h[:], b)
	return h, nil
}

// NewHashFromHex creates a hash from a 64-character hex string.
func NewHashFromHex(s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("invalid hex format: %w", err)
	}
	return NewHashFromBytes(b)
}

// String returns the hex representation of the hash.
func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// Bytes returns the raw 32-byte hash.
func (h Hash) Bytes() []byte { return h[:] }

// IsZero reports whether the hash is all zeroes.
func (h Hash) IsZero() bool { return h == Hash{} }

// Less compares two hashes bytewise.
func (h Hash) Less(other Hash) bool { return bytes.Compare(h[:], other[:]) < 0 }

// MarshalBinary implements encoding.BinaryMarshaler so hashes serialize as
// CBOR byte strings.
func (h Hash) MarshalBinary() ([]byte, error) { return h[:], nil }

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (h *Hash) UnmarshalBinary(data []byte) error {
	if len(data) != 32 {
		return errors.New("invalid hash length: must be 32 bytes")
	}
	copy(h[:], data)
	return nil
}

// id16 is the common representation of 128-bit opaque identifiers. All
// identifiers are compared bytewise and serialize canonically as 16-byte
// CBOR byte strings; they carry no semantic prefix.
type id16 [16]byte

func id16FromBytes(b []byte) (id16, error) {
	if len(b) != 16 {
		return id16{}, errors.New("invalid id length: must be 16 bytes")
	}
	var id id16
	copy(id[:], b)
	return id, nil
}

func (id id16) hexString() string { return hex.EncodeToString(id[:]) }

// AccountID identifies an account: the collection of devices and guardians
// cooperating under one root authority.
type AccountID id16

// DeviceID identifies a single device holding a signing key.
type DeviceID id16

// GuardianID identifies an external guardian authorized to assist recovery.
type GuardianID id16

// SessionID identifies one running ceremony instance.
type SessionID id16

// ContextID domain-separates derivations and message routing between
// applications so key material produced for two contexts is unlinkable.
type ContextID id16

// EventID uniquely identifies a journal event for deduplication.
type EventID id16

// AuthorityID identifies the root unit of trust owning a journal namespace.
// Authorities are 256-bit: either freshly random or derived by a
// domain-separated hash of a stable string.
type AuthorityID [32]byte

func NewAccountIDFromBytes(b []byte) (AccountID, error) {
	id, err := id16FromBytes(b)
	return AccountID(id), err
}

func NewDeviceIDFromBytes(b []byte) (DeviceID, error) {
	id, err := id16FromBytes(b)
	return DeviceID(id), err
}

func NewGuardianIDFromBytes(b []byte) (GuardianID, error) {
	id, err := id16FromBytes(b)
	return GuardianID(id), err
}

func NewSessionIDFromBytes(b []byte) (SessionID, error) {
	id, err := id16FromBytes(b)
	return SessionID(id), err
}

func NewContextIDFromBytes(b []byte) (ContextID, error) {
	id, err := id16FromBytes(b)
	return ContextID(id), err
}

func NewEventIDFromBytes(b []byte) (EventID, error) {
	id, err := id16FromBytes(b)
	return EventID(id), err
}

func NewAuthorityIDFromBytes(b []byte) (AuthorityID, error) {
	if len(b) != 32 {
		return AuthorityID{}, errors.New("invalid authority id length: must be 32 bytes")
	}
	var id AuthorityID
	copy(id[:], b)
	return id, nil
}

func (id AccountID) String() string  { return id16(id).hexString() }
func (id DeviceID) String() string   { return id16(id).hexString() }
func (id GuardianID) String() string { return id16(id).hexString() }
func (id SessionID) String() string  { return id16(id).hexString() }
func (id ContextID) String() string  { return id16(id).hexString() }
func (id EventID) String() string    { return id16(id).hexString() }
func (id AuthorityID) String() string {
	return hex.EncodeToString(id[:])
}

func (id AccountID) Bytes() []byte   { return id[:] }
func (id DeviceID) Bytes() []byte    { return id[:] }
func (id GuardianID) Bytes() []byte  { return id[:] }
func (id SessionID) Bytes() []byte   { return id[:] }
func (id ContextID) Bytes() []byte   { return id[:] }
func (id EventID) Bytes() []byte     { return id[:] }
func (id AuthorityID) Bytes() []byte { return id[:] }

func (id AccountID) IsZero() bool   { return id == AccountID{} }
func (id DeviceID) IsZero() bool    { return id == DeviceID{} }
func (id GuardianID) IsZero() bool  { return id == GuardianID{} }
func (id SessionID) IsZero() bool   { return id == SessionID{} }
func (id ContextID) IsZero() bool   { return id == ContextID{} }
func (id EventID) IsZero() bool     { return id == EventID{} }
func (id AuthorityID) IsZero() bool { return id == AuthorityID{} }

func (id AccountID) MarshalBinary() ([]byte, error)   { return id[:], nil }
func (id DeviceID) MarshalBinary() ([]byte, error)    { return id[:], nil }
func (id GuardianID) MarshalBinary() ([]byte, error)  { return id[:], nil }
func (id SessionID) MarshalBinary() ([]byte, error)   { return id[:], nil }
func (id ContextID) MarshalBinary() ([]byte, error)   { return id[:], nil }
func (id EventID) MarshalBinary() ([]byte, error)     { return id[:], nil }
func (id AuthorityID) MarshalBinary() ([]byte, error) { return id[:], nil }

func (id *AccountID) UnmarshalBinary(data []byte) error {
	v, err := id16FromBytes(data)
	*id = AccountID(v)
	return err
}

func (id *DeviceID) UnmarshalBinary(data []byte) error {
	v, err := id16FromBytes(data)
	*id = DeviceID(v)
	return err
}

func (id *GuardianID) UnmarshalBinary(data []byte) error {
	v, err := id16FromBytes(data)
	*id = GuardianID(v)
	return err
}

func (id *SessionID) UnmarshalBinary(data []byte) error {
	v, err := id16FromBytes(data)
	*id = SessionID(v)
	return err
}

func (id *ContextID) UnmarshalBinary(data []byte) error {
	v, err := id16FromBytes(data)
	*id = ContextID(v)
	return err
}

func (id *EventID) UnmarshalBinary(data []byte) error {
	v, err := id16FromBytes(data)
	*id = EventID(v)
	return err
}

func (id *AuthorityID) UnmarshalBinary(data []byte) error {
	v, err := NewAuthorityIDFromBytes(data)
	*id = v
	return err
}

// CapabilityID is the content address (CIDv1 string) of a capability token.
type CapabilityID string

func (id CapabilityID) String() string { return string(id) }
