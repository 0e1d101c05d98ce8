// Package transport frames, authenticates, and moves peer-to-peer
// messages: journal events and sync rounds, ceremony session messages,
// store-and-forward rendezvous offers, and acks. Backends implement the
// transport effect; an in-memory switchboard serves simulation and a
// WebSocket backend serves hosts.
package transport

import (
	"crypto/hmac"
	"encoding/binary"

	"github.com/hxrts/aura/interfaces"
)

// Envelope wire layout:
//
//	magic 4B | version 2B | kind 1B | session 16B | payload_len 4B | payload | tag 32B
//
// The tag authenticates the whole frame under the channel key.
const (
	EnvelopeVersion uint16 = 1

	headerSize = 4 + 2 + 1 + 16 + 4
	tagSize    = 32
)

var envelopeMagic = [4]byte{'A', 'U', 'R', 'A'}

const tagDomain = "aura/transport/tag/v1"

// Kind discriminates envelope payloads.
type Kind uint8

const (
	KindEvent Kind = iota + 1
	KindSessionMsg
	KindRendezvous
	KindAck
)

func (k Kind) valid() bool { return k >= KindEvent && k <= KindAck }

// Envelope is one framed message.
type Envelope struct {
	Kind    Kind
	Session interfaces.SessionID
	Payload []byte
}

// Codec seals and opens envelopes under a symmetric channel key.
type Codec struct {
	crypto interfaces.CryptoProvider
	key    []byte
	cfg    interfaces.Config
}

// NewCodec creates a codec for one channel key.
func NewCodec(crypto interfaces.CryptoProvider, key []byte, cfg interfaces.Config) *Codec {
	return &Codec{crypto: crypto, key: key, cfg: cfg}
}

// Seal frames an envelope and appends the authentication tag.
func (c *Codec) Seal(env *Envelope) ([]byte, error) {
	if !env.Kind.valid() {
		return nil, interfaces.Ef(interfaces.KindInvalidInput, "unknown envelope kind %d", env.Kind)
	}
	total := uint64(headerSize + len(env.Payload) + tagSize)
	if total > c.cfg.MaxMessageBytes {
		return nil, interfaces.Ef(interfaces.KindInvalidInput, "envelope of %d bytes exceeds the %d byte limit", total, c.cfg.MaxMessageBytes)
	}

	buf := make([]byte, headerSize+len(env.Payload), total)
	copy(buf[0:4], envelopeMagic[:])
	binary.BigEndian.PutUint16(buf[4:6], EnvelopeVersion)
	buf[6] = byte(env.Kind)
	copy(buf[7:23], env.Session.Bytes())
	binary.BigEndian.PutUint32(buf[23:27], uint32(len(env.Payload)))
	copy(buf[headerSize:], env.Payload)

	tag := c.crypto.Hash(tagDomain, c.key, buf)
	return append(buf, tag.Bytes()...), nil
}

// Tag returns the authentication tag of a sealed frame. The tag doubles
// as the replay-cache key: two frames carry the same tag only if they are
// byte-identical.
func Tag(data []byte) (interfaces.Hash, error) {
	if len(data) < headerSize+tagSize {
		return interfaces.Hash{}, interfaces.E(interfaces.KindInvalidInput, "envelope truncated")
	}
	return interfaces.NewHashFromBytes(data[len(data)-tagSize:])
}

// Open verifies and parses a sealed frame.
func (c *Codec) Open(data []byte) (*Envelope, error) {
	if uint64(len(data)) > c.cfg.MaxMessageBytes {
		return nil, interfaces.Ef(interfaces.KindInvalidInput, "envelope of %d bytes exceeds the %d byte limit", len(data), c.cfg.MaxMessageBytes)
	}
	if len(data) < headerSize+tagSize {
		return nil, interfaces.E(interfaces.KindInvalidInput, "envelope truncated")
	}
	body, tag := data[:len(data)-tagSize], data[len(data)-tagSize:]
	want := c.crypto.Hash(tagDomain, c.key, body)
	if !hmac.Equal(tag, want.Bytes()) {
		return nil, interfaces.E(interfaces.KindAuthenticationFailed, "envelope tag does not verify")
	}

	if [4]byte(body[0:4]) != envelopeMagic {
		return nil, interfaces.E(interfaces.KindInvalidInput, "bad envelope magic")
	}
	if v := binary.BigEndian.Uint16(body[4:6]); v != EnvelopeVersion {
		return nil, interfaces.Ef(interfaces.KindInvalidInput, "unsupported envelope version %d", v)
	}
	env := &Envelope{Kind: Kind(body[6])}
	if !env.Kind.valid() {
		return nil, interfaces.Ef(interfaces.KindInvalidInput, "unknown envelope kind %d", body[6])
	}
	session, err := interfaces.NewSessionIDFromBytes(body[7:23])
	if err != nil {
		return nil, interfaces.Wrap(interfaces.KindInvalidInput, "envelope session id", err)
	}
	env.Session = session
	length := binary.BigEndian.Uint32(body[23:27])
	if int(length) != len(body)-headerSize {
		return nil, interfaces.E(interfaces.KindInvalidInput, "envelope length field mismatch")
	}
	env.Payload = body[headerSize:]
	return env, nil
}
