package transport

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hxrts/aura/effects"
	"github.com/hxrts/aura/interfaces"
	"github.com/hxrts/aura/journal"
	"github.com/hxrts/aura/storage"
)

var testAccount = interfaces.AccountID{0x77, 0x01}

func simEffects(t *testing.T, seed uint64) *interfaces.Effects {
	t.Helper()
	eff, _ := effects.Simulation(seed, nil, storage.NewMemoryBackend(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	return eff
}

func testCodec(eff *interfaces.Effects) *Codec {
	return NewCodec(eff.Crypto, []byte("channel key"), interfaces.DefaultConfig())
}

func TestEnvelopeRoundTrip(t *testing.T) {
	eff := simEffects(t, 1)
	c := testCodec(eff)
	session, err := interfaces.NewSessionIDFromBytes(eff.Rand.Bytes(16))
	require.NoError(t, err)

	frame, err := c.Seal(&Envelope{Kind: KindSessionMsg, Session: session, Payload: []byte("round two")})
	require.NoError(t, err)

	env, err := c.Open(frame)
	require.NoError(t, err)
	assert.Equal(t, KindSessionMsg, env.Kind)
	assert.Equal(t, session, env.Session)
	assert.Equal(t, []byte("round two"), env.Payload)
}

func TestEnvelopeTamperRejected(t *testing.T) {
	eff := simEffects(t, 2)
	c := testCodec(eff)

	frame, err := c.Seal(&Envelope{Kind: KindEvent, Payload: []byte("payload")})
	require.NoError(t, err)

	tampered := append([]byte(nil), frame...)
	tampered[headerSize] ^= 0x01
	_, err = c.Open(tampered)
	require.Error(t, err)
	assert.Equal(t, interfaces.KindAuthenticationFailed, interfaces.Kind(err))

	// A frame sealed under a different channel key fails the same way.
	other := NewCodec(eff.Crypto, []byte("other key"), interfaces.DefaultConfig())
	_, err = other.Open(frame)
	require.Error(t, err)
	assert.Equal(t, interfaces.KindAuthenticationFailed, interfaces.Kind(err))
}

func TestEnvelopeSizeLimit(t *testing.T) {
	eff := simEffects(t, 3)
	cfg := interfaces.DefaultConfig()
	cfg.MaxMessageBytes = 256
	c := NewCodec(eff.Crypto, []byte("k"), cfg)

	_, err := c.Seal(&Envelope{Kind: KindEvent, Payload: make([]byte, 512)})
	require.Error(t, err)
	assert.Equal(t, interfaces.KindInvalidInput, interfaces.Kind(err))

	_, err = c.Open(make([]byte, 512))
	require.Error(t, err)
	assert.Equal(t, interfaces.KindInvalidInput, interfaces.Kind(err))
}

func TestEnvelopeTruncated(t *testing.T) {
	eff := simEffects(t, 4)
	c := testCodec(eff)
	_, err := c.Open([]byte("short"))
	require.Error(t, err)
	assert.Equal(t, interfaces.KindInvalidInput, interfaces.Kind(err))
}

func TestReplayCacheRejectsDuplicates(t *testing.T) {
	cache := NewReplayCache(2)
	session := interfaces.SessionID{0x01}
	tagA := interfaces.Hash{0xa1}
	tagB := interfaces.Hash{0xb2}
	tagC := interfaces.Hash{0xc3}

	assert.True(t, cache.Observe(session, tagA))
	assert.False(t, cache.Observe(session, tagA), "second observation is a replay")
	assert.True(t, cache.Observe(session, tagB))

	// A third tag slides tagA out of the window.
	assert.True(t, cache.Observe(session, tagC))
	assert.True(t, cache.Observe(session, tagA))

	// Windows are per session.
	assert.True(t, cache.Observe(interfaces.SessionID{0x02}, tagC))

	cache.Drop(session)
	assert.True(t, cache.Observe(session, tagC))
}

func TestSwitchboardDelivery(t *testing.T) {
	board := NewSwitchboard()
	a := board.Attach(interfaces.DeviceID{0x0a}, 8)
	b := board.Attach(interfaces.DeviceID{0x0b}, 8)
	ctx := context.Background()

	require.NoError(t, a.Send(ctx, interfaces.DeviceID{0x0b}, []byte("one")))
	require.NoError(t, a.Send(ctx, interfaces.DeviceID{0x0b}, []byte("two")))

	from, data, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, interfaces.DeviceID{0x0a}, from)
	assert.Equal(t, []byte("one"), data)
	_, data, err = b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), data, "per-sender order preserved")

	err = a.Send(ctx, interfaces.DeviceID{0xff}, []byte("x"))
	require.Error(t, err)
	assert.Equal(t, interfaces.KindTransportFailure, interfaces.Kind(err))

	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, _, err = a.Receive(short)
	require.Error(t, err)
	assert.Equal(t, interfaces.KindTimeout, interfaces.Kind(err))

	assert.Equal(t, []interfaces.DeviceID{{0x0b}}, a.ConnectedPeers())
}

func TestRendezvousFloodAndDedup(t *testing.T) {
	eff := simEffects(t, 5)
	board := NewSwitchboard()
	devA, devB, devC := interfaces.DeviceID{0x0a}, interfaces.DeviceID{0x0b}, interfaces.DeviceID{0x0c}
	peerA := board.Attach(devA, 16)
	peerB := board.Attach(devB, 16)
	peerC := board.Attach(devC, 16)
	codec := testCodec(eff)
	ctx := context.Background()

	effA, effB, effC := *eff, *eff, *eff
	effA.Transport, effB.Transport, effC.Transport = peerA, peerB, peerC

	delivered := 0
	var deliveredFrom interfaces.DeviceID
	relayA := NewRelay(&effA, codec, devA, nil)
	relayB := NewRelay(&effB, codec, devB, nil)
	relayC := NewRelay(&effC, codec, devC, func(from interfaces.DeviceID, body []byte) {
		delivered++
		deliveredFrom = from
		assert.Equal(t, []byte("offer"), body)
	})

	_, err := relayA.Flood(ctx, devC, []byte("offer"), 2)
	require.NoError(t, err)

	// B forwards its copy; C then holds both the direct and the forwarded
	// frame and must deliver exactly once.
	handle := func(relay *Relay, peer *MemPeer) {
		for {
			short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
			_, data, err := peer.Receive(short)
			cancel()
			if err != nil {
				return
			}
			env, err := codec.Open(data)
			require.NoError(t, err)
			require.NoError(t, relay.Handle(ctx, env))
		}
	}
	handle(relayB, peerB)
	handle(relayC, peerC)
	handle(relayA, peerA)

	assert.Equal(t, 1, delivered)
	assert.Equal(t, devA, deliveredFrom)
}

func TestSyncConvergesJournals(t *testing.T) {
	eff, _ := effects.Simulation(6, nil, storage.NewMemoryBackend(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	cfg := interfaces.DefaultConfig()
	ctx := context.Background()

	j1 := journal.New(testAccount, eff, cfg)
	j2 := journal.New(testAccount, eff, cfg)

	pub, priv, err := eff.Crypto.GenerateSigningKey()
	require.NoError(t, err)
	var device interfaces.DeviceID
	copy(device[:], eff.Rand.Bytes(16))
	authority := interfaces.AuthorityID(eff.Crypto.Hash("test/device-authority", pub))

	sign := func(e *journal.Event) {
		sig, err := eff.Crypto.Sign(priv, e.SignableHash(eff.Crypto).Bytes())
		require.NoError(t, err)
		e.Auth = journal.Authorization{Kind: journal.AuthDevice, Signer: pub, Signature: sig}
	}
	genesis := j1.NextEvent(authority, "account.init", []journal.FactOp{
		{Op: journal.OpPut, Predicate: journal.DevicePredicate(device), Value: journal.MemberValue(pub, authority)},
	}, 1)
	sign(genesis)
	_, err = j1.Append(ctx, genesis)
	require.NoError(t, err)
	extra := j1.NextEvent(authority, "profile.update", []journal.FactOp{
		{Op: journal.OpPut, Predicate: "profile/name", Value: journal.String("alice")},
	}, 1)
	sign(extra)
	_, err = j1.Append(ctx, extra)
	require.NoError(t, err)

	board := NewSwitchboard()
	dev1, dev2 := interfaces.DeviceID{0x01}, interfaces.DeviceID{0x02}
	peer1 := board.Attach(dev1, 16)
	peer2 := board.Attach(dev2, 16)
	eff1, eff2 := *eff, *eff
	eff1.Transport, eff2.Transport = peer1, peer2
	codec := testCodec(eff)
	sync1 := NewSyncer(&eff1, j1, codec, cfg)
	sync2 := NewSyncer(&eff2, j2, codec, cfg)

	require.NoError(t, sync2.RequestFrom(ctx, dev1))

	from, data, err := peer1.Receive(ctx)
	require.NoError(t, err)
	env, err := codec.Open(data)
	require.NoError(t, err)
	_, err = sync1.Handle(ctx, from, env)
	require.NoError(t, err)

	from, data, err = peer2.Receive(ctx)
	require.NoError(t, err)
	env, err = codec.Open(data)
	require.NoError(t, err)
	report, err := sync2.Handle(ctx, from, env)
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Len(t, report.Accepted, 2)
	assert.Empty(t, report.Rejected)

	assert.Equal(t, j1.RootCommitment(), j2.RootCommitment())
	require.NotNil(t, j2.View().Get("profile/name"))
	assert.Equal(t, "alice", j2.View().Get("profile/name").Value.AsString())
}
