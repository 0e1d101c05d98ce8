package ceremony

import (
	"crypto/ed25519"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hxrts/aura/interfaces"
	"github.com/hxrts/aura/journal"
	"github.com/hxrts/aura/session"
)

func testDevices(n int) []interfaces.DeviceID {
	out := make([]interfaces.DeviceID, n)
	for i := range out {
		out[i] = interfaces.DeviceID{0xd0, byte(i + 1)}
	}
	return out
}

func TestDKGProducesDeterministicIdentity(t *testing.T) {
	run := func(seed uint64) (*fixture, *DKGResult) {
		f := newFixture(t, seed)
		res, err := f.rt.RunDKG(f.ctx, f.committer, DKGParams{
			Participants: testDevices(3),
			Context:      "app/test",
			Epoch:        1,
		})
		require.NoError(t, err)
		return f, res
	}

	f1, r1 := run(7)
	_, r2 := run(7)

	assert.Equal(t, r1.Fingerprint, r2.Fingerprint, "fingerprint must be deterministic in the seed")
	assert.Equal(t, r1.PublicKey, r2.PublicKey)
	assert.Len(t, r1.PublicKey, ed25519.PublicKeySize)

	assert.Equal(t, "complete", sessionState(t, f1, r1.Session))
	assert.Nil(t, f1.j.View().Get(journal.AuditPrefix+"session/"+r1.Session.String()), "no abort recorded")

	outcome := f1.j.View().Get("dkg/" + r1.Session.String())
	require.NotNil(t, outcome)
	assert.Equal(t, r1.Fingerprint.Bytes(), outcome.Value.Map["fingerprint"].Bytes)
	assert.Equal(t, "app/test", outcome.Value.Map["context"].AsString())
	assert.Len(t, outcome.Value.Map["participants"].List, 3)
}

func TestDKGFingerprintBindsContext(t *testing.T) {
	f1 := newFixture(t, 8)
	r1, err := f1.rt.RunDKG(f1.ctx, f1.committer, DKGParams{Participants: testDevices(3), Context: "app/one", Epoch: 1})
	require.NoError(t, err)

	f2 := newFixture(t, 8)
	r2, err := f2.rt.RunDKG(f2.ctx, f2.committer, DKGParams{Participants: testDevices(3), Context: "app/two", Epoch: 1})
	require.NoError(t, err)

	assert.NotEqual(t, r1.Fingerprint, r2.Fingerprint, "same points, different context, different identity")
}

func TestDKGDetectsRevealMismatch(t *testing.T) {
	f := newFixture(t, 9)
	coord := newDKGCoordinator(f.eff.Crypto, []session.Role{"p1", "p2"})

	point := f.eff.Rand.Bytes(32)
	require.NoError(t, coord.Consume("commitment", "p1", f.eff.Crypto.Hash(dkgCommitmentDomain, point).Bytes()))

	err := coord.Consume("reveal", "p1", f.eff.Rand.Bytes(32))
	require.Error(t, err)
	assert.Equal(t, interfaces.KindProtocolViolation, interfaces.Kind(err))
	var bz *ByzantineBehavior
	require.True(t, errors.As(err, &bz))
	assert.Equal(t, "p1", bz.Participant)
}

func TestDKGRejectsSingleParticipant(t *testing.T) {
	f := newFixture(t, 10)
	_, err := f.rt.RunDKG(f.ctx, f.committer, DKGParams{Participants: testDevices(1), Context: "x", Epoch: 1})
	require.Error(t, err)
	assert.Equal(t, interfaces.KindInvalidInput, interfaces.Kind(err))
}

func TestThresholdSignWithOfflineSigner(t *testing.T) {
	f := newFixture(t, 11)
	groupPub, shares, err := f.eff.Threshold.Deal(2, 3)
	require.NoError(t, err)

	// C never comes online; A and B still clear the 2-of-3 threshold.
	devices := testDevices(3)
	res, err := f.rt.RunThresholdSign(f.ctx, f.committer, SignParams{
		GroupPub:  groupPub,
		Threshold: 2,
		Signers: map[interfaces.DeviceID]interfaces.ThresholdShare{
			devices[0]: shares[0],
			devices[1]: shares[1],
		},
		Message: []byte("hello"),
		Epoch:   1,
	})
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.ElementsMatch(t, []interfaces.DeviceID{devices[0], devices[1]}, res.Participants)
	assert.True(t, ed25519.Verify(ed25519.PublicKey(groupPub), []byte("hello"), res.Signature))

	outcome := f.j.View().Get("sign/" + res.Session.String())
	require.NotNil(t, outcome)
	assert.True(t, outcome.Value.Map["valid"].AsBool())
	assert.Len(t, outcome.Value.Map["participants"].List, 2)
	assert.Equal(t, "complete", sessionState(t, f, res.Session))
}

func TestThresholdSignAbortsBelowThreshold(t *testing.T) {
	f := newFixture(t, 12)
	groupPub, shares, err := f.eff.Threshold.Deal(2, 3)
	require.NoError(t, err)

	devices := testDevices(3)
	_, err = f.rt.RunThresholdSign(f.ctx, f.committer, SignParams{
		GroupPub:  groupPub,
		Threshold: 2,
		Signers:   map[interfaces.DeviceID]interfaces.ThresholdShare{devices[0]: shares[0]},
		Message:   []byte("hello"),
		Epoch:     1,
	})
	require.Error(t, err)
	var notMet *ThresholdNotMet
	require.True(t, errors.As(err, &notMet))
	assert.Equal(t, 1, notMet.Got)
	assert.Equal(t, 2, notMet.Need)
	assert.Equal(t, uint64(1), f.rt.Metrics().SessionsAborted.Load())
}

func TestReshareTransitionsThreshold(t *testing.T) {
	f := newFixture(t, 13)
	groupPub, shares, err := f.eff.Threshold.Deal(2, 3)
	require.NoError(t, err)

	old := testDevices(3)
	holders := make([]ReshareHolder, 4)
	for i := range holders {
		pub, priv, err := NewRecipientKey(f.eff.Rand)
		require.NoError(t, err)
		holders[i] = ReshareHolder{Device: interfaces.DeviceID{0xe0, byte(i + 1)}, RecipientKey: pub, UnwrapKey: priv}
	}
	res, err := f.rt.RunReshare(f.ctx, f.committer, ReshareParams{
		GroupPub:     groupPub,
		OldThreshold: 2,
		Dealers: map[interfaces.DeviceID]interfaces.ThresholdShare{
			old[0]: shares[0],
			old[2]: shares[2],
		},
		Holders:      holders,
		NewThreshold: 3,
		Epoch:        1,
	})
	require.NoError(t, err)

	require.Len(t, res.NewShares, 4)
	assert.Equal(t, uint64(1), res.NewEpoch)

	// The new shares sign for the unchanged group key at the new threshold.
	subset := make(map[interfaces.DeviceID]interfaces.ThresholdShare)
	for d, s := range res.NewShares {
		if len(subset) < 3 {
			subset[d] = s
		}
	}
	require.NoError(t, f.rt.testSignature(subset, 3, groupPub, []byte("post-reshare")))

	predicate, epoch := f.rt.groupPredicate(groupPub)
	group := f.j.View().Get(predicate)
	require.NotNil(t, group)
	assert.Equal(t, uint64(1), epoch)
	assert.Equal(t, int64(3), group.Value.Map["m"].AsInt())
	assert.Equal(t, int64(4), group.Value.Map["n"].AsInt())
}

func TestReshareAbortsOnUndeliverableShare(t *testing.T) {
	f := newFixture(t, 14)
	groupPub, shares, err := f.eff.Threshold.Deal(2, 3)
	require.NoError(t, err)

	old := testDevices(3)
	holders := make([]ReshareHolder, 2)
	for i := range holders {
		pub, priv, err := NewRecipientKey(f.eff.Rand)
		require.NoError(t, err)
		holders[i] = ReshareHolder{Device: interfaces.DeviceID{0xe0, byte(i + 1)}, RecipientKey: pub, UnwrapKey: priv}
	}
	// The second holder's unwrap key does not match its wrapping key, so
	// its acknowledgement never arrives.
	_, wrongPriv, err := NewRecipientKey(f.eff.Rand)
	require.NoError(t, err)
	holders[1].UnwrapKey = wrongPriv

	_, err = f.rt.RunReshare(f.ctx, f.committer, ReshareParams{
		GroupPub:     groupPub,
		OldThreshold: 2,
		Dealers: map[interfaces.DeviceID]interfaces.ThresholdShare{
			old[0]: shares[0],
			old[1]: shares[1],
		},
		Holders:      holders,
		NewThreshold: 2,
		Epoch:        1,
	})
	require.Error(t, err)
	assert.Equal(t, interfaces.KindProtocolViolation, interfaces.Kind(err))

	audits := f.j.View().Prefix(journal.AuditPrefix)
	require.NotEmpty(t, audits)
	assert.Contains(t, audits[0].Value.Map["reason"].AsString(), "delivery failure")
	assert.Contains(t, audits[0].Value.Map["reason"].AsString(), holders[1].Device.String())
}
