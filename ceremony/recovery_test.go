package ceremony

import (
	"crypto/ed25519"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hxrts/aura/interfaces"
	"github.com/hxrts/aura/journal"
)

type testGuardian struct {
	info GuardianInfo
	key  GuardianKey
}

func newTestGuardians(t *testing.T, f *fixture, n int) []testGuardian {
	t.Helper()
	out := make([]testGuardian, n)
	for i := range out {
		pub, priv, err := NewRecipientKey(f.eff.Rand)
		require.NoError(t, err)
		id := interfaces.GuardianID{0x6a, byte(i + 1)}
		out[i] = testGuardian{
			info: GuardianInfo{ID: id, RecipientKey: pub},
			key:  GuardianKey{ID: id, UnwrapKey: priv},
		}
	}
	return out
}

func provision(t *testing.T, f *fixture, guardians []testGuardian, threshold int) []byte {
	t.Helper()
	secret := f.eff.Rand.Bytes(32)
	infos := make([]GuardianInfo, len(guardians))
	for i, g := range guardians {
		infos[i] = g.info
	}
	require.NoError(t, f.rt.ProvisionGuardians(f.ctx, f.committer, secret, infos, threshold, 1))
	return secret
}

func TestRecoveryWithGuardianInCooldown(t *testing.T) {
	f := newFixture(t, 20)
	guardians := newTestGuardians(t, f, 3)
	provision(t, f, guardians, 2)

	// G3 responded to a recovery 400s ago; with a 900s cooldown it still
	// has 500s to wait.
	now := f.eff.Time.NowMs()
	f.append(t, "recovery.complete", []journal.FactOp{
		{Op: journal.OpPut, Predicate: journal.RecoveryPrefix + "cooldown/" + guardians[2].info.ID.String(), Value: journal.MapValue(map[string]journal.Value{
			"last_ms": journal.Int(int64(now - 400_000)),
		})},
	}, 1)

	newDevice := interfaces.DeviceID{0xdd, 0x01}
	res, err := f.rt.RunRecovery(f.ctx, f.committer, RecoveryParams{
		NewDevice: newDevice,
		Priority:  PriorityNormal,
		Guardians: []GuardianKey{guardians[2].key, guardians[0].key, guardians[1].key},
		Epoch:     1,
	})
	require.NoError(t, err)

	assert.Equal(t, []interfaces.GuardianID{guardians[0].info.ID, guardians[1].info.ID}, res.Responders)
	assert.Equal(t, uint64(1), f.rt.Metrics().CooldownBlocked.Load())

	member := f.j.View().Get(journal.DevicePredicate(newDevice))
	require.NotNil(t, member)
	assert.Equal(t, res.PublicKey, member.Value.Map["pubkey"].Bytes)

	// Provisional until the dispute window closes.
	assert.True(t, IsProvisional(f.j.View(), newDevice, res.ProvisionalUntilMs-1))
	assert.False(t, IsProvisional(f.j.View(), newDevice, res.ProvisionalUntilMs))

	// Responders entered cooldown; an immediate retry finds only G3 ready
	// and falls short of the threshold.
	_, err = f.rt.RunRecovery(f.ctx, f.committer, RecoveryParams{
		NewDevice: interfaces.DeviceID{0xdd, 0x02},
		Priority:  PriorityNormal,
		Guardians: []GuardianKey{guardians[0].key, guardians[1].key},
		Epoch:     1,
	})
	require.Error(t, err)
	var notMet *ThresholdNotMet
	require.True(t, errors.As(err, &notMet))
}

func TestRecoveryPriorityScalesCooldown(t *testing.T) {
	f := newFixture(t, 21)
	guardians := newTestGuardians(t, f, 3)
	provision(t, f, guardians, 2)

	now := f.eff.Time.NowMs()
	// 400s into a 900s cooldown: blocked at normal priority, clear at
	// critical (225s) priority.
	f.append(t, "recovery.cooldown", []journal.FactOp{
		{Op: journal.OpPut, Predicate: journal.RecoveryPrefix + "cooldown/" + guardians[0].info.ID.String(), Value: journal.MapValue(map[string]journal.Value{
			"last_ms": journal.Int(int64(now - 400_000)),
		})},
	}, 1)

	res, err := f.rt.RunRecovery(f.ctx, f.committer, RecoveryParams{
		NewDevice: interfaces.DeviceID{0xdd, 0x03},
		Priority:  PriorityCritical,
		Guardians: []GuardianKey{guardians[0].key, guardians[1].key},
		Epoch:     1,
	})
	require.NoError(t, err)
	assert.Contains(t, res.Responders, guardians[0].info.ID)
	assert.Equal(t, uint64(0), f.rt.Metrics().CooldownBlocked.Load())
}

func TestRecoveredKeySigns(t *testing.T) {
	f := newFixture(t, 22)
	guardians := newTestGuardians(t, f, 3)
	provision(t, f, guardians, 2)

	res, err := f.rt.RunRecovery(f.ctx, f.committer, RecoveryParams{
		NewDevice: interfaces.DeviceID{0xdd, 0x04},
		Priority:  PriorityNormal,
		Guardians: []GuardianKey{guardians[0].key, guardians[1].key},
		Epoch:     1,
	})
	require.NoError(t, err)

	msg := []byte("post-recovery")
	sig := ed25519.Sign(ed25519.PrivateKey(res.PrivateKey), msg)
	assert.True(t, ed25519.Verify(ed25519.PublicKey(res.PublicKey), msg, sig))
}

func TestRecoveryRequiresProvisionedShareset(t *testing.T) {
	f := newFixture(t, 23)
	_, err := f.rt.RunRecovery(f.ctx, f.committer, RecoveryParams{
		NewDevice: interfaces.DeviceID{0xdd, 0x05},
		Priority:  PriorityNormal,
		Epoch:     1,
	})
	require.Error(t, err)
	assert.Equal(t, interfaces.KindConflictingState, interfaces.Kind(err))
}

func TestDisputeKeepsIdentityProvisional(t *testing.T) {
	f := newFixture(t, 24)
	guardians := newTestGuardians(t, f, 3)
	provision(t, f, guardians, 2)

	newDevice := interfaces.DeviceID{0xdd, 0x06}
	res, err := f.rt.RunRecovery(f.ctx, f.committer, RecoveryParams{
		NewDevice: newDevice,
		Priority:  PriorityNormal,
		Guardians: []GuardianKey{guardians[0].key, guardians[1].key},
		Epoch:     1,
	})
	require.NoError(t, err)

	require.NoError(t, f.rt.FileDispute(f.ctx, f.committer, guardians[2].info.ID, newDevice, 1))

	// An open dispute outlives the window.
	assert.True(t, IsProvisional(f.j.View(), newDevice, res.ProvisionalUntilMs+1))
}

func TestDisputeWindowCloses(t *testing.T) {
	f := newFixture(t, 25)
	guardians := newTestGuardians(t, f, 3)
	provision(t, f, guardians, 2)

	newDevice := interfaces.DeviceID{0xdd, 0x07}
	_, err := f.rt.RunRecovery(f.ctx, f.committer, RecoveryParams{
		NewDevice: newDevice,
		Priority:  PriorityNormal,
		Guardians: []GuardianKey{guardians[0].key, guardians[1].key},
		Epoch:     1,
	})
	require.NoError(t, err)

	f.clock.Advance(time.Duration(interfaces.DefaultConfig().DisputeWindowSecs+1) * time.Second)

	err = f.rt.FileDispute(f.ctx, f.committer, guardians[2].info.ID, newDevice, 1)
	require.Error(t, err)
	assert.Equal(t, interfaces.KindTimeout, interfaces.Kind(err))
}
