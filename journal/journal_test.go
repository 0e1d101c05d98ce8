package journal

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
	"github.com/hxrts/aura/storage"
)

var testAccount = interfaces.AccountID{0xaa, 0x01}

type deviceSigner struct {
	pub       []byte
	priv      []byte
	device    interfaces.DeviceID
	authority interfaces.AuthorityID
}

func newDeviceSigner(t *testing.T, eff *interfaces.Effects) *deviceSigner {
	t.Helper()
	pub, priv, err := eff.Crypto.GenerateSigningKey()
	require.NoError(t, err)
	var dev interfaces.DeviceID
	copy(dev[:], eff.Rand.Bytes(16))
	return &deviceSigner{
		pub:       pub,
		priv:      priv,
		device:    dev,
		authority: interfaces.AuthorityID(eff.Crypto.Hash("test/device-authority", pub)),
	}
}

func (s *deviceSigner) sign(t *testing.T, eff *interfaces.Effects, e *Event) {
	t.Helper()
	sig, err := eff.Crypto.Sign(s.priv, e.SignableHash(eff.Crypto).Bytes())
	require.NoError(t, err)
	e.Auth = Authorization{Kind: AuthDevice, Signer: s.pub, Signature: sig}
}

func newTestJournal(t *testing.T, seed uint64) (*Journal, *interfaces.Effects, *effects.SimTime) {
	t.Helper()
	eff, clock := effects.Simulation(seed, nil, storage.NewMemoryBackend(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	return New(testAccount, eff, interfaces.DefaultConfig()), eff, clock
}

// bootstrapped creates a journal whose genesis registers the returned signer
// as the first device member.
func bootstrapped(t *testing.T, seed uint64) (*Journal, *interfaces.Effects, *effects.SimTime, *deviceSigner) {
	t.Helper()
	j, eff, clock := newTestJournal(t, seed)
	s := newDeviceSigner(t, eff)
	genesis := j.NextEvent(s.authority, "account.init", []FactOp{
		{Op: OpPut, Predicate: DevicePredicate(s.device), Value: MemberValue(s.pub, s.authority)},
	}, 1)
	s.sign(t, eff, genesis)
	_, err := j.Append(context.Background(), genesis)
	require.NoError(t, err)
	return j, eff, clock, s
}

func appendSigned(t *testing.T, j *Journal, eff *interfaces.Effects, s *deviceSigner, kind string, ops []FactOp, epoch uint64) interfaces.Hash {
	t.Helper()
	e := j.NextEvent(s.authority, kind, ops, epoch)
	s.sign(t, eff, e)
	hash, err := j.Append(context.Background(), e)
	require.NoError(t, err)
	return hash
}

func TestBootstrapRegistersFirstDevice(t *testing.T) {
	j, _, _, s := bootstrapped(t, 1)

	fact := j.View().Get(DevicePredicate(s.device))
	require.NotNil(t, fact)
	assert.Equal(t, s.pub, fact.Value.Map["pubkey"].Bytes)
	assert.False(t, j.RootCommitment().IsZero())
}

func TestBootstrapMustRegisterItsSigner(t *testing.T) {
	j, eff, _ := newTestJournal(t, 2)
	s := newDeviceSigner(t, eff)
	other := newDeviceSigner(t, eff)

	// A genesis that registers someone else's key is not a valid bootstrap.
	genesis := j.NextEvent(s.authority, "account.init", []FactOp{
		{Op: OpPut, Predicate: DevicePredicate(other.device), Value: MemberValue(other.pub, other.authority)},
	}, 1)
	s.sign(t, eff, genesis)
	_, err := j.Append(context.Background(), genesis)
	require.Error(t, err)
	assert.Equal(t, interfaces.KindAuthorizationFailed, interfaces.Kind(err))
	assert.Empty(t, j.Events())
}

func TestNonceChainEnforced(t *testing.T) {
	j, eff, _, s := bootstrapped(t, 3)
	ctx := context.Background()

	e := j.NextEvent(s.authority, "profile.update", []FactOp{
		{Op: OpPut, Predicate: "profile/name", Value: String("alice")},
	}, 1)
	require.Equal(t, uint64(2), e.Nonce)
	require.NotNil(t, e.Parent)

	// A gap in the nonce sequence is rejected.
	gap := *e
	gap.Nonce = 4
	s.sign(t, eff, &gap)
	_, err := j.Append(ctx, &gap)
	require.Error(t, err)
	assert.Equal(t, interfaces.KindConflictingState, interfaces.Kind(err))

	// A wrong parent hash is rejected even with the right nonce.
	badParent := *e
	wrong := eff.Crypto.Hash("test/not-a-parent", []byte("x"))
	badParent.Parent = &wrong
	s.sign(t, eff, &badParent)
	_, err = j.Append(ctx, &badParent)
	require.Error(t, err)
	assert.Equal(t, interfaces.KindConflictingState, interfaces.Kind(err))

	s.sign(t, eff, e)
	_, err = j.Append(ctx, e)
	require.NoError(t, err)

	// Replaying the same event id is rejected.
	_, err = j.Append(ctx, e)
	require.Error(t, err)
	assert.Equal(t, interfaces.KindConflictingState, interfaces.Kind(err))
}

func TestUnknownAnchorRejected(t *testing.T) {
	j, eff, _, s := bootstrapped(t, 4)

	e := j.NextEvent(s.authority, "profile.update", []FactOp{
		{Op: OpPut, Predicate: "profile/name", Value: String("alice")},
	}, 1)
	anchor := eff.Crypto.Hash("test/unknown-anchor", []byte("y"))
	e.Anchor = &anchor
	s.sign(t, eff, e)
	_, err := j.Append(context.Background(), e)
	require.Error(t, err)
	assert.Equal(t, interfaces.KindConflictingState, interfaces.Kind(err))
}

func TestNonMemberSignerRejected(t *testing.T) {
	j, eff, _, _ := bootstrapped(t, 5)
	stranger := newDeviceSigner(t, eff)

	e := j.NextEvent(stranger.authority, "profile.update", []FactOp{
		{Op: OpPut, Predicate: "profile/name", Value: String("mallory")},
	}, 1)
	stranger.sign(t, eff, e)
	_, err := j.Append(context.Background(), e)
	require.Error(t, err)
	assert.Equal(t, interfaces.KindAuthorizationFailed, interfaces.Kind(err))
}

func TestCorruptedSignatureRejected(t *testing.T) {
	j, eff, _, s := bootstrapped(t, 6)

	e := j.NextEvent(s.authority, "profile.update", []FactOp{
		{Op: OpPut, Predicate: "profile/name", Value: String("alice")},
	}, 1)
	s.sign(t, eff, e)
	e.Auth.Signature[0] ^= 0xff
	_, err := j.Append(context.Background(), e)
	require.Error(t, err)
	assert.Equal(t, interfaces.KindAuthenticationFailed, interfaces.Kind(err))
}

func thresholdSign(t *testing.T, eff *interfaces.Effects, msg []byte, shares []interfaces.ThresholdShare, groupPub []byte) []byte {
	t.Helper()
	commitments := make([]interfaces.SigningCommitment, len(shares))
	states := make([][]byte, len(shares))
	for i, share := range shares {
		c, st, err := eff.Threshold.Commit(share)
		require.NoError(t, err)
		commitments[i] = c
		states[i] = st
	}
	partials := make([]interfaces.PartialSignature, len(shares))
	for i, share := range shares {
		p, err := eff.Threshold.PartialSign(share, states[i], msg, commitments, groupPub)
		require.NoError(t, err)
		partials[i] = p
	}
	sig, err := eff.Threshold.Aggregate(msg, commitments, partials, groupPub)
	require.NoError(t, err)
	return sig
}

func TestThresholdWitness(t *testing.T) {
	j, eff, _, s := bootstrapped(t, 7)
	ctx := context.Background()

	groupPub, shares, err := eff.Threshold.Deal(2, 3)
	require.NoError(t, err)
	groupAuthority := interfaces.AuthorityID(eff.Crypto.Hash("test/group-authority", groupPub))

	appendSigned(t, j, eff, s, "group.establish", []FactOp{
		{Op: OpPut, Predicate: GroupPredicate(groupAuthority), Value: GroupValue(groupPub, 2, 3, 1)},
	}, 1)

	e := j.NextEvent(groupAuthority, "policy.update", []FactOp{
		{Op: OpPut, Predicate: "policy/spend-limit", Value: Int(500)},
	}, 1)
	hash := e.SignableHash(eff.Crypto)
	sig := thresholdSign(t, eff, hash.Bytes(), shares[:2], groupPub)
	e.Auth = Authorization{
		Kind:         AuthThreshold,
		Signer:       groupPub,
		Signature:    sig,
		SignerBitmap: BitmapWithSigners([]uint32{shares[0].Index, shares[1].Index}),
	}
	_, err = j.Append(ctx, e)
	require.NoError(t, err)
	require.NotNil(t, j.View().Get("policy/spend-limit"))

	// The same signature with an undersized bitmap fails the quorum check.
	short := j.NextEvent(groupAuthority, "policy.update", []FactOp{
		{Op: OpPut, Predicate: "policy/spend-limit", Value: Int(900)},
	}, 1)
	shortHash := short.SignableHash(eff.Crypto)
	short.Auth = Authorization{
		Kind:         AuthThreshold,
		Signer:       groupPub,
		Signature:    thresholdSign(t, eff, shortHash.Bytes(), shares[:2], groupPub),
		SignerBitmap: BitmapWithSigners([]uint32{shares[0].Index}),
	}
	_, err = j.Append(ctx, short)
	require.Error(t, err)
	assert.Equal(t, interfaces.KindAuthorizationFailed, interfaces.Kind(err))
}

func TestLifecycleWitness(t *testing.T) {
	j, eff, clock, s := bootstrapped(t, 8)
	ctx := context.Background()

	var sid interfaces.SessionID
	copy(sid[:], eff.Rand.Bytes(16))
	deadline := eff.Time.NowMs() + 60_000
	appendSigned(t, j, eff, s, "session.open", []FactOp{
		{Op: OpPut, Predicate: SessionPredicate(sid), Value: SessionValue("active", "dkg", deadline)},
	}, 1)

	e := j.NextEvent(s.authority, "session.progress", []FactOp{
		{Op: OpPut, Predicate: "recovery/stage", Value: String("commit")},
	}, 1)
	e.Auth = Authorization{Kind: AuthLifecycle, Session: sid}
	_, err := j.Append(ctx, e)
	require.NoError(t, err)

	// Past the session deadline the lifecycle witness no longer authorizes.
	clock.Advance(2 * time.Minute)
	late := j.NextEvent(s.authority, "session.progress", []FactOp{
		{Op: OpPut, Predicate: "recovery/stage", Value: String("reveal")},
	}, 1)
	late.Auth = Authorization{Kind: AuthLifecycle, Session: sid}
	_, err = j.Append(ctx, late)
	require.Error(t, err)
	assert.Equal(t, interfaces.KindTimeout, interfaces.Kind(err))
}

// twoReplicas builds two journals for the same account whose shared genesis
// registers a device for each, so both sides can write concurrently under
// their own authorities.
func twoReplicas(t *testing.T) (*Journal, *Journal, *interfaces.Effects, *interfaces.Effects, *effects.SimTime, *effects.SimTime, *deviceSigner, *deviceSigner) {
	t.Helper()
	eff1, clock1 := effects.Simulation(100, nil, storage.NewMemoryBackend(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	eff2, clock2 := effects.Simulation(200, nil, storage.NewMemoryBackend(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	j1 := New(testAccount, eff1, interfaces.DefaultConfig())
	j2 := New(testAccount, eff2, interfaces.DefaultConfig())

	a := newDeviceSigner(t, eff1)
	b := newDeviceSigner(t, eff1)

	genesis := j1.NextEvent(a.authority, "account.init", []FactOp{
		{Op: OpPut, Predicate: DevicePredicate(a.device), Value: MemberValue(a.pub, a.authority)},
		{Op: OpPut, Predicate: DevicePredicate(b.device), Value: MemberValue(b.pub, b.authority)},
	}, 1)
	a.sign(t, eff1, genesis)
	_, err := j1.Append(context.Background(), genesis)
	require.NoError(t, err)

	report, err := j2.Merge(context.Background(), []*Event{genesis})
	require.NoError(t, err)
	require.Len(t, report.Accepted, 1)
	return j1, j2, eff1, eff2, clock1, clock2, a, b
}

func syncBoth(t *testing.T, j1, j2 *Journal) {
	t.Helper()
	ctx := context.Background()

	resp, err := j2.HandleSyncRequest(j1.BuildSyncRequest())
	require.NoError(t, err)
	_, err = j1.ApplySyncResponse(ctx, resp)
	require.NoError(t, err)

	resp, err = j1.HandleSyncRequest(j2.BuildSyncRequest())
	require.NoError(t, err)
	_, err = j2.ApplySyncResponse(ctx, resp)
	require.NoError(t, err)
}

func TestOfflineReplicasConverge(t *testing.T) {
	j1, j2, eff1, eff2, _, clock2, a, b := twoReplicas(t)

	// Both replicas write while partitioned, including a conflicting put on
	// the same predicate. The later timestamp wins on both sides.
	appendSigned(t, j1, eff1, a, "profile.update", []FactOp{
		{Op: OpPut, Predicate: "profile/displayname", Value: String("from-a")},
		{Op: OpSetAdd, Predicate: "profile/emails", Value: String("a@example.com")},
	}, 1)

	clock2.Advance(5 * time.Second)
	e := j2.NextEvent(b.authority, "profile.update", []FactOp{
		{Op: OpPut, Predicate: "profile/displayname", Value: String("from-b")},
		{Op: OpSetAdd, Predicate: "profile/emails", Value: String("b@example.com")},
	}, 1)
	b.sign(t, eff2, e)
	_, err := j2.Append(context.Background(), e)
	require.NoError(t, err)

	syncBoth(t, j1, j2)

	assert.Equal(t, j1.RootCommitment(), j2.RootCommitment())
	assert.Equal(t, len(j1.Events()), len(j2.Events()))

	for _, j := range []*Journal{j1, j2} {
		name := j.View().Get("profile/displayname")
		require.NotNil(t, name)
		assert.Equal(t, "from-b", name.Value.AsString(), "later write wins deterministically")

		emails := j.View().Get("profile/emails")
		require.NotNil(t, emails)
		require.Len(t, emails.Value.List, 2, "set merge is a union")
	}

	// A second round with nothing new short-circuits on matching roots.
	resp, err := j2.HandleSyncRequest(j1.BuildSyncRequest())
	require.NoError(t, err)
	assert.Empty(t, resp.Events)
}

func TestMergeIsPermutationInvariant(t *testing.T) {
	j1, _, eff1, _, _, _, a, _ := twoReplicas(t)
	for i := 0; i < 5; i++ {
		appendSigned(t, j1, eff1, a, "profile.update", []FactOp{
			{Op: OpCounterMax, Predicate: "profile/version", Value: Int(int64(i + 1))},
			{Op: OpSetAdd, Predicate: "profile/tags", Value: Int(int64(i))},
		}, 1)
	}
	all := j1.Events()
	want := j1.RootCommitment()

	permutations := [][]*Event{
		{all[5], all[3], all[1], all[0], all[2], all[4]},
		{all[0], all[5], all[4], all[3], all[2], all[1]},
	}
	for _, perm := range permutations {
		eff, _ := effects.Simulation(999, nil, storage.NewMemoryBackend(), slog.New(slog.NewTextHandler(io.Discard, nil)))
		fresh := New(testAccount, eff, interfaces.DefaultConfig())
		report, err := fresh.Merge(context.Background(), perm)
		require.NoError(t, err)
		assert.Len(t, report.Accepted, len(all))
		assert.Empty(t, report.Rejected)
		assert.Equal(t, want, fresh.RootCommitment())
		assert.Equal(t, int64(5), fresh.View().Get("profile/version").Value.AsInt())
	}
}

func TestMixedOpKindsMergeOrderIndependent(t *testing.T) {
	j1, _, eff1, _, _, _, a, b := twoReplicas(t)

	// Authority A retires the share set and pins a progress value at epoch 2
	// while authority B's epoch 1 writes race them on the same predicates
	// with different op kinds. The newer epoch must win regardless of which
	// side a replica applies first.
	appendSigned(t, j1, eff1, a, "fabric.rotate", []FactOp{
		{Op: OpTombstone, Predicate: "fabric/shareset"},
		{Op: OpPut, Predicate: "fabric/progress", Value: String("rotated")},
	}, 2)
	appendSigned(t, j1, eff1, b, "fabric.contribute", []FactOp{
		{Op: OpSetAdd, Predicate: "fabric/shareset", Value: String("share-b")},
		{Op: OpCounterMax, Predicate: "fabric/progress", Value: Int(7)},
	}, 1)
	appendSigned(t, j1, eff1, b, "fabric.contribute", []FactOp{
		{Op: OpSetAdd, Predicate: "fabric/next-shares", Value: String("share-b2")},
	}, 3)
	appendSigned(t, j1, eff1, a, "fabric.checkpoint", []FactOp{
		{Op: OpPut, Predicate: "fabric/next-shares", Value: String("sealed")},
	}, 2)

	all := j1.Events()
	require.Len(t, all, 5)
	want := j1.RootCommitment()

	check := func(t *testing.T, j *Journal) {
		t.Helper()
		assert.Equal(t, want, j.RootCommitment())

		// Epoch 2 tombstone beats the epoch 1 set-add.
		assert.Nil(t, j.View().Get("fabric/shareset"))
		require.NotNil(t, j.View().GetAny("fabric/shareset"))
		assert.True(t, j.View().GetAny("fabric/shareset").Tombstone)

		// Epoch 2 put beats the epoch 1 counter.
		progress := j.View().Get("fabric/progress")
		require.NotNil(t, progress)
		assert.Equal(t, "rotated", progress.Value.AsString())

		// Epoch 3 set-add beats the epoch 2 put.
		next := j.View().Get("fabric/next-shares")
		require.NotNil(t, next)
		assert.Equal(t, OpSetAdd, next.Op)
		require.Len(t, next.Value.List, 1)
		assert.Equal(t, "share-b2", next.Value.List[0].AsString())
	}
	check(t, j1)

	permutations := [][]*Event{
		{all[1], all[2], all[3], all[4], all[0]},
		{all[4], all[3], all[2], all[1], all[0]},
		{all[0], all[2], all[1], all[4], all[3]},
	}
	for _, perm := range permutations {
		eff, _ := effects.Simulation(998, nil, storage.NewMemoryBackend(), slog.New(slog.NewTextHandler(io.Discard, nil)))
		fresh := New(testAccount, eff, interfaces.DefaultConfig())
		report, err := fresh.Merge(context.Background(), perm)
		require.NoError(t, err)
		assert.Len(t, report.Accepted, len(all))
		assert.Empty(t, report.Rejected)
		check(t, fresh)
	}
}

func TestMergeReportsRejections(t *testing.T) {
	j1, j2, eff1, _, _, _, a, _ := twoReplicas(t)

	good := j1.NextEvent(a.authority, "profile.update", []FactOp{
		{Op: OpPut, Predicate: "profile/name", Value: String("alice")},
	}, 1)
	a.sign(t, eff1, good)
	_, err := j1.Append(context.Background(), good)
	require.NoError(t, err)

	// An event whose chain predecessor is withheld cannot be accepted.
	orphan := j1.NextEvent(a.authority, "profile.update", []FactOp{
		{Op: OpPut, Predicate: "profile/name", Value: String("bob")},
	}, 1)
	a.sign(t, eff1, orphan)
	_, err = j1.Append(context.Background(), orphan)
	require.NoError(t, err)

	report, err := j2.Merge(context.Background(), []*Event{orphan})
	require.NoError(t, err)
	assert.Empty(t, report.Accepted)
	require.Contains(t, report.Rejected, orphan.ID)

	// Delivering the withheld predecessor alongside it heals the batch.
	report, err = j2.Merge(context.Background(), []*Event{orphan, good})
	require.NoError(t, err)
	assert.Len(t, report.Accepted, 2)
	assert.Empty(t, report.Rejected)
}

func TestLoadReplaysToSameState(t *testing.T) {
	j, eff, clock, s := bootstrapped(t, 9)
	for i := 0; i < 4; i++ {
		clock.Advance(time.Second)
		appendSigned(t, j, eff, s, "profile.update", []FactOp{
			{Op: OpPut, Predicate: "profile/name", Value: String("v" + string(rune('a'+i)))},
		}, 1)
	}
	want := j.RootCommitment()

	reloaded, err := Load(context.Background(), testAccount, eff, interfaces.DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, want, reloaded.RootCommitment())
	assert.Equal(t, len(j.Events()), len(reloaded.Events()))
	require.NotNil(t, reloaded.View().Get("profile/name"))
	assert.Equal(t, "vd", reloaded.View().Get("profile/name").Value.AsString())
}

func TestInclusionProofs(t *testing.T) {
	j, eff, _, s := bootstrapped(t, 10)
	hashes := []interfaces.Hash{j.Events()[0].SignableHash(eff.Crypto)}
	for i := 0; i < 3; i++ {
		hashes = append(hashes, appendSigned(t, j, eff, s, "profile.update", []FactOp{
			{Op: OpCounterMax, Predicate: "profile/version", Value: Int(int64(i + 1))},
		}, 1))
	}

	root := j.RootCommitment()
	for _, h := range hashes {
		proof, err := j.ProveInclusion(h)
		require.NoError(t, err)
		assert.True(t, VerifyInclusion(eff.Crypto, h, proof, root))

		tampered := h
		tampered[0] ^= 1
		assert.False(t, VerifyInclusion(eff.Crypto, tampered, proof, root))
	}

	_, err := j.ProveInclusion(eff.Crypto.Hash("test/not-an-event", []byte("z")))
	require.Error(t, err)
}

func TestPruneRequiresCommittedCheckpoint(t *testing.T) {
	j, eff, _, s := bootstrapped(t, 11)
	appendSigned(t, j, eff, s, "profile.update", []FactOp{
		{Op: OpPut, Predicate: "profile/name", Value: String("alice")},
	}, 1)

	_, err := j.PruneBefore(context.Background(), 2)
	require.Error(t, err)
	assert.Equal(t, interfaces.KindAuthorizationFailed, interfaces.Kind(err))
}

func TestPruneFoldsHistoryIntoDigest(t *testing.T) {
	j, eff, _, s := bootstrapped(t, 12)
	ctx := context.Background()

	appendSigned(t, j, eff, s, "profile.update", []FactOp{
		{Op: OpPut, Predicate: "profile/name", Value: String("alice")},
	}, 1)
	keepHash := appendSigned(t, j, eff, s, "compact.commit", []FactOp{
		{Op: OpPut, Predicate: CompactCheckpoint, Value: MapValue(map[string]Value{"epoch": Int(2)})},
	}, 2)

	pruned, err := j.PruneBefore(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, pruned)
	assert.Len(t, j.Events(), 1)

	// Facts written by pruned events survive in the view.
	require.NotNil(t, j.View().Get("profile/name"))

	// Proofs against the post-compaction root still verify for kept events.
	root := j.RootCommitment()
	proof, err := j.ProveInclusion(keepHash)
	require.NoError(t, err)
	assert.True(t, VerifyInclusion(eff.Crypto, keepHash, proof, root))

	// The retained digest round-trips through persistence.
	reloaded, err := Load(ctx, testAccount, eff, interfaces.DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, root, reloaded.RootCommitment())
	assert.Len(t, reloaded.Events(), 1)
}

func TestIndexQueries(t *testing.T) {
	j, eff, clock, s := bootstrapped(t, 13)

	t0 := eff.Time.NowMs()
	appendSigned(t, j, eff, s, "profile.update", []FactOp{
		{Op: OpPut, Predicate: "profile/name", Value: String("alice")},
	}, 1)
	clock.Advance(10 * time.Second)
	appendSigned(t, j, eff, s, "profile.update", []FactOp{
		{Op: OpPut, Predicate: "profile/bio", Value: String("hello")},
	}, 1)

	assert.True(t, j.MightContain("profile/name", String("alice")))

	early := j.QueryTimeRange(t0, t0+1000)
	assert.Len(t, early, 2, "genesis and first update share the early window")
	all := j.QueryTimeRange(t0, eff.Time.NowMs())
	assert.Len(t, all, 3)

	byAuth := j.QueryByAuthority(s.authority)
	assert.Len(t, byAuth, 3)

	facts := j.QueryPrefix("profile/")
	assert.Len(t, facts, 2)
	assert.Equal(t, "profile/bio", facts[0].Predicate)
}

func TestTombstoneSupersedesAndBlocksStaleWrites(t *testing.T) {
	j, eff, clock, s := bootstrapped(t, 14)

	appendSigned(t, j, eff, s, "profile.update", []FactOp{
		{Op: OpPut, Predicate: "profile/name", Value: String("alice")},
	}, 1)
	clock.Advance(time.Second)
	appendSigned(t, j, eff, s, "profile.remove", []FactOp{
		{Op: OpTombstone, Predicate: "profile/name"},
	}, 2)

	assert.Nil(t, j.View().Get("profile/name"))
	require.NotNil(t, j.View().GetAny("profile/name"))
	assert.True(t, j.View().GetAny("profile/name").Tombstone)

	// A write from an older epoch loses to the tombstone.
	appendSigned(t, j, eff, s, "profile.update", []FactOp{
		{Op: OpPut, Predicate: "profile/name", Value: String("stale")},
	}, 1)
	assert.Nil(t, j.View().Get("profile/name"))
}

func TestWireRoundTripPreservesBytes(t *testing.T) {
	j, eff, _, s := bootstrapped(t, 15)
	appendSigned(t, j, eff, s, "profile.update", []FactOp{
		{Op: OpPut, Predicate: "profile/name", Value: String("alice")},
	}, 1)

	for _, e := range j.Events() {
		raw, err := e.Encode()
		require.NoError(t, err)
		decoded, err := DecodeEvent(raw)
		require.NoError(t, err)
		again, err := decoded.Encode()
		require.NoError(t, err)
		assert.Equal(t, raw, again)
		assert.Equal(t, e.SignableHash(eff.Crypto), decoded.SignableHash(eff.Crypto))
	}
}
