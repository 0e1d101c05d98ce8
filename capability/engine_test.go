package capability

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

type engineFixture struct {
	*issuerFixture
	journal *journal.Journal
	engine  *Engine
	cfg     interfaces.Config
	peer    interfaces.DeviceID
	fctx    interfaces.ContextID
}

// newEngineFixture bootstraps a journal whose genesis registers the issuer
// device, then binds an engine to it.
func newEngineFixture(t *testing.T, seed uint64, cfg interfaces.Config) *engineFixture {
	t.Helper()
	f := newIssuer(t, seed)
	var account interfaces.AccountID
	copy(account[:], []byte("cap-engine-test-"))
	j := journal.New(account, f.eff, cfg)

	genesis := j.NextEvent(f.authority, "account.init", []journal.FactOp{
		{Op: journal.OpPut, Predicate: journal.DevicePredicate(f.subject), Value: journal.MemberValue(f.pub, f.authority)},
	}, 1)
	signDevice(t, f, genesis)
	_, err := j.Append(context.Background(), genesis)
	require.NoError(t, err)

	ef := &engineFixture{
		issuerFixture: f,
		journal:       j,
		engine:        NewEngine(f.eff, j, cfg),
		cfg:           cfg,
	}
	copy(ef.peer[:], f.eff.Rand.Bytes(16))
	copy(ef.fctx[:], f.eff.Rand.Bytes(16))
	return ef
}

func signDevice(t *testing.T, f *issuerFixture, e *journal.Event) {
	t.Helper()
	sig, err := f.eff.Crypto.Sign(f.priv, e.SignableHash(f.eff.Crypto).Bytes())
	require.NoError(t, err)
	e.Auth = journal.Authorization{Kind: journal.AuthDevice, Signer: f.pub, Signature: sig}
}

func (f *engineFixture) request(op, resource string, cost uint64) Request {
	return Request{
		Operation: op,
		Resource:  resource,
		Subject:   f.subject,
		Context:   f.fctx,
		Peer:      f.peer,
		Cost:      cost,
	}
}

func TestAuthorizeAllowsCoveredOperation(t *testing.T) {
	f := newEngineFixture(t, 10, interfaces.DefaultConfig())
	tok, _, err := Issue(f.eff, f.authority, f.priv, f.subject, "storage://acct/*", []string{PermRead, PermWrite}, 0, 4)
	require.NoError(t, err)

	d := f.engine.Authorize(tok, f.pub, f.request(PermWrite, "storage://acct/docs/x", 0))
	assert.True(t, d.Allowed, d.Reason)
}

func TestAuthorizeDeniesOutsideAttenuatedScope(t *testing.T) {
	f := newEngineFixture(t, 11, interfaces.DefaultConfig())

	// Base grant covers the whole account store; the delegate narrowed it
	// to docs and capped uses.
	tok, holder, err := Issue(f.eff, f.authority, f.priv, f.subject, "storage://acct/*", []string{PermRead, PermWrite}, 0, 4)
	require.NoError(t, err)
	narrowed, _, err := Attenuate(f.eff, tok, holder, Restriction{Scope: "storage://acct/docs/*", MaxUses: 5})
	require.NoError(t, err)

	d := f.engine.Authorize(narrowed, f.pub, f.request(PermWrite, "storage://acct/logs/x", 0))
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonResourcePattern, d.Reason)

	// The same token still covers its narrowed subtree.
	d = f.engine.Authorize(narrowed, f.pub, f.request(PermWrite, "storage://acct/docs/x", 0))
	assert.True(t, d.Allowed, d.Reason)
}

func TestAuthorizeDeniesMissingPermission(t *testing.T) {
	f := newEngineFixture(t, 12, interfaces.DefaultConfig())
	tok, _, err := Issue(f.eff, f.authority, f.priv, f.subject, "storage://acct/*", []string{PermRead}, 0, 4)
	require.NoError(t, err)

	d := f.engine.Authorize(tok, f.pub, f.request(PermWrite, "storage://acct/docs/x", 0))
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonInsufficientPermissions, d.Reason)
}

func TestAuthorizeDeniesWrongSubject(t *testing.T) {
	f := newEngineFixture(t, 13, interfaces.DefaultConfig())
	tok, _, err := Issue(f.eff, f.authority, f.priv, f.subject, "storage://acct/*", []string{PermRead}, 0, 4)
	require.NoError(t, err)

	req := f.request(PermRead, "storage://acct/docs/x", 0)
	copy(req.Subject[:], f.eff.Rand.Bytes(16))
	d := f.engine.Authorize(tok, f.pub, req)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonSubjectMismatch, d.Reason)
}

func TestRevocationCoversDescendants(t *testing.T) {
	f := newEngineFixture(t, 14, interfaces.DefaultConfig())
	ctx := context.Background()

	tok, holder, err := Issue(f.eff, f.authority, f.priv, f.subject, "storage://acct/*", []string{PermRead}, 0, 4)
	require.NoError(t, err)
	narrowed, _, err := Attenuate(f.eff, tok, holder, Restriction{Scope: "storage://acct/docs/*"})
	require.NoError(t, err)

	d := f.engine.Authorize(narrowed, f.pub, f.request(PermRead, "storage://acct/docs/x", 0))
	require.True(t, d.Allowed, d.Reason)

	// Revoking the parent token revokes everything attenuated from it.
	parentID, err := tok.ID()
	require.NoError(t, err)
	err = f.engine.Revoke(ctx, f.authority, parentID, 1, func(e *journal.Event) error {
		signDevice(t, f.issuerFixture, e)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, f.engine.Revoked(parentID))

	d = f.engine.Authorize(narrowed, f.pub, f.request(PermRead, "storage://acct/docs/x", 0))
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonRevoked, d.Reason)
}

func TestMaxUsesExhaustion(t *testing.T) {
	f := newEngineFixture(t, 15, interfaces.DefaultConfig())
	tok, holder, err := Issue(f.eff, f.authority, f.priv, f.subject, "storage://acct/*", []string{PermRead}, 0, 4)
	require.NoError(t, err)
	capped, _, err := Attenuate(f.eff, tok, holder, Restriction{MaxUses: 2})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		d := f.engine.Authorize(capped, f.pub, f.request(PermRead, "storage://acct/docs/x", 0))
		require.True(t, d.Allowed, d.Reason)
	}
	d := f.engine.Authorize(capped, f.pub, f.request(PermRead, "storage://acct/docs/x", 0))
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonUsesExhausted, d.Reason)
}

func TestFlowBudgetExhaustionAndRefill(t *testing.T) {
	cfg := interfaces.DefaultConfig()
	cfg.FlowBudgetCap = 100
	cfg.FlowBudgetRefillPerSec = 10
	f := newEngineFixture(t, 16, cfg)

	tok, _, err := Issue(f.eff, f.authority, f.priv, f.subject, "storage://acct/*", []string{PermWrite}, 0, 4)
	require.NoError(t, err)

	// Ten writes of cost 10 drain the budget; the eleventh is rejected.
	for i := 0; i < 10; i++ {
		d := f.engine.Authorize(tok, f.pub, f.request(PermWrite, "storage://acct/docs/x", 10))
		require.True(t, d.Allowed, "write %d: %s", i, d.Reason)
	}
	d := f.engine.Authorize(tok, f.pub, f.request(PermWrite, "storage://acct/docs/x", 10))
	assert.False(t, d.Allowed)
	assert.Equal(t, interfaces.KindFlowBudgetExhausted, d.Kind)

	// One second of refill admits exactly one more write.
	f.clock.Advance(time.Second)
	d = f.engine.Authorize(tok, f.pub, f.request(PermWrite, "storage://acct/docs/x", 10))
	assert.True(t, d.Allowed, d.Reason)
	d = f.engine.Authorize(tok, f.pub, f.request(PermWrite, "storage://acct/docs/x", 10))
	assert.False(t, d.Allowed)
}

func TestBudgetRefillKeepsFractionalCredit(t *testing.T) {
	cfg := interfaces.DefaultConfig()
	cfg.FlowBudgetCap = 100
	cfg.FlowBudgetRefillPerSec = 10
	eff, clock := effects.Simulation(17, nil, storage.NewMemoryBackend(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	b := NewBudgets(eff.Time, cfg)

	var peer interfaces.DeviceID
	var fctx interfaces.ContextID
	require.NoError(t, b.Charge(fctx, peer, 100))

	// Two half-second reads together credit a full 5 units even though
	// each alone truncates to 2.
	clock.Advance(250 * time.Millisecond)
	assert.Equal(t, uint64(2), b.Remaining(fctx, peer))
	clock.Advance(250 * time.Millisecond)
	assert.Equal(t, uint64(5), b.Remaining(fctx, peer))
}

func TestCostTable(t *testing.T) {
	assert.Equal(t, uint64(10), CostFor(PermRead, "storage://a/docs/x"))
	assert.Equal(t, uint64(100), CostFor(PermWrite, "storage://a/docs/*"))
	assert.Equal(t, uint64(500), CostFor(PermAdmin, "*"))
	assert.Equal(t, uint64(400), CostFor("gc", "storage://a/docs/x"))
}

func TestTokenCachePersistsAndEnforcesCap(t *testing.T) {
	cfg := interfaces.DefaultConfig()
	cfg.MaxCapabilitiesPerDevice = 2
	f := newEngineFixture(t, 18, cfg)
	ctx := context.Background()

	var lastID interfaces.CapabilityID
	for i := 0; i < 2; i++ {
		tok, _, err := Issue(f.eff, f.authority, f.priv, f.subject, "storage://acct/*", []string{PermRead}, uint64(1000*(i+1)), 4)
		require.NoError(t, err)
		lastID, err = f.engine.SaveToken(ctx, tok)
		require.NoError(t, err)
	}

	over, _, err := Issue(f.eff, f.authority, f.priv, f.subject, "storage://acct/*", []string{PermRead}, 9000, 4)
	require.NoError(t, err)
	_, err = f.engine.SaveToken(ctx, over)
	require.Error(t, err)

	loaded, err := f.engine.LoadToken(ctx, f.subject, lastID)
	require.NoError(t, err)
	gotID, err := loaded.ID()
	require.NoError(t, err)
	assert.Equal(t, lastID, gotID)
}
