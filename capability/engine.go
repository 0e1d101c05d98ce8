package capability

import (
	"context"
	"fmt"
	"sync"

	"github.com/hxrts/aura/interfaces"
	"github.com/hxrts/aura/journal"
)

// Decision is the outcome of an authorization check. Denials carry a
// stable error kind and a single reason string, never internal detail.
type Decision struct {
	Allowed bool
	Kind    interfaces.ErrorKind
	Reason  string
}

// Allow is the positive decision.
func Allow() Decision { return Decision{Allowed: true} }

// Deny builds a negative decision.
func Deny(kind interfaces.ErrorKind, reason string) Decision {
	return Decision{Kind: kind, Reason: reason}
}

// Request is one operation submitted for authorization.
type Request struct {
	// Operation names the action, matched against the token's permission
	// set (read, write, admin, ...).
	Operation string

	// Resource is the concrete resource URI being acted on.
	Resource string

	// Subject is the authority-side expectation of who is acting. The
	// token's subject binding must match it.
	Subject interfaces.DeviceID

	// Context and Peer select the flow budget to charge.
	Context interfaces.ContextID
	Peer    interfaces.DeviceID

	// Cost overrides table-driven pricing when non-zero.
	Cost uint64
}

// Engine evaluates capability tokens against the journal view and the flow
// budgets. Tokens are immutable; all revocation state lives in the journal,
// so a decision observes one consistent view snapshot taken at entry.
type Engine struct {
	journal *journal.Journal
	budgets *Budgets
	eff     *interfaces.Effects
	cfg     interfaces.Config

	mu   sync.Mutex
	uses map[interfaces.CapabilityID]uint64
}

// NewEngine creates a capability engine bound to a journal.
func NewEngine(eff *interfaces.Effects, j *journal.Journal, cfg interfaces.Config) *Engine {
	return &Engine{
		journal: j,
		budgets: NewBudgets(eff.Time, cfg),
		eff:     eff,
		cfg:     cfg,
		uses:    make(map[interfaces.CapabilityID]uint64),
	}
}

// Budgets exposes the flow-budget tracker for callers that charge outside
// an authorization, such as the transport admission path.
func (e *Engine) Budgets() *Budgets { return e.budgets }

// Revoked reports whether a capability id is tombstoned in the view.
func (e *Engine) Revoked(id interfaces.CapabilityID) bool {
	return e.journal.View().Get(journal.CapRevokedPredicate(id)) != nil
}

// Authorize runs the full decision pipeline: token verification,
// revocation, subject binding, permission and resource-pattern evaluation,
// use counting, and the flow-budget charge. Default deny; the budget is
// charged only when everything else passed.
func (e *Engine) Authorize(t *Token, issuerPub []byte, req Request) Decision {
	now := e.eff.Time.NowMs()
	if err := Verify(e.eff, t, issuerPub, now); err != nil {
		return Deny(interfaces.Kind(err), err.Error())
	}

	ancestors, err := t.AncestorIDs()
	if err != nil {
		return Deny(interfaces.KindInternal, "token addressing failed")
	}
	id := ancestors[len(ancestors)-1]
	view := e.journal.View()
	for _, ancestor := range ancestors {
		if view.Get(journal.CapRevokedPredicate(ancestor)) != nil {
			return Deny(interfaces.KindAuthorizationFailed, ReasonRevoked)
		}
	}

	if t.Subject != req.Subject {
		return Deny(interfaces.KindAuthorizationFailed, ReasonSubjectMismatch)
	}

	permitted := false
	for _, p := range t.EffectivePermissions() {
		if p == req.Operation {
			permitted = true
			break
		}
	}
	if !permitted {
		return Deny(interfaces.KindAuthorizationFailed, ReasonInsufficientPermissions)
	}

	// The resource must fall inside the base scope and every attenuation
	// scope; blocks only ever intersect.
	if !MatchResource(t.Scope, req.Resource) {
		return Deny(interfaces.KindAuthorizationFailed, ReasonResourcePattern)
	}
	for _, b := range t.Blocks {
		if b.Restriction.Scope != "" && !MatchResource(b.Restriction.Scope, req.Resource) {
			return Deny(interfaces.KindAuthorizationFailed, ReasonResourcePattern)
		}
	}

	if max := t.EffectiveMaxUses(); max != 0 {
		e.mu.Lock()
		used := e.uses[id]
		e.mu.Unlock()
		if used >= max {
			return Deny(interfaces.KindAuthorizationFailed, ReasonUsesExhausted)
		}
	}

	cost := req.Cost
	if cost == 0 {
		cost = CostFor(req.Operation, req.Resource)
	}
	if err := e.budgets.Charge(req.Context, req.Peer, cost); err != nil {
		return Deny(interfaces.KindFlowBudgetExhausted, ReasonFlowBudgetExhausted)
	}

	e.mu.Lock()
	e.uses[id]++
	e.mu.Unlock()
	return Allow()
}

// Revoke writes the tombstone fact for a capability id. The caller signs
// the drafted event with whatever witness its authority requires.
func (e *Engine) Revoke(ctx context.Context, authority interfaces.AuthorityID, id interfaces.CapabilityID, epoch uint64, sign func(*journal.Event) error) error {
	event := e.journal.NextEvent(authority, "capability.revoke", []journal.FactOp{
		{Op: journal.OpPut, Predicate: journal.CapRevokedPredicate(id), Value: journal.Bool(true)},
	}, epoch)
	if err := sign(event); err != nil {
		return err
	}
	_, err := e.journal.Append(ctx, event)
	return err
}

func tokenKey(subject interfaces.DeviceID, id interfaces.CapabilityID) string {
	return fmt.Sprintf("cap:token:%s:%s", subject.String(), id)
}

// SaveToken caches a token for its subject, enforcing the per-device cap.
func (e *Engine) SaveToken(ctx context.Context, t *Token) (interfaces.CapabilityID, error) {
	id, err := t.ID()
	if err != nil {
		return "", err
	}
	held, err := e.eff.Store.List(ctx, fmt.Sprintf("cap:token:%s:", t.Subject.String()))
	if err != nil {
		return "", interfaces.Wrap(interfaces.KindStorageFailure, "list cached tokens", err)
	}
	if len(held) >= e.cfg.MaxCapabilitiesPerDevice {
		return "", interfaces.Ef(interfaces.KindInvalidInput, "device holds %d capabilities, cap is %d", len(held), e.cfg.MaxCapabilitiesPerDevice)
	}
	raw, err := t.Encode()
	if err != nil {
		return "", err
	}
	if err := e.eff.Store.Store(ctx, tokenKey(t.Subject, id), raw); err != nil {
		return "", interfaces.Wrap(interfaces.KindStorageFailure, "cache token", err)
	}
	return id, nil
}

// LoadToken retrieves a cached token by subject and id.
func (e *Engine) LoadToken(ctx context.Context, subject interfaces.DeviceID, id interfaces.CapabilityID) (*Token, error) {
	raw, found, err := e.eff.Store.Retrieve(ctx, tokenKey(subject, id))
	if err != nil {
		return nil, interfaces.Wrap(interfaces.KindStorageFailure, "load token", err)
	}
	if !found {
		return nil, interfaces.Ef(interfaces.KindInvalidInput, "unknown capability %s", id)
	}
	return DecodeToken(raw)
}
