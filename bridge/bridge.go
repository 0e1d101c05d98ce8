// Package bridge is the public entry point of the substrate. A request
// carries a capability token as proof; the bridge verifies and authorizes
// it against the current view, serves reads from the view snapshot,
// dispatches consensus writes to registered handlers, and records every
// decision as an audit fact in the journal.
package bridge

import (
	"bytes"
	"context"
	"encoding/binary"
	"strings"

	"go.uber.org/atomic"

	"github.com/hxrts/aura/capability"
	"github.com/hxrts/aura/ceremony"
	"github.com/hxrts/aura/interfaces"
	"github.com/hxrts/aura/journal"
)

// Built-in read operations answered directly from the view snapshot.
// Anything else must be registered as a handler.
const (
	OpReadFact    = "journal.read"
	OpQueryPrefix = "journal.query"
)

const auditDomain = "aura/audit/decision/v1"

// Request is one operation submitted by an external caller.
type Request struct {
	// Operation names the action to perform.
	Operation string

	// Resource is the resource URI the operation acts on. Read operations
	// expect the journal scheme, "journal://<authority>/<predicate>".
	Resource string

	// RequiredPermissions must all be present on the proof token.
	RequiredPermissions []string

	// Subject is the device claimed to be acting; the token must bind it.
	Subject interfaces.DeviceID

	// Context and Peer select the flow budget the operation charges.
	Context interfaces.ContextID
	Peer    interfaces.DeviceID

	// Cost overrides table-driven pricing when non-zero.
	Cost uint64

	// Proof is the capability token presented as authorization evidence.
	Proof *capability.Token

	Epoch uint64
}

// Outcome is the bridge's answer: the decision, plus facts for reads or
// the handler result for writes.
type Outcome struct {
	Decision capability.Decision
	Facts    []journal.Fact
	Result   any
}

// Handler executes an authorized write operation. Consensus operations
// open a ceremony session and block until it completes or aborts.
type Handler func(ctx context.Context, req Request) (any, error)

// Metrics counts bridge decisions.
type Metrics struct {
	Allowed atomic.Uint64
	Denied  atomic.Uint64
}

// Bridge evaluates operation requests. It holds no mutable domain state;
// everything it consults lives in the journal view or the capability
// engine.
type Bridge struct {
	eff       *interfaces.Effects
	j         *journal.Journal
	engine    *capability.Engine
	committer ceremony.Committer
	handlers  map[string]Handler
	seq       atomic.Uint64
	metrics   Metrics
}

// New creates a bridge. The committer signs the audit events the bridge
// writes for its own decisions.
func New(eff *interfaces.Effects, j *journal.Journal, engine *capability.Engine, committer ceremony.Committer) *Bridge {
	return &Bridge{
		eff:       eff,
		j:         j,
		engine:    engine,
		committer: committer,
		handlers:  make(map[string]Handler),
	}
}

// Metrics exposes the decision counters.
func (b *Bridge) Metrics() *Metrics { return &b.metrics }

// Register binds a handler to an operation name. Registration happens at
// wiring time, before the bridge serves requests.
func (b *Bridge) Register(operation string, h Handler) {
	b.handlers[operation] = h
}

// Execute runs the full pipeline: verify the proof, authorize, dispatch,
// and write the audit fact. Denials are outcomes, not errors; the error
// return covers handler and infrastructure failures.
func (b *Bridge) Execute(ctx context.Context, req Request) (*Outcome, error) {
	out, err := b.execute(ctx, req)
	if out != nil && out.Decision.Allowed {
		b.metrics.Allowed.Inc()
	} else {
		b.metrics.Denied.Inc()
	}
	if auditErr := b.audit(ctx, req, out, err); auditErr != nil {
		b.eff.Log.Error("audit fact write failed", "operation", req.Operation, "err", auditErr)
		if err == nil {
			err = auditErr
		}
	}
	return out, err
}

func (b *Bridge) execute(ctx context.Context, req Request) (*Outcome, error) {
	if req.Proof == nil {
		return &Outcome{Decision: capability.Deny(interfaces.KindAuthorizationFailed, capability.ReasonMalformedToken)}, nil
	}
	if len(req.RequiredPermissions) == 0 {
		return &Outcome{Decision: capability.Deny(interfaces.KindInvalidInput, "no required permissions named")}, nil
	}

	issuerPub := issuerKey(b.j.View(), req.Proof.Issuer)
	if issuerPub == nil {
		return &Outcome{Decision: capability.Deny(interfaces.KindAuthorizationFailed, "unknown issuer")}, nil
	}

	// All required permissions must survive the attenuation chain. The
	// engine evaluates the first one; the rest are pure set membership.
	held := make(map[string]struct{})
	for _, p := range req.Proof.EffectivePermissions() {
		held[p] = struct{}{}
	}
	for _, p := range req.RequiredPermissions {
		if _, ok := held[p]; !ok {
			return &Outcome{Decision: capability.Deny(interfaces.KindAuthorizationFailed, capability.ReasonInsufficientPermissions)}, nil
		}
	}

	decision := b.engine.Authorize(req.Proof, issuerPub, capability.Request{
		Operation: req.RequiredPermissions[0],
		Resource:  req.Resource,
		Subject:   req.Subject,
		Context:   req.Context,
		Peer:      req.Peer,
		Cost:      req.Cost,
	})
	if !decision.Allowed {
		return &Outcome{Decision: decision}, nil
	}

	switch req.Operation {
	case OpReadFact:
		predicate, err := journalPredicate(req.Resource)
		if err != nil {
			return &Outcome{Decision: decision}, err
		}
		out := &Outcome{Decision: decision}
		if f := b.j.View().Get(predicate); f != nil {
			out.Facts = []journal.Fact{*f}
		}
		return out, nil

	case OpQueryPrefix:
		prefix, err := journalPredicate(req.Resource)
		if err != nil {
			return &Outcome{Decision: decision}, err
		}
		return &Outcome{Decision: decision, Facts: b.j.View().Prefix(prefix)}, nil
	}

	h, ok := b.handlers[req.Operation]
	if !ok {
		return &Outcome{Decision: decision}, interfaces.Ef(interfaces.KindInvalidInput, "unknown operation %q", req.Operation)
	}
	result, err := h(ctx, req)
	if err != nil {
		return &Outcome{Decision: decision}, err
	}
	return &Outcome{Decision: decision, Result: result}, nil
}

// audit writes the decision fact. Every request leaves a trace, allowed
// or not, so later policy review can reconstruct who asked for what.
func (b *Bridge) audit(ctx context.Context, req Request, out *Outcome, execErr error) error {
	state := "deny"
	reason := ""
	if out != nil {
		reason = out.Decision.Reason
		if out.Decision.Allowed {
			state = "allow"
		}
	}
	if execErr != nil {
		state = "error"
		reason = execErr.Error()
	}

	var seqBytes [8]byte
	seq := b.seq.Inc()
	binary.BigEndian.PutUint64(seqBytes[:], seq)
	digest := b.eff.Crypto.Hash(auditDomain, req.Subject.Bytes(), []byte(req.Operation), []byte(req.Resource), seqBytes[:])

	epoch := req.Epoch
	if epoch == 0 {
		epoch = 1
	}
	e := b.j.NextEvent(b.committer.Authority, "bridge.audit", []journal.FactOp{
		{Op: journal.OpPut, Predicate: journal.AuditPrefix + "decision/" + digest.String(), Value: journal.MapValue(map[string]journal.Value{
			"operation": journal.String(req.Operation),
			"resource":  journal.String(req.Resource),
			"subject":   journal.BytesValue(req.Subject.Bytes()),
			"decision":  journal.String(state),
			"reason":    journal.String(reason),
			"at_ms":     journal.Int(int64(b.eff.Time.NowMs())),
			"seq":       journal.Int(int64(seq)),
		})},
	}, epoch)
	if err := b.committer.Sign(e); err != nil {
		return err
	}
	_, err := b.j.Append(ctx, e)
	return err
}

// issuerKey resolves an issuer authority to its verification key from the
// membership and group facts.
func issuerKey(view *journal.View, issuer interfaces.AuthorityID) []byte {
	for _, prefix := range []string{journal.DevicePrefix, journal.GuardianPrefix} {
		for _, f := range view.Prefix(prefix) {
			if bytes.Equal(f.Value.Map["authority"].Bytes, issuer.Bytes()) {
				return f.Value.Map["pubkey"].Bytes
			}
		}
	}
	if g := view.Get(journal.GroupPredicate(issuer)); g != nil {
		return g.Value.Map["pubkey"].Bytes
	}
	return nil
}

// journalPredicate extracts the predicate from a journal resource URI,
// "journal://<authority>/<predicate>".
func journalPredicate(resource string) (string, error) {
	rest, ok := strings.CutPrefix(resource, "journal://")
	if !ok {
		return "", interfaces.Ef(interfaces.KindInvalidInput, "resource %q is not a journal URI", resource)
	}
	_, predicate, ok := strings.Cut(rest, "/")
	if !ok || predicate == "" {
		return "", interfaces.Ef(interfaces.KindInvalidInput, "resource %q names no predicate", resource)
	}
	return predicate, nil
}
