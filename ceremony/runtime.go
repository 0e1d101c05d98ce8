// Package ceremony executes multi-party protocol runs over session-typed
// state machines and commits their outcomes to the journal. Every ceremony
// shares one shape: open a session, run the choreography rounds, write the
// outcome facts under the session's lifecycle witness, close the session.
package ceremony

import (
	"context"

	"go.uber.org/atomic"

	"github.com/hxrts/aura/fabric"
	"github.com/hxrts/aura/interfaces"
	"github.com/hxrts/aura/journal"
)

// Protocol kinds, recorded in session facts and persisted session records.
const (
	ProtocolDKG          = "dkg"
	ProtocolSign         = "sign"
	ProtocolReshare      = "reshare"
	ProtocolRecover      = "recover"
	ProtocolLock         = "lock"
	ProtocolDeviceAdd    = "device.add"
	ProtocolDeviceRemove = "device.remove"
	ProtocolPolicyChange = "policy.change"
)

const (
	sessionKeyPrefix       = "session:state:"
	sessionAuthorityDomain = "aura/session/authority/v1"
)

// Committer signs ceremony control events for one authority: session opens,
// closes, and aborts. Outcome events inside a live session carry lifecycle
// witnesses instead and need no committer signature.
type Committer struct {
	Authority interfaces.AuthorityID
	Sign      func(e *journal.Event) error
}

// Metrics counts ceremony outcomes across the runtime's lifetime.
type Metrics struct {
	SessionsOpened    atomic.Uint64
	SessionsCompleted atomic.Uint64
	SessionsAborted   atomic.Uint64
	CooldownBlocked   atomic.Uint64
}

// Runtime drives ceremonies against one account journal.
type Runtime struct {
	eff *interfaces.Effects
	cfg interfaces.Config
	j   *journal.Journal
	fab *fabric.Fabric

	metrics Metrics
}

// NewRuntime binds a ceremony runtime to its journal.
func NewRuntime(eff *interfaces.Effects, cfg interfaces.Config, j *journal.Journal) *Runtime {
	return &Runtime{eff: eff, cfg: cfg, j: j, fab: fabric.NewFabric(eff, j)}
}

// Fabric exposes the key-graph op builder bound to this runtime's journal.
func (r *Runtime) Fabric() *fabric.Fabric { return r.fab }

// Metrics exposes the runtime counters.
func (r *Runtime) Metrics() *Metrics { return &r.metrics }

// Session is one open ceremony instance. Outcome events are written under
// the session's own authority so they validate by lifecycle witness rather
// than membership.
type Session struct {
	ID         interfaces.SessionID
	Protocol   string
	Authority  interfaces.AuthorityID
	DeadlineMs uint64
	Epoch      uint64
}

type sessionRecord struct {
	ID         interfaces.SessionID `cbor:"1,keyasint"`
	Protocol   string               `cbor:"2,keyasint"`
	DeadlineMs uint64               `cbor:"3,keyasint"`
	Epoch      uint64               `cbor:"4,keyasint"`
}

func sessionAuthority(crypto interfaces.CryptoProvider, id interfaces.SessionID) interfaces.AuthorityID {
	return interfaces.AuthorityID(crypto.Hash(sessionAuthorityDomain, id.Bytes()))
}

// OpenSession writes the session-initiate event and persists the session
// record for restart recovery.
func (r *Runtime) OpenSession(ctx context.Context, committer Committer, protocol string, epoch uint64) (*Session, error) {
	var id interfaces.SessionID
	copy(id[:], r.eff.Rand.Bytes(16))
	deadline := r.eff.Time.NowMs() + r.cfg.SessionDefaultTTLSecs*1000

	e := r.j.NextEvent(committer.Authority, "session.open", []journal.FactOp{
		{Op: journal.OpPut, Predicate: journal.SessionPredicate(id), Value: journal.SessionValue("active", protocol, deadline)},
	}, epoch)
	if err := committer.Sign(e); err != nil {
		return nil, err
	}
	if _, err := r.j.Append(ctx, e); err != nil {
		return nil, err
	}

	raw, err := journal.Marshal(&sessionRecord{ID: id, Protocol: protocol, DeadlineMs: deadline, Epoch: epoch})
	if err != nil {
		return nil, err
	}
	if err := r.eff.Store.Store(ctx, sessionKeyPrefix+id.String(), raw); err != nil {
		return nil, interfaces.Wrap(interfaces.KindStorageFailure, "persist session record", err)
	}

	r.metrics.SessionsOpened.Inc()
	r.eff.Log.Debug("session opened", "session", id.String(), "protocol", protocol, "deadline_ms", deadline)
	return &Session{
		ID:         id,
		Protocol:   protocol,
		Authority:  sessionAuthority(r.eff.Crypto, id),
		DeadlineMs: deadline,
		Epoch:      epoch,
	}, nil
}

// commit writes one outcome event inside a live session under its lifecycle
// witness. The journal enforces that the session fact is active and the
// deadline has not passed.
func (r *Runtime) commit(ctx context.Context, s *Session, kind string, ops []journal.FactOp) (interfaces.Hash, error) {
	e := r.j.NextEvent(s.Authority, kind, ops, s.Epoch)
	e.Auth = journal.Authorization{Kind: journal.AuthLifecycle, Session: s.ID}
	return r.j.Append(ctx, e)
}

// CloseSession marks the session complete and drops its persisted record.
// Outcome facts must already be committed; the close event only flips the
// session fact.
func (r *Runtime) CloseSession(ctx context.Context, committer Committer, s *Session) error {
	e := r.j.NextEvent(committer.Authority, "session.close", []journal.FactOp{
		{Op: journal.OpPut, Predicate: journal.SessionPredicate(s.ID), Value: journal.SessionValue("complete", s.Protocol, s.DeadlineMs)},
	}, s.Epoch)
	if err := committer.Sign(e); err != nil {
		return err
	}
	if _, err := r.j.Append(ctx, e); err != nil {
		return err
	}
	if err := r.eff.Store.Remove(ctx, sessionKeyPrefix+s.ID.String()); err != nil {
		return interfaces.Wrap(interfaces.KindStorageFailure, "drop session record", err)
	}
	r.metrics.SessionsCompleted.Inc()
	return nil
}

// Abort writes the authoritative abort event for a session: the session fact
// flips to aborted and an audit fact records the reason and, when known, the
// offending participant. Aborted sessions are never resumed; retries use a
// fresh session id.
func (r *Runtime) Abort(ctx context.Context, committer Committer, s *Session, reason, offender string) error {
	audit := map[string]journal.Value{
		"protocol": journal.String(s.Protocol),
		"reason":   journal.String(reason),
	}
	if offender != "" {
		audit["offender"] = journal.String(offender)
	}
	e := r.j.NextEvent(committer.Authority, s.Protocol+".abort", []journal.FactOp{
		{Op: journal.OpPut, Predicate: journal.SessionPredicate(s.ID), Value: journal.SessionValue("aborted", s.Protocol, s.DeadlineMs)},
		{Op: journal.OpPut, Predicate: journal.AuditPrefix + "session/" + s.ID.String(), Value: journal.MapValue(audit)},
	}, s.Epoch)
	if err := committer.Sign(e); err != nil {
		return err
	}
	if _, err := r.j.Append(ctx, e); err != nil {
		return err
	}
	if err := r.eff.Store.Remove(ctx, sessionKeyPrefix+s.ID.String()); err != nil {
		return interfaces.Wrap(interfaces.KindStorageFailure, "drop session record", err)
	}
	r.metrics.SessionsAborted.Inc()
	r.eff.Log.Warn("session aborted", "session", s.ID.String(), "protocol", s.Protocol, "reason", reason)
	return nil
}

// RecoverSessions scans persisted session records after a restart. Sessions
// past their deadline are aborted with a timeout reason; the rest are
// returned for the caller to resume.
func (r *Runtime) RecoverSessions(ctx context.Context, committer Committer) (resumable []*Session, aborted int, err error) {
	keys, err := r.eff.Store.List(ctx, sessionKeyPrefix)
	if err != nil {
		return nil, 0, interfaces.Wrap(interfaces.KindStorageFailure, "list session records", err)
	}
	now := r.eff.Time.NowMs()
	for _, key := range keys {
		raw, found, err := r.eff.Store.Retrieve(ctx, key)
		if err != nil {
			return nil, 0, interfaces.Wrap(interfaces.KindStorageFailure, "load session record", err)
		}
		if !found {
			continue
		}
		var rec sessionRecord
		if err := journal.Unmarshal(raw, &rec); err != nil {
			return nil, 0, err
		}
		s := &Session{
			ID:         rec.ID,
			Protocol:   rec.Protocol,
			Authority:  sessionAuthority(r.eff.Crypto, rec.ID),
			DeadlineMs: rec.DeadlineMs,
			Epoch:      rec.Epoch,
		}
		if now > rec.DeadlineMs {
			if err := r.Abort(ctx, committer, s, "deadline exceeded before completion", ""); err != nil {
				return nil, 0, err
			}
			aborted++
			continue
		}
		resumable = append(resumable, s)
	}
	return resumable, aborted, nil
}
