package ceremony

import (
	"context"
	"fmt"
	"sort"

	"github.com/hxrts/aura/interfaces"
	"github.com/hxrts/aura/journal"
	"github.com/hxrts/aura/session"
)

// ThresholdNotMet reports a signing run that could not gather enough
// online signers.
type ThresholdNotMet struct {
	Got, Need int
}

func (e *ThresholdNotMet) Error() string {
	return fmt.Sprintf("threshold not met: got %d signers, need %d", e.Got, e.Need)
}

// SignParams describes one threshold signing run. Signers maps each online
// device to its key share; offline devices are simply absent.
type SignParams struct {
	GroupPub  []byte
	Threshold int
	Signers   map[interfaces.DeviceID]interfaces.ThresholdShare
	Message   []byte
	Epoch     uint64
}

// SignResult is the committed outcome of a successful run.
type SignResult struct {
	Session      interfaces.SessionID
	Signature    []byte
	Participants []interfaces.DeviceID
	Valid        bool
}

// signChoreography is the four-round coordinator flow: init with the
// message, commitments in, commitment set out, partials in, aggregate out.
func signChoreography(signers []session.Role) *session.Choreography {
	c := &session.Choreography{
		Name:  "threshold-sign",
		Roles: append([]session.Role{roleCoordinator}, signers...),
	}
	for _, s := range signers {
		c.Steps = append(c.Steps, session.Message(roleCoordinator, s, "init"))
	}
	for _, s := range signers {
		c.Steps = append(c.Steps, session.Message(s, roleCoordinator, "commitment"))
	}
	for _, s := range signers {
		c.Steps = append(c.Steps, session.Message(roleCoordinator, s, "commitment-set"))
	}
	for _, s := range signers {
		c.Steps = append(c.Steps, session.Message(s, roleCoordinator, "partial"))
	}
	for _, s := range signers {
		c.Steps = append(c.Steps, session.Message(roleCoordinator, s, "signature"))
	}
	return c
}

type signAggregate struct {
	Signature []byte `cbor:"1,keyasint"`
	Valid     bool   `cbor:"2,keyasint"`
}

// signSigner executes one signer's rounds: fresh nonce commitment, then a
// partial signature over the received commitment set.
type signSigner struct {
	scheme   interfaces.ThresholdScheme
	share    interfaces.ThresholdShare
	groupPub []byte

	msg         []byte
	nonceState  []byte
	commitments []interfaces.SigningCommitment
}

func (s *signSigner) Produce(t session.MsgType, to session.Role) ([]byte, error) {
	switch t {
	case "commitment":
		c, state, err := s.scheme.Commit(s.share)
		if err != nil {
			return nil, err
		}
		s.nonceState = state
		return journal.Marshal(&c)
	case "partial":
		p, err := s.scheme.PartialSign(s.share, s.nonceState, s.msg, s.commitments, s.groupPub)
		if err != nil {
			return nil, err
		}
		return journal.Marshal(&p)
	default:
		return nil, interfaces.Ef(interfaces.KindInternal, "signer cannot produce %s", t)
	}
}

func (s *signSigner) Consume(t session.MsgType, from session.Role, payload []byte) error {
	switch t {
	case "init":
		s.msg = payload
		return nil
	case "commitment-set":
		return journal.Unmarshal(payload, &s.commitments)
	case "signature":
		var agg signAggregate
		if err := journal.Unmarshal(payload, &agg); err != nil {
			return err
		}
		if !agg.Valid {
			return interfaces.E(interfaces.KindProtocolViolation, "aggregated signature did not verify")
		}
		return nil
	default:
		return interfaces.Ef(interfaces.KindInternal, "signer cannot consume %s", t)
	}
}

func (s *signSigner) Decide(labels []string) (string, error) {
	return "", interfaces.E(interfaces.KindInternal, "signing has no choice points")
}

// signCoordinator drives the rounds and aggregates the partials.
type signCoordinator struct {
	scheme   interfaces.ThresholdScheme
	groupPub []byte
	msg      []byte

	commitments []interfaces.SigningCommitment
	partials    []interfaces.PartialSignature
	signature   []byte
}

func (c *signCoordinator) Produce(t session.MsgType, to session.Role) ([]byte, error) {
	switch t {
	case "init":
		return c.msg, nil
	case "commitment-set":
		return journal.Marshal(c.commitments)
	case "signature":
		if c.signature == nil {
			sig, err := c.scheme.Aggregate(c.msg, c.commitments, c.partials, c.groupPub)
			if err != nil {
				return nil, err
			}
			c.signature = sig
		}
		valid := c.scheme.VerifySignature(c.groupPub, c.msg, c.signature)
		return journal.Marshal(&signAggregate{Signature: c.signature, Valid: valid})
	default:
		return nil, interfaces.Ef(interfaces.KindInternal, "coordinator cannot produce %s", t)
	}
}

func (c *signCoordinator) Consume(t session.MsgType, from session.Role, payload []byte) error {
	switch t {
	case "commitment":
		var commitment interfaces.SigningCommitment
		if err := journal.Unmarshal(payload, &commitment); err != nil {
			return err
		}
		c.commitments = append(c.commitments, commitment)
		return nil
	case "partial":
		var partial interfaces.PartialSignature
		if err := journal.Unmarshal(payload, &partial); err != nil {
			return err
		}
		c.partials = append(c.partials, partial)
		return nil
	default:
		return interfaces.Ef(interfaces.KindInternal, "coordinator cannot consume %s", t)
	}
}

func (c *signCoordinator) Decide(labels []string) (string, error) {
	return "", interfaces.E(interfaces.KindInternal, "signing has no choice points")
}

// RunThresholdSign executes a FROST signing round among the online signers
// and commits the aggregated signature. Fewer online signers than the
// threshold aborts the session with ThresholdNotMet.
func (r *Runtime) RunThresholdSign(ctx context.Context, committer Committer, p SignParams) (*SignResult, error) {
	s, err := r.OpenSession(ctx, committer, ProtocolSign, p.Epoch)
	if err != nil {
		return nil, err
	}

	if len(p.Signers) < p.Threshold {
		notMet := &ThresholdNotMet{Got: len(p.Signers), Need: p.Threshold}
		if err := r.Abort(ctx, committer, s, notMet.Error(), ""); err != nil {
			return nil, err
		}
		return nil, interfaces.Wrap(interfaces.KindProtocolViolation, "signing aborted", notMet)
	}

	devices := make([]interfaces.DeviceID, 0, len(p.Signers))
	for d := range p.Signers {
		devices = append(devices, d)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].String() < devices[j].String() })

	roles := make([]session.Role, len(devices))
	for i, d := range devices {
		roles[i] = session.Role(d.String())
	}
	c := signChoreography(roles)
	if err := c.Validate(); err != nil {
		return nil, err
	}

	coord := &signCoordinator{scheme: r.eff.Threshold, groupPub: p.GroupPub, msg: p.Message}
	sched := session.NewScheduler(64 * len(roles) * len(roles))
	prog, err := c.Project(roleCoordinator)
	if err != nil {
		return nil, err
	}
	sched.Add(session.NewMachine(roleCoordinator, prog, coord))
	for i, role := range roles {
		prog, err := c.Project(role)
		if err != nil {
			return nil, err
		}
		sched.Add(session.NewMachine(role, prog, &signSigner{
			scheme:   r.eff.Threshold,
			share:    p.Signers[devices[i]],
			groupPub: p.GroupPub,
		}))
	}

	if err := sched.RunToCompletion(); err != nil {
		if abortErr := r.Abort(ctx, committer, s, err.Error(), ""); abortErr != nil {
			return nil, abortErr
		}
		return nil, err
	}

	valid := r.eff.Threshold.VerifySignature(p.GroupPub, p.Message, coord.signature)
	participants := make([]journal.Value, len(devices))
	for i, d := range devices {
		participants[i] = journal.BytesValue(d.Bytes())
	}
	_, err = r.commit(ctx, s, "sign.aggregate", []journal.FactOp{
		{Op: journal.OpPut, Predicate: "sign/" + s.ID.String(), Value: journal.MapValue(map[string]journal.Value{
			"signature":    journal.BytesValue(coord.signature),
			"valid":        journal.Bool(valid),
			"participants": journal.ListValue(participants...),
		})},
	})
	if err != nil {
		return nil, err
	}
	if err := r.CloseSession(ctx, committer, s); err != nil {
		return nil, err
	}
	return &SignResult{Session: s.ID, Signature: coord.signature, Participants: devices, Valid: valid}, nil
}
