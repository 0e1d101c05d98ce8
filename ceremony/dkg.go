package ceremony

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/hxrts/aura/interfaces"
	"github.com/hxrts/aura/journal"
	"github.com/hxrts/aura/session"
)

const (
	dkgCommitmentDomain  = "aura/dkg/commitment/v1"
	dkgFingerprintDomain = "aura/dkg/fingerprint/v1"
	dkgDeriveInfo        = "aura/dkg/derive/v1"

	roleCoordinator = session.Role("coordinator")
)

// ByzantineBehavior names a participant whose reveal did not match its
// commitment. It is recorded in the abort audit fact for policy review.
type ByzantineBehavior struct {
	Participant string
}

func (e *ByzantineBehavior) Error() string {
	return fmt.Sprintf("byzantine behavior by participant %s", e.Participant)
}

// DKGParams describes one distributed key generation run. Fingerprint order
// follows the participant order given here.
type DKGParams struct {
	Participants []interfaces.DeviceID
	Context      string
	Epoch        uint64
}

// DKGResult is the committed outcome of a successful run.
type DKGResult struct {
	Session     interfaces.SessionID
	Fingerprint interfaces.Hash
	PublicKey   []byte
}

// dkgChoreography is the commit-then-reveal protocol: every participant
// sends its point commitment to the coordinator, the coordinator echoes the
// full commitment set, then the same exchange repeats for reveals, and each
// participant confirms after verifying every reveal against its commitment.
func dkgChoreography(participants []session.Role) *session.Choreography {
	c := &session.Choreography{
		Name:  "dkg",
		Roles: append([]session.Role{roleCoordinator}, participants...),
	}
	for _, p := range participants {
		c.Steps = append(c.Steps, session.Message(p, roleCoordinator, "commitment"))
	}
	for _, p := range participants {
		c.Steps = append(c.Steps, session.Message(roleCoordinator, p, "commitment-set"))
	}
	for _, p := range participants {
		c.Steps = append(c.Steps, session.Message(p, roleCoordinator, "reveal"))
	}
	for _, p := range participants {
		c.Steps = append(c.Steps, session.Message(roleCoordinator, p, "reveal-set"))
	}
	for _, p := range participants {
		c.Steps = append(c.Steps, session.Message(p, roleCoordinator, "confirm"))
	}
	return c
}

// dkgParticipant holds one participant's sampled point and verifies the
// reveal set it receives back.
type dkgParticipant struct {
	crypto interfaces.CryptoProvider
	role   session.Role
	point  []byte

	commitments map[string][]byte
}

func newDKGParticipant(crypto interfaces.CryptoProvider, rnd interfaces.Randomness, role session.Role) *dkgParticipant {
	return &dkgParticipant{crypto: crypto, role: role, point: rnd.Bytes(32)}
}

func (p *dkgParticipant) Produce(t session.MsgType, to session.Role) ([]byte, error) {
	switch t {
	case "commitment":
		h := p.crypto.Hash(dkgCommitmentDomain, p.point)
		return h.Bytes(), nil
	case "reveal":
		return p.point, nil
	case "confirm":
		return []byte{1}, nil
	default:
		return nil, interfaces.Ef(interfaces.KindInternal, "participant cannot produce %s", t)
	}
}

func (p *dkgParticipant) Consume(t session.MsgType, from session.Role, payload []byte) error {
	switch t {
	case "commitment-set":
		var set map[string][]byte
		if err := journal.Unmarshal(payload, &set); err != nil {
			return err
		}
		p.commitments = set
		return nil
	case "reveal-set":
		var reveals map[string][]byte
		if err := journal.Unmarshal(payload, &reveals); err != nil {
			return err
		}
		for role, point := range reveals {
			committed, ok := p.commitments[role]
			if !ok {
				return interfaces.Wrap(interfaces.KindProtocolViolation, "reveal without commitment", &ByzantineBehavior{Participant: role})
			}
			h := p.crypto.Hash(dkgCommitmentDomain, point)
			if !bytes.Equal(h.Bytes(), committed) {
				return interfaces.Wrap(interfaces.KindProtocolViolation, "reveal does not match commitment", &ByzantineBehavior{Participant: role})
			}
		}
		return nil
	default:
		return interfaces.Ef(interfaces.KindInternal, "participant cannot consume %s", t)
	}
}

func (p *dkgParticipant) Decide(labels []string) (string, error) {
	return "", interfaces.E(interfaces.KindInternal, "dkg has no choice points")
}

// dkgCoordinator collects commitments and reveals, verifies the binding,
// and computes the seed fingerprint in participant order.
type dkgCoordinator struct {
	crypto interfaces.CryptoProvider
	order  []session.Role

	commitments map[string][]byte
	reveals     map[string][]byte
	confirmed   int
}

func newDKGCoordinator(crypto interfaces.CryptoProvider, order []session.Role) *dkgCoordinator {
	return &dkgCoordinator{
		crypto:      crypto,
		order:       order,
		commitments: make(map[string][]byte),
		reveals:     make(map[string][]byte),
	}
}

func (c *dkgCoordinator) Produce(t session.MsgType, to session.Role) ([]byte, error) {
	switch t {
	case "commitment-set":
		return journal.Marshal(c.commitments)
	case "reveal-set":
		return journal.Marshal(c.reveals)
	default:
		return nil, interfaces.Ef(interfaces.KindInternal, "coordinator cannot produce %s", t)
	}
}

func (c *dkgCoordinator) Consume(t session.MsgType, from session.Role, payload []byte) error {
	switch t {
	case "commitment":
		c.commitments[string(from)] = payload
		return nil
	case "reveal":
		committed := c.commitments[string(from)]
		h := c.crypto.Hash(dkgCommitmentDomain, payload)
		if !bytes.Equal(h.Bytes(), committed) {
			return interfaces.Wrap(interfaces.KindProtocolViolation, "reveal does not match commitment", &ByzantineBehavior{Participant: string(from)})
		}
		c.reveals[string(from)] = payload
		return nil
	case "confirm":
		c.confirmed++
		return nil
	default:
		return interfaces.Ef(interfaces.KindInternal, "coordinator cannot consume %s", t)
	}
}

func (c *dkgCoordinator) Decide(labels []string) (string, error) {
	return "", interfaces.E(interfaces.KindInternal, "dkg has no choice points")
}

// fingerprint hashes the revealed points in participant order followed by
// the derivation context.
func (c *dkgCoordinator) fingerprint(context string) interfaces.Hash {
	data := make([][]byte, 0, len(c.order)+1)
	for _, role := range c.order {
		data = append(data, c.reveals[string(role)])
	}
	data = append(data, []byte(context))
	return c.crypto.Hash(dkgFingerprintDomain, data...)
}

// RunDKG executes commit-then-reveal key generation among the given
// participants and commits the derived identity. Any commitment/reveal
// mismatch aborts the session naming the offender.
func (r *Runtime) RunDKG(ctx context.Context, committer Committer, p DKGParams) (*DKGResult, error) {
	if len(p.Participants) < 2 {
		return nil, interfaces.E(interfaces.KindInvalidInput, "dkg needs at least two participants")
	}

	s, err := r.OpenSession(ctx, committer, ProtocolDKG, p.Epoch)
	if err != nil {
		return nil, err
	}

	roles := make([]session.Role, len(p.Participants))
	for i, d := range p.Participants {
		roles[i] = session.Role(d.String())
	}
	c := dkgChoreography(roles)
	if err := c.Validate(); err != nil {
		return nil, err
	}

	coord := newDKGCoordinator(r.eff.Crypto, roles)
	sched := session.NewScheduler(64 * len(roles) * len(roles))
	prog, err := c.Project(roleCoordinator)
	if err != nil {
		return nil, err
	}
	sched.Add(session.NewMachine(roleCoordinator, prog, coord))
	for _, role := range roles {
		prog, err := c.Project(role)
		if err != nil {
			return nil, err
		}
		sched.Add(session.NewMachine(role, prog, newDKGParticipant(r.eff.Crypto, r.eff.Rand, role)))
	}

	if err := sched.RunToCompletion(); err != nil {
		offender := ""
		var bz *ByzantineBehavior
		if errors.As(err, &bz) {
			offender = bz.Participant
		}
		if abortErr := r.Abort(ctx, committer, s, err.Error(), offender); abortErr != nil {
			return nil, abortErr
		}
		return nil, err
	}

	fp := coord.fingerprint(p.Context)
	seed, err := r.eff.Crypto.DeriveKey(fp.Bytes(), s.ID.Bytes(), dkgDeriveInfo, ed25519.SeedSize)
	if err != nil {
		return nil, err
	}
	pub := ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey)

	participants := make([]journal.Value, len(p.Participants))
	for i, d := range p.Participants {
		participants[i] = journal.BytesValue(d.Bytes())
	}
	_, err = r.commit(ctx, s, "dkg.finalize", []journal.FactOp{
		{Op: journal.OpPut, Predicate: "dkg/" + s.ID.String(), Value: journal.MapValue(map[string]journal.Value{
			"fingerprint":  journal.BytesValue(fp.Bytes()),
			"pubkey":       journal.BytesValue(pub),
			"context":      journal.String(p.Context),
			"participants": journal.ListValue(participants...),
		})},
	})
	if err != nil {
		return nil, err
	}
	if err := r.CloseSession(ctx, committer, s); err != nil {
		return nil, err
	}
	return &DKGResult{Session: s.ID, Fingerprint: fp, PublicKey: pub}, nil
}
