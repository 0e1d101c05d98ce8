package ceremony

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/hxrts/aura/interfaces"
	"github.com/hxrts/aura/journal"
	"github.com/hxrts/aura/session"
)

const groupAuthorityDomain = "aura/group/authority/v1"

// ReshareHolder is one new share recipient. Dealers wrap sub-shares to the
// public RecipientKey; the holder's own machine unwraps with UnwrapKey.
type ReshareHolder struct {
	Device       interfaces.DeviceID
	RecipientKey []byte
	UnwrapKey    []byte
}

// ReshareParams describes a transition from the current threshold
// configuration to a new one. Dealers are old holders contributing their
// shares; at least the old threshold of them must participate.
type ReshareParams struct {
	GroupPub     []byte
	OldThreshold int
	Dealers      map[interfaces.DeviceID]interfaces.ThresholdShare
	Holders      []ReshareHolder
	NewThreshold int
	Epoch        uint64
}

// ReshareResult carries the new shares back to their holders and the new
// group epoch.
type ReshareResult struct {
	Session   interfaces.SessionID
	NewShares map[interfaces.DeviceID]interfaces.ThresholdShare
	NewEpoch  uint64
}

// reshareChoreography: dealers send their encrypted sub-share rows to the
// coordinator, the coordinator fans each holder's column out, and every
// holder acknowledges with its combined public share.
func reshareChoreography(dealers, holders []session.Role) *session.Choreography {
	roles := make([]session.Role, 0, len(dealers)+len(holders)+1)
	roles = append(roles, roleCoordinator)
	roles = append(roles, dealers...)
	roles = append(roles, holders...)
	c := &session.Choreography{Name: "reshare", Roles: roles}
	for _, d := range dealers {
		c.Steps = append(c.Steps, session.Message(d, roleCoordinator, "dealing"))
	}
	for _, h := range holders {
		c.Steps = append(c.Steps, session.Message(roleCoordinator, h, "dealing-set"))
	}
	for _, h := range holders {
		c.Steps = append(c.Steps, session.Message(h, roleCoordinator, "ack"))
	}
	return c
}

// reshareDealer re-splits its share and wraps each sub-share for its
// recipient.
type reshareDealer struct {
	scheme     interfaces.ThresholdScheme
	rnd        interfaces.Randomness
	share      interfaces.ThresholdShare
	dealingSet []uint32
	holders    []ReshareHolder
	newM       int
	info       []byte
}

func (d *reshareDealer) Produce(t session.MsgType, to session.Role) ([]byte, error) {
	if t != "dealing" {
		return nil, interfaces.Ef(interfaces.KindInternal, "dealer cannot produce %s", t)
	}
	subs, err := d.scheme.SubShares(d.share, d.dealingSet, d.newM, len(d.holders))
	if err != nil {
		return nil, err
	}
	row := make([][]byte, len(subs))
	for i, sub := range subs {
		raw, err := journal.Marshal(&sub)
		if err != nil {
			return nil, err
		}
		sealed, err := hpkeSeal(d.rnd, d.holders[i].RecipientKey, raw, d.info)
		if err != nil {
			return nil, err
		}
		row[i] = sealed
	}
	return journal.Marshal(row)
}

func (d *reshareDealer) Consume(t session.MsgType, from session.Role, payload []byte) error {
	return interfaces.Ef(interfaces.KindInternal, "dealer cannot consume %s", t)
}

func (d *reshareDealer) Decide(labels []string) (string, error) {
	return "", interfaces.E(interfaces.KindInternal, "resharing has no choice points")
}

// reshareHolderHandler unwraps its column of sub-shares and combines them
// into its new share.
type reshareHolderHandler struct {
	scheme    interfaces.ThresholdScheme
	unwrapKey []byte
	info      []byte

	newShare interfaces.ThresholdShare
}

func (h *reshareHolderHandler) Produce(t session.MsgType, to session.Role) ([]byte, error) {
	if t != "ack" {
		return nil, interfaces.Ef(interfaces.KindInternal, "holder cannot produce %s", t)
	}
	return h.newShare.PublicShare, nil
}

func (h *reshareHolderHandler) Consume(t session.MsgType, from session.Role, payload []byte) error {
	if t != "dealing-set" {
		return interfaces.Ef(interfaces.KindInternal, "holder cannot consume %s", t)
	}
	var column [][]byte
	if err := journal.Unmarshal(payload, &column); err != nil {
		return err
	}
	subs := make([]interfaces.ThresholdShare, 0, len(column))
	for _, sealed := range column {
		raw, err := hpkeOpen(h.unwrapKey, sealed, h.info)
		if err != nil {
			return err
		}
		var sub interfaces.ThresholdShare
		if err := journal.Unmarshal(raw, &sub); err != nil {
			return err
		}
		subs = append(subs, sub)
	}
	combined, err := h.scheme.CombineReceivedSubShares(subs)
	if err != nil {
		return err
	}
	h.newShare = combined
	return nil
}

func (h *reshareHolderHandler) Decide(labels []string) (string, error) {
	return "", interfaces.E(interfaces.KindInternal, "resharing has no choice points")
}

// reshareCoordinator routes dealer rows into holder columns and tracks
// acknowledgements.
type reshareCoordinator struct {
	dealerOrder []session.Role
	holderOrder []session.Role

	rows  map[session.Role][][]byte
	acked map[session.Role][]byte
}

func (c *reshareCoordinator) Produce(t session.MsgType, to session.Role) ([]byte, error) {
	if t != "dealing-set" {
		return nil, interfaces.Ef(interfaces.KindInternal, "coordinator cannot produce %s", t)
	}
	idx := -1
	for i, h := range c.holderOrder {
		if h == to {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, interfaces.Ef(interfaces.KindInternal, "unknown holder %s", to)
	}
	column := make([][]byte, 0, len(c.dealerOrder))
	for _, d := range c.dealerOrder {
		row := c.rows[d]
		if idx >= len(row) {
			return nil, interfaces.Ef(interfaces.KindProtocolViolation, "dealer %s row is short", d)
		}
		column = append(column, row[idx])
	}
	return journal.Marshal(column)
}

func (c *reshareCoordinator) Consume(t session.MsgType, from session.Role, payload []byte) error {
	switch t {
	case "dealing":
		var row [][]byte
		if err := journal.Unmarshal(payload, &row); err != nil {
			return err
		}
		c.rows[from] = row
		return nil
	case "ack":
		c.acked[from] = payload
		return nil
	default:
		return interfaces.Ef(interfaces.KindInternal, "coordinator cannot consume %s", t)
	}
}

func (c *reshareCoordinator) Decide(labels []string) (string, error) {
	return "", interfaces.E(interfaces.KindInternal, "resharing has no choice points")
}

func (c *reshareCoordinator) missingAcks() []string {
	var missing []string
	for _, h := range c.holderOrder {
		if _, ok := c.acked[h]; !ok {
			missing = append(missing, strings.TrimPrefix(string(h), "holder/"))
		}
	}
	return missing
}

// groupPredicate locates the group fact for a public key, deriving the
// canonical predicate if no fact exists yet.
func (r *Runtime) groupPredicate(groupPub []byte) (string, uint64) {
	for _, f := range r.j.View().Prefix(journal.GroupPrefix) {
		if pk, ok := f.Value.Map["pubkey"]; ok && bytes.Equal(pk.Bytes, groupPub) {
			return f.Predicate, uint64(f.Value.Map["epoch"].AsInt())
		}
	}
	authority := interfaces.AuthorityID(r.eff.Crypto.Hash(groupAuthorityDomain, groupPub))
	return journal.GroupPredicate(authority), 0
}

// RunReshare transitions the group to a new threshold configuration. Each
// dealer re-splits its share, wraps the sub-shares per recipient with HPKE,
// and the coordinator releases the new configuration only after a test
// signature under the new shares verifies against the unchanged group key.
func (r *Runtime) RunReshare(ctx context.Context, committer Committer, p ReshareParams) (*ReshareResult, error) {
	if len(p.Dealers) < p.OldThreshold {
		return nil, interfaces.Ef(interfaces.KindInvalidInput, "need %d dealers, have %d", p.OldThreshold, len(p.Dealers))
	}
	if p.NewThreshold < 1 || p.NewThreshold > len(p.Holders) {
		return nil, interfaces.Ef(interfaces.KindInvalidInput, "invalid new threshold %d of %d", p.NewThreshold, len(p.Holders))
	}

	s, err := r.OpenSession(ctx, committer, ProtocolReshare, p.Epoch)
	if err != nil {
		return nil, err
	}
	info := s.ID.Bytes()

	dealerDevices := make([]interfaces.DeviceID, 0, len(p.Dealers))
	for d := range p.Dealers {
		dealerDevices = append(dealerDevices, d)
	}
	sort.Slice(dealerDevices, func(i, j int) bool { return dealerDevices[i].String() < dealerDevices[j].String() })
	dealingSet := make([]uint32, len(dealerDevices))
	dealerRoles := make([]session.Role, len(dealerDevices))
	for i, d := range dealerDevices {
		dealingSet[i] = p.Dealers[d].Index
		dealerRoles[i] = session.Role("dealer/" + d.String())
	}
	holderRoles := make([]session.Role, len(p.Holders))
	for i, h := range p.Holders {
		holderRoles[i] = session.Role("holder/" + h.Device.String())
	}

	c := reshareChoreography(dealerRoles, holderRoles)
	if err := c.Validate(); err != nil {
		return nil, err
	}

	coord := &reshareCoordinator{
		dealerOrder: dealerRoles,
		holderOrder: holderRoles,
		rows:        make(map[session.Role][][]byte),
		acked:       make(map[session.Role][]byte),
	}
	sched := session.NewScheduler(64 * len(c.Roles) * len(c.Roles))
	prog, err := c.Project(roleCoordinator)
	if err != nil {
		return nil, err
	}
	sched.Add(session.NewMachine(roleCoordinator, prog, coord))
	for i, role := range dealerRoles {
		prog, err := c.Project(role)
		if err != nil {
			return nil, err
		}
		sched.Add(session.NewMachine(role, prog, &reshareDealer{
			scheme:     r.eff.Threshold,
			rnd:        r.eff.Rand,
			share:      p.Dealers[dealerDevices[i]],
			dealingSet: dealingSet,
			holders:    p.Holders,
			newM:       p.NewThreshold,
			info:       info,
		}))
	}
	holderHandlers := make([]*reshareHolderHandler, len(p.Holders))
	for i, role := range holderRoles {
		prog, err := c.Project(role)
		if err != nil {
			return nil, err
		}
		holderHandlers[i] = &reshareHolderHandler{
			scheme:    r.eff.Threshold,
			unwrapKey: p.Holders[i].UnwrapKey,
			info:      info,
		}
		sched.Add(session.NewMachine(role, prog, holderHandlers[i]))
	}

	if err := sched.RunToCompletion(); err != nil {
		reason := err.Error()
		if missing := coord.missingAcks(); len(missing) > 0 {
			reason = fmt.Sprintf("delivery failure: missing acks from %s", strings.Join(missing, ", "))
		}
		if abortErr := r.Abort(ctx, committer, s, reason, ""); abortErr != nil {
			return nil, abortErr
		}
		return nil, interfaces.Wrap(interfaces.KindProtocolViolation, reason, err)
	}

	newShares := make(map[interfaces.DeviceID]interfaces.ThresholdShare, len(p.Holders))
	for i, h := range p.Holders {
		newShares[h.Device] = holderHandlers[i].newShare
	}

	// The new configuration is released only if a signature under the new
	// shares verifies against the unchanged group key.
	if err := r.testSignature(newShares, p.NewThreshold, p.GroupPub, info); err != nil {
		if _, commitErr := r.commit(ctx, s, "reshare.rollback", []journal.FactOp{
			{Op: journal.OpPut, Predicate: "reshare/rollback/" + s.ID.String(), Value: journal.String(err.Error())},
		}); commitErr != nil {
			return nil, commitErr
		}
		if abortErr := r.Abort(ctx, committer, s, "test signature failed under new shares", ""); abortErr != nil {
			return nil, abortErr
		}
		return nil, err
	}

	predicate, oldEpoch := r.groupPredicate(p.GroupPub)
	newEpoch := oldEpoch + 1
	_, err = r.commit(ctx, s, "reshare.finalize", []journal.FactOp{
		{Op: journal.OpPut, Predicate: predicate, Value: journal.GroupValue(p.GroupPub, p.NewThreshold, len(p.Holders), newEpoch)},
	})
	if err != nil {
		return nil, err
	}
	if err := r.CloseSession(ctx, committer, s); err != nil {
		return nil, err
	}
	return &ReshareResult{Session: s.ID, NewShares: newShares, NewEpoch: newEpoch}, nil
}

// testSignature runs one local signing round with a threshold-sized subset
// of the given shares and verifies the result under the group key.
func (r *Runtime) testSignature(shares map[interfaces.DeviceID]interfaces.ThresholdShare, m int, groupPub, msg []byte) error {
	devices := make([]interfaces.DeviceID, 0, len(shares))
	for d := range shares {
		devices = append(devices, d)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].String() < devices[j].String() })
	subset := devices[:m]

	commitments := make([]interfaces.SigningCommitment, 0, m)
	states := make(map[uint32][]byte, m)
	for _, d := range subset {
		c, state, err := r.eff.Threshold.Commit(shares[d])
		if err != nil {
			return err
		}
		commitments = append(commitments, c)
		states[shares[d].Index] = state
	}
	partials := make([]interfaces.PartialSignature, 0, m)
	for _, d := range subset {
		p, err := r.eff.Threshold.PartialSign(shares[d], states[shares[d].Index], msg, commitments, groupPub)
		if err != nil {
			return err
		}
		partials = append(partials, p)
	}
	sig, err := r.eff.Threshold.Aggregate(msg, commitments, partials, groupPub)
	if err != nil {
		return err
	}
	if !r.eff.Threshold.VerifySignature(groupPub, msg, sig) {
		return interfaces.E(interfaces.KindProtocolViolation, "test signature does not verify under group key")
	}
	return nil
}
