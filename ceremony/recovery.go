package ceremony

import (
	"context"
	"crypto/ed25519"

	"github.com/hashicorp/vault/shamir"

	"github.com/hxrts/aura/interfaces"
	"github.com/hxrts/aura/journal"
)

const (
	recoveryLeafDomain      = "aura/recovery/leaf/v1"
	recoveryDeriveInfo      = "aura/recovery/device/v1"
	recoveryAuthorityDomain = "aura/recovery/authority/v1"

	sharesetPredicate      = journal.RecoveryPrefix + "shareset"
	recoveryShareKeyPrefix = "recovery:share:"
)

// Priority adjusts guardian cooldowns per recovery request: routine
// requests wait longer, urgent ones shorter.
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// scaleCooldownMs applies the priority multiplier to the base cooldown.
func (p Priority) scaleCooldownMs(base uint64) uint64 {
	switch p {
	case PriorityLow:
		return base * 2
	case PriorityHigh:
		return base / 2
	case PriorityCritical:
		return base / 4
	default:
		return base
	}
}

// GuardianInfo is one recovery guardian with its HPKE wrapping key.
type GuardianInfo struct {
	ID           interfaces.GuardianID
	RecipientKey []byte
}

// GuardianKey is a responding guardian with the private key that unwraps
// its provisioned share.
type GuardianKey struct {
	ID        interfaces.GuardianID
	UnwrapKey []byte
}

// guardianShareRecord is the persisted per-guardian share: the wrapped
// Shamir part plus the Merkle proof linking it to the committed shareset.
type guardianShareRecord struct {
	Index  uint64                   `cbor:"1,keyasint"`
	Sealed []byte                   `cbor:"2,keyasint"`
	Proof  *journal.InclusionProof  `cbor:"3,keyasint"`
	Root   interfaces.Hash          `cbor:"4,keyasint"`
}

// ProvisionGuardians splits the root secret across the guardians, wraps
// each part for its holder, and commits the shareset's Merkle root so
// later recoveries can prove share membership.
func (r *Runtime) ProvisionGuardians(ctx context.Context, committer Committer, rootSecret []byte, guardians []GuardianInfo, threshold int, epoch uint64) error {
	if threshold < 2 || threshold > len(guardians) {
		return interfaces.Ef(interfaces.KindInvalidInput, "invalid guardian threshold %d of %d", threshold, len(guardians))
	}
	parts, err := shamir.Split(rootSecret, len(guardians), threshold)
	if err != nil {
		return interfaces.Wrap(interfaces.KindInternal, "split root secret", err)
	}

	leaves := make([]interfaces.Hash, len(parts))
	for i, part := range parts {
		leaves[i] = r.eff.Crypto.Hash(recoveryLeafDomain, part)
	}
	root := journal.MerkleRoot(r.eff.Crypto, leaves)

	for i, g := range guardians {
		proof, err := journal.MerkleProve(r.eff.Crypto, leaves, uint64(i))
		if err != nil {
			return err
		}
		sealed, err := hpkeSeal(r.eff.Rand, g.RecipientKey, parts[i], g.ID.Bytes())
		if err != nil {
			return err
		}
		raw, err := journal.Marshal(&guardianShareRecord{Index: uint64(i), Sealed: sealed, Proof: proof, Root: root})
		if err != nil {
			return err
		}
		if err := r.eff.Store.Store(ctx, recoveryShareKeyPrefix+g.ID.String(), raw); err != nil {
			return interfaces.Wrap(interfaces.KindStorageFailure, "persist guardian share", err)
		}
	}

	e := r.j.NextEvent(committer.Authority, "recovery.provision", []journal.FactOp{
		{Op: journal.OpPut, Predicate: sharesetPredicate, Value: journal.MapValue(map[string]journal.Value{
			"root":      journal.BytesValue(root.Bytes()),
			"threshold": journal.Int(int64(threshold)),
			"count":     journal.Int(int64(len(guardians))),
		})},
	}, epoch)
	if err := committer.Sign(e); err != nil {
		return err
	}
	_, err = r.j.Append(ctx, e)
	return err
}

// RecoveryParams describes one guardian recovery attempt.
type RecoveryParams struct {
	NewDevice interfaces.DeviceID
	Priority  Priority
	Guardians []GuardianKey
	Epoch     uint64
}

// RecoveryResult is the recovered identity. The identity stays provisional
// in the view until the dispute window closes.
type RecoveryResult struct {
	Session            interfaces.SessionID
	Device             interfaces.DeviceID
	PublicKey          []byte
	PrivateKey         []byte
	Responders         []interfaces.GuardianID
	ProvisionalUntilMs uint64
}

// RunRecovery collects guardian shares, reconstructs the root secret once
// the guardian threshold is met, derives a fresh device identity, and
// commits it flagged provisional. Guardians inside their cooldown are
// skipped and counted.
func (r *Runtime) RunRecovery(ctx context.Context, committer Committer, p RecoveryParams) (*RecoveryResult, error) {
	shareset := r.j.View().Get(sharesetPredicate)
	if shareset == nil {
		return nil, interfaces.E(interfaces.KindConflictingState, "no provisioned guardian shareset")
	}
	root, err := interfaces.NewHashFromBytes(shareset.Value.Map["root"].Bytes)
	if err != nil {
		return nil, err
	}
	threshold := int(shareset.Value.Map["threshold"].AsInt())

	s, err := r.OpenSession(ctx, committer, ProtocolRecover, p.Epoch)
	if err != nil {
		return nil, err
	}
	now := r.eff.Time.NowMs()
	if _, err := r.commit(ctx, s, "recovery.initiate", []journal.FactOp{
		{Op: journal.OpPut, Predicate: journal.RecoveryPrefix + "request/" + s.ID.String(), Value: journal.MapValue(map[string]journal.Value{
			"device":       journal.BytesValue(p.NewDevice.Bytes()),
			"priority":     journal.String(p.Priority.String()),
			"requested_ms": journal.Int(int64(now)),
		})},
	}); err != nil {
		return nil, err
	}

	cooldownMs := p.Priority.scaleCooldownMs(r.cfg.GuardianCooldownSecs * 1000)
	var parts [][]byte
	var responders []interfaces.GuardianID
	for _, g := range p.Guardians {
		if last := r.j.View().Get(journal.RecoveryPrefix + "cooldown/" + g.ID.String()); last != nil {
			until := uint64(last.Value.Map["last_ms"].AsInt()) + cooldownMs
			if now < until {
				r.metrics.CooldownBlocked.Inc()
				r.eff.Log.Info("guardian in cooldown", "guardian", g.ID.String(), "until_ms", until)
				continue
			}
		}
		raw, found, err := r.eff.Store.Retrieve(ctx, recoveryShareKeyPrefix+g.ID.String())
		if err != nil {
			return nil, interfaces.Wrap(interfaces.KindStorageFailure, "load guardian share", err)
		}
		if !found {
			r.eff.Log.Warn("guardian holds no provisioned share", "guardian", g.ID.String())
			continue
		}
		var rec guardianShareRecord
		if err := journal.Unmarshal(raw, &rec); err != nil {
			return nil, err
		}
		part, err := hpkeOpen(g.UnwrapKey, rec.Sealed, g.ID.Bytes())
		if err != nil {
			r.eff.Log.Warn("guardian share unwrap failed", "guardian", g.ID.String())
			continue
		}
		leaf := r.eff.Crypto.Hash(recoveryLeafDomain, part)
		if !journal.VerifyInclusion(r.eff.Crypto, leaf, rec.Proof, root) {
			r.eff.Log.Warn("guardian share not in committed shareset", "guardian", g.ID.String())
			continue
		}
		parts = append(parts, part)
		responders = append(responders, g.ID)
		if len(parts) == threshold {
			break
		}
	}

	if len(parts) < threshold {
		notMet := &ThresholdNotMet{Got: len(parts), Need: threshold}
		if err := r.Abort(ctx, committer, s, "guardian "+notMet.Error(), ""); err != nil {
			return nil, err
		}
		return nil, interfaces.Wrap(interfaces.KindProtocolViolation, "recovery aborted", notMet)
	}

	secret, err := shamir.Combine(parts)
	if err != nil {
		return nil, interfaces.Wrap(interfaces.KindInternal, "combine guardian shares", err)
	}
	seed, err := r.eff.Crypto.DeriveKey(secret, p.NewDevice.Bytes(), recoveryDeriveInfo, ed25519.SeedSize)
	if err != nil {
		return nil, err
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)

	// Test signature under the reconstructed identity before committing it.
	probe := s.ID.Bytes()
	sig := ed25519.Sign(priv, probe)
	if !r.eff.Crypto.VerifySignature(pub, probe, sig) {
		return nil, interfaces.E(interfaces.KindInternal, "test signature under recovered key does not verify")
	}

	authority := interfaces.AuthorityID(r.eff.Crypto.Hash(recoveryAuthorityDomain, pub))
	until := now + r.cfg.DisputeWindowSecs*1000

	guardianList := make([]journal.Value, len(responders))
	ops := []journal.FactOp{
		{Op: journal.OpPut, Predicate: journal.DevicePredicate(p.NewDevice), Value: journal.MemberValue(pub, authority)},
		{Op: journal.OpPut, Predicate: journal.RecoveryPrefix + "provisional/" + p.NewDevice.String(), Value: journal.MapValue(map[string]journal.Value{
			"until_ms": journal.Int(int64(until)),
			"session":  journal.BytesValue(s.ID.Bytes()),
		})},
	}
	for i, id := range responders {
		guardianList[i] = journal.BytesValue(id.Bytes())
		ops = append(ops, journal.FactOp{
			Op:        journal.OpPut,
			Predicate: journal.RecoveryPrefix + "cooldown/" + id.String(),
			Value:     journal.MapValue(map[string]journal.Value{"last_ms": journal.Int(int64(now))}),
		})
	}
	ops = append(ops, journal.FactOp{
		Op:        journal.OpPut,
		Predicate: journal.RecoveryPrefix + "complete/" + s.ID.String(),
		Value: journal.MapValue(map[string]journal.Value{
			"device":         journal.BytesValue(p.NewDevice.Bytes()),
			"guardians":      journal.ListValue(guardianList...),
			"test_signature": journal.BytesValue(sig),
		}),
	})
	if _, err := r.commit(ctx, s, "recovery.complete", ops); err != nil {
		return nil, err
	}
	if err := r.CloseSession(ctx, committer, s); err != nil {
		return nil, err
	}
	return &RecoveryResult{
		Session:            s.ID,
		Device:             p.NewDevice,
		PublicKey:          pub,
		PrivateKey:         priv,
		Responders:         responders,
		ProvisionalUntilMs: until,
	}, nil
}

// IsProvisional reports whether a recovered identity is still inside its
// dispute window or has an open dispute.
func IsProvisional(view *journal.View, device interfaces.DeviceID, nowMs uint64) bool {
	f := view.Get(journal.RecoveryPrefix + "provisional/" + device.String())
	if f == nil {
		return false
	}
	if view.Get(journal.RecoveryPrefix+"dispute/"+device.String()) != nil {
		return true
	}
	return nowMs < uint64(f.Value.Map["until_ms"].AsInt())
}

// FileDispute records a guardian's objection to a completed recovery. Only
// valid while the dispute window is open.
func (r *Runtime) FileDispute(ctx context.Context, committer Committer, guardian interfaces.GuardianID, device interfaces.DeviceID, epoch uint64) error {
	f := r.j.View().Get(journal.RecoveryPrefix + "provisional/" + device.String())
	if f == nil {
		return interfaces.E(interfaces.KindInvalidInput, "no provisional recovery for device")
	}
	now := r.eff.Time.NowMs()
	if now >= uint64(f.Value.Map["until_ms"].AsInt()) {
		return interfaces.E(interfaces.KindTimeout, "dispute window closed")
	}
	e := r.j.NextEvent(committer.Authority, "recovery.dispute", []journal.FactOp{
		{Op: journal.OpPut, Predicate: journal.RecoveryPrefix + "dispute/" + device.String(), Value: journal.MapValue(map[string]journal.Value{
			"guardian": journal.BytesValue(guardian.Bytes()),
			"filed_ms": journal.Int(int64(now)),
		})},
	}, epoch)
	if err := committer.Sign(e); err != nil {
		return err
	}
	_, err := r.j.Append(ctx, e)
	return err
}
