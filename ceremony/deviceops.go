package ceremony

import (
	"context"

	"github.com/hxrts/aura/fabric"
	"github.com/hxrts/aura/interfaces"
	"github.com/hxrts/aura/journal"
)

// Device membership changes and policy changes serialize through the
// operation lock: acquire, perform the key-fabric op, commit the outcome
// fact, release.

// DeviceAddParams describes one device onboarding.
type DeviceAddParams struct {
	Device    interfaces.DeviceID
	PublicKey []byte
	Authority interfaces.AuthorityID

	// Existing devices co-run the onboarding key generation with the
	// newcomer and contend for the operation lock.
	Existing []interfaces.DeviceID

	Epoch uint64
}

// AddDevice onboards a device under the operation lock: a DKG among the
// existing devices plus the newcomer derives its onboarding secret, then
// the membership fact and fabric node commit together.
func (r *Runtime) AddDevice(ctx context.Context, committer Committer, p DeviceAddParams) (*DKGResult, error) {
	if len(p.Existing) == 0 {
		return nil, interfaces.E(interfaces.KindInvalidInput, "no existing devices to onboard against")
	}

	lock, err := r.AcquireLock(ctx, committer, append(append([]interfaces.DeviceID{}, p.Existing...), p.Device), p.Epoch)
	if err != nil {
		return nil, err
	}

	dkg, err := r.RunDKG(ctx, committer, DKGParams{
		Participants: append(append([]interfaces.DeviceID{}, p.Existing...), p.Device),
		Context:      "device/" + p.Device.String(),
		Epoch:        p.Epoch,
	})
	if err != nil {
		if releaseErr := r.ReleaseLock(ctx, committer, lock); releaseErr != nil {
			return nil, releaseErr
		}
		return nil, err
	}

	node, nodeOps, err := r.fab.AddNode(fabric.NodeDevice, fabric.AnyPolicy(), p.PublicKey)
	if err != nil {
		if releaseErr := r.ReleaseLock(ctx, committer, lock); releaseErr != nil {
			return nil, releaseErr
		}
		return nil, err
	}
	ops := append([]journal.FactOp{
		{Op: journal.OpPut, Predicate: journal.DevicePredicate(p.Device), Value: journal.MemberValue(p.PublicKey, p.Authority)},
	}, nodeOps...)

	e := r.j.NextEvent(committer.Authority, "device.add", ops, p.Epoch)
	if err := committer.Sign(e); err != nil {
		return nil, err
	}
	if _, err := r.j.Append(ctx, e); err != nil {
		return nil, err
	}
	r.eff.Log.Info("device added", "device", p.Device.String(), "node", node.ID.String())

	if err := r.ReleaseLock(ctx, committer, lock); err != nil {
		return nil, err
	}
	return dkg, nil
}

// DeviceRemoveParams describes one device removal. The group node rotates
// so the removed device's share material is useless afterwards.
type DeviceRemoveParams struct {
	Device    interfaces.DeviceID
	GroupNode fabric.NodeID

	// NewEncryptedSecret replaces the group node's wrapped secret at the
	// new epoch.
	NewEncryptedSecret []byte

	Contenders []interfaces.DeviceID
	Epoch      uint64
}

// RemoveDevice tombstones the membership fact and rotates the group node
// under the operation lock.
func (r *Runtime) RemoveDevice(ctx context.Context, committer Committer, p DeviceRemoveParams) (newEpoch uint64, err error) {
	lock, err := r.AcquireLock(ctx, committer, p.Contenders, p.Epoch)
	if err != nil {
		return 0, err
	}

	rotateOps, newEpoch, err := r.fab.Rotate(p.GroupNode, p.NewEncryptedSecret, nil)
	if err != nil {
		if releaseErr := r.ReleaseLock(ctx, committer, lock); releaseErr != nil {
			return 0, releaseErr
		}
		return 0, err
	}
	ops := append([]journal.FactOp{
		{Op: journal.OpTombstone, Predicate: journal.DevicePredicate(p.Device)},
	}, rotateOps...)

	e := r.j.NextEvent(committer.Authority, "device.remove", ops, p.Epoch)
	if err := committer.Sign(e); err != nil {
		return 0, err
	}
	if _, err := r.j.Append(ctx, e); err != nil {
		return 0, err
	}
	r.eff.Log.Info("device removed", "device", p.Device.String(), "group_epoch", newEpoch)

	if err := r.ReleaseLock(ctx, committer, lock); err != nil {
		return 0, err
	}
	return newEpoch, nil
}

// ChangePolicy updates a group node's policy under the operation lock.
func (r *Runtime) ChangePolicy(ctx context.Context, committer Committer, node fabric.NodeID, policy fabric.Policy, contenders []interfaces.DeviceID, epoch uint64) error {
	lock, err := r.AcquireLock(ctx, committer, contenders, epoch)
	if err != nil {
		return err
	}

	ops, err := r.fab.UpdatePolicy(node, policy)
	if err != nil {
		if releaseErr := r.ReleaseLock(ctx, committer, lock); releaseErr != nil {
			return releaseErr
		}
		return err
	}

	e := r.j.NextEvent(committer.Authority, "policy.change", ops, epoch)
	if err := committer.Sign(e); err != nil {
		return err
	}
	if _, err := r.j.Append(ctx, e); err != nil {
		return err
	}

	return r.ReleaseLock(ctx, committer, lock)
}
