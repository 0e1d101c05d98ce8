package ceremony

import (
	"context"

	"github.com/hxrts/aura/interfaces"
	"github.com/hxrts/aura/journal"
)

// Compaction is a three-step agreement: one authority proposes a
// checkpoint epoch with the digest of everything older, the others
// acknowledge after recomputing the same digest locally, and once enough
// acks are in the checkpoint commits. Only then may replicas prune.

// ProposeCompaction opens a compaction round at the given checkpoint
// epoch. The proposal fact carries the digest so acknowledgers can detect
// divergent history before anything is discarded.
func (r *Runtime) ProposeCompaction(ctx context.Context, committer Committer, epoch uint64) (interfaces.Hash, error) {
	digest, covered := r.j.DigestBefore(epoch)
	if covered == 0 {
		return interfaces.Hash{}, interfaces.Ef(interfaces.KindInvalidInput, "no events older than epoch %d", epoch)
	}

	e := r.j.NextEvent(committer.Authority, "compact.propose", []journal.FactOp{
		{Op: journal.OpPut, Predicate: journal.CompactProposal, Value: journal.MapValue(map[string]journal.Value{
			"epoch":    journal.Int(int64(epoch)),
			"digest":   journal.BytesValue(digest.Bytes()),
			"proposer": journal.BytesValue(committer.Authority.Bytes()),
		})},
	}, epoch)
	if err := committer.Sign(e); err != nil {
		return interfaces.Hash{}, err
	}
	if _, err := r.j.Append(ctx, e); err != nil {
		return interfaces.Hash{}, err
	}
	r.eff.Log.Info("compaction proposed", "epoch", epoch, "covered", covered)
	return digest, nil
}

// AckCompaction acknowledges the open proposal. The acknowledger
// recomputes the digest from its own history; a mismatch means the
// replicas have not converged and compaction must wait.
func (r *Runtime) AckCompaction(ctx context.Context, committer Committer, epoch uint64) error {
	proposal := r.j.View().Get(journal.CompactProposal)
	if proposal == nil {
		return interfaces.E(interfaces.KindConflictingState, "no open compaction proposal")
	}
	if uint64(proposal.Value.Map["epoch"].AsInt()) != epoch {
		return interfaces.Ef(interfaces.KindConflictingState, "proposal is for epoch %d", proposal.Value.Map["epoch"].AsInt())
	}

	local, _ := r.j.DigestBefore(epoch)
	proposed, err := interfaces.NewHashFromBytes(proposal.Value.Map["digest"].Bytes)
	if err != nil {
		return err
	}
	if local != proposed {
		return interfaces.E(interfaces.KindConflictingState, "local history digest diverges from proposal")
	}

	e := r.j.NextEvent(committer.Authority, "compact.ack", []journal.FactOp{
		{Op: journal.OpPut, Predicate: journal.CompactAckPredicate(committer.Authority), Value: journal.MapValue(map[string]journal.Value{
			"epoch": journal.Int(int64(epoch)),
		})},
	}, epoch)
	if err := committer.Sign(e); err != nil {
		return err
	}
	_, err = r.j.Append(ctx, e)
	return err
}

// CommitCompaction commits the checkpoint once at least threshold
// authorities have acknowledged the proposal at this epoch. After the
// commit, PruneBefore accepts the epoch on every replica.
func (r *Runtime) CommitCompaction(ctx context.Context, committer Committer, epoch uint64, threshold int) error {
	view := r.j.View()
	proposal := view.Get(journal.CompactProposal)
	if proposal == nil {
		return interfaces.E(interfaces.KindConflictingState, "no open compaction proposal")
	}
	if uint64(proposal.Value.Map["epoch"].AsInt()) != epoch {
		return interfaces.Ef(interfaces.KindConflictingState, "proposal is for epoch %d", proposal.Value.Map["epoch"].AsInt())
	}

	acks := 0
	for _, fact := range view.Prefix(journal.CompactAckPrefix) {
		if uint64(fact.Value.Map["epoch"].AsInt()) == epoch {
			acks++
		}
	}
	if acks < threshold {
		return interfaces.Ef(interfaces.KindAuthorizationFailed, "compaction has %d of %d required acks", acks, threshold)
	}

	e := r.j.NextEvent(committer.Authority, "compact.commit", []journal.FactOp{
		{Op: journal.OpPut, Predicate: journal.CompactCheckpoint, Value: journal.MapValue(map[string]journal.Value{
			"epoch":  journal.Int(int64(epoch)),
			"digest": proposal.Value.Map["digest"],
		})},
		{Op: journal.OpTombstone, Predicate: journal.CompactProposal},
	}, epoch)
	if err := committer.Sign(e); err != nil {
		return err
	}
	if _, err := r.j.Append(ctx, e); err != nil {
		return err
	}
	r.eff.Log.Info("compaction committed", "epoch", epoch, "acks", acks)
	return nil
}
