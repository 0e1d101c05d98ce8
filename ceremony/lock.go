package ceremony

import (
	"bytes"
	"context"

	"github.com/hxrts/aura/interfaces"
	"github.com/hxrts/aura/journal"
)

const (
	lockPredicate    = "lock/operation"
	lockTicketDomain = "aura/lock/ticket/v1"
)

// Lock is a held operation lease. It expires at the owning session's
// deadline if not released.
type Lock struct {
	Session *Session
	Holder  interfaces.DeviceID
	UntilMs uint64
}

// LockTicket computes a contender's lottery ticket. The journal head binds
// the ticket to the account state every contender has seen, so the draw is
// deterministic once replicas converge.
func LockTicket(crypto interfaces.CryptoProvider, device interfaces.DeviceID, head interfaces.Hash) interfaces.Hash {
	return crypto.Hash(lockTicketDomain, device.Bytes(), head.Bytes())
}

// LockHolder returns the device holding the operation lock, if any lease is
// live at nowMs.
func LockHolder(view *journal.View, nowMs uint64) (interfaces.DeviceID, bool) {
	f := view.Get(lockPredicate)
	if f == nil {
		return interfaces.DeviceID{}, false
	}
	if nowMs >= uint64(f.Value.Map["until_ms"].AsInt()) {
		return interfaces.DeviceID{}, false
	}
	var holder interfaces.DeviceID
	copy(holder[:], f.Value.Map["device"].Bytes)
	return holder, true
}

// AcquireLock runs the lock lottery among the contenders and grants the
// lease to the lowest ticket. Fails without a session if a live lease
// already exists.
func (r *Runtime) AcquireLock(ctx context.Context, committer Committer, contenders []interfaces.DeviceID, epoch uint64) (*Lock, error) {
	if len(contenders) == 0 {
		return nil, interfaces.E(interfaces.KindInvalidInput, "no lock contenders")
	}
	now := r.eff.Time.NowMs()
	if holder, held := LockHolder(r.j.View(), now); held {
		return nil, interfaces.Ef(interfaces.KindConflictingState, "operation lock held by %s", holder)
	}

	head := r.j.RootCommitment()
	winner := contenders[0]
	winningTicket := LockTicket(r.eff.Crypto, winner, head)
	for _, d := range contenders[1:] {
		ticket := LockTicket(r.eff.Crypto, d, head)
		if bytes.Compare(ticket[:], winningTicket[:]) < 0 {
			winner = d
			winningTicket = ticket
		}
	}

	s, err := r.OpenSession(ctx, committer, ProtocolLock, epoch)
	if err != nil {
		return nil, err
	}
	_, err = r.commit(ctx, s, "lock.grant", []journal.FactOp{
		{Op: journal.OpPut, Predicate: lockPredicate, Value: journal.MapValue(map[string]journal.Value{
			"device":   journal.BytesValue(winner.Bytes()),
			"session":  journal.BytesValue(s.ID.Bytes()),
			"ticket":   journal.BytesValue(winningTicket.Bytes()),
			"until_ms": journal.Int(int64(s.DeadlineMs)),
		})},
	})
	if err != nil {
		return nil, err
	}
	return &Lock{Session: s, Holder: winner, UntilMs: s.DeadlineMs}, nil
}

// ReleaseLock ends the lease and closes the lock session.
func (r *Runtime) ReleaseLock(ctx context.Context, committer Committer, l *Lock) error {
	if _, err := r.commit(ctx, l.Session, "lock.release", []journal.FactOp{
		{Op: journal.OpTombstone, Predicate: lockPredicate},
	}); err != nil {
		return err
	}
	return r.CloseSession(ctx, committer, l.Session)
}
