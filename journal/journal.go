package journal

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hxrts/aura/interfaces"
)

const (
	eventKeyPrefix = "journal:event:"
	prunedMetaKey  = "journal:meta:pruned"
)

type chainState struct {
	lastNonce uint64
	lastHash  interfaces.Hash
}

// Journal is the per-account event log and derived view. A single writer
// serializes acceptance and merges; reads are served from an immutable
// snapshot taken under a short read lock, never across I/O.
type Journal struct {
	mu      sync.RWMutex
	account interfaces.AccountID
	eff     *interfaces.Effects
	cfg     interfaces.Config

	// events and hashes are kept in canonical (authority, nonce) order.
	events []*Event
	hashes []interfaces.Hash
	byID   map[interfaces.EventID]struct{}
	chains map[interfaces.AuthorityID]chainState
	known  map[interfaces.Hash]struct{}

	view *View
	ix   *indexes

	// Compaction folds pruned history into a retained digest leaf.
	prunedDigest *interfaces.Hash
	prunedCount  uint64

	rootDirty bool
	root      interfaces.Hash
}

// New creates an empty journal for an account.
func New(account interfaces.AccountID, eff *interfaces.Effects, cfg interfaces.Config) *Journal {
	return &Journal{
		account: account,
		eff:     eff,
		cfg:     cfg,
		byID:    make(map[interfaces.EventID]struct{}),
		chains:  make(map[interfaces.AuthorityID]chainState),
		known:   make(map[interfaces.Hash]struct{}),
		view:    NewView(),
		ix:      newIndexes(),
	}
}

// Load replays a journal from the persistence effect. Events were validated
// before they were written through, so replay re-applies without
// re-checking witnesses.
func Load(ctx context.Context, account interfaces.AccountID, eff *interfaces.Effects, cfg interfaces.Config) (*Journal, error) {
	j := New(account, eff, cfg)

	if raw, found, err := eff.Store.Retrieve(ctx, prunedMetaKey); err != nil {
		return nil, interfaces.Wrap(interfaces.KindStorageFailure, "load pruned digest", err)
	} else if found {
		var meta struct {
			Digest interfaces.Hash `cbor:"1,keyasint"`
			Count  uint64          `cbor:"2,keyasint"`
		}
		if err := Unmarshal(raw, &meta); err != nil {
			return nil, err
		}
		j.prunedDigest = &meta.Digest
		j.prunedCount = meta.Count
	}

	keys, err := eff.Store.List(ctx, eventKeyPrefix)
	if err != nil {
		return nil, interfaces.Wrap(interfaces.KindStorageFailure, "list events", err)
	}
	events := make([]*Event, 0, len(keys))
	for _, key := range keys {
		raw, found, err := eff.Store.Retrieve(ctx, key)
		if err != nil {
			return nil, interfaces.Wrap(interfaces.KindStorageFailure, "load event", err)
		}
		if !found {
			continue
		}
		e, err := DecodeEvent(raw)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	sortEvents(events)
	for _, e := range events {
		hash := e.SignableHash(eff.Crypto)
		j.admit(e, hash)
	}
	j.rootDirty = true
	return j, nil
}

func sortEvents(events []*Event) {
	sort.Slice(events, func(i, k int) bool {
		if c := bytes.Compare(events[i].Authority[:], events[k].Authority[:]); c != 0 {
			return c < 0
		}
		return events[i].Nonce < events[k].Nonce
	})
}

// Account returns the account this journal belongs to.
func (j *Journal) Account() interfaces.AccountID { return j.account }

// View returns the current merged snapshot. The returned view is immutable.
func (j *Journal) View() *View {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.view
}

// Version returns the view change counter.
func (j *Journal) Version() uint64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.view.Version()
}

// NextEvent drafts the next event for an authority: it fills the version,
// a fresh id, the rising nonce, and the parent hash from the authority's
// chain. The caller attaches the payload's authorization and appends.
func (j *Journal) NextEvent(authority interfaces.AuthorityID, kind string, ops []FactOp, epoch uint64) *Event {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var id interfaces.EventID
	copy(id[:], j.eff.Rand.Bytes(16))

	e := &Event{
		Version:     CurrentVersion,
		ID:          id,
		Account:     j.account,
		Authority:   authority,
		Nonce:       1,
		Epoch:       epoch,
		TimestampMs: j.eff.Time.NowMs(),
		Kind:        kind,
		Ops:         ops,
	}
	if chain, ok := j.chains[authority]; ok {
		e.Nonce = chain.lastNonce + 1
		parent := chain.lastHash
		e.Parent = &parent
	}
	return e
}

// Append validates and accepts one locally produced event. Acceptance
// failures never write any state.
func (j *Journal) Append(ctx context.Context, e *Event) (interfaces.Hash, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	hash := e.SignableHash(j.eff.Crypto)
	if err := j.validate(e, hash, j.view); err != nil {
		return interfaces.Hash{}, err
	}
	if err := j.persist(ctx, e); err != nil {
		return interfaces.Hash{}, err
	}
	j.admit(e, hash)
	return hash, nil
}

// MergeReport describes the outcome of a batch merge. A batch may partially
// succeed; unaccepted events are returned with their rejection reasons.
type MergeReport struct {
	Accepted []interfaces.EventID
	Rejected map[interfaces.EventID]string
}

// Merge accepts a batch of remote events. Events are de-duplicated by id,
// applied in deterministic (authority, nonce) order, and validated against
// the view as projected just before each event. Causal anchors across
// authorities are resolved by iterating to a fixpoint.
func (j *Journal) Merge(ctx context.Context, remote []*Event) (*MergeReport, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	report := &MergeReport{Rejected: make(map[interfaces.EventID]string)}

	pending := make([]*Event, 0, len(remote))
	for _, e := range remote {
		if _, dup := j.byID[e.ID]; dup {
			continue
		}
		pending = append(pending, e)
	}
	sortEvents(pending)

	lastErr := make(map[interfaces.EventID]error)
	for progress := true; progress && len(pending) > 0; {
		progress = false
		var next []*Event
		for _, e := range pending {
			hash := e.SignableHash(j.eff.Crypto)
			if err := j.validate(e, hash, j.view); err != nil {
				lastErr[e.ID] = err
				next = append(next, e)
				continue
			}
			if err := j.persist(ctx, e); err != nil {
				return nil, err
			}
			j.admit(e, hash)
			report.Accepted = append(report.Accepted, e.ID)
			progress = true
		}
		pending = next
	}
	for _, e := range pending {
		report.Rejected[e.ID] = lastErr[e.ID].Error()
	}
	return report, nil
}

// validate runs the full acceptance pipeline: version, nonce monotonicity,
// parent chain, causal anchor, and authorization witness.
func (j *Journal) validate(e *Event, hash interfaces.Hash, view *View) error {
	if e.Version == 0 || e.Version > CurrentVersion {
		return interfaces.Ef(interfaces.KindInvalidInput, "unsupported event version %d", e.Version)
	}
	if e.Account != j.account {
		return interfaces.E(interfaces.KindInvalidInput, "event belongs to a different account")
	}
	if e.ID.IsZero() {
		return interfaces.E(interfaces.KindInvalidInput, "event id missing")
	}
	if _, dup := j.byID[e.ID]; dup {
		return interfaces.E(interfaces.KindConflictingState, "duplicate event id")
	}

	chain, started := j.chains[e.Authority]
	if started {
		if e.Nonce != chain.lastNonce+1 {
			return interfaces.Ef(interfaces.KindConflictingState, "nonce %d does not extend chain at %d", e.Nonce, chain.lastNonce)
		}
		if e.Parent == nil || *e.Parent != chain.lastHash {
			return interfaces.E(interfaces.KindConflictingState, "parent hash does not match authority chain head")
		}
	} else {
		if e.Nonce != 1 {
			return interfaces.Ef(interfaces.KindConflictingState, "first event for authority must have nonce 1, got %d", e.Nonce)
		}
		if e.Parent != nil {
			return interfaces.E(interfaces.KindConflictingState, "first event for authority must not have a parent")
		}
	}
	if e.Anchor != nil {
		if _, ok := j.known[*e.Anchor]; !ok {
			return interfaces.E(interfaces.KindConflictingState, "causal anchor references unknown event")
		}
	}

	return validateWitness(j.eff, view, e, hash)
}

// persist writes the event through to the persistence effect before it
// becomes visible. A storage failure aborts acceptance without changing
// the view.
func (j *Journal) persist(ctx context.Context, e *Event) error {
	raw, err := e.Encode()
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%s%s:%020d", eventKeyPrefix, e.Authority.String(), e.Nonce)
	if err := j.eff.Store.Store(ctx, key, raw); err != nil {
		return interfaces.Wrap(interfaces.KindStorageFailure, "event write-through", err)
	}
	return nil
}

// admit applies an already validated event: it extends the chain, inserts
// the event at its canonical position, and publishes a new view snapshot.
func (j *Journal) admit(e *Event, hash interfaces.Hash) {
	pos := sort.Search(len(j.events), func(i int) bool {
		if c := bytes.Compare(j.events[i].Authority[:], e.Authority[:]); c != 0 {
			return c > 0
		}
		return j.events[i].Nonce > e.Nonce
	})
	j.events = append(j.events, nil)
	copy(j.events[pos+1:], j.events[pos:])
	j.events[pos] = e
	j.hashes = append(j.hashes, interfaces.Hash{})
	copy(j.hashes[pos+1:], j.hashes[pos:])
	j.hashes[pos] = hash

	j.byID[e.ID] = struct{}{}
	j.known[hash] = struct{}{}
	j.chains[e.Authority] = chainState{lastNonce: e.Nonce, lastHash: hash}

	next := j.view.Clone()
	next.apply(e, hash)
	j.view = next
	j.ix.add(e)
	j.rootDirty = true
}

// Query returns the live facts for an exact predicate.
func (j *Journal) Query(predicate string) []Fact {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if f := j.view.Get(predicate); f != nil {
		return []Fact{*f}
	}
	return nil
}

// QueryPrefix returns live facts under a predicate prefix.
func (j *Journal) QueryPrefix(prefix string) []Fact {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.view.Prefix(prefix)
}

// QueryByAuthority returns the events written by an authority.
func (j *Journal) QueryByAuthority(id interfaces.AuthorityID) []*Event {
	j.mu.RLock()
	defer j.mu.RUnlock()
	var out []*Event
	for _, e := range j.events {
		if e.Authority == id {
			out = append(out, e)
		}
	}
	return out
}

// QueryTimeRange returns events with lo <= timestamp <= hi using the
// timestamp index.
func (j *Journal) QueryTimeRange(lo, hi uint64) []*Event {
	j.mu.RLock()
	defer j.mu.RUnlock()
	ids := j.ix.byTimeRange(lo, hi)
	want := make(map[interfaces.EventID]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	var out []*Event
	for _, e := range j.events {
		if _, ok := want[e.ID]; ok {
			out = append(out, e)
		}
	}
	return out
}

// MightContain consults the Bloom index for a (predicate, value) pair.
func (j *Journal) MightContain(predicate string, value Value) bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.ix.mightContain(predicate, value)
}

// Events returns a snapshot of the accepted events in canonical order.
func (j *Journal) Events() []*Event {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]*Event, len(j.events))
	copy(out, j.events)
	return out
}

// EventIDs returns the accepted event ids in canonical order.
func (j *Journal) EventIDs() []interfaces.EventID {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]interfaces.EventID, len(j.events))
	for i, e := range j.events {
		out[i] = e.ID
	}
	return out
}

// leaves assembles the Merkle leaf set: the retained digest of pruned
// history, if any, followed by the accepted event hashes in canonical
// order. Callers hold at least a read lock.
func (j *Journal) leaves() []interfaces.Hash {
	leaves := make([]interfaces.Hash, 0, len(j.hashes)+1)
	if j.prunedDigest != nil {
		leaves = append(leaves, *j.prunedDigest)
	}
	return append(leaves, j.hashes...)
}

// RootCommitment returns the Merkle root over the accepted event set.
func (j *Journal) RootCommitment() interfaces.Hash {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.rootDirty {
		j.root = merkleRoot(j.eff.Crypto, j.leaves())
		j.rootDirty = false
	}
	return j.root
}

// ProveInclusion builds an inclusion proof for an accepted event hash.
func (j *Journal) ProveInclusion(hash interfaces.Hash) (*InclusionProof, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	offset := uint64(0)
	if j.prunedDigest != nil {
		offset = 1
	}
	for i, h := range j.hashes {
		if h == hash {
			return merkleProve(j.eff.Crypto, j.leaves(), uint64(i)+offset)
		}
	}
	return nil, interfaces.E(interfaces.KindInvalidInput, "event hash not in journal")
}

// CompactionNeeded reports whether the event count crossed the soft cap.
func (j *Journal) CompactionNeeded() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return uint64(len(j.events)) > j.cfg.MaxJournalEvents
}

// DigestBefore computes the Merkle digest over the history older than the
// given epoch: the retained digest of already-pruned events, if any,
// followed by the hashes of accepted events with a lower epoch. Returns
// the digest and how many accepted events it covers.
func (j *Journal) DigestBefore(epoch uint64) (interfaces.Hash, int) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var leaves []interfaces.Hash
	if j.prunedDigest != nil {
		leaves = append(leaves, *j.prunedDigest)
	}
	count := 0
	for i, e := range j.events {
		if e.Epoch < epoch {
			leaves = append(leaves, j.hashes[i])
			count++
		}
	}
	if len(leaves) == 0 {
		return interfaces.Hash{}, 0
	}
	return merkleRoot(j.eff.Crypto, leaves), count
}

// PruneBefore discards local events older than the committed checkpoint
// epoch, folding their Merkle digest into a retained leaf. The checkpoint
// must have been committed to the view (a threshold-authorized
// compact.commit event) before pruning is allowed.
func (j *Journal) PruneBefore(ctx context.Context, epoch uint64) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	checkpoint := j.view.Get(CompactCheckpoint)
	if checkpoint == nil {
		return 0, interfaces.E(interfaces.KindAuthorizationFailed, "no committed compaction checkpoint")
	}
	committed := uint64(checkpoint.Value.Map["epoch"].AsInt())
	if epoch > committed {
		return 0, interfaces.Ef(interfaces.KindAuthorizationFailed, "checkpoint epoch %d does not cover %d", committed, epoch)
	}

	var keep []*Event
	var keepHashes []interfaces.Hash
	var prunedLeaves []interfaces.Hash
	if j.prunedDigest != nil {
		prunedLeaves = append(prunedLeaves, *j.prunedDigest)
	}
	for i, e := range j.events {
		if e.Epoch < epoch {
			prunedLeaves = append(prunedLeaves, j.hashes[i])
			key := fmt.Sprintf("%s%s:%020d", eventKeyPrefix, e.Authority.String(), e.Nonce)
			if err := j.eff.Store.Remove(ctx, key); err != nil {
				return 0, interfaces.Wrap(interfaces.KindStorageFailure, "prune event", err)
			}
			j.prunedCount++
		} else {
			keep = append(keep, e)
			keepHashes = append(keepHashes, j.hashes[i])
		}
	}
	pruned := len(j.events) - len(keep)
	if pruned == 0 {
		return 0, nil
	}

	digest := merkleRoot(j.eff.Crypto, prunedLeaves)
	j.prunedDigest = &digest
	j.events = keep
	j.hashes = keepHashes
	j.rootDirty = true

	meta := struct {
		Digest interfaces.Hash `cbor:"1,keyasint"`
		Count  uint64          `cbor:"2,keyasint"`
	}{Digest: digest, Count: j.prunedCount}
	raw, err := Marshal(&meta)
	if err != nil {
		return 0, err
	}
	if err := j.eff.Store.Store(ctx, prunedMetaKey, raw); err != nil {
		return 0, interfaces.Wrap(interfaces.KindStorageFailure, "store pruned digest", err)
	}
	return pruned, nil
}
