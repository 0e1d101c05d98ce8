package journal

import (
	"sort"
	"strings"

	"github.com/hxrts/aura/interfaces"
)

// Fact is one (predicate, value) entry in the view, tagged with the
// authority and timestamp of the event that last wrote it.
type Fact struct {
	Predicate   string
	Value       Value
	Authority   interfaces.AuthorityID
	TimestampMs uint64
	Epoch       uint64
	Tombstone   bool
	EventHash   interfaces.Hash
	Op          OpKind
}

// supersededBy reports whether the entry written by (epoch, ts, hash) wins
// over this fact under the deterministic conflict order.
func (f *Fact) supersededBy(epoch, ts uint64, hash interfaces.Hash) bool {
	if epoch != f.Epoch {
		return epoch > f.Epoch
	}
	if ts != f.TimestampMs {
		return ts > f.TimestampMs
	}
	return f.EventHash.Less(hash)
}

// View is the CRDT state derived from the accepted event set. Views are
// immutable once published: the journal clones the current view, applies
// new events to the clone, and swaps the pointer, so readers always hold a
// consistent snapshot.
type View struct {
	version uint64
	facts   map[string]*Fact
}

// NewView returns an empty view.
func NewView() *View {
	return &View{facts: make(map[string]*Fact)}
}

// Version is the monotone change counter, usable as a cheap change
// notification for reactive layers outside the core.
func (v *View) Version() uint64 { return v.version }

// Clone returns a deep copy the caller may mutate.
func (v *View) Clone() *View {
	facts := make(map[string]*Fact, len(v.facts))
	for k, f := range v.facts {
		cp := *f
		facts[k] = &cp
	}
	return &View{version: v.version, facts: facts}
}

// Get returns the live fact for a predicate, or nil if absent or
// tombstoned.
func (v *View) Get(predicate string) *Fact {
	f, ok := v.facts[predicate]
	if !ok || f.Tombstone {
		return nil
	}
	return f
}

// GetAny returns the fact for a predicate including tombstones.
func (v *View) GetAny(predicate string) *Fact {
	return v.facts[predicate]
}

// Prefix returns all live facts whose predicate starts with the prefix,
// sorted by predicate.
func (v *View) Prefix(prefix string) []Fact {
	var out []Fact
	for k, f := range v.facts {
		if strings.HasPrefix(k, prefix) && !f.Tombstone {
			out = append(out, *f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Predicate < out[j].Predicate })
	return out
}

// Len returns the number of entries including tombstones.
func (v *View) Len() int { return len(v.facts) }

// apply merges one event's fact operations into the view. All rules are
// order-independent: last-writer-wins under (epoch, timestamp, event hash),
// set union with canonical element order, counter maximum. Applying the
// same events in any order yields the same view.
func (v *View) apply(e *Event, hash interfaces.Hash) {
	for _, op := range e.Ops {
		cur := v.facts[op.Predicate]
		switch op.Op {
		case OpPut, OpTombstone:
			if cur != nil && !cur.supersededBy(e.Epoch, e.TimestampMs, hash) {
				continue
			}
			v.facts[op.Predicate] = &Fact{
				Predicate:   op.Predicate,
				Value:       op.Value,
				Authority:   e.Authority,
				TimestampMs: e.TimestampMs,
				Epoch:       e.Epoch,
				Tombstone:   op.Op == OpTombstone,
				EventHash:   hash,
				Op:          op.Op,
			}

		case OpSetAdd:
			// A put or tombstone holding the predicate yields only per the
			// conflict order, same as a kind change in the other direction.
			if cur != nil && cur.Op != OpSetAdd {
				if !cur.supersededBy(e.Epoch, e.TimestampMs, hash) {
					continue
				}
				cur = nil
			}
			if cur == nil {
				v.facts[op.Predicate] = &Fact{
					Predicate:   op.Predicate,
					Value:       ListValue(op.Value),
					Authority:   e.Authority,
					TimestampMs: e.TimestampMs,
					Epoch:       e.Epoch,
					EventHash:   hash,
					Op:          OpSetAdd,
				}
				continue
			}
			cur.Value = setUnion(cur.Value, op.Value)
			if cur.supersededBy(e.Epoch, e.TimestampMs, hash) {
				cur.TimestampMs = e.TimestampMs
				cur.Epoch = e.Epoch
				cur.EventHash = hash
				cur.Authority = e.Authority
			}

		case OpCounterMax:
			if cur != nil && cur.Op != OpCounterMax {
				if !cur.supersededBy(e.Epoch, e.TimestampMs, hash) {
					continue
				}
				cur = nil
			}
			if cur == nil || op.Value.AsInt() > cur.Value.AsInt() {
				v.facts[op.Predicate] = &Fact{
					Predicate:   op.Predicate,
					Value:       op.Value,
					Authority:   e.Authority,
					TimestampMs: e.TimestampMs,
					Epoch:       e.Epoch,
					EventHash:   hash,
					Op:          OpCounterMax,
				}
			}
		}
	}
	v.version++
}

// setUnion inserts element into a sorted list value, ignoring duplicates.
func setUnion(list Value, element Value) Value {
	eb := element.CanonicalBytes()
	idx := sort.Search(len(list.List), func(i int) bool {
		return string(list.List[i].CanonicalBytes()) >= string(eb)
	})
	if idx < len(list.List) && list.List[idx].Equal(element) {
		return list
	}
	items := make([]Value, 0, len(list.List)+1)
	items = append(items, list.List[:idx]...)
	items = append(items, element)
	items = append(items, list.List[idx:]...)
	return ListValue(items...)
}

// SetContains reports whether a set-valued fact contains an element.
func SetContains(f *Fact, element Value) bool {
	if f == nil || f.Op != OpSetAdd {
		return false
	}
	for _, item := range f.Value.List {
		if item.Equal(element) {
			return true
		}
	}
	return false
}
