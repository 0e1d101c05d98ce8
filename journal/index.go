package journal

import (
	"bytes"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/google/btree"
	"github.com/hxrts/aura/interfaces"
)

// indexEntry keys the query index by (predicate, authority, timestamp).
type indexEntry struct {
	Predicate   string
	Authority   interfaces.AuthorityID
	TimestampMs uint64
	EventID     interfaces.EventID
}

func indexLess(a, b indexEntry) bool {
	if a.Predicate != b.Predicate {
		return a.Predicate < b.Predicate
	}
	if c := bytes.Compare(a.Authority[:], b.Authority[:]); c != 0 {
		return c < 0
	}
	if a.TimestampMs != b.TimestampMs {
		return a.TimestampMs < b.TimestampMs
	}
	return bytes.Compare(a.EventID[:], b.EventID[:]) < 0
}

const (
	bloomEstimatedItems = 100_000
	bloomFalsePositive  = 0.01
)

// indexes holds the derived query structures. They sit beside the view for
// performance and are rebuilt from the event set; they are never
// authoritative.
type indexes struct {
	tree  *btree.BTreeG[indexEntry]
	might *bloom.BloomFilter
}

func newIndexes() *indexes {
	return &indexes{
		tree:  btree.NewG[indexEntry](32, indexLess),
		might: bloom.NewWithEstimates(bloomEstimatedItems, bloomFalsePositive),
	}
}

func (ix *indexes) add(e *Event) {
	for _, op := range e.Ops {
		ix.tree.ReplaceOrInsert(indexEntry{
			Predicate:   op.Predicate,
			Authority:   e.Authority,
			TimestampMs: e.TimestampMs,
			EventID:     e.ID,
		})
		ix.might.Add(bloomKey(op.Predicate, op.Value))
	}
}

func bloomKey(predicate string, value Value) []byte {
	key := append([]byte(predicate), 0)
	return append(key, value.CanonicalBytes()...)
}

// byPredicate returns the event ids recorded for a predicate, in
// (authority, timestamp) order.
func (ix *indexes) byPredicate(predicate string) []interfaces.EventID {
	var out []interfaces.EventID
	ix.tree.AscendGreaterOrEqual(indexEntry{Predicate: predicate}, func(it indexEntry) bool {
		if it.Predicate != predicate {
			return false
		}
		out = append(out, it.EventID)
		return true
	})
	return out
}

// byAuthority returns event ids written by an authority.
func (ix *indexes) byAuthority(id interfaces.AuthorityID) []interfaces.EventID {
	seen := make(map[interfaces.EventID]struct{})
	var out []interfaces.EventID
	ix.tree.Ascend(func(it indexEntry) bool {
		if it.Authority == id {
			if _, dup := seen[it.EventID]; !dup {
				seen[it.EventID] = struct{}{}
				out = append(out, it.EventID)
			}
		}
		return true
	})
	return out
}

// byTimeRange returns event ids with lo <= timestamp <= hi.
func (ix *indexes) byTimeRange(lo, hi uint64) []interfaces.EventID {
	seen := make(map[interfaces.EventID]struct{})
	var out []interfaces.EventID
	ix.tree.Ascend(func(it indexEntry) bool {
		if it.TimestampMs >= lo && it.TimestampMs <= hi {
			if _, dup := seen[it.EventID]; !dup {
				seen[it.EventID] = struct{}{}
				out = append(out, it.EventID)
			}
		}
		return true
	})
	return out
}

// mightContain reports whether a (predicate, value) pair may have been
// written. False positives stay at or below the configured 1% target;
// false negatives do not occur.
func (ix *indexes) mightContain(predicate string, value Value) bool {
	return ix.might.Test(bloomKey(predicate, value))
}
