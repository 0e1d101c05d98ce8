package capability

import (
	"sync"

	"github.com/hxrts/aura/interfaces"
)

// Operation base costs in flow units, scaled by the resource scope class.
const (
	CostRead  uint64 = 10
	CostWrite uint64 = 50
	CostAdmin uint64 = 100
)

// CostFor prices an operation against a resource. Unknown operations are
// billed at the admin rate.
func CostFor(operation, resource string) uint64 {
	var base uint64
	switch operation {
	case PermRead:
		base = CostRead
	case PermWrite:
		base = CostWrite
	default:
		base = CostAdmin
	}
	class := ClassifyResource(resource)
	if operation == "gc" {
		class = ScopeGC
	}
	return base * class.Multiplier()
}

type budgetKey struct {
	context interfaces.ContextID
	peer    interfaces.DeviceID
}

type budgetEntry struct {
	cap          uint64
	spent        uint64
	refillPerSec uint64
	lastRefillMs uint64
}

// refill credits elapsed time back into the budget. The refill origin only
// advances by the time actually converted into units, so fractional credit
// is never lost to truncation.
func (e *budgetEntry) refill(nowMs uint64) {
	if nowMs <= e.lastRefillMs || e.refillPerSec == 0 {
		return
	}
	elapsed := nowMs - e.lastRefillMs
	credit := elapsed * e.refillPerSec / 1000
	if credit == 0 {
		return
	}
	if credit >= e.spent {
		e.spent = 0
		e.lastRefillMs = nowMs
		return
	}
	e.spent -= credit
	e.lastRefillMs += credit * 1000 / e.refillPerSec
}

// Budgets tracks per-(context, peer) flow budgets. Records are created on
// first charge from the configured cap and refill rate, and updated under a
// short mutex held only across the read-modify-write.
type Budgets struct {
	mu      sync.Mutex
	time    interfaces.TimeSource
	cfg     interfaces.Config
	entries map[budgetKey]*budgetEntry
}

// NewBudgets creates a budget tracker.
func NewBudgets(time interfaces.TimeSource, cfg interfaces.Config) *Budgets {
	return &Budgets{
		time:    time,
		cfg:     cfg,
		entries: make(map[budgetKey]*budgetEntry),
	}
}

func (b *Budgets) entry(key budgetKey, nowMs uint64) *budgetEntry {
	e, ok := b.entries[key]
	if !ok {
		e = &budgetEntry{
			cap:          b.cfg.FlowBudgetCap,
			refillPerSec: b.cfg.FlowBudgetRefillPerSec,
			lastRefillMs: nowMs,
		}
		b.entries[key] = e
	}
	return e
}

// Charge debits cost from the (context, peer) budget, failing without any
// debit if the charge would overdraw it.
func (b *Budgets) Charge(context interfaces.ContextID, peer interfaces.DeviceID, cost uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.time.NowMs()
	e := b.entry(budgetKey{context, peer}, now)
	e.refill(now)
	if e.spent+cost > e.cap {
		return ErrFlowBudgetExhausted(cost, e.cap-e.spent)
	}
	e.spent += cost
	return nil
}

// Remaining reports the currently available units for a (context, peer).
func (b *Budgets) Remaining(context interfaces.ContextID, peer interfaces.DeviceID) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.time.NowMs()
	e := b.entry(budgetKey{context, peer}, now)
	e.refill(now)
	return e.cap - e.spent
}
