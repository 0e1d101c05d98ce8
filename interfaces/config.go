package interfaces

import "time"

// Config carries the recognized core options. Hosting programs populate it
// from whatever surface they expose; the core reads it and nothing else.
type Config struct {
	// ThresholdDefault is the initial group threshold.
	ThresholdDefault int

	// DisputeWindowSecs is the recovery dispute window. Until it elapses a
	// recovered identity stays flagged provisional.
	DisputeWindowSecs uint64

	// GuardianCooldownSecs is the per-guardian recovery cooldown.
	GuardianCooldownSecs uint64

	// SessionDefaultTTLSecs is the ceremony deadline.
	SessionDefaultTTLSecs uint64

	// FlowBudgetCap is the per-peer flow budget cap, in flow units.
	FlowBudgetCap uint64

	// FlowBudgetRefillPerSec is the linear refill rate, in flow units.
	FlowBudgetRefillPerSec uint64

	// MaxMessageBytes rejects larger inbound envelopes.
	MaxMessageBytes uint64

	// MaxJournalEvents is the soft cap that triggers compaction.
	MaxJournalEvents uint64

	// MaxCapabilitiesPerDevice bounds issued tokens per subject.
	MaxCapabilitiesPerDevice int

	// SendTimeout and ReceiveTimeout bound individual transport calls.
	SendTimeout    time.Duration
	ReceiveTimeout time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		ThresholdDefault:         2,
		DisputeWindowSecs:        86400,
		GuardianCooldownSecs:     900,
		SessionDefaultTTLSecs:    3600,
		FlowBudgetCap:            1000,
		FlowBudgetRefillPerSec:   10,
		MaxMessageBytes:          1 << 20,
		MaxJournalEvents:         100_000,
		MaxCapabilitiesPerDevice: 100,
		SendTimeout:              30 * time.Second,
		ReceiveTimeout:           30 * time.Second,
	}
}
