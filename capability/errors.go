package capability

import (
	"github.com/hxrts/aura/interfaces"
)

// Deny reasons surfaced in authorization decisions. Decisions carry one of
// these plus a free-form message; they never carry internal detail.
const (
	ReasonInvalidSignature        = "invalid signature"
	ReasonExpired                 = "expired"
	ReasonInsufficientPermissions = "insufficient permissions"
	ReasonResourcePattern         = "resource pattern"
	ReasonSubjectMismatch         = "subject mismatch"
	ReasonFlowBudgetExhausted     = "flow budget exhausted"
	ReasonRevoked                 = "revoked"
	ReasonMalformedToken          = "malformed token"
	ReasonDelegationDepth         = "delegation depth exceeded"
	ReasonUsesExhausted           = "max uses exhausted"
)

// ErrInvalidSignature reports a signature that does not verify.
func ErrInvalidSignature(msg string) error {
	return interfaces.E(interfaces.KindAuthenticationFailed, msg)
}

// ErrExpired reports a token past its effective expiry.
func ErrExpired(expiryMs uint64) error {
	return interfaces.Ef(interfaces.KindAuthorizationFailed, "token expired at %dms", expiryMs)
}

// ErrMalformedToken reports a structurally invalid token.
func ErrMalformedToken(msg string) error {
	return interfaces.E(interfaces.KindInvalidInput, msg)
}

// ErrDelegationDepthExceeded reports an attenuation chain over its bound.
func ErrDelegationDepthExceeded(depth int) error {
	return interfaces.Ef(interfaces.KindAuthorizationFailed, "delegation depth %d exceeds token bound", depth)
}

// ErrRevoked reports a token whose id or ancestor id is tombstoned.
func ErrRevoked(id interfaces.CapabilityID) error {
	return interfaces.Ef(interfaces.KindAuthorizationFailed, "capability %s revoked", id)
}

// ErrFlowBudgetExhausted reports a charge that would overdraw the budget.
func ErrFlowBudgetExhausted(cost, remaining uint64) error {
	return interfaces.Ef(interfaces.KindFlowBudgetExhausted, "cost %d exceeds remaining budget %d", cost, remaining)
}
