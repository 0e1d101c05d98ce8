package journal

import (
	"github.com/hxrts/aura/interfaces"
)

// Predicate layout. Membership, group, session, capability, and audit
// facts live under fixed prefixes so components and the witness validator
// agree on where to look.
const (
	DevicePrefix      = "member/device/"
	GuardianPrefix    = "member/guardian/"
	GroupPrefix       = "group/"
	SessionPrefix     = "session/"
	CapRevokedPrefix  = "cap/revoked/"
	AuditPrefix       = "audit/"
	RecoveryPrefix    = "recovery/"
	FabricPrefix      = "fabric/"
	ReplicaPrefix     = "replica/"
	CompactCheckpoint = "compact/checkpoint"
	CompactProposal   = "compact/proposal"
	CompactAckPrefix  = "compact/ack/"
)

// CompactAckPredicate names one authority's acknowledgement of the open
// compaction proposal.
func CompactAckPredicate(authority interfaces.AuthorityID) string {
	return CompactAckPrefix + authority.String()
}

// DevicePredicate names a device membership fact.
func DevicePredicate(id interfaces.DeviceID) string { return DevicePrefix + id.String() }

// GuardianPredicate names a guardian membership fact.
func GuardianPredicate(id interfaces.GuardianID) string { return GuardianPrefix + id.String() }

// GroupPredicate names a threshold group fact.
func GroupPredicate(authority interfaces.AuthorityID) string { return GroupPrefix + authority.String() }

// SessionPredicate names a ceremony session fact.
func SessionPredicate(id interfaces.SessionID) string { return SessionPrefix + id.String() }

// CapRevokedPredicate names a capability revocation tombstone fact.
func CapRevokedPredicate(id interfaces.CapabilityID) string { return CapRevokedPrefix + string(id) }

// MemberValue builds the value of a membership fact.
func MemberValue(pubkey []byte, authority interfaces.AuthorityID) Value {
	return MapValue(map[string]Value{
		"pubkey":    BytesValue(pubkey),
		"authority": BytesValue(authority.Bytes()),
	})
}

// GroupValue builds the value of a threshold group fact.
func GroupValue(groupPub []byte, m, n int, epoch uint64) Value {
	return MapValue(map[string]Value{
		"pubkey": BytesValue(groupPub),
		"m":      Int(int64(m)),
		"n":      Int(int64(n)),
		"epoch":  Int(int64(epoch)),
	})
}

// SessionValue builds the value of a session fact.
func SessionValue(state, protocol string, deadlineMs uint64) Value {
	return MapValue(map[string]Value{
		"state":       String(state),
		"protocol":    String(protocol),
		"deadline_ms": Int(int64(deadlineMs)),
	})
}
