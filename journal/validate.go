package journal

import (
	"bytes"

	"github.com/hxrts/aura/interfaces"
)

// validateWitness checks an event's authorization witness against the
// membership recorded in the given view. The view is the state projected
// from every event accepted before this one in the deterministic order.
func validateWitness(eff *interfaces.Effects, view *View, e *Event, hash interfaces.Hash) error {
	switch e.Auth.Kind {
	case AuthDevice:
		if isBootstrap(view, e) {
			return validateBootstrap(eff, e, hash)
		}
		if !memberWithPubkey(view, DevicePrefix, e.Auth.Signer) {
			return interfaces.E(interfaces.KindAuthorizationFailed, "signer is not a device member")
		}
		if !eff.Crypto.VerifySignature(e.Auth.Signer, hash.Bytes(), e.Auth.Signature) {
			return interfaces.E(interfaces.KindAuthenticationFailed, "device signature does not verify")
		}
		return nil

	case AuthGuardian:
		if !memberWithPubkey(view, GuardianPrefix, e.Auth.Signer) {
			return interfaces.E(interfaces.KindAuthorizationFailed, "signer is not a guardian")
		}
		if !eff.Crypto.VerifySignature(e.Auth.Signer, hash.Bytes(), e.Auth.Signature) {
			return interfaces.E(interfaces.KindAuthenticationFailed, "guardian signature does not verify")
		}
		return nil

	case AuthThreshold:
		group := findGroup(view, e.Auth.Signer)
		if group == nil {
			return interfaces.E(interfaces.KindAuthorizationFailed, "unknown threshold group")
		}
		m := int(group.Value.Map["m"].AsInt())
		if e.Auth.SignerCount() < m {
			return interfaces.Ef(interfaces.KindAuthorizationFailed, "threshold witness has %d signers, need %d", e.Auth.SignerCount(), m)
		}
		if !eff.Threshold.VerifySignature(e.Auth.Signer, hash.Bytes(), e.Auth.Signature) {
			return interfaces.E(interfaces.KindAuthenticationFailed, "threshold signature does not verify")
		}
		return nil

	case AuthLifecycle:
		session := view.Get(SessionPredicate(e.Auth.Session))
		if session == nil {
			return interfaces.E(interfaces.KindAuthorizationFailed, "lifecycle witness references unknown session")
		}
		if session.Value.Map["state"].AsString() != "active" {
			return interfaces.E(interfaces.KindAuthorizationFailed, "lifecycle witness references inactive session")
		}
		deadline := uint64(session.Value.Map["deadline_ms"].AsInt())
		if e.TimestampMs > deadline {
			return interfaces.E(interfaces.KindTimeout, "lifecycle witness past session deadline")
		}
		return nil

	default:
		return interfaces.E(interfaces.KindInvalidInput, "unknown authorization kind")
	}
}

// isBootstrap reports whether this event may establish the account: the
// view holds no device members yet and the event is its authority's
// genesis.
func isBootstrap(view *View, e *Event) bool {
	return e.Nonce == 1 && e.Parent == nil && len(view.Prefix(DevicePrefix)) == 0
}

// validateBootstrap accepts a self-signed genesis event, but only if it
// registers its own signer as the first device member.
func validateBootstrap(eff *interfaces.Effects, e *Event, hash interfaces.Hash) error {
	if !eff.Crypto.VerifySignature(e.Auth.Signer, hash.Bytes(), e.Auth.Signature) {
		return interfaces.E(interfaces.KindAuthenticationFailed, "genesis signature does not verify")
	}
	for _, op := range e.Ops {
		if op.Op != OpPut || len(op.Predicate) <= len(DevicePrefix) || op.Predicate[:len(DevicePrefix)] != DevicePrefix {
			continue
		}
		if pk, ok := op.Value.Map["pubkey"]; ok && bytes.Equal(pk.Bytes, e.Auth.Signer) {
			return nil
		}
	}
	return interfaces.E(interfaces.KindAuthorizationFailed, "genesis event does not register its signer as a device")
}

// memberWithPubkey reports whether any live membership fact under the
// prefix carries the given public key.
func memberWithPubkey(view *View, prefix string, pubkey []byte) bool {
	for _, f := range view.Prefix(prefix) {
		if pk, ok := f.Value.Map["pubkey"]; ok && bytes.Equal(pk.Bytes, pubkey) {
			return true
		}
	}
	return false
}

// findGroup locates the group fact matching a group public key.
func findGroup(view *View, groupPub []byte) *Fact {
	for _, f := range view.Prefix(GroupPrefix) {
		if pk, ok := f.Value.Map["pubkey"]; ok && bytes.Equal(pk.Bytes, groupPub) {
			cp := f
			return &cp
		}
	}
	return nil
}
