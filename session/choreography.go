package session

import (
	"fmt"

	"github.com/hxrts/aura/interfaces"
)

// Role names one participant of a choreography (e.g. "coordinator",
// "signer").
type Role string

// MsgType names a typed protocol message.
type MsgType string

// StepKind discriminates global choreography steps.
type StepKind uint8

const (
	// StepMessage is one typed message from one role to another.
	StepMessage StepKind = iota

	// StepChoice is a branch point: From picks a label, To offers the
	// matching branches.
	StepChoice
)

// GlobalStep is one step of the global protocol description.
type GlobalStep struct {
	Kind StepKind
	From Role
	To   Role

	// Type is the message type for StepMessage.
	Type MsgType

	// Branches maps choice labels to their continuations for StepChoice.
	Branches map[string][]GlobalStep
}

// Message builds a message step.
func Message(from, to Role, t MsgType) GlobalStep {
	return GlobalStep{Kind: StepMessage, From: from, To: to, Type: t}
}

// Choice builds a branch point where from decides and to offers.
func Choice(from, to Role, branches map[string][]GlobalStep) GlobalStep {
	return GlobalStep{Kind: StepChoice, From: from, To: to, Branches: branches}
}

// Choreography is the global description of a ceremony protocol. It is both
// the documentation artifact and the source the per-role state machines are
// projected from.
type Choreography struct {
	Name  string
	Roles []Role
	Steps []GlobalStep
}

// hasRole reports whether the choreography declares the role.
func (c *Choreography) hasRole(r Role) bool {
	for _, role := range c.Roles {
		if role == r {
			return true
		}
	}
	return false
}

// Validate checks the choreography is projectable: every step's roles are
// declared and distinct, choices carry at least one labeled branch, and
// every role not involved in a choice sees identical behavior on all
// branches. Send/receive and label matching across projections then hold by
// construction. The step structure is acyclic, so every run terminates or
// blocks on a receive, where the session deadline takes over.
func (c *Choreography) Validate() error {
	if len(c.Roles) < 2 {
		return interfaces.E(interfaces.KindInvalidInput, "choreography needs at least two roles")
	}
	return c.validateSteps(c.Steps)
}

func (c *Choreography) validateSteps(steps []GlobalStep) error {
	for _, s := range steps {
		if !c.hasRole(s.From) || !c.hasRole(s.To) {
			return interfaces.Ef(interfaces.KindInvalidInput, "%s: step references undeclared role", c.Name)
		}
		if s.From == s.To {
			return interfaces.Ef(interfaces.KindInvalidInput, "%s: step sends a role a message from itself", c.Name)
		}
		switch s.Kind {
		case StepMessage:
			if s.Type == "" {
				return interfaces.Ef(interfaces.KindInvalidInput, "%s: message step without a type", c.Name)
			}
		case StepChoice:
			if len(s.Branches) == 0 {
				return interfaces.Ef(interfaces.KindInvalidInput, "%s: choice with no branches", c.Name)
			}
			for label, branch := range s.Branches {
				if err := c.validateSteps(branch); err != nil {
					return fmt.Errorf("branch %q: %w", label, err)
				}
			}
			// Uninvolved roles must be unable to tell the branches apart.
			for _, role := range c.Roles {
				if role == s.From || role == s.To {
					continue
				}
				var reference []Transition
				first := true
				for label, branch := range s.Branches {
					proj, err := c.projectSteps(branch, role)
					if err != nil {
						return err
					}
					if first {
						reference = proj
						first = false
						continue
					}
					if !sameProjection(reference, proj) {
						return interfaces.Ef(interfaces.KindInvalidInput,
							"%s: role %s observes different behavior across branches of a choice it cannot see (label %q)",
							c.Name, role, label)
					}
				}
			}
		default:
			return interfaces.Ef(interfaces.KindInvalidInput, "%s: unknown step kind", c.Name)
		}
	}
	return nil
}

// TransKind discriminates local state-machine transitions.
type TransKind uint8

const (
	// TransSend emits a typed message to a peer.
	TransSend TransKind = iota

	// TransRecv waits for a typed message from a peer.
	TransRecv

	// TransChoose picks a branch label and announces it to the peer.
	TransChoose

	// TransOffer waits for the peer's branch label.
	TransOffer
)

// Transition is one step of a role's local state machine.
type Transition struct {
	Kind TransKind
	Peer Role
	Type MsgType

	// Branches holds the labeled continuations for choose and offer.
	Branches map[string][]Transition
}

// Project computes the local state machine for one role. Roles not
// involved in a step simply skip it.
func (c *Choreography) Project(role Role) ([]Transition, error) {
	if !c.hasRole(role) {
		return nil, interfaces.Ef(interfaces.KindInvalidInput, "%s: role %s not declared", c.Name, role)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c.projectSteps(c.Steps, role)
}

func (c *Choreography) projectSteps(steps []GlobalStep, role Role) ([]Transition, error) {
	var out []Transition
	for _, s := range steps {
		switch s.Kind {
		case StepMessage:
			switch role {
			case s.From:
				out = append(out, Transition{Kind: TransSend, Peer: s.To, Type: s.Type})
			case s.To:
				out = append(out, Transition{Kind: TransRecv, Peer: s.From, Type: s.Type})
			}
		case StepChoice:
			branches := make(map[string][]Transition, len(s.Branches))
			for label, branch := range s.Branches {
				proj, err := c.projectSteps(branch, role)
				if err != nil {
					return nil, err
				}
				branches[label] = proj
			}
			switch role {
			case s.From:
				out = append(out, Transition{Kind: TransChoose, Peer: s.To, Branches: branches})
			case s.To:
				out = append(out, Transition{Kind: TransOffer, Peer: s.From, Branches: branches})
			default:
				// Identical across branches (checked by Validate); inline
				// any branch's continuation.
				for _, proj := range branches {
					out = append(out, proj...)
					break
				}
			}
		}
	}
	return out, nil
}

func sameProjection(a, b []Transition) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Kind != b[i].Kind || a[i].Peer != b[i].Peer || a[i].Type != b[i].Type {
			return false
		}
		if len(a[i].Branches) != len(b[i].Branches) {
			return false
		}
		for label, branch := range a[i].Branches {
			other, ok := b[i].Branches[label]
			if !ok || !sameProjection(branch, other) {
				return false
			}
		}
	}
	return true
}
