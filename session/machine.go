package session

import (
	"github.com/hxrts/aura/interfaces"
)

// ResultKind discriminates step outcomes.
type ResultKind uint8

const (
	// ResultSendOut carries an outbound message for the transport.
	ResultSendOut ResultKind = iota

	// ResultNeedInput means the machine is blocked on a receive.
	ResultNeedInput

	// ResultChose announces the branch this machine picked; the scheduler
	// delivers the label to the offering peer.
	ResultChose

	// ResultComplete means the machine reached End.
	ResultComplete

	// ResultFailed means the machine aborted.
	ResultFailed
)

// StepResult is the outcome of one machine step.
type StepResult struct {
	Kind ResultKind

	// To, Type, Payload describe an outbound message or chosen label.
	To      Role
	Type    MsgType
	Payload []byte

	// From names the awaited sender when input is needed.
	From Role

	// Branch is the label for ResultChose.
	Branch string

	// Err is the failure for ResultFailed.
	Err error
}

// Inbound is one delivered message or branch label.
type Inbound struct {
	From    Role
	Type    MsgType
	Payload []byte

	// Label is set instead of Type when delivering a branch choice.
	Label string
}

// Handler supplies and consumes protocol payloads for one role. The
// machine enforces the session type; the handler implements the ceremony
// logic behind it.
type Handler interface {
	// Produce builds the payload for an outbound message.
	Produce(t MsgType, to Role) ([]byte, error)

	// Consume processes a received payload. An error fails the session.
	Consume(t MsgType, from Role, payload []byte) error

	// Decide picks a branch label at a choice point.
	Decide(labels []string) (string, error)
}

// Machine executes one role's projection. Construction validates nothing
// further; the projection came from a validated choreography.
type Machine struct {
	role    Role
	handler Handler

	// frames is a stack of transition sequences; entering a branch pushes
	// its continuation.
	frames [][]Transition

	failed   error
	complete bool
}

// NewMachine creates a machine for a role's projection.
func NewMachine(role Role, program []Transition, handler Handler) *Machine {
	return &Machine{role: role, handler: handler, frames: [][]Transition{program}}
}

// Role returns the role this machine plays.
func (m *Machine) Role() Role { return m.role }

// Done reports whether the machine reached End or failed.
func (m *Machine) Done() bool { return m.complete || m.failed != nil }

// Failure returns the failure, if any.
func (m *Machine) Failure() error { return m.failed }

func (m *Machine) current() *Transition {
	for len(m.frames) > 0 {
		top := m.frames[len(m.frames)-1]
		if len(top) == 0 {
			m.frames = m.frames[:len(m.frames)-1]
			continue
		}
		return &top[0]
	}
	return nil
}

func (m *Machine) advance() {
	top := m.frames[len(m.frames)-1]
	m.frames[len(m.frames)-1] = top[1:]
}

func (m *Machine) fail(err error) StepResult {
	m.failed = err
	return StepResult{Kind: ResultFailed, Err: err}
}

// Step drives the machine one transition. Input is consumed only when the
// machine is blocked on a matching receive or offer; unexpected messages
// fail the session as protocol violations.
func (m *Machine) Step(input *Inbound) StepResult {
	if m.failed != nil {
		return StepResult{Kind: ResultFailed, Err: m.failed}
	}
	cur := m.current()
	if cur == nil {
		m.complete = true
		return StepResult{Kind: ResultComplete}
	}

	switch cur.Kind {
	case TransSend:
		payload, err := m.handler.Produce(cur.Type, cur.Peer)
		if err != nil {
			return m.fail(err)
		}
		out := StepResult{Kind: ResultSendOut, To: cur.Peer, Type: cur.Type, Payload: payload}
		m.advance()
		return out

	case TransRecv:
		if input == nil {
			return StepResult{Kind: ResultNeedInput, From: cur.Peer}
		}
		if input.From != cur.Peer || input.Type != cur.Type {
			return m.fail(interfaces.Ef(interfaces.KindProtocolViolation,
				"role %s expected %s from %s, got %s from %s", m.role, cur.Type, cur.Peer, input.Type, input.From))
		}
		if err := m.handler.Consume(input.Type, input.From, input.Payload); err != nil {
			return m.fail(err)
		}
		m.advance()
		return m.Step(nil)

	case TransChoose:
		label, err := m.handler.Decide(branchLabels(cur.Branches))
		if err != nil {
			return m.fail(err)
		}
		branch, ok := cur.Branches[label]
		if !ok {
			return m.fail(interfaces.Ef(interfaces.KindProtocolViolation, "role %s chose unknown branch %q", m.role, label))
		}
		out := StepResult{Kind: ResultChose, To: cur.Peer, Branch: label}
		m.advance()
		m.frames = append(m.frames, branch)
		return out

	case TransOffer:
		if input == nil {
			return StepResult{Kind: ResultNeedInput, From: cur.Peer}
		}
		if input.From != cur.Peer || input.Label == "" {
			return m.fail(interfaces.Ef(interfaces.KindProtocolViolation,
				"role %s expected a branch label from %s", m.role, cur.Peer))
		}
		branch, ok := cur.Branches[input.Label]
		if !ok {
			return m.fail(interfaces.Ef(interfaces.KindProtocolViolation,
				"role %s offered no branch %q", m.role, input.Label))
		}
		m.advance()
		m.frames = append(m.frames, branch)
		return m.Step(nil)

	default:
		return m.fail(interfaces.E(interfaces.KindInternal, "unknown transition kind"))
	}
}

func branchLabels(branches map[string][]Transition) []string {
	labels := make([]string, 0, len(branches))
	for label := range branches {
		labels = append(labels, label)
	}
	return labels
}
