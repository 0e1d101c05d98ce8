package session

import (
	"sort"

	"github.com/hxrts/aura/interfaces"
)

// Scheduler drives a set of role machines to completion over in-process
// mailboxes. It exists for simulation and for ceremonies where all roles
// run locally; distributed execution feeds machines from the transport
// instead.
type Scheduler struct {
	machines map[Role]*Machine
	order    []Role

	// mail is FIFO per (recipient, sender), matching the transport's
	// ordering guarantee.
	mail map[Role]map[Role][]Inbound

	maxSteps int
}

// NewScheduler creates a scheduler bounded by maxSteps observable actions.
func NewScheduler(maxSteps int) *Scheduler {
	return &Scheduler{
		machines: make(map[Role]*Machine),
		mail:     make(map[Role]map[Role][]Inbound),
		maxSteps: maxSteps,
	}
}

// Add registers a machine. Machines run round-robin in role order.
func (s *Scheduler) Add(m *Machine) {
	s.machines[m.Role()] = m
	s.order = append(s.order, m.Role())
	sort.Slice(s.order, func(i, j int) bool { return s.order[i] < s.order[j] })
}

// Deliver injects a message from outside the scheduler, e.g. from the
// transport in a half-local run.
func (s *Scheduler) Deliver(to Role, in Inbound) {
	s.deliver(to, in)
}

func (s *Scheduler) deliver(to Role, in Inbound) {
	if s.mail[to] == nil {
		s.mail[to] = make(map[Role][]Inbound)
	}
	s.mail[to][in.From] = append(s.mail[to][in.From], in)
}

func (s *Scheduler) pop(to, from Role) *Inbound {
	queue := s.mail[to][from]
	if len(queue) == 0 {
		return nil
	}
	in := queue[0]
	s.mail[to][from] = queue[1:]
	return &in
}

// RunToCompletion drives every machine until all reach End, one fails, or
// the step bound rejects the run as non-terminating.
func (s *Scheduler) RunToCompletion() error {
	steps := 0
	for {
		allDone := true
		progress := false
		for _, role := range s.order {
			m := s.machines[role]
			if m.Done() {
				continue
			}
			allDone = false

			res := m.Step(nil)
			if res.Kind == ResultNeedInput {
				input := s.pop(role, res.From)
				if input == nil {
					continue
				}
				res = m.Step(input)
			}
			progress = true
			steps++
			if steps > s.maxSteps {
				return interfaces.Ef(interfaces.KindProtocolViolation, "session exceeded %d steps without terminating", s.maxSteps)
			}

			switch res.Kind {
			case ResultSendOut:
				s.deliver(res.To, Inbound{From: role, Type: res.Type, Payload: res.Payload})
			case ResultChose:
				s.deliver(res.To, Inbound{From: role, Label: res.Branch})
			case ResultFailed:
				return res.Err
			}
		}
		if allDone {
			return nil
		}
		if !progress {
			return interfaces.E(interfaces.KindProtocolViolation, "session deadlocked: every machine is blocked on input")
		}
	}
}
