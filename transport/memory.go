package transport

import (
	"context"
	"sort"
	"sync"

	"github.com/hxrts/aura/interfaces"
)

// Switchboard is an in-memory message fabric for simulation and tests.
// Every attached peer gets a transport handle; delivery is a buffered
// channel per recipient, so per-sender send order is preserved.
type Switchboard struct {
	mu    sync.Mutex
	peers map[interfaces.DeviceID]*MemPeer
}

// NewSwitchboard creates an empty switchboard.
func NewSwitchboard() *Switchboard {
	return &Switchboard{peers: make(map[interfaces.DeviceID]*MemPeer)}
}

type inbound struct {
	from interfaces.DeviceID
	data []byte
}

// MemPeer is one attached peer's transport handle.
type MemPeer struct {
	id    interfaces.DeviceID
	board *Switchboard
	inbox chan inbound
}

var _ interfaces.Transport = (*MemPeer)(nil)

// Attach connects a peer and returns its transport handle. Re-attaching
// an id replaces the previous handle.
func (s *Switchboard) Attach(id interfaces.DeviceID, buffer int) *MemPeer {
	if buffer < 1 {
		buffer = 64
	}
	p := &MemPeer{id: id, board: s, inbox: make(chan inbound, buffer)}
	s.mu.Lock()
	s.peers[id] = p
	s.mu.Unlock()
	return p
}

// Detach disconnects a peer. In-flight messages to it are dropped.
func (s *Switchboard) Detach(id interfaces.DeviceID) {
	s.mu.Lock()
	delete(s.peers, id)
	s.mu.Unlock()
}

func (s *Switchboard) lookup(id interfaces.DeviceID) *MemPeer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peers[id]
}

// Send delivers data to one peer or fails when it is unreachable.
func (p *MemPeer) Send(ctx context.Context, peer interfaces.DeviceID, data []byte) error {
	target := p.board.lookup(peer)
	if target == nil {
		return interfaces.Ef(interfaces.KindTransportFailure, "peer %s is not connected", peer)
	}
	msg := inbound{from: p.id, data: append([]byte(nil), data...)}
	select {
	case target.inbox <- msg:
		return nil
	case <-ctx.Done():
		return interfaces.Wrap(interfaces.KindTimeout, "send to "+peer.String(), ctx.Err())
	}
}

// Broadcast delivers data to every other connected peer.
func (p *MemPeer) Broadcast(ctx context.Context, data []byte) error {
	for _, peer := range p.ConnectedPeers() {
		if err := p.Send(ctx, peer, data); err != nil {
			return err
		}
	}
	return nil
}

// Receive blocks for the next inbound message.
func (p *MemPeer) Receive(ctx context.Context) (interfaces.DeviceID, []byte, error) {
	select {
	case msg := <-p.inbox:
		return msg.from, msg.data, nil
	case <-ctx.Done():
		return interfaces.DeviceID{}, nil, interfaces.Wrap(interfaces.KindTimeout, "receive", ctx.Err())
	}
}

// ConnectedPeers lists every other attached peer in stable order.
func (p *MemPeer) ConnectedPeers() []interfaces.DeviceID {
	p.board.mu.Lock()
	out := make([]interfaces.DeviceID, 0, len(p.board.peers))
	for id := range p.board.peers {
		if id != p.id {
			out = append(out, id)
		}
	}
	p.board.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return string(out[i][:]) < string(out[j][:])
	})
	return out
}
