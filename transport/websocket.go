package transport

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"github.com/coder/websocket"

	"github.com/hxrts/aura/interfaces"
)

// WSTransport moves frames over WebSocket connections. Each device runs
// one: it serves inbound connections as an http.Handler and dials known
// peers on demand. The first frame on every connection is a 16-byte hello
// naming the sender device; everything after is opaque envelope bytes.
type WSTransport struct {
	self interfaces.DeviceID
	cfg  interfaces.Config
	log  *slog.Logger

	mu    sync.Mutex
	urls  map[interfaces.DeviceID]string
	conns map[interfaces.DeviceID]*websocket.Conn
	inbox chan inbound
}

var _ interfaces.Transport = (*WSTransport)(nil)

// NewWebSocket creates a WebSocket transport for one device.
func NewWebSocket(self interfaces.DeviceID, cfg interfaces.Config, log *slog.Logger) *WSTransport {
	return &WSTransport{
		self:  self,
		cfg:   cfg,
		log:   log,
		urls:  make(map[interfaces.DeviceID]string),
		conns: make(map[interfaces.DeviceID]*websocket.Conn),
		inbox: make(chan inbound, 256),
	}
}

// AddPeer registers a peer's dial URL.
func (t *WSTransport) AddPeer(id interfaces.DeviceID, url string) {
	t.mu.Lock()
	t.urls[id] = url
	t.mu.Unlock()
}

// ServeHTTP accepts an inbound peer connection.
func (t *WSTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		t.log.Warn("websocket accept failed", "err", err)
		return
	}
	c.SetReadLimit(int64(t.cfg.MaxMessageBytes))

	_, hello, err := c.Read(r.Context())
	if err != nil || len(hello) != 16 {
		c.Close(websocket.StatusProtocolError, "bad hello")
		return
	}
	peer, err := interfaces.NewDeviceIDFromBytes(hello)
	if err != nil {
		c.Close(websocket.StatusProtocolError, "bad hello")
		return
	}

	t.register(peer, c)
	t.readLoop(peer, c)
}

func (t *WSTransport) register(peer interfaces.DeviceID, c *websocket.Conn) {
	t.mu.Lock()
	if old := t.conns[peer]; old != nil {
		old.CloseNow()
	}
	t.conns[peer] = c
	t.mu.Unlock()
}

func (t *WSTransport) drop(peer interfaces.DeviceID, c *websocket.Conn) {
	t.mu.Lock()
	if t.conns[peer] == c {
		delete(t.conns, peer)
	}
	t.mu.Unlock()
	c.CloseNow()
}

// readLoop pumps frames from one connection into the shared inbox until
// the connection dies.
func (t *WSTransport) readLoop(peer interfaces.DeviceID, c *websocket.Conn) {
	for {
		_, data, err := c.Read(context.Background())
		if err != nil {
			t.drop(peer, c)
			return
		}
		t.inbox <- inbound{from: peer, data: data}
	}
}

// conn returns a live connection to a peer, dialing if needed.
func (t *WSTransport) conn(ctx context.Context, peer interfaces.DeviceID) (*websocket.Conn, error) {
	t.mu.Lock()
	if c := t.conns[peer]; c != nil {
		t.mu.Unlock()
		return c, nil
	}
	url, ok := t.urls[peer]
	t.mu.Unlock()
	if !ok {
		return nil, interfaces.Ef(interfaces.KindTransportFailure, "no route to peer %s", peer)
	}

	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, interfaces.Wrap(interfaces.KindTransportFailure, "dial "+url, err)
	}
	c.SetReadLimit(int64(t.cfg.MaxMessageBytes))
	if err := c.Write(ctx, websocket.MessageBinary, t.self.Bytes()); err != nil {
		c.CloseNow()
		return nil, interfaces.Wrap(interfaces.KindTransportFailure, "hello", err)
	}
	t.register(peer, c)
	go t.readLoop(peer, c)
	return c, nil
}

// Send delivers one frame to a peer.
func (t *WSTransport) Send(ctx context.Context, peer interfaces.DeviceID, data []byte) error {
	c, err := t.conn(ctx, peer)
	if err != nil {
		return err
	}
	if err := c.Write(ctx, websocket.MessageBinary, data); err != nil {
		t.drop(peer, c)
		return interfaces.Wrap(interfaces.KindTransportFailure, "send to "+peer.String(), err)
	}
	return nil
}

// Broadcast delivers one frame to every known peer. Unreachable peers are
// skipped; broadcast is best effort by design, anti-entropy repairs the
// gaps.
func (t *WSTransport) Broadcast(ctx context.Context, data []byte) error {
	for _, peer := range t.knownPeers() {
		if err := t.Send(ctx, peer, data); err != nil {
			t.log.Debug("broadcast skip", "peer", peer.String(), "err", err)
		}
	}
	return nil
}

// Receive blocks for the next inbound frame.
func (t *WSTransport) Receive(ctx context.Context) (interfaces.DeviceID, []byte, error) {
	select {
	case msg := <-t.inbox:
		return msg.from, msg.data, nil
	case <-ctx.Done():
		return interfaces.DeviceID{}, nil, interfaces.Wrap(interfaces.KindTimeout, "receive", ctx.Err())
	}
}

// ConnectedPeers lists peers with a live connection.
func (t *WSTransport) ConnectedPeers() []interfaces.DeviceID {
	t.mu.Lock()
	out := make([]interfaces.DeviceID, 0, len(t.conns))
	for id := range t.conns {
		out = append(out, id)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return string(out[i][:]) < string(out[j][:])
	})
	return out
}

// knownPeers lists every peer with a connection or a dial route.
func (t *WSTransport) knownPeers() []interfaces.DeviceID {
	t.mu.Lock()
	set := make(map[interfaces.DeviceID]struct{}, len(t.conns)+len(t.urls))
	for id := range t.conns {
		set[id] = struct{}{}
	}
	for id := range t.urls {
		set[id] = struct{}{}
	}
	t.mu.Unlock()
	out := make([]interfaces.DeviceID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		return string(out[i][:]) < string(out[j][:])
	})
	return out
}

// Close tears down every connection.
func (t *WSTransport) Close() {
	t.mu.Lock()
	conns := t.conns
	t.conns = make(map[interfaces.DeviceID]*websocket.Conn)
	t.mu.Unlock()
	for _, c := range conns {
		c.Close(websocket.StatusNormalClosure, "shutdown")
	}
}
