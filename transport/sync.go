package transport

import (
	"context"

	"github.com/hxrts/aura/interfaces"
	"github.com/hxrts/aura/journal"
)

// syncFrame is the anti-entropy payload inside an event envelope.
type syncFrame struct {
	Request  *journal.SyncRequest  `cbor:"1,keyasint,omitempty"`
	Response *journal.SyncResponse `cbor:"2,keyasint,omitempty"`
}

// Syncer drives anti-entropy rounds over a transport: peers exchange root
// commitments, and on mismatch the responder ships the events the
// requester is missing.
type Syncer struct {
	eff   *interfaces.Effects
	j     *journal.Journal
	codec *Codec
	cfg   interfaces.Config
}

// NewSyncer binds a syncer to a journal and a channel codec.
func NewSyncer(eff *interfaces.Effects, j *journal.Journal, codec *Codec, cfg interfaces.Config) *Syncer {
	return &Syncer{eff: eff, j: j, codec: codec, cfg: cfg}
}

// RequestFrom opens a sync round with one peer.
func (s *Syncer) RequestFrom(ctx context.Context, peer interfaces.DeviceID) error {
	req := s.j.BuildSyncRequest()
	frame, err := s.seal(syncFrame{Request: &req})
	if err != nil {
		return err
	}
	return SendWithRetry(ctx, s.eff.Transport, s.cfg, peer, frame)
}

// Handle processes one inbound event envelope. Requests are answered over
// the transport; responses merge into the local journal and yield the
// merge report.
func (s *Syncer) Handle(ctx context.Context, from interfaces.DeviceID, env *Envelope) (*journal.MergeReport, error) {
	if env.Kind != KindEvent {
		return nil, interfaces.Ef(interfaces.KindInvalidInput, "envelope kind %d is not an event", env.Kind)
	}
	var frame syncFrame
	if err := journal.Unmarshal(env.Payload, &frame); err != nil {
		return nil, interfaces.Wrap(interfaces.KindInvalidInput, "sync payload", err)
	}

	switch {
	case frame.Request != nil:
		resp, err := s.j.HandleSyncRequest(*frame.Request)
		if err != nil {
			return nil, err
		}
		reply, err := s.seal(syncFrame{Response: &resp})
		if err != nil {
			return nil, err
		}
		if err := SendWithRetry(ctx, s.eff.Transport, s.cfg, from, reply); err != nil {
			return nil, err
		}
		return nil, nil

	case frame.Response != nil:
		report, err := s.j.ApplySyncResponse(ctx, *frame.Response)
		if err != nil {
			return nil, err
		}
		s.eff.Log.Debug("sync round merged",
			"peer", from.String(),
			"accepted", len(report.Accepted),
			"rejected", len(report.Rejected))
		return report, nil
	}
	return nil, interfaces.E(interfaces.KindInvalidInput, "empty sync frame")
}

func (s *Syncer) seal(frame syncFrame) ([]byte, error) {
	payload, err := journal.Marshal(&frame)
	if err != nil {
		return nil, err
	}
	return s.codec.Seal(&Envelope{Kind: KindEvent, Payload: payload})
}
