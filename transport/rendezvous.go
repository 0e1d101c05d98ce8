package transport

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/hxrts/aura/interfaces"
	"github.com/hxrts/aura/journal"
)

// rendezvousOffer is the flooded payload: a small connection offer
// forwarded among friends and guardians until it reaches its target or
// the TTL runs out.
type rendezvousOffer struct {
	ID   uuid.UUID           `cbor:"1,keyasint"`
	From interfaces.DeviceID `cbor:"2,keyasint"`
	To   interfaces.DeviceID `cbor:"3,keyasint"`
	TTL  uint8               `cbor:"4,keyasint"`
	Body []byte              `cbor:"5,keyasint"`
}

// Relay floods rendezvous offers and delivers the ones addressed to the
// local device. Offers are deduplicated by id, so flooding loops
// terminate even in cyclic peer graphs.
type Relay struct {
	eff   *interfaces.Effects
	codec *Codec
	local interfaces.DeviceID

	// Delivered receives offers addressed to the local device.
	Delivered func(from interfaces.DeviceID, body []byte)

	mu   sync.Mutex
	seen map[uuid.UUID]struct{}
}

// NewRelay creates a relay for the local device.
func NewRelay(eff *interfaces.Effects, codec *Codec, local interfaces.DeviceID, delivered func(interfaces.DeviceID, []byte)) *Relay {
	return &Relay{
		eff:       eff,
		codec:     codec,
		local:     local,
		Delivered: delivered,
		seen:      make(map[uuid.UUID]struct{}),
	}
}

// Flood originates an offer toward a target with the given hop budget.
func (r *Relay) Flood(ctx context.Context, to interfaces.DeviceID, body []byte, ttl uint8) (uuid.UUID, error) {
	id, err := uuid.FromBytes(r.eff.Rand.Bytes(16))
	if err != nil {
		return uuid.Nil, interfaces.Wrap(interfaces.KindInternal, "offer id", err)
	}
	r.remember(id)
	offer := rendezvousOffer{ID: id, From: r.local, To: to, TTL: ttl, Body: body}
	if err := r.broadcast(ctx, offer); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// Handle processes one received rendezvous envelope: deliver if addressed
// here, otherwise forward with a decremented TTL.
func (r *Relay) Handle(ctx context.Context, env *Envelope) error {
	if env.Kind != KindRendezvous {
		return interfaces.Ef(interfaces.KindInvalidInput, "envelope kind %d is not rendezvous", env.Kind)
	}
	var offer rendezvousOffer
	if err := journal.Unmarshal(env.Payload, &offer); err != nil {
		return interfaces.Wrap(interfaces.KindInvalidInput, "rendezvous payload", err)
	}
	if !r.remember(offer.ID) {
		return nil
	}

	if offer.To == r.local {
		if r.Delivered != nil {
			r.Delivered(offer.From, offer.Body)
		}
		return nil
	}
	if offer.TTL == 0 {
		return nil
	}
	offer.TTL--
	return r.broadcast(ctx, offer)
}

func (r *Relay) broadcast(ctx context.Context, offer rendezvousOffer) error {
	payload, err := journal.Marshal(&offer)
	if err != nil {
		return err
	}
	frame, err := r.codec.Seal(&Envelope{Kind: KindRendezvous, Payload: payload})
	if err != nil {
		return err
	}
	return r.eff.Transport.Broadcast(ctx, frame)
}

// remember records an offer id, reporting whether it was new.
func (r *Relay) remember(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[id]; ok {
		return false
	}
	r.seen[id] = struct{}{}
	return true
}
