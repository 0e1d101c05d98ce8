package effects

import (
	"log/slog"
	"time"

	"github.com/hxrts/aura/frost"
	"github.com/hxrts/aura/interfaces"
)

// Production assembles the real effect set. Transport and persistence are
// supplied by the host (see the transport and storage packages).
func Production(transport interfaces.Transport, store interfaces.Persistence, log *slog.Logger) *interfaces.Effects {
	rand := NewSecureRandom()
	return &interfaces.Effects{
		Time:      NewRealTime(),
		Rand:      rand,
		Crypto:    NewCrypto(rand),
		Threshold: frost.New(rand),
		Transport: transport,
		Store:     store,
		Log:       log,
	}
}

// Simulation assembles a deterministic effect set: a manually advanced clock
// starting at a fixed instant and a seeded entropy stream feeding the same
// real crypto used in production. Two simulations with equal seeds replay
// identically. The returned SimTime lets tests advance the clock.
func Simulation(seed uint64, transport interfaces.Transport, store interfaces.Persistence, log *slog.Logger) (*interfaces.Effects, *SimTime) {
	rand := NewSeededRandom(seed)
	clock := NewSimTime(time.Unix(1_700_000_000, 0).UTC())
	return &interfaces.Effects{
		Time:      clock,
		Rand:      rand,
		Crypto:    NewCrypto(rand),
		Threshold: frost.New(rand),
		Transport: transport,
		Store:     store,
		Log:       log,
	}, clock
}
