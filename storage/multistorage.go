package storage

import (
	"context"
	"log/slog"
	"sort"

	"github.com/hxrts/aura/interfaces"
)

// MultiBackend aggregates several persistence backends for redundancy.
// Stores go to every backend and succeed if at least one does; retrieves
// answer from the first backend that has the record.
type MultiBackend struct {
	backends []namedBackend
	log      *slog.Logger
}

type namedBackend interface {
	interfaces.Persistence
	Name() string
}

// NewMultiBackend wraps the given backends. At least one is required.
func NewMultiBackend(backends []namedBackend, log *slog.Logger) (*MultiBackend, error) {
	if len(backends) == 0 {
		return nil, interfaces.E(interfaces.KindInvalidInput, "no storage backends configured")
	}
	return &MultiBackend{backends: backends, log: log}, nil
}

func (m *MultiBackend) Store(ctx context.Context, key string, value []byte) error {
	var firstErr error
	stored := 0
	for _, b := range m.backends {
		if err := b.Store(ctx, key, value); err != nil {
			m.log.Warn("Backend store failed", "backend", b.Name(), "key", key, "err", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		stored++
	}
	if stored == 0 {
		return firstErr
	}
	return nil
}

func (m *MultiBackend) Retrieve(ctx context.Context, key string) ([]byte, bool, error) {
	var firstErr error
	for _, b := range m.backends {
		value, found, err := b.Retrieve(ctx, key)
		if err != nil {
			m.log.Warn("Backend retrieve failed", "backend", b.Name(), "key", key, "err", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if found {
			return value, true, nil
		}
	}
	if firstErr != nil {
		return nil, false, firstErr
	}
	return nil, false, nil
}

func (m *MultiBackend) Remove(ctx context.Context, key string) error {
	var firstErr error
	for _, b := range m.backends {
		if err := b.Remove(ctx, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *MultiBackend) List(ctx context.Context, prefix string) ([]string, error) {
	seen := make(map[string]struct{})
	listed := false
	var firstErr error
	for _, b := range m.backends {
		keys, err := b.List(ctx, prefix)
		if err != nil {
			m.log.Warn("Backend list failed", "backend", b.Name(), "err", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		listed = true
		for _, k := range keys {
			seen[k] = struct{}{}
		}
	}
	if !listed {
		return nil, firstErr
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// Name identifies this backend in logs.
func (m *MultiBackend) Name() string { return "multi" }
