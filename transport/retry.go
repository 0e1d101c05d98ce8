package transport

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hxrts/aura/interfaces"
)

// SendWithRetry delivers a frame with exponential backoff. Only transient
// failures are retried; classification faults stop immediately. The send
// timeout from the config bounds each attempt, the context bounds the
// whole call.
func SendWithRetry(ctx context.Context, t interfaces.Transport, cfg interfaces.Config, peer interfaces.DeviceID, data []byte) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = cfg.SendTimeout

	attempt := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		defer cancel()
		err := t.Send(attemptCtx, peer, data)
		if err != nil && !interfaces.Kind(err).Retryable() {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(attempt, backoff.WithContext(policy, ctx))
}
