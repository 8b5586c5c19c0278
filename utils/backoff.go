// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package utils

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// DefaultRPCTimeout bounds a single RPC round trip.
const DefaultRPCTimeout = 5 * time.Second

// NewExponentialBackOff returns a backoff growing from initial to max that
// never gives up on its own. Elapsed time is measured on clock.
func NewExponentialBackOff(clock clockwork.Clock, initial, max time.Duration) *backoff.ExponentialBackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(initial),
		backoff.WithMaxInterval(max),
		backoff.WithMaxElapsedTime(0),
		backoff.WithClockProvider(clock),
	)
}

// WithRetriesTimeout uses an exponential backoff to run the operation until it
// succeeds, the timeout limit has been reached or ctx is done. Errors wrapped
// with backoff.Permanent are returned immediately.
func WithRetriesTimeout(
	ctx context.Context,
	logger *zap.Logger,
	operation backoff.Operation,
	timeout time.Duration,
	description string,
) error {
	expBackOff := backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(timeout),
	)
	notify := func(err error, duration time.Duration) {
		logger.Warn(
			"Operation failed, retrying...",
			zap.String("operation", description),
			zap.Duration("retryIn", duration),
			zap.Error(err),
		)
	}
	return backoff.RetryNotify(operation, backoff.WithContext(expBackOff, ctx), notify)
}
