// Package retry implements the retry driver from spec 4.9: a thin wrapper
// that reissues a unit of work whenever it fails with kv.ErrRetry, and lets
// every other error escape immediately.
package retry

import (
	"context"

	"github.com/jacquard/jacquard/pkg/kv"
	"github.com/jacquard/jacquard/pkg/log"
	"github.com/jacquard/jacquard/pkg/metrics"
)

var logger = log.WithComponent("retry")

// Do invokes fn, reissuing it whenever it returns kv.ErrRetry, until it
// either succeeds, returns a different error, or ctx is cancelled. Intended
// to wrap the outermost boundary of each write command.
func Do(ctx context.Context, backend string, fn func(ctx context.Context) error) error {
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if err != kv.ErrRetry {
			return err
		}

		metrics.KVRetriesTotal.WithLabelValues(backend).Inc()
		logger.Debug().Str("backend", backend).Msg("transaction conflict, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}
