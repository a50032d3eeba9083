package mirror

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"google.golang.org/grpc/codes"

	"github.com/mirrordb/mirror-go/protocol"
)

// StatusError is a server-signalled cause attached to a stream or target
// event.
type StatusError struct {
	Code    codes.Code
	Message string
}

func (self *StatusError) Error() string {
	return fmt.Sprintf("%s: %s", self.Code, self.Message)
}

func statusError(status *protocol.Status) *StatusError {
	return &StatusError{
		Code:    status.Code,
		Message: status.Message,
	}
}

// RetryableCodes is the classification table for stream termination causes.
// Codes missing from the table are treated as fatal.
var RetryableCodes = map[codes.Code]bool{
	codes.Canceled:           false,
	codes.Unknown:            true,
	codes.InvalidArgument:    false,
	codes.DeadlineExceeded:   true,
	codes.NotFound:           false,
	codes.AlreadyExists:      false,
	codes.PermissionDenied:   false,
	codes.ResourceExhausted:  true,
	codes.FailedPrecondition: false,
	codes.Aborted:            true,
	codes.OutOfRange:         false,
	codes.Unimplemented:      false,
	codes.Internal:           true,
	codes.Unavailable:        true,
	codes.DataLoss:           false,
	codes.Unauthenticated:    false,
}

// shouldRecover reports whether a terminated stream may be transparently
// re-established. Errors without a status code are connection-level
// (resets, timeouts, unexpected close) and are always recoverable.
// Context cancellation is never recovered.
func shouldRecover(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return RetryableCodes[statusErr.Code]
	}
	return true
}

// removeIsFatal decides whether a `TargetChange(REMOVE)` terminates the watch
// or behaves like a RESET. No cause, or a cause the server could transiently
// re-emit, means the target itself is still valid and the view resyncs.
func removeIsFatal(cause *protocol.Status) bool {
	if cause == nil {
		return false
	}
	return !RetryableCodes[cause.Code]
}

// capped exponential backoff with jitter between reconnect attempts.
// never gives up; the watch context bounds the total wait.
func newReconnectBackoff(ctx context.Context, settings *StreamSettings) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = settings.BackoffInitialInterval
	b.MaxInterval = settings.BackoffMaxInterval
	b.Multiplier = settings.BackoffMultiplier
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(b, ctx)
}

// waitForReconnect blocks for the next backoff interval.
// Returns false when the context ends first.
func waitForReconnect(ctx context.Context, b backoff.BackOff) bool {
	interval := b.NextBackOff()
	if interval == backoff.Stop {
		return false
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(interval):
		return true
	}
}
