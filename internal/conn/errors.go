// =============================================================================
// ERROR CLASSIFICATION
// =============================================================================
//
// Every error leaving the transport is a gRPC status error, so the producer
// classifies failures with one vocabulary regardless of whether they came
// from the network, the HTTP layer, or a broker-reported error code.
//
// THE TWO QUESTIONS THE PRODUCER ASKS:
//
//   IsShutdown(err)  - did this fail because WE are shutting down?
//                      If yes: discard silently, never retry, never log as
//                      an error. Responses racing termination are expected.
//
//   IsRetryable(err) - is this transient? The identifier acquisition loop
//                      retries transient failures indefinitely with a fixed
//                      delay; the broker cannot make progress without a PID
//                      so there is nothing better to do.
//
// CLASSIFICATION TABLE (subset that matters to the producer):
//
//   ┌────────────────────┬────────────┬──────────────────────────────────┐
//   │ Status Code        │ Retryable  │ Typical cause                    │
//   ├────────────────────┼────────────┼──────────────────────────────────┤
//   │ UNAVAILABLE        │ Yes        │ broker down / 503 / not ready    │
//   │ DEADLINE_EXCEEDED  │ Yes        │ request timeout                  │
//   │ INTERNAL           │ Yes        │ broker bug, may be transient     │
//   │ UNKNOWN            │ Yes        │ unclassified broker error        │
//   │ OUT_OF_RANGE       │ Yes        │ sequence gap (resend window)     │
//   │ CANCELED           │ Shutdown   │ producer closing                 │
//   │ FAILED_PRECONDITION│ No         │ fenced by newer epoch            │
//   │ INVALID_ARGUMENT   │ No         │ malformed request, won't change  │
//   └────────────────────┴────────────┴──────────────────────────────────┘
//
// =============================================================================

package conn

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrConnNotReady is returned synchronously when a request is attempted on
// a connection that is not Up.
var ErrConnNotReady = errors.New("broker connection not ready")

// IsShutdown reports whether an error was caused by the producer's own
// termination. Such errors are discarded silently: no retry, no error log.
func IsShutdown(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	return ok && st.Code() == codes.Canceled
}

// IsRetryable reports whether a failure is transient and worth retrying.
// Shutdown errors are never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConnNotReady) {
		return true
	}

	st, ok := status.FromError(err)
	if !ok {
		// Not a status error: some raw network failure. Retry.
		return true
	}

	switch st.Code() {
	case codes.Unavailable,
		codes.DeadlineExceeded,
		codes.Internal,
		codes.ResourceExhausted,
		codes.OutOfRange,
		codes.Unknown:
		return true

	case codes.Canceled,
		codes.InvalidArgument,
		codes.FailedPrecondition,
		codes.PermissionDenied,
		codes.Unimplemented,
		codes.Unauthenticated:
		return false

	default:
		return false
	}
}

// IsFencedError reports whether the broker rejected a request for carrying
// a stale producer epoch. Fencing is permanent for the rejected instance:
// a newer instance with the same client key has taken over.
func IsFencedError(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	return ok && st.Code() == codes.FailedPrecondition
}
