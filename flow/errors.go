package flow

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/unifiedattestation/attestflow/canonical"
	"github.com/unifiedattestation/attestflow/gateway"
	"github.com/unifiedattestation/attestflow/verifier"
	"google.golang.org/grpc/codes"
)

// ErrTerminalState is returned by Next for Completed and Failed.
var ErrTerminalState = errors.New("no transition out of a terminal state")

// Error is the terminal error of a failed flow. Err is the originating error
// and State the step it occurred in.
type Error struct {
	SessionID string
	State     State
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("attestation flow %s failed in %v: %v", e.SessionID, e.State, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// UnofferedBackendError is returned when the decision service selects a
// backend that was not in the submitted provider set.
type UnofferedBackendError struct {
	Backend   string
	Providers gateway.ProviderSet
}

func (e *UnofferedBackendError) Error() string {
	return fmt.Sprintf("selected backend %q is not one of the offered providers %q", e.Backend, []string(e.Providers))
}

// retryableCodes are gateway status codes for which a fresh flow may succeed.
var retryableCodes = map[codes.Code]struct{}{
	codes.Unavailable:       {},
	codes.ResourceExhausted: {},
	codes.DeadlineExceeded:  {},
	codes.Aborted:           {},
}

// IsRetryable reports whether running the whole flow again may succeed.
// Cancellation, malformed responses, hash failures and protocol violations
// are never retryable.
func IsRetryable(err error) bool {
	if err == nil || gateway.IsCanceled(err) {
		return false
	}

	var fhe *canonical.FatalHashError
	var ube *UnofferedBackendError
	var mre *verifier.MalformedResponseError
	if errors.As(err, &fhe) || errors.As(err, &ube) || errors.As(err, &mre) {
		return false
	}

	var rce *verifier.RemoteCallError
	if errors.As(err, &rce) {
		return rce.Temporary()
	}

	var pde *gateway.ProviderDiscoveryError
	var tie *gateway.TokenIssuanceError
	if errors.As(err, &pde) || errors.As(err, &tie) {
		_, ok := retryableCodes[gateway.Code(err)]
		return ok
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
