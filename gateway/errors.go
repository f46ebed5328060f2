package gateway

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
)

// ErrDisconnected is wrapped by errors from calls made on, or interrupted
// by, a disconnected gateway.
var ErrDisconnected = errors.New("attestation gateway is disconnected")

// ProviderDiscoveryError is returned when the provider set cannot be fetched,
// e.g. the attestation service is unavailable or the quota is exceeded.
type ProviderDiscoveryError struct {
	Code    codes.Code
	Message string
	Err     error
}

func (e *ProviderDiscoveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider discovery failed (%v): %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("provider discovery failed (%v): %s", e.Code, e.Message)
}

func (e *ProviderDiscoveryError) Unwrap() error {
	return e.Err
}

// TokenIssuanceError is returned when the chosen backend is unreachable,
// unsupported or rejects the request.
type TokenIssuanceError struct {
	Code    codes.Code
	Message string
	Err     error
}

func (e *TokenIssuanceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("token issuance failed (%v): %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("token issuance failed (%v): %s", e.Code, e.Message)
}

func (e *TokenIssuanceError) Unwrap() error {
	return e.Err
}

// Code extracts the status code from a gateway error. Errors that did not
// originate in a gateway report codes.Unknown.
func Code(err error) codes.Code {
	var pde *ProviderDiscoveryError
	if errors.As(err, &pde) {
		return pde.Code
	}
	var tie *TokenIssuanceError
	if errors.As(err, &tie) {
		return tie.Code
	}
	return codes.Unknown
}

// IsCanceled reports whether err is a cancellation-kind error.
func IsCanceled(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDisconnected) || errors.Is(err, context.Canceled) {
		return true
	}
	return Code(err) == codes.Canceled
}

// CodeFromContext maps a context error to a status code.
func CodeFromContext(err error) codes.Code {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled), errors.Is(err, ErrDisconnected):
		return codes.Canceled
	}
	return codes.Unknown
}
