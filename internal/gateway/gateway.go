// Package gateway contains the payment provider adapters. Adapters only make
// outbound calls and parse provider payloads; all durable state lives with the
// ledger and reconciliation services.
package gateway

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// GatewayError classifications
const (
	ErrClassAuth       = "auth_failure"
	ErrClassTimeout    = "timeout"
	ErrClassConnection = "connection_error"
	ErrClassRejected   = "rejected_request"
)

// GatewayError wraps a failed interaction with a payment provider, classified
// so callers can decide between retryable and terminal handling.
type GatewayError struct {
	Class   string
	Message string
	Err     error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gateway %s: %s: %v", e.Class, e.Message, e.Err)
	}
	return fmt.Sprintf("gateway %s: %s", e.Class, e.Message)
}

func (e *GatewayError) Unwrap() error { return e.Err }

func NewAuthError(msg string, err error) *GatewayError {
	return &GatewayError{Class: ErrClassAuth, Message: msg, Err: err}
}

func NewTimeoutError(msg string, err error) *GatewayError {
	return &GatewayError{Class: ErrClassTimeout, Message: msg, Err: err}
}

func NewConnectionError(msg string, err error) *GatewayError {
	return &GatewayError{Class: ErrClassConnection, Message: msg, Err: err}
}

func NewRejectedError(msg string) *GatewayError {
	return &GatewayError{Class: ErrClassRejected, Message: msg}
}

// IsGatewayError reports whether err is a classified gateway failure.
func IsGatewayError(err error) (*GatewayError, bool) {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// ErrCallbackParse marks an inbound provider payload that could not be
// understood. Handlers log these and still acknowledge the provider.
var ErrCallbackParse = errors.New("callback parse error")

// Initiation is the result of successfully starting a payment with a
// provider. CorrelationID matches the later asynchronous confirmation;
// ApprovalURL is set only by the redirect-capture rail.
type Initiation struct {
	CorrelationID string
	ApprovalURL   string
	ProviderRef   string
	Description   string
}

// Outcome of a parsed provider confirmation.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// CallbackResult is the normalized form of a provider confirmation payload.
type CallbackResult struct {
	CorrelationID string
	Outcome       string
	Receipt       string
	ResultCode    int
	Reason        string
	Amount        decimal.Decimal
}
