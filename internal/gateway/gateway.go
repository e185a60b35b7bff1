// Package gateway abstracts the external payment rail behind a narrow port.
//
// The escrow state machine is the only caller. Every operation takes an
// idempotency key derived from the escrow ID and operation name, so a retried
// call after a lost confirmation must return the original result instead of
// moving money twice. Implementations: Stripe (production) and Fake
// (development and tests).
package gateway

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrRejected marks a permanent gateway rejection (card declined,
	// insufficient funds). Never retried.
	ErrRejected = errors.New("gateway rejected operation")

	// ErrTransient marks a temporary gateway failure (timeout, 5xx).
	// Safe to retry with the same idempotency key.
	ErrTransient = errors.New("gateway temporarily unavailable")

	// ErrCircuitOpen is returned when the circuit breaker is rejecting
	// calls to the gateway. Treated as transient by callers.
	ErrCircuitOpen = errors.New("gateway circuit open")
)

// RejectedError carries the gateway's rejection code (e.g. "card_declined").
type RejectedError struct {
	Code    string
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("gateway rejected operation: %s: %s", e.Code, e.Message)
}

func (e *RejectedError) Unwrap() error { return ErrRejected }

// Rejected builds a permanent rejection error.
func Rejected(code, message string) error {
	return &RejectedError{Code: code, Message: message}
}

// Transient wraps err as a retryable gateway failure.
func Transient(err error) error {
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// IsTransient reports whether err is safe to retry against the gateway.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrCircuitOpen)
}

// PaymentGateway is the port to the external payment rail.
//
// All amounts are integer cents. All operations must be safe to retry with
// the same idempotency key: a repeat call returns the original reference
// without a second side effect.
type PaymentGateway interface {
	// AuthorizeHold reserves funds on the payer's instrument without
	// capturing them. Returns an opaque hold reference.
	AuthorizeHold(ctx context.Context, payerRef string, amountCents int64, currency, idempotencyKey string) (string, error)

	// Capture converts a hold into an actual charge.
	Capture(ctx context.Context, holdRef, idempotencyKey string) (string, error)

	// TransferToPayee moves the net amount from the captured charge to the
	// payee's account. The platform retains the difference as commission.
	TransferToPayee(ctx context.Context, captureRef, payeeRef string, netCents int64, currency, idempotencyKey string) (string, error)

	// CancelHold releases a hold that was never captured.
	CancelHold(ctx context.Context, holdRef, idempotencyKey string) error

	// Refund returns amountCents of a captured charge to the payer.
	Refund(ctx context.Context, captureRef string, amountCents int64, idempotencyKey string) (string, error)
}

// IdempotencyKey derives the stable key for one gateway operation on one
// escrow record. Keys are deterministic so a crashed and retried operation
// reuses the original key.
func IdempotencyKey(escrowID, operation string) string {
	return escrowID + ":" + operation
}
