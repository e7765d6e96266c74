package upload

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/arbundles"
	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/currency"
)

// fundsMessage is the text nodes and payment backends use when the account
// balance cannot cover an upload.
const fundsMessage = "Not enough funds to send data"

// ErrInsufficientFunds is fatal: retrying or continuing a batch cannot
// succeed until the account is funded.
var ErrInsufficientFunds = errors.New("not enough funds to send data")

// RejectedError is returned for any non-success status other than 402.
type RejectedError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *RejectedError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upload rejected: %d %s", e.StatusCode, e.Status)
	}
	return fmt.Sprintf("upload rejected: %d %s: %s", e.StatusCode, e.Status, e.Body)
}

// MalformedReceiptError is returned when a receipt was requested and the
// node accepted the item, but its response body is not a usable receipt.
type MalformedReceiptError struct {
	Body []byte
	Err  error
}

func (e *MalformedReceiptError) Error() string {
	return fmt.Sprintf("malformed receipt: %v (body: %q)", e.Err, truncate(e.Body, 256))
}

func (e *MalformedReceiptError) Unwrap() error {
	return e.Err
}

// IsInsufficientFunds matches the sentinel and, for collaborator errors
// that only carry text, the funds-exhausted message.
func IsInsufficientFunds(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInsufficientFunds) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), strings.ToLower(fundsMessage))
}

// IsRetryable reports whether another attempt at the same upload could
// succeed.
func IsRetryable(err error) bool {
	if err == nil || IsInsufficientFunds(err) {
		return false
	}
	var malformed *MalformedReceiptError
	switch {
	case errors.As(err, &malformed):
		return false
	case errors.Is(err, arbundles.ErrInvalidItem), errors.Is(err, currency.ErrNoSigner):
		return false
	case errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// Reason is a short classification used for metric labels.
func Reason(err error) string {
	var (
		rejected  *RejectedError
		malformed *MalformedReceiptError
	)
	switch {
	case IsInsufficientFunds(err):
		return "insufficient_funds"
	case errors.As(err, &rejected):
		return "rejected"
	case errors.As(err, &malformed):
		return "malformed_receipt"
	default:
		return "error"
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
