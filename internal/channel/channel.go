// Package channel defines the delivery adapter contract. Adapters are not
// required to deduplicate: a retry re-delivers to every configured channel,
// so a channel that succeeded on an earlier attempt may receive the same
// artifact again. Receipts carry enough context for downstream dedup.
package channel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"reportflow/internal/domain"
)

// Kind classifies a delivery error for the retry decision.
type Kind int

const (
	// Transient errors may succeed on retry (network, remote 5xx).
	Transient Kind = iota
	// Permanent errors cannot succeed on retry (bad address, bad
	// credentials); they short-circuit the retry policy.
	Permanent
)

// Error is a classified delivery failure.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

// Transientf builds a transient delivery error.
func Transientf(err error, format string, args ...any) *Error {
	return &Error{Kind: Transient, Reason: fmt.Sprintf(format, args...), Err: err}
}

// Permanentf builds a permanent delivery error.
func Permanentf(err error, format string, args ...any) *Error {
	return &Error{Kind: Permanent, Reason: fmt.Sprintf(format, args...), Err: err}
}

// IsPermanent reports whether err is a permanent delivery error.
func IsPermanent(err error) bool {
	var de *Error
	return errors.As(err, &de) && de.Kind == Permanent
}

// Reason extracts the human-readable reason from a delivery error.
func Reason(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Reason
	}
	return err.Error()
}

// Receipt is proof of one successful delivery.
type Receipt struct {
	Ref         string
	DeliveredAt time.Time
}

// Artifact is the read-only rendered output handed to adapters.
type Artifact struct {
	Ref         string
	Filename    string
	ContentType string
	Data        []byte
}

// Adapter delivers an artifact through one method. Implementations must
// honor ctx cancellation; the dispatcher enforces the attempt timeout
// through it.
type Adapter interface {
	Deliver(ctx context.Context, artifact Artifact, cfg domain.DeliveryConfiguration) (Receipt, error)
}
