// Package errs defines the typed error kinds surfaced by the memory engine.
//
// Hard failures (ValidationError, TrustDeniedError, ConcurrencyTimeoutError,
// InsufficientDataError, NotFoundError) are returned as errors and matched
// with errors.As. Warnings (RankingDegradedWarning, RecoveredEmptyStoreWarning)
// accompany a successful result and are never returned in place of one.
package errs

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/normanking/cortexmem/pkg/types"
)

// Kind classifies an error for logging and CLI exit codes.
type Kind string

const (
	KindValidation   Kind = "VALIDATION"
	KindTrustDenied  Kind = "TRUST_DENIED"
	KindTimeout      Kind = "CONCURRENCY_TIMEOUT"
	KindInsufficient Kind = "INSUFFICIENT_DATA"
	KindNotFound     Kind = "NOT_FOUND"
	KindInternal     Kind = "INTERNAL"
)

// ValidationError reports malformed input. No state was changed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s", e.Reason)
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// NewValidation creates a validation error for a field.
func NewValidation(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// FromValidator converts validator/v10 errors into a ValidationError naming
// the first failing field.
func FromValidator(err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		reason := fe.Tag()
		if fe.Param() != "" {
			reason = fe.Tag() + "=" + fe.Param()
		}
		return &ValidationError{Field: strings.ToLower(fe.Field()), Reason: reason}
	}
	return &ValidationError{Reason: err.Error()}
}

// Denial reasons.
const (
	ReasonLowTrust    = "low_trust"
	ReasonRateLimited = "rate_limited"
)

// TrustDeniedError reports that an agent may not perform an operation.
// The operation never reached the write queue.
type TrustDeniedError struct {
	AgentID   string
	Operation types.Operation
	Score     float64
	Threshold float64
	Reason    string
}

func (e *TrustDeniedError) Error() string {
	if e.Reason == ReasonRateLimited {
		return fmt.Sprintf("trust denied: agent %s %s rate limited", e.AgentID, e.Operation)
	}
	return fmt.Sprintf("trust denied: agent %s %s (score %.3f < %.2f)", e.AgentID, e.Operation, e.Score, e.Threshold)
}

// ConcurrencyTimeoutError reports a queued write whose retry budget was
// exhausted. The write was not applied and was dead-lettered; callers may retry.
type ConcurrencyTimeoutError struct {
	Operation    string
	Attempts     int
	DeadLetterID string
	Cause        error
}

func (e *ConcurrencyTimeoutError) Error() string {
	return fmt.Sprintf("concurrency timeout: %s failed after %d attempts (dead letter %s): %v",
		e.Operation, e.Attempts, e.DeadLetterID, e.Cause)
}

func (e *ConcurrencyTimeoutError) Unwrap() error { return e.Cause }

// InsufficientDataError reports a graph build with too few eligible memories.
// No graph generation was published.
type InsufficientDataError struct {
	ProfileID string
	Eligible  int
	Required  int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data: profile %s has %d eligible memories, need %d",
		e.ProfileID, e.Eligible, e.Required)
}

// NotFoundError reports a missing resource.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// NewNotFound creates a not found error.
func NewNotFound(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

// RankingDegradedWarning reports that ranking fell back to a lower phase.
// Results were still returned.
type RankingDegradedWarning struct {
	From  types.Phase
	To    types.Phase
	Cause error
}

func (w *RankingDegradedWarning) Error() string {
	return fmt.Sprintf("ranking degraded from %s to %s: %v", w.From, w.To, w.Cause)
}

func (w *RankingDegradedWarning) Unwrap() error { return w.Cause }

// RecoveredEmptyStoreWarning reports that a corrupted or missing store was
// replaced by a fresh empty one. Data in the original file was lost.
type RecoveredEmptyStoreWarning struct {
	Path    string
	MovedTo string
	Cause   error
}

func (w *RecoveredEmptyStoreWarning) Error() string {
	if w.MovedTo != "" {
		return fmt.Sprintf("store %s recovered empty (corrupt file moved to %s): %v", w.Path, w.MovedTo, w.Cause)
	}
	return fmt.Sprintf("store %s recovered empty: %v", w.Path, w.Cause)
}

func (w *RecoveredEmptyStoreWarning) Unwrap() error { return w.Cause }

// KindOf classifies err.
func KindOf(err error) Kind {
	var (
		ve *ValidationError
		te *TrustDeniedError
		ce *ConcurrencyTimeoutError
		ie *InsufficientDataError
		ne *NotFoundError
	)
	switch {
	case errors.As(err, &ve):
		return KindValidation
	case errors.As(err, &te):
		return KindTrustDenied
	case errors.As(err, &ce):
		return KindTimeout
	case errors.As(err, &ie):
		return KindInsufficient
	case errors.As(err, &ne):
		return KindNotFound
	default:
		return KindInternal
	}
}

// Retryable reports whether the caller may safely retry the operation.
// Validation and authorization failures are never retryable.
func Retryable(err error) bool {
	return KindOf(err) == KindTimeout
}
