// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package relayer

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyDelivered     = errors.New("message already delivered")
	ErrProofRejected        = errors.New("proof rejected by destination")
	ErrArrivalWindowExpired = errors.New("arrival window expired")
	ErrMissingLogs          = errors.New("missing launch logs")
	ErrMaxAttempts          = errors.New("maximum submission attempts reached")
)

// ErrorKind tells the processor whether a failed submission may be retried.
type ErrorKind uint8

const (
	Transient ErrorKind = iota
	Permanent
)

func (k ErrorKind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// SubmissionError is returned by a Submitter to classify a failure.
type SubmissionError struct {
	Kind ErrorKind
	Err  error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("%s submission error: %s", e.Kind, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

func NewTransientError(err error) error {
	return &SubmissionError{Kind: Transient, Err: err}
}

func NewPermanentError(err error) error {
	return &SubmissionError{Kind: Permanent, Err: err}
}

// IsPermanent reports whether err must not be retried. Unclassified errors
// are retried.
func IsPermanent(err error) bool {
	var se *SubmissionError
	if errors.As(err, &se) {
		return se.Kind == Permanent
	}
	return errors.Is(err, ErrAlreadyDelivered) ||
		errors.Is(err, ErrProofRejected) ||
		errors.Is(err, ErrArrivalWindowExpired)
}

// failureReason is the metrics label for a terminal failure.
func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrAlreadyDelivered):
		return "already_delivered"
	case errors.Is(err, ErrProofRejected):
		return "proof_rejected"
	case errors.Is(err, ErrArrivalWindowExpired):
		return "arrival_window_expired"
	case errors.Is(err, ErrMaxAttempts):
		return "max_attempts"
	default:
		return "other"
	}
}
