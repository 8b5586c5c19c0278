// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package relay

import (
	"errors"
	"fmt"
)

var (
	ErrTruncatedInput  = errors.New("truncated input")
	ErrInvalidMessage  = errors.New("invalid message")
	ErrUnknownVersion  = errors.New("unknown message version")
	ErrAmbiguousLayout = errors.New("ambiguous record layout")
)

// FieldError annotates a decode failure with the field being read.
type FieldError struct {
	Field string
	Err   error
}

// Error implements the error interface
func (e *FieldError) Error() string {
	return fmt.Sprintf("field %s: %s", e.Field, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }
