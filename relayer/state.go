// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package relayer

// State is the relay progress of a single message.
type State uint8

const (
	StateIndexed State = iota
	StateAwaitingCheckpoint
	StateProvenReady
	StateSubmitted
	StateDelivered
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIndexed:
		return "indexed"
	case StateAwaitingCheckpoint:
		return "awaiting_checkpoint"
	case StateProvenReady:
		return "proven_ready"
	case StateSubmitted:
		return "submitted"
	case StateDelivered:
		return "delivered"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Final reports whether no further transition can leave s.
func (s State) Final() bool {
	return s == StateDelivered || s == StateFailed
}
