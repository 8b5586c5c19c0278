// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package relay

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
)

const (
	KiB            = 1024
	MaxMessageSize = 256 * KiB
)

// Version selects a wire format. It is never part of the payload: the
// station contract being indexed determines which version its events carry.
type Version uint8

const (
	VersionV1 Version = 1
	VersionV2 Version = 2
)

func (v Version) String() string {
	switch v {
	case VersionV1:
		return "v1"
	case VersionV2:
		return "v2"
	default:
		return "unknown(" + strconv.Itoa(int(v)) + ")"
	}
}

// ParseVersion accepts "v1"/"1" and "v2"/"2".
func ParseVersion(s string) (Version, error) {
	switch s {
	case "v1", "1":
		return VersionV1, nil
	case "v2", "2":
		return VersionV2, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownVersion, s)
	}
}

// Message is a cross-chain message as emitted by a source station. Each wire
// version is its own concrete type and owns its encoding and identity.
// Messages are immutable.
type Message interface {
	Version() Version
	Nonce() uint32
	Destination() uint64
	EarliestArrival() uint64
	LatestArrival() uint64
	Relayer() common.Address
	Sender() common.Address
	// Value returns a copy of the native amount.
	Value() *uint256.Int
	Body() []byte

	// Bytes returns the canonical wire encoding.
	Bytes() []byte

	// ID returns the Keccak-256 hash of the version's identity payload.
	ID() common.Hash

	String() string
}

// OriginAware is implemented by versions that carry their origin domain on
// the wire.
type OriginAware interface {
	Origin() uint64
}

// OriginOf returns the origin carried by m, or fallback for versions that
// leave it to the source being indexed.
func OriginOf(m Message, fallback uint64) uint64 {
	if o, ok := m.(OriginAware); ok {
		return o.Origin()
	}
	return fallback
}

// ParseMessage decodes b as a message of the given version.
func ParseMessage(version Version, b []byte) (Message, error) {
	if len(b) > MaxMessageSize {
		return nil, fmt.Errorf("%w: message size %d exceeds maximum %d", ErrInvalidMessage, len(b), MaxMessageSize)
	}
	switch version {
	case VersionV1:
		return ParseMessageV1(b)
	case VersionV2:
		return ParseMessageV2(b)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownVersion, version)
	}
}

// Equal returns true if both messages have the same version and encoding.
func Equal(a, b Message) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Version() == b.Version() && bytes.Equal(a.Bytes(), b.Bytes())
}

func valueOrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}
