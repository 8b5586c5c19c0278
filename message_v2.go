// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package relay

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/luxfi/crypto"
	"github.com/luxfi/geth/common"
)

var (
	_ Message     = (*MessageV2)(nil)
	_ OriginAware = (*MessageV2)(nil)
)

// MessageV2 widens the format with an explicit origin and length-prefixed
// additional parameters:
//
//	nonce u32 | origin u64 | earliest u64 | latest u64 | relayer [20] |
//	sender [20] | value [32] | destination u64 |
//	len(additional) u32 | additional... | body...
//
// Its identity covers nonce, origin, destination, sender, value and the body
// hash. The relayer hint, the arrival window and the additional parameters are
// delivery hints and do not change which message this is.
type MessageV2 struct {
	nonce       uint32
	origin      uint64
	earliest    uint64
	latest      uint64
	relayer     common.Address
	sender      common.Address
	value       *uint256.Int
	destination uint64
	additional  []byte
	body        []byte
}

// NewMessageV2 builds a V2 message. A nil value is treated as zero.
func NewMessageV2(
	nonce uint32,
	origin uint64,
	destination uint64,
	earliest uint64,
	latest uint64,
	relayer common.Address,
	sender common.Address,
	value *uint256.Int,
	additionalParams []byte,
	body []byte,
) *MessageV2 {
	return &MessageV2{
		nonce:       nonce,
		origin:      origin,
		earliest:    earliest,
		latest:      latest,
		relayer:     relayer,
		sender:      sender,
		value:       valueOrZero(value),
		destination: destination,
		additional:  cloneBytes(additionalParams),
		body:        cloneBytes(body),
	}
}

// ParseMessageV2 decodes a V2 encoding.
func ParseMessageV2(b []byte) (*MessageV2, error) {
	m := &MessageV2{value: new(uint256.Int)}
	if err := DecodeFields(b, m.fields()); err != nil {
		return nil, fmt.Errorf("failed to decode v2 message: %w", err)
	}
	return m, nil
}

func (m *MessageV2) fields() []Field {
	return []Field{
		Uint32("nonce", &m.nonce),
		Uint64("origin", &m.origin),
		Uint64("earliestArrivalTimestamp", &m.earliest),
		Uint64("latestArrivalTimestamp", &m.latest),
		Address("relayer", &m.relayer),
		Address("sender", &m.sender),
		Uint256("value", m.value),
		Uint64("destination", &m.destination),
		LengthPrefixed("additionalParams", &m.additional),
		TailBytes("body", &m.body),
	}
}

// identityFields is the subset hashed into the message ID.
func (m *MessageV2) identityFields() []Field {
	bodyHash := common.Hash(crypto.Keccak256Hash(m.body))
	return []Field{
		Uint32("nonce", &m.nonce),
		Uint64("origin", &m.origin),
		Uint64("destination", &m.destination),
		Address("sender", &m.sender),
		Uint256("value", m.value),
		Hash("bodyHash", &bodyHash),
	}
}

func (*MessageV2) Version() Version          { return VersionV2 }
func (m *MessageV2) Nonce() uint32           { return m.nonce }
func (m *MessageV2) Origin() uint64          { return m.origin }
func (m *MessageV2) Destination() uint64     { return m.destination }
func (m *MessageV2) EarliestArrival() uint64 { return m.earliest }
func (m *MessageV2) LatestArrival() uint64   { return m.latest }
func (m *MessageV2) Relayer() common.Address { return m.relayer }
func (m *MessageV2) Sender() common.Address  { return m.sender }
func (m *MessageV2) Value() *uint256.Int     { return new(uint256.Int).Set(m.value) }
func (m *MessageV2) AdditionalParams() []byte {
	return cloneBytes(m.additional)
}
func (m *MessageV2) Body() []byte { return cloneBytes(m.body) }

// Bytes returns the byte representation of the message
func (m *MessageV2) Bytes() []byte {
	b, _ := EncodeFields(m.fields())
	return b
}

// ID returns the hash of the identity payload
func (m *MessageV2) ID() common.Hash {
	b, _ := EncodeFields(m.identityFields())
	return common.Hash(crypto.Keccak256Hash(b))
}

func (m *MessageV2) String() string {
	return fmt.Sprintf(
		"MessageV2{id: %s, nonce: %d, origin: %d, destination: %d, arrival: [%d, %d], relayer: %s, sender: %s, value: %s, additionalParams: %d bytes, body: %d bytes}",
		m.ID().Hex(), m.nonce, m.origin, m.destination, m.earliest, m.latest,
		m.relayer.Hex(), m.sender.Hex(), m.value.Dec(), len(m.additional), len(m.body),
	)
}
