// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package relay

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/luxfi/crypto"
	"github.com/luxfi/geth/common"
)

var _ Message = (*MessageV1)(nil)

// MessageV1 is the station's launch format:
//
//	nonce u32 | earliest u64 | latest u64 | relayer [20] | sender [20] |
//	value [32] | destination u64 | body...
//
// The origin domain is not encoded. The identity payload is the whole
// encoding.
type MessageV1 struct {
	nonce       uint32
	earliest    uint64
	latest      uint64
	relayer     common.Address
	sender      common.Address
	value       *uint256.Int
	destination uint64
	body        []byte
}

// NewMessageV1 builds a V1 message. A nil value is treated as zero.
func NewMessageV1(
	nonce uint32,
	destination uint64,
	earliest uint64,
	latest uint64,
	relayer common.Address,
	sender common.Address,
	value *uint256.Int,
	body []byte,
) *MessageV1 {
	return &MessageV1{
		nonce:       nonce,
		earliest:    earliest,
		latest:      latest,
		relayer:     relayer,
		sender:      sender,
		value:       valueOrZero(value),
		destination: destination,
		body:        cloneBytes(body),
	}
}

// ParseMessageV1 decodes a V1 encoding.
func ParseMessageV1(b []byte) (*MessageV1, error) {
	m := &MessageV1{value: new(uint256.Int)}
	if err := DecodeFields(b, m.fields()); err != nil {
		return nil, fmt.Errorf("failed to decode v1 message: %w", err)
	}
	return m, nil
}

func (m *MessageV1) fields() []Field {
	return []Field{
		Uint32("nonce", &m.nonce),
		Uint64("earliestArrivalTimestamp", &m.earliest),
		Uint64("latestArrivalTimestamp", &m.latest),
		Address("relayer", &m.relayer),
		Address("sender", &m.sender),
		Uint256("value", m.value),
		Uint64("destination", &m.destination),
		TailBytes("body", &m.body),
	}
}

func (*MessageV1) Version() Version          { return VersionV1 }
func (m *MessageV1) Nonce() uint32           { return m.nonce }
func (m *MessageV1) Destination() uint64     { return m.destination }
func (m *MessageV1) EarliestArrival() uint64 { return m.earliest }
func (m *MessageV1) LatestArrival() uint64   { return m.latest }
func (m *MessageV1) Relayer() common.Address { return m.relayer }
func (m *MessageV1) Sender() common.Address  { return m.sender }
func (m *MessageV1) Value() *uint256.Int     { return new(uint256.Int).Set(m.value) }
func (m *MessageV1) Body() []byte            { return cloneBytes(m.body) }

// Bytes returns the byte representation of the message
func (m *MessageV1) Bytes() []byte {
	b, _ := EncodeFields(m.fields())
	return b
}

// ID returns the hash of the encoded message
func (m *MessageV1) ID() common.Hash {
	return common.Hash(crypto.Keccak256Hash(m.Bytes()))
}

func (m *MessageV1) String() string {
	return fmt.Sprintf(
		"MessageV1{id: %s, nonce: %d, destination: %d, arrival: [%d, %d], relayer: %s, sender: %s, value: %s, body: %d bytes}",
		m.ID().Hex(), m.nonce, m.destination, m.earliest, m.latest,
		m.relayer.Hex(), m.sender.Hex(), m.value.Dec(), len(m.body),
	)
}
