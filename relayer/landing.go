// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package relayer

import (
	"math"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/relay"
	"github.com/luxfi/relay/merkle"
)

// LandingParams carries one message and its inclusion proof to the landing
// contract.
type LandingParams struct {
	MessageID     common.Hash
	SrcChainID    uint64
	SrcChainNonce uint32
	SrcTxHash     common.Hash
	Sender        common.Address
	Value         *uint256.Int
	Message       []byte
	LeafIndex     uint32
	Proof         [merkle.TreeDepth]common.Hash
}

// LandingData is one submission: a batch of messages proven against the same
// checkpoint.
type LandingData struct {
	Root      common.Hash
	LeafCount uint32
	// EarliestArrival is the latest of the batch's earliest arrival times.
	EarliestArrival uint64
	// LatestArrival is the earliest non-zero latest arrival time of the
	// batch, or zero if no message sets one.
	LatestArrival uint64
	Params        []LandingParams
}

// NewLandingData builds the landing data for messages that were all proven
// against checkpoint.
func NewLandingData(checkpoint merkle.Checkpoint, messages []relay.LoggedMessage, proofs []merkle.Proof) *LandingData {
	data := &LandingData{
		Root:      checkpoint.Root,
		LeafCount: checkpoint.LeafCount,
		Params:    make([]LandingParams, 0, len(messages)),
	}
	latest := uint64(math.MaxUint64)
	for i, lm := range messages {
		m := lm.Message
		data.EarliestArrival = max(data.EarliestArrival, m.EarliestArrival())
		if l := m.LatestArrival(); l != 0 {
			latest = min(latest, l)
		}
		data.Params = append(data.Params, LandingParams{
			MessageID:     m.ID(),
			SrcChainID:    relay.OriginOf(m, checkpoint.Domain),
			SrcChainNonce: m.Nonce(),
			SrcTxHash:     lm.Meta.TxHash,
			Sender:        m.Sender(),
			Value:         m.Value(),
			Message:       m.Bytes(),
			LeafIndex:     proofs[i].Index,
			Proof:         proofs[i].Path,
		})
	}
	if latest != math.MaxUint64 {
		data.LatestArrival = latest
	}
	return data
}

// MessageIDs returns the ids carried by the landing data, in order.
func (d *LandingData) MessageIDs() []common.Hash {
	ids := make([]common.Hash, len(d.Params))
	for i, p := range d.Params {
		ids[i] = p.MessageID
	}
	return ids
}
