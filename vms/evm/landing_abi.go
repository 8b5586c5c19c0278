// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package evm

import (
	"math/big"
	"strings"

	"github.com/luxfi/geth/accounts/abi"
	"github.com/luxfi/relay/merkle"
	"github.com/luxfi/relay/relayer"
)

const (
	landingMethodName     = "landing"
	isDeliveredMethodName = "isDelivered"
	landingABIContent     = `[
	{
		"inputs": [
			{"internalType": "bytes32", "name": "root", "type": "bytes32"},
			{"internalType": "uint32", "name": "leafCount", "type": "uint32"},
			{"internalType": "uint64", "name": "earliestArrival", "type": "uint64"},
			{"internalType": "uint64", "name": "latestArrival", "type": "uint64"},
			{
				"components": [
					{"internalType": "bytes32", "name": "messageId", "type": "bytes32"},
					{"internalType": "uint64", "name": "srcChainId", "type": "uint64"},
					{"internalType": "uint32", "name": "srcChainNonce", "type": "uint32"},
					{"internalType": "bytes32", "name": "srcTxHash", "type": "bytes32"},
					{"internalType": "address", "name": "sender", "type": "address"},
					{"internalType": "uint256", "name": "value", "type": "uint256"},
					{"internalType": "bytes", "name": "message", "type": "bytes"},
					{"internalType": "uint32", "name": "leafIndex", "type": "uint32"},
					{"internalType": "bytes32[32]", "name": "proof", "type": "bytes32[32]"}
				],
				"internalType": "struct LandingParams[]",
				"name": "params",
				"type": "tuple[]"
			}
		],
		"name": "landing",
		"outputs": [],
		"stateMutability": "payable",
		"type": "function"
	},
	{
		"inputs": [{"internalType": "bytes32", "name": "messageId", "type": "bytes32"}],
		"name": "isDelivered",
		"outputs": [{"internalType": "bool", "name": "", "type": "bool"}],
		"stateMutability": "view",
		"type": "function"
	}
]`
)

// LandingABI is the subset of the landing contract the submitter calls.
var LandingABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(landingABIContent))
	if err != nil {
		panic(err)
	}
	return parsed
}()

// landingParams mirrors the LandingParams tuple for ABI packing.
type landingParams struct {
	MessageId     [32]byte
	SrcChainId    uint64
	SrcChainNonce uint32
	SrcTxHash     [32]byte
	Sender        [20]byte
	Value         *big.Int
	Message       []byte
	LeafIndex     uint32
	Proof         [merkle.TreeDepth][32]byte
}

// PackLanding returns the call data of landing(...) for data.
func PackLanding(data *relayer.LandingData) ([]byte, error) {
	params := make([]landingParams, len(data.Params))
	for i, p := range data.Params {
		params[i] = landingParams{
			MessageId:     p.MessageID,
			SrcChainId:    p.SrcChainID,
			SrcChainNonce: p.SrcChainNonce,
			SrcTxHash:     p.SrcTxHash,
			Sender:        p.Sender,
			Value:         p.Value.ToBig(),
			Message:       p.Message,
			LeafIndex:     p.LeafIndex,
		}
		for h, node := range p.Proof {
			params[i].Proof[h] = node
		}
	}
	return LandingABI.Pack(
		landingMethodName,
		[32]byte(data.Root),
		data.LeafCount,
		data.EarliestArrival,
		data.LatestArrival,
		params,
	)
}
