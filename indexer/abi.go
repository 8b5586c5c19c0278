// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package indexer

import (
	"strings"

	"github.com/luxfi/geth/accounts/abi"
)

const (
	LaunchEventName   = "SuccessfulLaunchMessage"
	nonceMethodName   = "nonce"
	stationABIContent = `[
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "internalType": "uint32", "name": "nonce", "type": "uint32"},
			{"indexed": false, "internalType": "bytes", "name": "message", "type": "bytes"}
		],
		"name": "SuccessfulLaunchMessage",
		"type": "event"
	},
	{
		"inputs": [],
		"name": "nonce",
		"outputs": [{"internalType": "uint32", "name": "", "type": "uint32"}],
		"stateMutability": "view",
		"type": "function"
	}
]`
)

// StationABI is the subset of the message station interface the indexer uses.
var StationABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(stationABIContent))
	if err != nil {
		panic(err)
	}
	return parsed
}()

// LaunchEventTopic is the topic0 of SuccessfulLaunchMessage.
var LaunchEventTopic = StationABI.Events[LaunchEventName].ID
