// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package relay

import (
	"cmp"
	"fmt"

	"github.com/luxfi/geth/common"
)

// LogMeta records where a message was observed on the source chain. It is
// bookkeeping only and never part of a message's identity.
type LogMeta struct {
	BlockNumber uint64
	BlockHash   common.Hash
	TxHash      common.Hash
	TxIndex     uint
	LogIndex    uint
}

// Compare orders by block number, then log index.
func (m LogMeta) Compare(other LogMeta) int {
	if c := cmp.Compare(m.BlockNumber, other.BlockNumber); c != 0 {
		return c
	}
	return cmp.Compare(m.LogIndex, other.LogIndex)
}

// LoggedMessage is a decoded message together with its provenance.
type LoggedMessage struct {
	Message Message
	Meta    LogMeta
}

func (m *LogMeta) fields(txIndex, logIndex *uint64) []Field {
	return []Field{
		Uint64("blockNumber", &m.BlockNumber),
		Hash("blockHash", &m.BlockHash),
		Hash("txHash", &m.TxHash),
		Uint64("txIndex", txIndex),
		Uint64("logIndex", logIndex),
	}
}

// Bytes encodes the message with its provenance, for local persistence.
func (lm LoggedMessage) Bytes() []byte {
	txIndex, logIndex := uint64(lm.Meta.TxIndex), uint64(lm.Meta.LogIndex)
	body := lm.Message.Bytes()
	b, _ := EncodeFields(append(lm.Meta.fields(&txIndex, &logIndex), TailBytes("message", &body)))
	return b
}

// ParseLoggedMessage decodes the output of LoggedMessage.Bytes.
func ParseLoggedMessage(version Version, b []byte) (LoggedMessage, error) {
	var (
		lm                LoggedMessage
		txIndex, logIndex uint64
		body              []byte
	)
	if err := DecodeFields(b, append(lm.Meta.fields(&txIndex, &logIndex), TailBytes("message", &body))); err != nil {
		return LoggedMessage{}, fmt.Errorf("failed to decode logged message: %w", err)
	}
	m, err := ParseMessage(version, body)
	if err != nil {
		return LoggedMessage{}, err
	}
	lm.Message = m
	lm.Meta.TxIndex = uint(txIndex)
	lm.Meta.LogIndex = uint(logIndex)
	return lm, nil
}
