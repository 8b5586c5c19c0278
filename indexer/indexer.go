// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package indexer turns a message station's launch events into decoded
// messages. It reads only finalized blocks, that is blocks at least the
// configured reorg period behind the chain tip.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	ethereum "github.com/luxfi/geth"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/geth/core/types"
	"github.com/luxfi/relay"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const MaxBlocksPerRequest = 200

var (
	ErrChainCommunication = errors.New("chain communication failure")
	ErrInvalidRange       = errors.New("invalid block range")
	ErrInvalidLaunchEvent = errors.New("invalid launch event")
)

// ChainReader is the subset of an RPC client the indexer needs. It is
// satisfied by *ethclient.Client.
type ChainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// DecodeFailure is a launch event whose payload could not be decoded.
type DecodeFailure struct {
	Meta relay.LogMeta
	Err  error
}

// FetchResult holds the outcome of one FetchLogs call. Messages may contain
// duplicates and are in the order the node returned them.
type FetchResult struct {
	Messages []relay.LoggedMessage
	Failures []DecodeFailure
}

type Config struct {
	// Station is the message station contract emitting launch events.
	Station common.Address
	// Domain is the source chain's domain id.
	Domain  uint64
	Version relay.Version
	// ReorgPeriod is the number of blocks behind the tip considered final.
	ReorgPeriod uint64
	// MaxBlocksPerRequest bounds the span of a single log query. Zero means
	// MaxBlocksPerRequest.
	MaxBlocksPerRequest uint64
}

type Indexer struct {
	logger  *zap.Logger
	client  ChainReader
	limiter *rate.Limiter
	config  Config
}

// New returns an indexer over client. limiter may be nil.
func New(logger *zap.Logger, client ChainReader, limiter *rate.Limiter, config Config) *Indexer {
	if config.MaxBlocksPerRequest == 0 {
		config.MaxBlocksPerRequest = MaxBlocksPerRequest
	}
	return &Indexer{
		logger: logger.With(
			zap.Uint64("domain", config.Domain),
			zap.Stringer("station", config.Station),
		),
		client:  client,
		limiter: limiter,
		config:  config,
	}
}

func (i *Indexer) Domain() uint64 { return i.config.Domain }

func (i *Indexer) wait(ctx context.Context) error {
	if i.limiter == nil {
		return nil
	}
	return i.limiter.Wait(ctx)
}

// FinalizedBlockNumber returns the chain tip minus the reorg period, or zero
// if the chain is shorter than the reorg period.
func (i *Indexer) FinalizedBlockNumber(ctx context.Context) (uint64, error) {
	if err := i.wait(ctx); err != nil {
		return 0, err
	}
	tip, err := i.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to get block number: %w", ErrChainCommunication, err)
	}
	if tip < i.config.ReorgPeriod {
		return 0, nil
	}
	return tip - i.config.ReorgPeriod, nil
}

// FetchLogs returns every launch message emitted in the inclusive block range
// [from, to]. Payloads that fail to decode are reported in the result and do
// not affect the rest of the batch.
func (i *Indexer) FetchLogs(ctx context.Context, from, to uint64) (FetchResult, error) {
	var result FetchResult
	if from > to {
		return result, fmt.Errorf("%w: from %d > to %d", ErrInvalidRange, from, to)
	}
	for start := from; start <= to; {
		end := to
		if to-start >= i.config.MaxBlocksPerRequest {
			end = start + i.config.MaxBlocksPerRequest - 1
		}
		logs, err := i.filterLogs(ctx, start, end)
		if err != nil {
			return FetchResult{}, err
		}
		i.logger.Debug(
			"Fetched launch logs",
			zap.Uint64("fromBlock", start),
			zap.Uint64("toBlock", end),
			zap.Int("logs", len(logs)),
		)
		for _, log := range logs {
			if log.Removed || log.BlockNumber < start || log.BlockNumber > end {
				continue
			}
			if log.Address != i.config.Station || len(log.Topics) == 0 || log.Topics[0] != LaunchEventTopic {
				continue
			}
			meta := relay.LogMeta{
				BlockNumber: log.BlockNumber,
				BlockHash:   log.BlockHash,
				TxHash:      log.TxHash,
				TxIndex:     log.TxIndex,
				LogIndex:    log.Index,
			}
			msg, err := i.decode(log.Data)
			if err != nil {
				i.logger.Warn(
					"Failed to decode launch message",
					zap.Uint64("blockNumber", meta.BlockNumber),
					zap.Stringer("txHash", meta.TxHash),
					zap.Uint("logIndex", meta.LogIndex),
					zap.Error(err),
				)
				result.Failures = append(result.Failures, DecodeFailure{Meta: meta, Err: err})
				continue
			}
			result.Messages = append(result.Messages, relay.LoggedMessage{Message: msg, Meta: meta})
		}
		if end == to {
			break
		}
		start = end + 1
	}
	return result, nil
}

func (i *Indexer) filterLogs(ctx context.Context, from, to uint64) ([]types.Log, error) {
	if err := i.wait(ctx); err != nil {
		return nil, err
	}
	logs, err := i.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{i.config.Station},
		Topics:    [][]common.Hash{{LaunchEventTopic}},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to filter logs in [%d, %d]: %w", ErrChainCommunication, from, to, err)
	}
	return logs, nil
}

func (i *Indexer) decode(data []byte) (relay.Message, error) {
	values, err := StationABI.Unpack(LaunchEventName, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidLaunchEvent, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("%w: expected 1 value, got %d", ErrInvalidLaunchEvent, len(values))
	}
	payload, ok := values[0].([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected message type %T", ErrInvalidLaunchEvent, values[0])
	}
	return relay.ParseMessage(i.config.Version, payload)
}

// LatestSequenceCountAndTip returns the number of messages the station has
// launched as of the finalized tip, together with that tip. The count is nil
// when no message has been launched yet.
func (i *Indexer) LatestSequenceCountAndTip(ctx context.Context) (*uint32, uint64, error) {
	tip, err := i.FinalizedBlockNumber(ctx)
	if err != nil {
		return nil, 0, err
	}
	count, err := i.SequenceCountAt(ctx, tip)
	if err != nil {
		return nil, 0, err
	}
	if count == 0 {
		return nil, tip, nil
	}
	return &count, tip, nil
}

// SequenceCountAt reads the station's nonce at the given block.
func (i *Indexer) SequenceCountAt(ctx context.Context, block uint64) (uint32, error) {
	data, err := StationABI.Pack(nonceMethodName)
	if err != nil {
		return 0, err
	}
	if err := i.wait(ctx); err != nil {
		return 0, err
	}
	out, err := i.client.CallContract(ctx, ethereum.CallMsg{
		To:   &i.config.Station,
		Data: data,
	}, new(big.Int).SetUint64(block))
	if err != nil {
		return 0, fmt.Errorf("%w: failed to call nonce at block %d: %w", ErrChainCommunication, block, err)
	}
	values, err := StationABI.Unpack(nonceMethodName, out)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to unpack nonce: %w", ErrChainCommunication, err)
	}
	if len(values) != 1 {
		return 0, fmt.Errorf("%w: expected 1 nonce value, got %d", ErrChainCommunication, len(values))
	}
	count, ok := values[0].(uint32)
	if !ok {
		return 0, fmt.Errorf("%w: unexpected nonce type %T", ErrChainCommunication, values[0])
	}
	return count, nil
}
