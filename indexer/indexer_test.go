// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package indexer

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/holiman/uint256"
	ethereum "github.com/luxfi/geth"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/geth/core/types"
	"github.com/luxfi/relay"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	testStation = common.HexToAddress("0x5757575757575757575757575757575757575757")
	errRPC      = errors.New("connection refused")
)

type fakeChain struct {
	tip       uint64
	logs      []types.Log
	nonces    map[uint64]uint32
	err       error
	queries   []ethereum.FilterQuery
	callBlock []uint64
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) {
	return f.tip, f.err
}

func (f *fakeChain) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.queries = append(f.queries, q)
	var out []types.Log
	for _, l := range f.logs {
		if l.BlockNumber >= q.FromBlock.Uint64() && l.BlockNumber <= q.ToBlock.Uint64() {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeChain) CallContract(_ context.Context, _ ethereum.CallMsg, block *big.Int) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.callBlock = append(f.callBlock, block.Uint64())
	// Latest nonce at or below the block.
	var (
		count uint32
		best  uint64
	)
	for b, n := range f.nonces {
		if b <= block.Uint64() && b >= best {
			best, count = b, n
		}
	}
	return StationABI.Methods[nonceMethodName].Outputs.Pack(count)
}

func launchLog(t *testing.T, block uint64, index uint, payload []byte) types.Log {
	data, err := StationABI.Events[LaunchEventName].Inputs.NonIndexed().Pack(payload)
	require.NoError(t, err)
	return types.Log{
		Address:     testStation,
		Topics:      []common.Hash{LaunchEventTopic, common.BigToHash(big.NewInt(int64(index)))},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.BigToHash(big.NewInt(int64(block*1000) + int64(index))),
		Index:       index,
	}
}

func testMessage(nonce uint32) relay.Message {
	return relay.NewMessageV1(
		nonce,
		28516,
		0,
		0,
		common.Address{},
		common.HexToAddress("0x0101010101010101010101010101010101010101"),
		uint256.NewInt(1),
		[]byte("hello"),
	)
}

func newTestIndexer(chain *fakeChain, reorg, span uint64) *Indexer {
	return New(zap.NewNop(), chain, nil, Config{
		Station:             testStation,
		Domain:              1,
		Version:             relay.VersionV1,
		ReorgPeriod:         reorg,
		MaxBlocksPerRequest: span,
	})
}

func TestFinalizedBlockNumber(t *testing.T) {
	tests := []struct {
		name     string
		tip      uint64
		reorg    uint64
		expected uint64
	}{
		{name: "behind tip", tip: 100, reorg: 6, expected: 94},
		{name: "no reorg period", tip: 100, reorg: 0, expected: 100},
		{name: "short chain saturates", tip: 3, reorg: 6, expected: 0},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require := require.New(t)

			ix := newTestIndexer(&fakeChain{tip: test.tip}, test.reorg, 0)
			finalized, err := ix.FinalizedBlockNumber(context.Background())
			require.NoError(err)
			require.Equal(test.expected, finalized)
			require.LessOrEqual(finalized, test.tip)
		})
	}
}

func TestChainFailureIsWrapped(t *testing.T) {
	require := require.New(t)

	ix := newTestIndexer(&fakeChain{err: errRPC}, 0, 0)
	_, err := ix.FinalizedBlockNumber(context.Background())
	require.ErrorIs(err, ErrChainCommunication)
	require.ErrorIs(err, errRPC)

	_, err = ix.FetchLogs(context.Background(), 1, 10)
	require.ErrorIs(err, ErrChainCommunication)

	_, _, err = ix.LatestSequenceCountAndTip(context.Background())
	require.ErrorIs(err, ErrChainCommunication)
}

func TestFetchLogsChunksRange(t *testing.T) {
	require := require.New(t)

	chain := &fakeChain{
		logs: []types.Log{
			launchLog(t, 1, 0, testMessage(0).Bytes()),
			launchLog(t, 5, 0, testMessage(1).Bytes()),
			launchLog(t, 11, 3, testMessage(2).Bytes()),
		},
	}
	ix := newTestIndexer(chain, 0, 4)
	result, err := ix.FetchLogs(context.Background(), 1, 11)
	require.NoError(err)
	require.Empty(result.Failures)
	require.Len(result.Messages, 3)
	for i, m := range result.Messages {
		require.True(relay.Equal(testMessage(uint32(i)), m.Message))
	}
	require.Equal(uint64(11), result.Messages[2].Meta.BlockNumber)
	require.Equal(uint(3), result.Messages[2].Meta.LogIndex)

	require.Len(chain.queries, 3)
	bounds := [][2]uint64{{1, 4}, {5, 8}, {9, 11}}
	for i, q := range chain.queries {
		require.Equal(bounds[i][0], q.FromBlock.Uint64())
		require.Equal(bounds[i][1], q.ToBlock.Uint64())
		require.Equal([]common.Address{testStation}, q.Addresses)
		require.Equal([][]common.Hash{{LaunchEventTopic}}, q.Topics)
	}
}

// One truncated payload is reported while the rest of the batch is returned.
func TestFetchLogsBadEntryDoesNotBlockOthers(t *testing.T) {
	require := require.New(t)

	truncated := testMessage(1).Bytes()[:50]
	chain := &fakeChain{
		logs: []types.Log{
			launchLog(t, 2, 0, testMessage(0).Bytes()),
			launchLog(t, 2, 1, truncated),
			launchLog(t, 3, 0, testMessage(2).Bytes()),
		},
	}
	ix := newTestIndexer(chain, 0, 0)
	result, err := ix.FetchLogs(context.Background(), 1, 5)
	require.NoError(err)
	require.Len(result.Messages, 2)
	require.Equal(uint32(0), result.Messages[0].Message.Nonce())
	require.Equal(uint32(2), result.Messages[1].Message.Nonce())

	require.Len(result.Failures, 1)
	require.ErrorIs(result.Failures[0].Err, relay.ErrTruncatedInput)
	require.Equal(uint64(2), result.Failures[0].Meta.BlockNumber)
	require.Equal(uint(1), result.Failures[0].Meta.LogIndex)
}

func TestFetchLogsDropsForeignAndRemovedLogs(t *testing.T) {
	require := require.New(t)

	removed := launchLog(t, 2, 1, testMessage(1).Bytes())
	removed.Removed = true
	foreign := launchLog(t, 2, 2, testMessage(2).Bytes())
	foreign.Address = common.HexToAddress("0x01")
	otherTopic := launchLog(t, 2, 3, testMessage(3).Bytes())
	otherTopic.Topics = []common.Hash{{0x42}}
	garbage := launchLog(t, 2, 4, nil)
	garbage.Data = []byte{0x01, 0x02}

	chain := &fakeChain{
		logs: []types.Log{
			launchLog(t, 2, 0, testMessage(0).Bytes()),
			removed,
			foreign,
			otherTopic,
			garbage,
		},
	}
	result, err := newTestIndexer(chain, 0, 0).FetchLogs(context.Background(), 1, 2)
	require.NoError(err)
	require.Len(result.Messages, 1)
	require.Len(result.Failures, 1)
	require.ErrorIs(result.Failures[0].Err, ErrInvalidLaunchEvent)
}

func TestFetchLogsReturnsDuplicates(t *testing.T) {
	require := require.New(t)

	payload := testMessage(0).Bytes()
	chain := &fakeChain{
		logs: []types.Log{
			launchLog(t, 1, 0, payload),
			launchLog(t, 1, 0, payload),
		},
	}
	result, err := newTestIndexer(chain, 0, 0).FetchLogs(context.Background(), 1, 1)
	require.NoError(err)
	require.Len(result.Messages, 2)
	require.Equal(result.Messages[0].Message.ID(), result.Messages[1].Message.ID())
}

func TestFetchLogsInvalidRange(t *testing.T) {
	_, err := newTestIndexer(&fakeChain{}, 0, 0).FetchLogs(context.Background(), 5, 4)
	require.ErrorIs(t, err, ErrInvalidRange)
}

func TestLatestSequenceCountAndTip(t *testing.T) {
	tests := []struct {
		name          string
		tip           uint64
		reorg         uint64
		nonces        map[uint64]uint32
		expectedCount *uint32
		expectedTip   uint64
	}{
		{
			name:        "nothing launched",
			tip:         50,
			reorg:       5,
			nonces:      map[uint64]uint32{},
			expectedTip: 45,
		},
		{
			name:          "reads at finalized tip",
			tip:           50,
			reorg:         5,
			nonces:        map[uint64]uint32{10: 2, 45: 3, 48: 9},
			expectedCount: ptr(uint32(3)),
			expectedTip:   45,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require := require.New(t)

			chain := &fakeChain{tip: test.tip, nonces: test.nonces}
			count, tip, err := newTestIndexer(chain, test.reorg, 0).LatestSequenceCountAndTip(context.Background())
			require.NoError(err)
			require.Equal(test.expectedTip, tip)
			require.Equal(test.expectedCount, count)
			require.Equal([]uint64{test.expectedTip}, chain.callBlock)
		})
	}
}

func ptr[T any](v T) *T { return &v }
