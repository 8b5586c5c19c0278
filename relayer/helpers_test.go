// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package relayer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/jonboulle/clockwork"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/relay"
	"github.com/luxfi/relay/database"
	"github.com/luxfi/relay/indexer"
	"github.com/luxfi/relay/merkle"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testLink = "test"

var (
	testStart   = time.Unix(1_700_000_000, 0)
	testSender  = common.HexToAddress("0x8db97C7cEcE249c2b98bDC0226Cc4C2A57BF52FC")
	errNodeDown = errors.New("node unavailable")
)

func testMessage(nonce uint32, earliest, latest uint64) relay.LoggedMessage {
	return relay.LoggedMessage{
		Message: relay.NewMessageV1(
			nonce,
			28516,
			earliest,
			latest,
			common.Address{},
			testSender,
			uint256.NewInt(uint64(nonce)+1),
			[]byte("hello"),
		),
		Meta: relay.LogMeta{
			BlockNumber: 10 + uint64(nonce),
			TxHash:      common.BigToHash(common.Big1),
			LogIndex:    uint(nonce),
		},
	}
}

// fakeSubmitter returns the queued errors in order, then succeeds. A sticky
// error is returned on every call.
type fakeSubmitter struct {
	lock   sync.Mutex
	errs   []error
	sticky error
	calls  []*LandingData
}

func (f *fakeSubmitter) Submit(_ context.Context, data *LandingData) (TxOutcome, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.calls = append(f.calls, data)
	if f.sticky != nil {
		return TxOutcome{}, f.sticky
	}
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return TxOutcome{}, err
	}
	return TxOutcome{TxHash: common.Hash{byte(len(f.calls))}, BlockNumber: uint64(len(f.calls))}, nil
}

func (f *fakeSubmitter) Calls() []*LandingData {
	f.lock.Lock()
	defer f.lock.Unlock()

	return append([]*LandingData(nil), f.calls...)
}

// rejectingSubmitter rejects every batch that carries the rejected id and
// records the deadline of each call.
type rejectingSubmitter struct {
	fakeSubmitter
	rejected  common.Hash
	deadlines []time.Time
}

func (r *rejectingSubmitter) Submit(ctx context.Context, data *LandingData) (TxOutcome, error) {
	r.lock.Lock()
	deadline, _ := ctx.Deadline()
	r.deadlines = append(r.deadlines, deadline)
	for _, param := range data.Params {
		if param.MessageID == r.rejected {
			r.calls = append(r.calls, data)
			r.lock.Unlock()
			return TxOutcome{}, NewPermanentError(ErrProofRejected)
		}
	}
	r.lock.Unlock()
	return r.fakeSubmitter.Submit(ctx, data)
}

func (r *rejectingSubmitter) Deadlines() []time.Time {
	r.lock.Lock()
	defer r.lock.Unlock()

	return append([]time.Time(nil), r.deadlines...)
}

func newTestProcessor(
	t *testing.T,
	clock clockwork.Clock,
	tree *merkle.Tree,
	submitter Submitter,
	config ProcessorConfig,
) (*Processor, *LinkMetrics) {
	config.LinkName = testLink
	metrics := NewLinkMetrics(prometheus.NewRegistry())
	p, err := NewProcessor(zap.NewNop(), clock, tree, submitter, metrics, config)
	require.NoError(t, err)
	return p, metrics
}

// fakeIndexer serves launch events from memory. The sequence count at a
// block is the number of messages emitted up to and including it.
type fakeIndexer struct {
	lock     sync.Mutex
	tip      uint64
	reorg    uint64
	messages []relay.LoggedMessage
	hidden   map[uint32]bool
	failures []indexer.DecodeFailure
	err      error
	fetches  [][2]uint64
}

func (f *fakeIndexer) emit(lm relay.LoggedMessage) {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.messages = append(f.messages, lm)
}

func (f *fakeIndexer) setTip(tip uint64) {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.tip = tip
}

func (f *fakeIndexer) finalized() uint64 {
	if f.tip < f.reorg {
		return 0
	}
	return f.tip - f.reorg
}

func (f *fakeIndexer) countAt(block uint64) uint32 {
	var n uint32
	for _, lm := range f.messages {
		if lm.Meta.BlockNumber <= block {
			n++
		}
	}
	for _, fl := range f.failures {
		if fl.Meta.BlockNumber <= block {
			n++
		}
	}
	return n
}

func (f *fakeIndexer) LatestSequenceCountAndTip(context.Context) (*uint32, uint64, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.err != nil {
		return nil, 0, f.err
	}
	tip := f.finalized()
	n := f.countAt(tip)
	if n == 0 {
		return nil, tip, nil
	}
	return &n, tip, nil
}

func (f *fakeIndexer) SequenceCountAt(_ context.Context, block uint64) (uint32, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	return f.countAt(block), f.err
}

func (f *fakeIndexer) FetchLogs(_ context.Context, from, to uint64) (indexer.FetchResult, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.err != nil {
		return indexer.FetchResult{}, f.err
	}
	f.fetches = append(f.fetches, [2]uint64{from, to})
	var result indexer.FetchResult
	// Returned newest first to exercise ordering.
	for i := len(f.messages) - 1; i >= 0; i-- {
		lm := f.messages[i]
		if lm.Meta.BlockNumber < from || lm.Meta.BlockNumber > to || f.hidden[lm.Message.Nonce()] {
			continue
		}
		result.Messages = append(result.Messages, lm)
	}
	for _, fl := range f.failures {
		if fl.Meta.BlockNumber >= from && fl.Meta.BlockNumber <= to {
			result.Failures = append(result.Failures, fl)
		}
	}
	return result, nil
}

func newTestDatabase(t *testing.T) database.RelayerDatabase {
	db, err := database.NewDatabase(zap.NewNop(), "")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}
