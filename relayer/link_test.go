// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package relayer

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/luxfi/relay"
	"github.com/luxfi/relay/database"
	"github.com/luxfi/relay/indexer"
	"github.com/luxfi/relay/relayer/checkpoint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testLinkConfig() LinkConfig {
	return LinkConfig{
		Name:              testLink,
		SourceDomain:      1,
		DestinationDomain: 28516,
		Version:           relay.VersionV1,
		ReorgPeriod:       2,
		PollInterval:      time.Second,
	}
}

func newTestLink(
	t *testing.T,
	config LinkConfig,
	source SourceIndexer,
	submitter Submitter,
	db database.RelayerDatabase,
) *Link {
	link, err := NewLink(
		context.Background(),
		zap.NewNop(),
		clockwork.NewFakeClockAt(testStart),
		config,
		source,
		submitter,
		db,
		NewLinkMetrics(prometheus.NewRegistry()),
	)
	require.NoError(t, err)
	return link
}

func TestLinkIndexesInOrderAndDelivers(t *testing.T) {
	require := require.New(t)

	source := &fakeIndexer{tip: 20, reorg: 2}
	for n := uint32(0); n < 3; n++ {
		source.emit(testMessage(n, 0, 0))
	}
	submitter := &fakeSubmitter{}
	link := newTestLink(t, testLinkConfig(), source, submitter, newTestDatabase(t))

	result, err := link.Tick(context.Background())
	require.NoError(err)
	require.True(link.Healthy())
	require.Len(result.Delivered, 3)
	require.Equal([][2]uint64{{1, 18}}, source.fetches)
	require.Equal(checkpoint.Cursor{LastIndexedBlock: 18, ReorgPeriod: 2, LastSequenceCount: 3}, link.Cursor())

	cp := link.Checkpoint()
	require.Equal(uint32(3), cp.LeafCount)
	for n := uint32(0); n < 3; n++ {
		leaf, err := link.tree.Leaf(n)
		require.NoError(err)
		require.Equal(testMessage(n, 0, 0).Message.ID(), leaf)
	}
	require.Len(submitter.Calls(), 1)
	require.Equal(cp.Root, submitter.Calls()[0].Root)

	// Nothing new: the cursor stays and nothing is fetched.
	_, err = link.Tick(context.Background())
	require.NoError(err)
	require.Len(source.fetches, 1)

	// The tip moves without new messages: the cursor advances without a fetch.
	source.setTip(30)
	_, err = link.Tick(context.Background())
	require.NoError(err)
	require.Len(source.fetches, 1)
	require.Equal(uint64(28), link.Cursor().LastIndexedBlock)
}

func TestLinkDeduplicates(t *testing.T) {
	require := require.New(t)

	source := &duplicatingIndexer{fakeIndexer: &fakeIndexer{tip: 20, reorg: 2}}
	source.emit(testMessage(0, 0, 0))
	source.emit(testMessage(1, 0, 0))
	link := newTestLink(t, testLinkConfig(), source, &fakeSubmitter{}, newTestDatabase(t))

	_, err := link.Tick(context.Background())
	require.NoError(err)
	require.Equal(uint32(2), link.Checkpoint().LeafCount)
	require.Equal(float64(2), testutil.ToFloat64(link.metrics.duplicateMessageCount.WithLabelValues(testLink)))

	// A message already in the accumulator is served again with a new one.
	replay := testMessage(0, 0, 0)
	replay.Meta.BlockNumber = 25
	source.extra = []relay.LoggedMessage{replay}
	next := testMessage(2, 0, 0)
	next.Meta.BlockNumber = 26
	source.emit(next)
	source.setTip(40)

	_, err = link.Tick(context.Background())
	require.NoError(err)
	require.Equal(uint32(3), link.Checkpoint().LeafCount)
	leaf, err := link.tree.Leaf(2)
	require.NoError(err)
	require.Equal(next.Message.ID(), leaf)
}

func TestLinkMissingLogsCommitsNothing(t *testing.T) {
	require := require.New(t)

	source := &fakeIndexer{tip: 20, reorg: 2, hidden: map[uint32]bool{1: true}}
	for n := uint32(0); n < 3; n++ {
		source.emit(testMessage(n, 0, 0))
	}
	submitter := &fakeSubmitter{}
	link := newTestLink(t, testLinkConfig(), source, submitter, newTestDatabase(t))

	_, err := link.Tick(context.Background())
	require.ErrorIs(err, ErrMissingLogs)
	require.False(link.Healthy())
	require.Zero(link.Checkpoint().LeafCount)
	require.Equal(checkpoint.Cursor{ReorgPeriod: 2}, link.Cursor())
	require.Empty(submitter.Calls())

	source.lock.Lock()
	source.hidden = nil
	source.lock.Unlock()
	result, err := link.Tick(context.Background())
	require.NoError(err)
	require.True(link.Healthy())
	require.Len(result.Delivered, 3)
}

func TestLinkDecodeFailureDoesNotBlock(t *testing.T) {
	require := require.New(t)

	source := &fakeIndexer{
		tip:   20,
		reorg: 2,
		failures: []indexer.DecodeFailure{{
			Meta: relay.LogMeta{BlockNumber: 11, LogIndex: 1},
			Err:  relay.ErrTruncatedInput,
		}},
	}
	source.emit(testMessage(0, 0, 0))
	source.emit(testMessage(2, 0, 0))
	link := newTestLink(t, testLinkConfig(), source, &fakeSubmitter{}, newTestDatabase(t))

	result, err := link.Tick(context.Background())
	require.NoError(err)
	require.Len(result.Delivered, 2)
	require.Equal(uint32(2), link.Checkpoint().LeafCount)
	require.Equal(uint32(3), link.Cursor().LastSequenceCount)
	require.Equal(float64(1), testutil.ToFloat64(link.metrics.decodeFailureCount.WithLabelValues(testLink)))
}

func TestLinkRestartRestoresState(t *testing.T) {
	require := require.New(t)

	db := newTestDatabase(t)
	source := &fakeIndexer{tip: 20, reorg: 2}
	for n := uint32(0); n < 3; n++ {
		source.emit(testMessage(n, 0, 0))
	}
	down := &fakeSubmitter{sticky: NewTransientError(errNodeDown)}
	first := newTestLink(t, testLinkConfig(), source, down, db)
	_, err := first.Tick(context.Background())
	require.NoError(err)
	require.Equal(3, first.Processor().Pending())

	up := &fakeSubmitter{}
	restarted := newTestLink(t, testLinkConfig(), source, up, db)
	require.Equal(first.Checkpoint(), restarted.Checkpoint())
	require.Equal(first.Cursor(), restarted.Cursor())
	require.Equal(3, restarted.Processor().Pending())

	result, err := restarted.Tick(context.Background())
	require.NoError(err)
	require.Len(result.Delivered, 3)
	require.Len(source.fetches, 1)

	// Settled messages are not restored again.
	again := newTestLink(t, testLinkConfig(), source, up, db)
	require.Zero(again.Processor().Pending())
	require.Equal(first.Checkpoint(), again.Checkpoint())
}

func TestLinkStartBlock(t *testing.T) {
	require := require.New(t)

	source := &fakeIndexer{tip: 20, reorg: 2}
	for n := uint32(0); n < 3; n++ {
		source.emit(testMessage(n, 0, 0))
	}
	config := testLinkConfig()
	config.StartBlock = 12
	link := newTestLink(t, config, source, &fakeSubmitter{}, newTestDatabase(t))
	require.Equal(checkpoint.Cursor{LastIndexedBlock: 11, ReorgPeriod: 2, LastSequenceCount: 2}, link.Cursor())

	result, err := link.Tick(context.Background())
	require.NoError(err)
	require.Equal([][2]uint64{{12, 18}}, source.fetches)
	require.Len(result.Delivered, 1)
	require.Equal(uint32(2), result.Delivered[0].Nonce)
}

func TestLinkCursorNeverRegresses(t *testing.T) {
	require := require.New(t)

	source := &fakeIndexer{tip: 20, reorg: 2}
	source.emit(testMessage(0, 0, 0))
	link := newTestLink(t, testLinkConfig(), source, &fakeSubmitter{}, newTestDatabase(t))

	_, err := link.Tick(context.Background())
	require.NoError(err)
	cursor := link.Cursor()

	// A node that is behind reports a lower tip.
	source.setTip(5)
	_, err = link.Tick(context.Background())
	require.NoError(err)
	require.Equal(cursor, link.Cursor())
	require.Len(source.fetches, 1)
}

func TestLinkSourceFailureMarksUnhealthy(t *testing.T) {
	require := require.New(t)

	source := &fakeIndexer{tip: 20, reorg: 2, err: errNodeDown}
	link := newTestLink(t, testLinkConfig(), source, &fakeSubmitter{}, newTestDatabase(t))

	_, err := link.Tick(context.Background())
	require.ErrorIs(err, errNodeDown)
	require.False(link.Healthy())
}

// duplicatingIndexer serves every launch event twice, plus extra events the
// station count does not include.
type duplicatingIndexer struct {
	*fakeIndexer
	extra []relay.LoggedMessage
}

func (d *duplicatingIndexer) FetchLogs(ctx context.Context, from, to uint64) (indexer.FetchResult, error) {
	result, err := d.fakeIndexer.FetchLogs(ctx, from, to)
	if err != nil {
		return result, err
	}
	result.Messages = append(result.Messages, result.Messages...)
	for _, lm := range d.extra {
		if lm.Meta.BlockNumber >= from && lm.Meta.BlockNumber <= to {
			result.Messages = append(result.Messages, lm)
		}
	}
	return result, nil
}
