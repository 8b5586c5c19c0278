// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package relayer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/luxfi/crypto"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/ids"
	"github.com/luxfi/relay"
	"github.com/luxfi/relay/database"
	"github.com/luxfi/relay/indexer"
	"github.com/luxfi/relay/merkle"
	"github.com/luxfi/relay/relayer/checkpoint"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var ErrSequenceRegression = errors.New("station sequence count went backwards")

// SourceIndexer reads launch events from a source chain. It is implemented by
// *indexer.Indexer.
type SourceIndexer interface {
	LatestSequenceCountAndTip(ctx context.Context) (*uint32, uint64, error)
	SequenceCountAt(ctx context.Context, block uint64) (uint32, error)
	FetchLogs(ctx context.Context, from, to uint64) (indexer.FetchResult, error)
}

type LinkConfig struct {
	Name              string
	SourceDomain      uint64
	DestinationDomain uint64
	Version           relay.Version
	ReorgPeriod       uint64
	// StartBlock is the first block indexed when the link has no stored
	// state. Zero starts from genesis.
	StartBlock   uint64
	PollInterval time.Duration
	Processor    ProcessorConfig
}

// LinkID derives the database namespace of a link.
func LinkID(name string, sourceDomain, destinationDomain uint64) ids.ID {
	return ids.ID(crypto.Keccak256Hash(
		[]byte(name),
		[]byte(strconv.FormatUint(sourceDomain, 10)),
		[]byte(strconv.FormatUint(destinationDomain, 10)),
	))
}

// Link relays the messages of one source station to one destination. All of
// its mutations happen on the goroutine calling Tick.
type Link struct {
	logger      *zap.Logger
	config      LinkConfig
	id          ids.ID
	indexer     SourceIndexer
	tree        *merkle.Tree
	checkpoints *checkpoint.Manager
	processor   *Processor
	metrics     *LinkMetrics
	healthy     *atomic.Bool
}

// NewLink restores the link's accumulator and in-flight messages from db.
func NewLink(
	ctx context.Context,
	logger *zap.Logger,
	clock clockwork.Clock,
	config LinkConfig,
	sourceIndexer SourceIndexer,
	submitter Submitter,
	db database.RelayerDatabase,
	metrics *LinkMetrics,
) (*Link, error) {
	id := LinkID(config.Name, config.SourceDomain, config.DestinationDomain)
	logger = logger.With(
		zap.String("link", config.Name),
		zap.Uint64("sourceDomain", config.SourceDomain),
		zap.Uint64("destinationDomain", config.DestinationDomain),
	)

	starting := checkpoint.Cursor{ReorgPeriod: config.ReorgPeriod}
	if config.StartBlock > 0 {
		starting.LastIndexedBlock = config.StartBlock - 1
	}
	checkpoints, err := checkpoint.NewManager(logger, db, id, starting)
	if err != nil {
		return nil, err
	}
	leaves, err := checkpoints.Leaves()
	if err != nil {
		return nil, err
	}
	tree, err := merkle.NewTreeFromLeaves(config.SourceDomain, leaves)
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild accumulator: %w", err)
	}

	config.Processor.LinkName = config.Name
	processor, err := NewProcessor(logger, clock, tree, submitter, metrics, config.Processor)
	if err != nil {
		return nil, err
	}

	l := &Link{
		logger:      logger,
		config:      config,
		id:          id,
		indexer:     sourceIndexer,
		tree:        tree,
		checkpoints: checkpoints,
		processor:   processor,
		metrics:     metrics,
		healthy:     atomic.NewBool(true),
	}

	// Messages launched before the start block are not ours to relay, but the
	// station's count already includes them.
	if !checkpoints.Stored() && config.StartBlock > 0 {
		count, err := sourceIndexer.SequenceCountAt(ctx, starting.LastIndexedBlock)
		if err != nil {
			return nil, fmt.Errorf("failed to seed sequence count: %w", err)
		}
		starting.LastSequenceCount = count
		if err := checkpoints.Commit(starting, nil); err != nil {
			return nil, err
		}
	}

	if err := l.restorePending(); err != nil {
		return nil, err
	}
	processor.SetCheckpoint(tree.Checkpoint())
	metrics.leafCount.WithLabelValues(config.Name).Set(float64(tree.Count()))
	metrics.lastIndexedBlock.WithLabelValues(config.Name).Set(float64(checkpoints.Cursor().LastIndexedBlock))

	logger.Info(
		"Created link",
		zap.Stringer("linkID", id),
		zap.Uint32("leafCount", tree.Count()),
		zap.Stringer("root", tree.Root()),
		zap.Int("pending", processor.Pending()),
	)
	return l, nil
}

func (l *Link) restorePending() error {
	pending, err := l.checkpoints.Pending()
	if err != nil {
		return err
	}
	for index, payload := range pending {
		lm, err := relay.ParseLoggedMessage(l.config.Version, payload)
		if err != nil {
			return fmt.Errorf("failed to restore pending leaf %d: %w", index, err)
		}
		leaf, err := l.tree.Leaf(index)
		if err != nil {
			return fmt.Errorf("failed to restore pending leaf %d: %w", index, err)
		}
		if leaf != lm.Message.ID() {
			return fmt.Errorf("%w: pending leaf %d does not match its message", checkpoint.ErrCorruptLeaves, index)
		}
		l.processor.Enqueue(lm, index)
	}
	return nil
}

func (l *Link) Name() string                  { return l.config.Name }
func (l *Link) ID() ids.ID                    { return l.id }
func (l *Link) Healthy() bool                 { return l.healthy.Load() }
func (l *Link) Processor() *Processor         { return l.processor }
func (l *Link) Checkpoint() merkle.Checkpoint { return l.tree.Checkpoint() }
func (l *Link) Cursor() checkpoint.Cursor     { return l.checkpoints.Cursor() }

// Tick indexes newly finalized source blocks and then processes pending
// messages. Processing runs even if indexing failed. Indexing either commits
// a whole block range or nothing.
func (l *Link) Tick(ctx context.Context) (ProcessResult, error) {
	indexErr := l.index(ctx)
	result, processErr := l.process(ctx)
	err := errors.Join(indexErr, processErr)
	l.healthy.Store(err == nil)
	return result, err
}

func (l *Link) index(ctx context.Context) error {
	cursor := l.checkpoints.Cursor()
	countPtr, tip, err := l.indexer.LatestSequenceCountAndTip(ctx)
	if err != nil {
		return fmt.Errorf("failed to read source state: %w", err)
	}
	if tip <= cursor.LastIndexedBlock {
		return nil
	}
	var count uint32
	if countPtr != nil {
		count = *countPtr
	}
	if count < cursor.LastSequenceCount {
		return fmt.Errorf("%w: %d at block %d, committed %d", ErrSequenceRegression, count, tip, cursor.LastSequenceCount)
	}
	next := checkpoint.Cursor{
		LastIndexedBlock:  tip,
		ReorgPeriod:       cursor.ReorgPeriod,
		LastSequenceCount: count,
	}
	if count == cursor.LastSequenceCount {
		if err := l.checkpoints.Commit(next, nil); err != nil {
			return err
		}
		l.metrics.lastIndexedBlock.WithLabelValues(l.config.Name).Set(float64(tip))
		return nil
	}

	result, err := l.indexer.FetchLogs(ctx, cursor.LastIndexedBlock+1, tip)
	if err != nil {
		return err
	}
	failures := l.countFailures(result.Failures)
	fresh := l.deduplicate(result.Messages)
	slices.SortStableFunc(fresh, func(a, b relay.LoggedMessage) int {
		return a.Meta.Compare(b.Meta)
	})

	expected := count - cursor.LastSequenceCount
	if got := len(fresh) + failures; got < int(expected) {
		return fmt.Errorf(
			"%w: blocks [%d, %d] hold %d messages, station reports %d",
			ErrMissingLogs, cursor.LastIndexedBlock+1, tip, got, expected,
		)
	} else if got > int(expected) {
		l.logger.Warn(
			"Found more launch logs than the station reports",
			zap.Int("found", got),
			zap.Uint32("expected", expected),
		)
	}

	leafIDs := make([]common.Hash, len(fresh))
	leaves := make([]checkpoint.Leaf, len(fresh))
	for i, lm := range fresh {
		leafIDs[i] = lm.Message.ID()
		leaves[i] = checkpoint.Leaf{ID: leafIDs[i], Payload: lm.Bytes()}
	}
	if err := l.tree.CheckBatch(leafIDs); err != nil {
		return err
	}
	if err := l.checkpoints.Commit(next, leaves); err != nil {
		return err
	}
	first, err := l.tree.InsertBatch(leafIDs)
	if err != nil {
		// The single writer checked the batch above.
		return fmt.Errorf("accumulator diverged from the database: %w", err)
	}

	cp := l.tree.Checkpoint()
	l.processor.SetCheckpoint(cp)
	for i, lm := range fresh {
		l.processor.Enqueue(lm, first+uint32(i))
	}

	l.metrics.indexedMessageCount.WithLabelValues(l.config.Name).Add(float64(len(fresh)))
	l.metrics.leafCount.WithLabelValues(l.config.Name).Set(float64(cp.LeafCount))
	l.metrics.lastIndexedBlock.WithLabelValues(l.config.Name).Set(float64(tip))
	l.logger.Info(
		"Indexed messages",
		zap.Uint64("fromBlock", cursor.LastIndexedBlock+1),
		zap.Uint64("toBlock", tip),
		zap.Int("messages", len(fresh)),
		zap.Uint32("leafCount", cp.LeafCount),
		zap.Stringer("root", cp.Root),
	)
	return nil
}

// countFailures reports decode failures once per log.
func (l *Link) countFailures(failures []indexer.DecodeFailure) int {
	type logKey struct {
		tx    common.Hash
		index uint
	}
	seen := make(map[logKey]struct{}, len(failures))
	for _, f := range failures {
		k := logKey{tx: f.Meta.TxHash, index: f.Meta.LogIndex}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		l.metrics.decodeFailureCount.WithLabelValues(l.config.Name).Inc()
		l.logger.Error(
			"Skipping undecodable launch message",
			zap.Uint64("blockNumber", f.Meta.BlockNumber),
			zap.Stringer("txHash", f.Meta.TxHash),
			zap.Uint("logIndex", f.Meta.LogIndex),
			zap.Error(f.Err),
		)
	}
	return len(seen)
}

// deduplicate drops messages repeated within the batch or already in the
// accumulator.
func (l *Link) deduplicate(messages []relay.LoggedMessage) []relay.LoggedMessage {
	seen := make(map[common.Hash]struct{}, len(messages))
	fresh := make([]relay.LoggedMessage, 0, len(messages))
	for _, lm := range messages {
		id := lm.Message.ID()
		if _, ok := seen[id]; ok {
			l.metrics.duplicateMessageCount.WithLabelValues(l.config.Name).Inc()
			continue
		}
		seen[id] = struct{}{}
		if index, ok := l.tree.Index(id); ok {
			l.metrics.duplicateMessageCount.WithLabelValues(l.config.Name).Inc()
			l.logger.Warn(
				"Skipping message already in the accumulator",
				zap.Stringer("messageID", id),
				zap.Uint32("leafIndex", index),
			)
			continue
		}
		fresh = append(fresh, lm)
	}
	return fresh
}

func (l *Link) process(ctx context.Context) (ProcessResult, error) {
	result, err := l.processor.Process(ctx)
	for _, s := range slices.Concat(result.Delivered, result.Failed) {
		if serr := l.checkpoints.Settle(s.LeafIndex); serr != nil {
			l.logger.Error(
				"Failed to settle leaf",
				zap.Uint32("leafIndex", s.LeafIndex),
				zap.Error(serr),
			)
		}
	}
	return result, err
}
