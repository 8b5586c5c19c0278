// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package relayer

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/relay"
	"github.com/luxfi/relay/merkle"
	"github.com/luxfi/relay/utils"
	"go.uber.org/zap"
)

const (
	defaultMaxAttempts        = 5
	defaultInitialBackoff     = time.Second
	defaultMaxBackoff         = time.Minute
	defaultMaxBatchSize       = 16
	defaultSettledCacheSize   = 4096
	defaultSubmissionDeadline = 2 * time.Minute
)

// TxOutcome describes a landed submission.
type TxOutcome struct {
	TxHash      common.Hash
	BlockNumber uint64
}

// Submitter delivers landing data to a destination chain. Failures should be
// returned as *SubmissionError so the processor can tell whether to retry.
type Submitter interface {
	Submit(ctx context.Context, data *LandingData) (TxOutcome, error)
}

// Prover produces inclusion proofs against historical checkpoints.
type Prover interface {
	ProveAt(index uint32, count uint32) (merkle.Proof, error)
}

type ProcessorConfig struct {
	LinkName       string
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxBatchSize   int
	// SettledCacheSize bounds how many delivered or failed ids are remembered
	// to reject replays.
	SettledCacheSize int
	// SubmissionTimeout bounds a single Submit call.
	SubmissionTimeout time.Duration
	// MessageTimeout extends SubmissionTimeout for each message in a batch.
	MessageTimeout time.Duration
}

func (c *ProcessorConfig) setDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = max(defaultMaxBackoff, c.InitialBackoff)
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = defaultMaxBatchSize
	}
	if c.SettledCacheSize <= 0 {
		c.SettledCacheSize = defaultSettledCacheSize
	}
	if c.SubmissionTimeout <= 0 {
		c.SubmissionTimeout = defaultSubmissionDeadline
	}
}

// Settlement is a message that reached a final state during Process.
type Settlement struct {
	ID        common.Hash
	Nonce     uint32
	LeafIndex uint32
	State     State
	TxHash    common.Hash
	Err       error
}

// ProcessResult lists the messages settled by one Process call. Failed
// messages are always reported here.
type ProcessResult struct {
	Delivered []Settlement
	Failed    []Settlement
}

type entry struct {
	message     relay.LoggedMessage
	id          common.Hash
	leaf        uint32
	state       State
	attempts    int
	backoff     *backoff.ExponentialBackOff
	nextAttempt time.Time
	proof       merkle.Proof
	lastErr     error
}

// Processor drives messages from their insertion into the accumulator to
// delivery. It is driven by a single link goroutine; the read accessors may be
// called concurrently.
type Processor struct {
	logger    *zap.Logger
	clock     clockwork.Clock
	prover    Prover
	submitter Submitter
	metrics   *LinkMetrics
	config    ProcessorConfig

	lock       sync.RWMutex
	checkpoint merkle.Checkpoint
	pending    map[common.Hash]*entry
	settled    *lru.Cache[common.Hash, State]
}

func NewProcessor(
	logger *zap.Logger,
	clock clockwork.Clock,
	prover Prover,
	submitter Submitter,
	metrics *LinkMetrics,
	config ProcessorConfig,
) (*Processor, error) {
	config.setDefaults()
	settled, err := lru.New[common.Hash, State](config.SettledCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create settled cache: %w", err)
	}
	return &Processor{
		logger:    logger,
		clock:     clock,
		prover:    prover,
		submitter: submitter,
		metrics:   metrics,
		config:    config,
		pending:   make(map[common.Hash]*entry),
		settled:   settled,
	}, nil
}

// Enqueue registers a message that was inserted into the accumulator at leaf.
// It returns false if the message is already pending or recently settled.
func (p *Processor) Enqueue(message relay.LoggedMessage, leaf uint32) bool {
	p.lock.Lock()
	defer p.lock.Unlock()

	id := message.Message.ID()
	if _, ok := p.pending[id]; ok {
		return false
	}
	if p.settled.Contains(id) {
		return false
	}
	p.pending[id] = &entry{
		message: message,
		id:      id,
		leaf:    leaf,
		state:   StateAwaitingCheckpoint,
		backoff: utils.NewExponentialBackOff(p.clock, p.config.InitialBackoff, p.config.MaxBackoff),
	}
	return true
}

// SetCheckpoint publishes a new checkpoint. Checkpoints older than the current
// one are ignored.
func (p *Processor) SetCheckpoint(checkpoint merkle.Checkpoint) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if checkpoint.LeafCount >= p.checkpoint.LeafCount {
		p.checkpoint = checkpoint
	}
}

func (p *Processor) Checkpoint() merkle.Checkpoint {
	p.lock.RLock()
	defer p.lock.RUnlock()

	return p.checkpoint
}

// State returns the state of a pending or recently settled message.
func (p *Processor) State(id common.Hash) (State, bool) {
	p.lock.RLock()
	defer p.lock.RUnlock()

	if e, ok := p.pending[id]; ok {
		return e.state, true
	}
	return p.settled.Get(id)
}

// Pending returns the number of messages not yet settled.
func (p *Processor) Pending() int {
	p.lock.RLock()
	defer p.lock.RUnlock()

	return len(p.pending)
}

// Process proves every message covered by the current checkpoint and submits
// the ready ones in ascending leaf order. A message waiting on its backoff or
// arrival window never holds back later leaves.
func (p *Processor) Process(ctx context.Context) (ProcessResult, error) {
	var result ProcessResult
	ready := p.prove(&result)

	for start := 0; start < len(ready); start += p.config.MaxBatchSize {
		if err := ctx.Err(); err != nil {
			p.requeue(ready[start:])
			return result, err
		}
		end := min(start+p.config.MaxBatchSize, len(ready))
		if err := p.submitBatch(ctx, ready[start:end], &result); err != nil {
			p.requeue(ready[end:])
			return result, err
		}
	}
	return result, nil
}

// prove moves covered messages to ProvenReady and returns them by leaf index.
func (p *Processor) prove(result *ProcessResult) []*entry {
	p.lock.Lock()
	defer p.lock.Unlock()

	now := p.clock.Now()
	unix := uint64(now.Unix())
	checkpoint := p.checkpoint

	var ready []*entry
	for _, e := range p.pending {
		if e.state != StateAwaitingCheckpoint {
			continue
		}
		m := e.message.Message
		if latest := m.LatestArrival(); latest != 0 && unix > latest {
			p.fail(e, fmt.Errorf("%w: latest arrival %d, now %d", ErrArrivalWindowExpired, latest, unix), result)
			continue
		}
		if now.Before(e.nextAttempt) || unix < m.EarliestArrival() {
			continue
		}
		if !checkpoint.Covers(e.leaf) {
			continue
		}
		proof, err := p.prover.ProveAt(e.leaf, checkpoint.LeafCount)
		if err != nil {
			p.logger.Error(
				"Failed to prove message",
				zap.Stringer("messageID", e.id),
				zap.Uint32("leafIndex", e.leaf),
				zap.Uint32("leafCount", checkpoint.LeafCount),
				zap.Error(err),
			)
			continue
		}
		e.proof = proof
		e.state = StateProvenReady
		ready = append(ready, e)
	}
	slices.SortFunc(ready, func(a, b *entry) int {
		return cmp.Compare(a.leaf, b.leaf)
	})
	return ready
}

// submitBatch submits batch and, when a batch of several messages is
// rejected permanently, bisects it so only the offending messages fail.
func (p *Processor) submitBatch(ctx context.Context, batch []*entry, result *ProcessResult) error {
	rejected, err := p.submit(ctx, batch, result)
	if err != nil || !rejected {
		return err
	}
	mid := len(batch) / 2
	if err := p.submitBatch(ctx, batch[:mid], result); err != nil {
		p.requeue(batch[mid:])
		return err
	}
	return p.submitBatch(ctx, batch[mid:], result)
}

func (p *Processor) submissionTimeout(messages int) time.Duration {
	return p.config.SubmissionTimeout + time.Duration(messages)*p.config.MessageTimeout
}

// submit reports rejected when a batch of more than one message failed
// permanently; its entries are left ProvenReady for the caller to split.
func (p *Processor) submit(ctx context.Context, batch []*entry, result *ProcessResult) (bool, error) {
	checkpoint := batch[0].proof.Checkpoint
	messages := make([]relay.LoggedMessage, len(batch))
	proofs := make([]merkle.Proof, len(batch))
	p.lock.Lock()
	for i, e := range batch {
		messages[i] = e.message
		proofs[i] = e.proof
		e.state = StateSubmitted
		e.attempts++
	}
	p.lock.Unlock()

	data := NewLandingData(checkpoint, messages, proofs)
	p.logger.Debug(
		"Submitting landing data",
		zap.Stringer("root", data.Root),
		zap.Uint32("leafCount", data.LeafCount),
		zap.Int("messages", len(data.Params)),
	)

	sctx, cancel := context.WithTimeout(ctx, p.submissionTimeout(len(batch)))
	start := p.clock.Now()
	outcome, err := p.submitter.Submit(sctx, data)
	cancel()
	p.metrics.submissionLatencyMS.WithLabelValues(p.config.LinkName).Set(float64(p.clock.Since(start).Milliseconds()))

	p.lock.Lock()
	defer p.lock.Unlock()

	if err == nil {
		for _, e := range batch {
			e.state = StateDelivered
			delete(p.pending, e.id)
			p.settled.Add(e.id, StateDelivered)
			p.metrics.successfulRelayMessageCount.WithLabelValues(p.config.LinkName).Inc()
			result.Delivered = append(result.Delivered, Settlement{
				ID:        e.id,
				Nonce:     e.message.Message.Nonce(),
				LeafIndex: e.leaf,
				State:     StateDelivered,
				TxHash:    outcome.TxHash,
			})
		}
		p.logger.Info(
			"Delivered messages",
			zap.Stringer("txHash", outcome.TxHash),
			zap.Uint64("blockNumber", outcome.BlockNumber),
			zap.Int("messages", len(batch)),
		)
		return false, nil
	}

	// The attempt does not count if the caller gave up on it.
	if ctx.Err() != nil {
		for _, e := range batch {
			e.attempts--
			e.state = StateAwaitingCheckpoint
		}
		return false, ctx.Err()
	}

	if IsPermanent(err) {
		if len(batch) > 1 {
			for _, e := range batch {
				e.attempts--
				e.state = StateProvenReady
			}
			p.logger.Debug(
				"Landing data rejected, splitting batch",
				zap.Int("messages", len(batch)),
				zap.Error(err),
			)
			return true, nil
		}
		p.fail(batch[0], err, result)
		return false, nil
	}

	now := p.clock.Now()
	for _, e := range batch {
		e.lastErr = err
		if e.attempts >= p.config.MaxAttempts {
			p.fail(e, fmt.Errorf("%w (%d): %w", ErrMaxAttempts, e.attempts, err), result)
			continue
		}
		delay := e.backoff.NextBackOff()
		if delay == backoff.Stop {
			delay = p.config.MaxBackoff
		}
		e.nextAttempt = now.Add(delay)
		e.state = StateAwaitingCheckpoint
		p.metrics.retriedSubmissionCount.WithLabelValues(p.config.LinkName).Inc()
		p.logger.Warn(
			"Submission failed, retrying",
			zap.Stringer("messageID", e.id),
			zap.Int("attempt", e.attempts),
			zap.Duration("retryIn", delay),
			zap.Error(err),
		)
	}
	return false, nil
}

// fail must be called with the lock held.
func (p *Processor) fail(e *entry, err error, result *ProcessResult) {
	e.state = StateFailed
	e.lastErr = err
	delete(p.pending, e.id)
	p.settled.Add(e.id, StateFailed)
	p.metrics.failedRelayMessageCount.WithLabelValues(p.config.LinkName, failureReason(err)).Inc()
	p.logger.Error(
		"Failed to relay message",
		zap.Stringer("messageID", e.id),
		zap.Uint32("nonce", e.message.Message.Nonce()),
		zap.Uint32("leafIndex", e.leaf),
		zap.Int("attempts", e.attempts),
		zap.Error(err),
	)
	result.Failed = append(result.Failed, Settlement{
		ID:        e.id,
		Nonce:     e.message.Message.Nonce(),
		LeafIndex: e.leaf,
		State:     StateFailed,
		Err:       err,
	})
}

func (p *Processor) requeue(entries []*entry) {
	p.lock.Lock()
	defer p.lock.Unlock()

	for _, e := range entries {
		if e.state == StateProvenReady {
			e.state = StateAwaitingCheckpoint
		}
	}
}

// errIsContext reports whether err stems from the caller's context.
func errIsContext(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
