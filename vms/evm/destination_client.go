// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	ethereum "github.com/luxfi/geth"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/geth/core/types"
	"github.com/luxfi/relay/relayer"
	"github.com/luxfi/relay/relayer/config"
	"github.com/luxfi/relay/utils"
	"github.com/luxfi/relay/vms/evm/signer"
	"go.uber.org/zap"
)

const (
	// If the max base fee is not explicitly set, use 3x the current base fee estimate
	defaultBaseFeeFactor = 3
	// Gas estimates are padded by this percentage.
	gasLimitBufferPercent = 20
)

var errReceiptNotFound = errors.New("receipt not found")

// Client is the subset of *ethclient.Client used to submit landings.
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// DestinationClient submits landing data to the landing contract of one
// destination chain. It implements relayer.Submitter.
type DestinationClient struct {
	client               Client
	nonceLock            sync.Mutex
	signer               signer.Signer
	landing              common.Address
	evmChainID           *big.Int
	currentNonce         uint64
	gasLimit             uint64
	maxBaseFee           *big.Int
	maxPriorityFeePerGas *big.Int
	txInclusionTimeout   time.Duration
	logger               *zap.Logger
}

var _ relayer.Submitter = (*DestinationClient)(nil)

func NewDestinationClient(
	ctx context.Context,
	logger *zap.Logger,
	client Client,
	destination *config.DestinationConfig,
) (*DestinationClient, error) {
	logger = logger.With(zap.Uint64("destinationDomain", destination.DomainID))

	sgnr, err := signer.NewTxSigner(destination.GetPrivateKey())
	if err != nil {
		logger.Error(
			"Failed to create signer",
			zap.Error(err),
		)
		return nil, err
	}

	chainCtx, chainCtxCancel := context.WithTimeout(ctx, utils.DefaultRPCTimeout)
	defer chainCtxCancel()
	evmChainID, err := client.ChainID(chainCtx)
	if err != nil {
		logger.Error(
			"Failed to get chain ID from destination chain endpoint",
			zap.Error(err),
		)
		return nil, err
	}

	// Construct txs using the pending nonce to account for restarts due to long-pending txs in the mempool
	nonceCtx, nonceCtxCancel := context.WithTimeout(ctx, utils.DefaultRPCTimeout)
	defer nonceCtxCancel()
	pendingNonce, err := client.PendingNonceAt(nonceCtx, sgnr.Address())
	if err != nil {
		logger.Error(
			"Failed to get pending nonce",
			zap.Error(err),
		)
		return nil, err
	}

	logger.Info(
		"Initialized destination client",
		zap.String("evmChainID", evmChainID.String()),
		zap.Stringer("sender", sgnr.Address()),
		zap.Uint64("pendingNonce", pendingNonce),
	)

	return &DestinationClient{
		client:               client,
		signer:               sgnr,
		landing:              destination.GetLandingAddress(),
		evmChainID:           evmChainID,
		currentNonce:         pendingNonce,
		gasLimit:             destination.GasLimit,
		maxBaseFee:           new(big.Int).SetUint64(destination.MaxBaseFee),
		maxPriorityFeePerGas: new(big.Int).SetUint64(destination.MaxPriorityFeePerGas),
		txInclusionTimeout:   destination.GetTxInclusionTimeout(),
		logger:               logger,
	}, nil
}

func (c *DestinationClient) SenderAddress() common.Address {
	return c.signer.Address()
}

// Submit delivers data in one landing transaction. Messages the landing
// contract already recorded are dropped from the batch first; if none remain
// the submission fails permanently with ErrAlreadyDelivered.
func (c *DestinationClient) Submit(ctx context.Context, data *relayer.LandingData) (relayer.TxOutcome, error) {
	data, err := c.undelivered(ctx, data)
	if err != nil {
		return relayer.TxOutcome{}, err
	}

	callData, err := PackLanding(data)
	if err != nil {
		return relayer.TxOutcome{}, relayer.NewPermanentError(fmt.Errorf("failed to pack landing call: %w", err))
	}

	receipt, err := c.sendTx(ctx, callData)
	if err != nil {
		return relayer.TxOutcome{}, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		c.logger.Warn(
			"Landing transaction reverted",
			zap.Stringer("txID", receipt.TxHash),
			zap.Int("messages", len(data.Params)),
		)
		return relayer.TxOutcome{}, relayer.NewPermanentError(
			fmt.Errorf("%w: tx %s reverted", relayer.ErrProofRejected, receipt.TxHash),
		)
	}

	var blockNumber uint64
	if receipt.BlockNumber != nil {
		blockNumber = receipt.BlockNumber.Uint64()
	}
	return relayer.TxOutcome{
		TxHash:      receipt.TxHash,
		BlockNumber: blockNumber,
	}, nil
}

// undelivered returns data restricted to the messages the landing contract
// has not recorded yet.
func (c *DestinationClient) undelivered(ctx context.Context, data *relayer.LandingData) (*relayer.LandingData, error) {
	params := make([]relayer.LandingParams, 0, len(data.Params))
	for _, p := range data.Params {
		delivered, err := c.isDelivered(ctx, p.MessageID)
		if err != nil {
			return nil, ClassifyError(err)
		}
		if delivered {
			c.logger.Debug(
				"Message already delivered",
				zap.Stringer("messageID", p.MessageID),
			)
			continue
		}
		params = append(params, p)
	}
	if len(params) == 0 {
		return nil, relayer.NewPermanentError(relayer.ErrAlreadyDelivered)
	}
	if len(params) == len(data.Params) {
		return data, nil
	}
	filtered := *data
	filtered.Params = params
	return &filtered, nil
}

func (c *DestinationClient) isDelivered(ctx context.Context, id common.Hash) (bool, error) {
	input, err := LandingABI.Pack(isDeliveredMethodName, [32]byte(id))
	if err != nil {
		return false, err
	}
	callCtx, callCtxCancel := context.WithTimeout(ctx, utils.DefaultRPCTimeout)
	defer callCtxCancel()
	output, err := c.client.CallContract(callCtx, ethereum.CallMsg{
		To:   &c.landing,
		Data: input,
	}, nil)
	if err != nil {
		return false, err
	}
	values, err := LandingABI.Unpack(isDeliveredMethodName, output)
	if err != nil {
		return false, err
	}
	if len(values) != 1 {
		return false, fmt.Errorf("unexpected isDelivered output count %d", len(values))
	}
	delivered, ok := values[0].(bool)
	if !ok {
		return false, fmt.Errorf("unexpected isDelivered output type %T", values[0])
	}
	return delivered, nil
}

// sendTx constructs, signs, and broadcasts a transaction carrying callData to
// the landing contract, then waits for its receipt. If the maximum base fee is
// not configured, it is the current base fee multiplied by the default base fee
// factor. The priority fee is the minimum of the suggested gas tip cap and the
// configured maximum.
func (c *DestinationClient) sendTx(ctx context.Context, callData []byte) (*types.Receipt, error) {
	maxBaseFee, err := c.maxBaseFeeCap(ctx)
	if err != nil {
		return nil, ClassifyError(err)
	}

	gasTipCapCtx, gasTipCapCtxCancel := context.WithTimeout(ctx, utils.DefaultRPCTimeout)
	defer gasTipCapCtxCancel()
	gasTipCap, err := c.client.SuggestGasTipCap(gasTipCapCtx)
	if err != nil {
		c.logger.Error(
			"Failed to get gas tip cap",
			zap.Error(err),
		)
		return nil, ClassifyError(err)
	}
	if c.maxPriorityFeePerGas.Sign() > 0 && gasTipCap.Cmp(c.maxPriorityFeePerGas) > 0 {
		gasTipCap = c.maxPriorityFeePerGas
	}
	gasFeeCap := new(big.Int).Add(maxBaseFee, gasTipCap)

	gasLimit, err := c.gasLimitFor(ctx, callData)
	if err != nil {
		return nil, ClassifyError(err)
	}

	// Synchronize nonce access so that we send transactions in nonce order.
	c.nonceLock.Lock()
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.evmChainID,
		Nonce:     c.currentNonce,
		GasTipCap: gasTipCap,
		GasFeeCap: gasFeeCap,
		Gas:       gasLimit,
		To:        &c.landing,
		Value:     big.NewInt(0),
		Data:      callData,
	})
	signedTx, err := c.signer.SignTx(tx, c.evmChainID)
	if err != nil {
		c.nonceLock.Unlock()
		c.logger.Error(
			"Failed to sign transaction",
			zap.Error(err),
		)
		return nil, relayer.NewPermanentError(err)
	}

	c.logger.Info(
		"Sending transaction",
		zap.Stringer("txID", signedTx.Hash()),
		zap.Uint64("nonce", c.currentNonce),
	)
	sendTxCtx, sendTxCtxCancel := context.WithTimeout(ctx, utils.DefaultRPCTimeout)
	defer sendTxCtxCancel()
	if err := c.client.SendTransaction(sendTxCtx, signedTx); err != nil {
		c.logger.Error(
			"Failed to send transaction",
			zap.Uint64("nonce", c.currentNonce),
			zap.Error(err),
		)
		if isNonceError(err) {
			c.resyncNonce(ctx)
		}
		c.nonceLock.Unlock()
		return nil, ClassifyError(err)
	}
	c.logger.Info(
		"Sent transaction",
		zap.Stringer("txID", signedTx.Hash()),
		zap.Uint64("nonce", c.currentNonce),
	)
	c.currentNonce++
	c.nonceLock.Unlock()

	receipt, err := c.waitForReceipt(ctx, signedTx.Hash())
	if err != nil {
		return nil, ClassifyError(err)
	}
	return receipt, nil
}

func (c *DestinationClient) maxBaseFeeCap(ctx context.Context) (*big.Int, error) {
	if c.maxBaseFee.Sign() > 0 {
		return c.maxBaseFee, nil
	}
	// Without an explicit cap, allow the base fee to rise by the default factor
	// before the transaction is included.
	headerCtx, headerCtxCancel := context.WithTimeout(ctx, utils.DefaultRPCTimeout)
	defer headerCtxCancel()
	header, err := c.client.HeaderByNumber(headerCtx, nil)
	if err != nil {
		c.logger.Error(
			"Failed to get base fee",
			zap.Error(err),
		)
		return nil, err
	}
	if header.BaseFee == nil {
		return nil, relayer.NewPermanentError(errors.New("destination chain does not report a base fee"))
	}
	return new(big.Int).Mul(header.BaseFee, big.NewInt(defaultBaseFeeFactor)), nil
}

func (c *DestinationClient) gasLimitFor(ctx context.Context, callData []byte) (uint64, error) {
	if c.gasLimit > 0 {
		return c.gasLimit, nil
	}
	estimateCtx, estimateCtxCancel := context.WithTimeout(ctx, utils.DefaultRPCTimeout)
	defer estimateCtxCancel()
	from := c.signer.Address()
	gas, err := c.client.EstimateGas(estimateCtx, ethereum.CallMsg{
		From: from,
		To:   &c.landing,
		Data: callData,
	})
	if err != nil {
		c.logger.Warn(
			"Failed to estimate gas",
			zap.Error(err),
		)
		return 0, err
	}
	return gas + gas*gasLimitBufferPercent/100, nil
}

// resyncNonce must be called with the nonce lock held.
func (c *DestinationClient) resyncNonce(ctx context.Context) {
	nonceCtx, nonceCtxCancel := context.WithTimeout(ctx, utils.DefaultRPCTimeout)
	defer nonceCtxCancel()
	nonce, err := c.client.PendingNonceAt(nonceCtx, c.signer.Address())
	if err != nil {
		c.logger.Warn(
			"Failed to resync nonce",
			zap.Error(err),
		)
		return
	}
	c.logger.Info(
		"Resynced nonce",
		zap.Uint64("previousNonce", c.currentNonce),
		zap.Uint64("nonce", nonce),
	)
	c.currentNonce = nonce
}

func (c *DestinationClient) waitForReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	operation := func() error {
		callCtx, callCtxCancel := context.WithTimeout(ctx, utils.DefaultRPCTimeout)
		defer callCtxCancel()
		r, err := c.client.TransactionReceipt(callCtx, txHash)
		if err != nil {
			return err
		}
		if r == nil {
			return errReceiptNotFound
		}
		receipt = r
		return nil
	}
	err := utils.WithRetriesTimeout(ctx, c.logger, operation, c.txInclusionTimeout, "waitForReceipt")
	if err != nil {
		c.logger.Error(
			"Failed to get transaction receipt",
			zap.Stringer("txID", txHash),
			zap.Error(err),
		)
		return nil, err
	}
	return receipt, nil
}

func isNonceError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce too low") || strings.Contains(msg, "nonce too high")
}

// ClassifyError wraps err as a relayer.SubmissionError. Reverted executions
// are permanent proof rejections; node, mempool and timeout errors are
// transient. Errors that are already classified are returned unchanged.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	var se *relayer.SubmissionError
	if errors.As(err, &se) {
		return err
	}
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Err
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "execution reverted"):
		return relayer.NewPermanentError(fmt.Errorf("%w: %w", relayer.ErrProofRejected, err))
	default:
		return relayer.NewTransientError(err)
	}
}
