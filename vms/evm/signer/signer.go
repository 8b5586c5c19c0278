// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package signer

import (
	"crypto/ecdsa"
	"errors"
	"math/big"

	"github.com/luxfi/crypto"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/geth/core/types"
)

var errNilKey = errors.New("nil private key")

type Signer interface {
	SignTx(tx *types.Transaction, evmChainID *big.Int) (*types.Transaction, error)
	Address() common.Address
}

// TxSigner signs with an in-memory key.
type TxSigner struct {
	pk      *ecdsa.PrivateKey
	address common.Address
}

func NewTxSigner(pk *ecdsa.PrivateKey) (*TxSigner, error) {
	if pk == nil {
		return nil, errNilKey
	}
	return &TxSigner{
		pk:      pk,
		address: common.Address(crypto.PubkeyToAddress(pk.PublicKey)),
	}, nil
}

func (s *TxSigner) SignTx(tx *types.Transaction, evmChainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(evmChainID), s.pk)
}

func (s *TxSigner) Address() common.Address {
	return s.address
}
