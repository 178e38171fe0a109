// Package rpc holds read-side consumers of the core's execution
// output. BuildReceipt shapes a stored receipt into the response form
// an RPC surface would serve.
package rpc

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/quarrylabs/quarry/core/types"
)

// EIP-4844 blob gas price parameters.
const (
	minBlobGasPrice            = 1
	blobGasPriceUpdateFraction = 3338477
)

// TransactionMeta locates a transaction within its block.
type TransactionMeta struct {
	BlockHash     types.Hash
	BlockNumber   uint64
	Index         uint64
	ExcessBlobGas *uint64
}

// FormattedLog is a log with its block-wide position attached.
type FormattedLog struct {
	types.Log
	BlockHash   types.Hash
	BlockNumber uint64
	TxIndex     uint64
	LogIndex    uint64
}

// FormattedReceipt is the response form of a receipt.
type FormattedReceipt struct {
	Success           bool
	TxType            uint8
	BlockHash         types.Hash
	BlockNumber       uint64
	TxIndex           uint64
	From              types.Address
	To                *types.Address
	GasUsed           uint64
	CumulativeGasUsed uint64
	ContractAddress   *types.Address
	BlobGasPrice      *big.Int
	Logs              []FormattedLog
}

// ErrReceiptIndex is returned when meta.Index does not fit the
// block's receipt list.
var ErrReceiptIndex = errors.New("receipt index out of range")

// BuildReceipt formats the receipt at meta.Index. It requires all of
// the block's receipts because per-transaction gas used is the delta
// between consecutive cumulative values, and log indices are offset by
// the log counts of preceding receipts.
func BuildReceipt(tx *types.Transaction, meta TransactionMeta, allReceipts []*types.Receipt) (*FormattedReceipt, error) {
	if meta.Index >= uint64(len(allReceipts)) {
		return nil, ErrReceiptIndex
	}
	receipt := allReceipts[meta.Index]

	gasUsed := receipt.CumulativeGasUsed
	if meta.Index > 0 {
		gasUsed = receipt.CumulativeGasUsed - allReceipts[meta.Index-1].CumulativeGasUsed
	}

	// Blob gas price is only present for transactions carrying blobs.
	var blobGasPrice *big.Int
	if len(tx.BlobHashes) > 0 && meta.ExcessBlobGas != nil {
		blobGasPrice = calcBlobGasPrice(*meta.ExcessBlobGas)
	}

	var numLogs uint64
	for _, prev := range allReceipts[:meta.Index] {
		numLogs += uint64(len(prev.Logs))
	}
	logs := make([]FormattedLog, len(receipt.Logs))
	for i, lg := range receipt.Logs {
		logs[i] = FormattedLog{
			Log:         *lg,
			BlockHash:   meta.BlockHash,
			BlockNumber: meta.BlockNumber,
			TxIndex:     meta.Index,
			LogIndex:    numLogs + uint64(i),
		}
	}

	var contractAddr *types.Address
	to := tx.To
	if tx.Create() {
		addr := crypto.CreateAddress(tx.From, tx.Nonce)
		contractAddr = &addr
		to = nil
	}

	return &FormattedReceipt{
		Success:           receipt.Success,
		TxType:            receipt.TxType,
		BlockHash:         meta.BlockHash,
		BlockNumber:       meta.BlockNumber,
		TxIndex:           meta.Index,
		From:              tx.From,
		To:                to,
		GasUsed:           gasUsed,
		CumulativeGasUsed: receipt.CumulativeGasUsed,
		ContractAddress:   contractAddr,
		BlobGasPrice:      blobGasPrice,
		Logs:              logs,
	}, nil
}

// calcBlobGasPrice computes the blob gas price from excess blob gas
// using the EIP-4844 fake-exponential approximation.
func calcBlobGasPrice(excessBlobGas uint64) *big.Int {
	return fakeExponential(
		big.NewInt(minBlobGasPrice),
		new(big.Int).SetUint64(excessBlobGas),
		big.NewInt(blobGasPriceUpdateFraction),
	)
}

// fakeExponential approximates factor * e^(numerator/denominator)
// using Taylor expansion, per the EIP-4844 reference.
func fakeExponential(factor, numerator, denominator *big.Int) *big.Int {
	output := new(big.Int)
	accum := new(big.Int).Mul(factor, denominator)
	for i := int64(1); accum.Sign() > 0; i++ {
		output.Add(output, accum)
		accum.Mul(accum, numerator)
		accum.Div(accum, denominator)
		accum.Div(accum, big.NewInt(i))
	}
	return output.Div(output, denominator)
}
