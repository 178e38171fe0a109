// Package types defines the primitive chain types shared by the node's
// subsystems: headers, blocks, transactions, receipts, and the block
// executor contract consumed by the import pipeline.
package types

import (
	"encoding/binary"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Hash is a 32-byte block or transaction hash.
type Hash = common.Hash

// Address is a 20-byte account address.
type Address = common.Address

// Header is the block header.
type Header struct {
	ParentHash    Hash
	Number        uint64
	Timestamp     uint64
	StateRoot     Hash
	GasLimit      uint64
	GasUsed       uint64
	ExcessBlobGas *uint64
	Extra         []byte
}

// Hash returns the keccak hash of the header's canonical encoding.
func (h *Header) Hash() Hash {
	buf := make([]byte, 0, 32*3+8*4+len(h.Extra))
	buf = append(buf, h.ParentHash[:]...)
	buf = binary.BigEndian.AppendUint64(buf, h.Number)
	buf = binary.BigEndian.AppendUint64(buf, h.Timestamp)
	buf = append(buf, h.StateRoot[:]...)
	buf = binary.BigEndian.AppendUint64(buf, h.GasLimit)
	buf = binary.BigEndian.AppendUint64(buf, h.GasUsed)
	if h.ExcessBlobGas != nil {
		buf = binary.BigEndian.AppendUint64(buf, *h.ExcessBlobGas)
	}
	buf = append(buf, h.Extra...)
	return crypto.Keccak256Hash(buf)
}

// Transaction is a signed transaction with its sender already attached
// by the sender-recovery stage (or by the local producer in dev mode).
type Transaction struct {
	Nonce      uint64
	From       Address
	To         *Address // nil for contract creation
	GasLimit   uint64
	Data       []byte
	BlobHashes []Hash

	hashOnce sync.Once
	hash     Hash
}

// Hash returns the transaction hash, computed once and cached.
func (tx *Transaction) Hash() Hash {
	tx.hashOnce.Do(func() {
		buf := make([]byte, 0, 8+20+20+8+len(tx.Data))
		buf = binary.BigEndian.AppendUint64(buf, tx.Nonce)
		buf = append(buf, tx.From[:]...)
		if tx.To != nil {
			buf = append(buf, tx.To[:]...)
		}
		buf = binary.BigEndian.AppendUint64(buf, tx.GasLimit)
		buf = append(buf, tx.Data...)
		for _, h := range tx.BlobHashes {
			buf = append(buf, h[:]...)
		}
		tx.hash = crypto.Keccak256Hash(buf)
	})
	return tx.hash
}

// Create reports whether the transaction creates a contract.
func (tx *Transaction) Create() bool { return tx.To == nil }

// Block is a full block: header plus transactions.
type Block struct {
	Header       *Header
	Transactions []*Transaction
}

// Hash returns the block hash (the header hash).
func (b *Block) Hash() Hash { return b.Header.Hash() }

// Number returns the block height.
func (b *Block) Number() uint64 { return b.Header.Number }

// Log is a single log record emitted during transaction execution.
type Log struct {
	Address Address
	Topics  []Hash
	Data    []byte
}

// Receipt is the execution receipt for one transaction. Cumulative gas
// is the running total across the block up to and including this
// transaction.
type Receipt struct {
	TxType            uint8
	Success           bool
	CumulativeGasUsed uint64
	Logs              []*Log
}
