package types

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderHashDeterministic(t *testing.T) {
	h := &Header{Number: 7, Timestamp: 1234, GasLimit: 30_000_000}
	require.Equal(t, h.Hash(), h.Hash())

	other := &Header{Number: 7, Timestamp: 1234, GasLimit: 30_000_000}
	require.Equal(t, h.Hash(), other.Hash())
}

func TestHeaderHashCoversParent(t *testing.T) {
	a := &Header{Number: 1}
	b := &Header{Number: 1, ParentHash: Hash{0x01}}
	require.NotEqual(t, a.Hash(), b.Hash())
}

func TestTransactionHashCached(t *testing.T) {
	tx := &Transaction{Nonce: 1, From: Address{0xaa}, Data: []byte("payload")}
	first := tx.Hash()

	// Mutation after the first Hash call must not change the cached
	// value; callers treat a transaction as immutable once hashed.
	tx.Nonce = 99
	require.Equal(t, first, tx.Hash())
}

func TestTransactionCreate(t *testing.T) {
	to := Address{0x01}
	require.False(t, (&Transaction{To: &to}).Create())
	require.True(t, (&Transaction{}).Create())
}

func TestBundleDigestOrderSensitive(t *testing.T) {
	a := &BundleState{}
	a.Set(Address{0x01}, Hash{0x01}, []byte("x"))
	a.Set(Address{0x02}, Hash{0x02}, []byte("y"))

	b := &BundleState{}
	b.Set(Address{0x02}, Hash{0x02}, []byte("y"))
	b.Set(Address{0x01}, Hash{0x01}, []byte("x"))

	require.NotEqual(t, a.Digest(), b.Digest())
}

func TestBundleExtend(t *testing.T) {
	a := &BundleState{}
	a.Set(Address{0x01}, Hash{0x01}, nil)

	b := &BundleState{}
	b.Set(Address{0x02}, Hash{0x02}, nil)

	a.Extend(b)
	require.Equal(t, 2, a.Len())

	a.Extend(nil)
	require.Equal(t, 2, a.Len())
}

func TestAccumulateRootFoldsEveryInput(t *testing.T) {
	prev := Hash{0x01}
	blockHash := Hash{0x02}
	digest := Hash{0x03}

	root := AccumulateRoot(prev, blockHash, digest)
	require.Equal(t, root, AccumulateRoot(prev, blockHash, digest))
	require.NotEqual(t, root, AccumulateRoot(Hash{0xff}, blockHash, digest))
	require.NotEqual(t, root, AccumulateRoot(prev, Hash{0xff}, digest))
	require.NotEqual(t, root, AccumulateRoot(prev, blockHash, Hash{0xff}))
}

func TestExecutionErrorUnwrap(t *testing.T) {
	cause := errors.New("storage offline")
	inner := &ExecutionError{Height: 5, Transient: true, Err: cause}
	require.ErrorIs(t, inner, cause)
	require.Contains(t, inner.Error(), "execute block 5")
}
