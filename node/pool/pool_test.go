package pool

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/core/types"
)

func tx(nonce uint64) *types.Transaction {
	return &types.Transaction{Nonce: nonce, From: types.Address{0x01}}
}

func TestAddRejectsDuplicates(t *testing.T) {
	p := New()
	require.NoError(t, p.Add(tx(1)))
	require.ErrorIs(t, p.Add(tx(1)), ErrAlreadyKnown)
	require.Equal(t, 1, p.Len())
}

func TestPendingPreservesArrivalOrder(t *testing.T) {
	p := New()
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, p.Add(tx(i)))
	}
	pending := p.Pending()
	require.Len(t, pending, 5)
	for i, got := range pending {
		require.Equal(t, uint64(i+1), got.Nonce)
	}
}

func TestRemoveAllowsResubmission(t *testing.T) {
	p := New()
	first := tx(1)
	require.NoError(t, p.Add(first))
	require.NoError(t, p.Add(tx(2)))

	p.Remove([]types.Hash{first.Hash()})
	require.Equal(t, 1, p.Len())
	require.NoError(t, p.Add(tx(1)))
}

func TestPendingListenerSignalsOnAdd(t *testing.T) {
	p := New()
	ch := p.PendingListener()

	select {
	case <-ch:
		t.Fatal("signal before any add")
	default:
	}

	require.NoError(t, p.Add(tx(1)))
	select {
	case <-ch:
	default:
		t.Fatal("no signal after add")
	}

	// Coalesced: many adds, at most one buffered signal.
	require.NoError(t, p.Add(tx(2)))
	require.NoError(t, p.Add(tx(3)))
	<-ch
	select {
	case <-ch:
		t.Fatal("signals not coalesced")
	default:
	}
}
