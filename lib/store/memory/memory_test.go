package memory

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/tarancss/custody/lib/store"
	"github.com/tarancss/custody/lib/store/storetest"
)

func TestMemory(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.DB { return New() })
}

func TestInsertUnknownWallet(t *testing.T) {
	m := New()
	err := m.InsertTransaction(context.Background(), &store.Transaction{
		WalletID: "missing", Direction: store.Receive, Amount: decimal.NewFromInt(1), Status: store.Completed,
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}
