// Package storetest contains a conformance suite run against every store implementation.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/custody/lib/store"
)

// Factory returns an empty store. It is called once per sub test.
type Factory func(t *testing.T) store.DB

// Run executes the suite.
func Run(t *testing.T, newDB Factory) {
	t.Run("WalletUniqueness", func(t *testing.T) { testWalletUniqueness(t, newDB(t)) })
	t.Run("ConcurrentCreate", func(t *testing.T) { testConcurrentCreate(t, newDB(t)) })
	t.Run("WalletLookups", func(t *testing.T) { testWalletLookups(t, newDB(t)) })
	t.Run("TransactionLifecycle", func(t *testing.T) { testTransactionLifecycle(t, newDB(t)) })
	t.Run("DuplicateHash", func(t *testing.T) { testDuplicateHash(t, newDB(t)) })
	t.Run("Listing", func(t *testing.T) { testListing(t, newDB(t)) })
}

// address returns a distinct mixed case address for n.
func address(n int) string {
	return fmt.Sprintf("0xAbCd%036x", n)
}

// Hash returns a distinct transaction hash for n.
func Hash(n int) string {
	return fmt.Sprintf("0x%064x", n)
}

func newWallet(t *testing.T, db store.DB, user string, n int) store.Wallet {
	t.Helper()

	w := store.Wallet{UserID: user, Address: address(n), EncryptedKey: "iv:tag:ct", Network: "sepolia"}
	require.NoError(t, db.CreateWallet(context.Background(), &w))
	require.NotEmpty(t, w.ID)

	return w
}

func testWalletUniqueness(t *testing.T, db store.DB) {
	ctx := context.Background()
	newWallet(t, db, "u1", 1)

	err := db.CreateWallet(ctx, &store.Wallet{UserID: "u1", Address: address(2), EncryptedKey: "x", Network: "sepolia"})
	assert.ErrorIs(t, err, store.ErrConflict)

	err = db.CreateWallet(ctx, &store.Wallet{UserID: "u2", Address: address(1), EncryptedKey: "x", Network: "sepolia"})
	assert.ErrorIs(t, err, store.ErrConflict)
}

func testConcurrentCreate(t *testing.T, db store.DB) {
	const n = 8

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok, clash int
	)

	for i := 0; i < n; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			w := store.Wallet{UserID: "racer", Address: address(100 + i), EncryptedKey: "x", Network: "sepolia"}
			err := db.CreateWallet(context.Background(), &w)

			mu.Lock()
			defer mu.Unlock()

			switch {
			case err == nil:
				ok++
			case assert.ErrorIs(t, err, store.ErrConflict):
				clash++
			}
		}(i)
	}

	wg.Wait()
	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, clash)
}

func testWalletLookups(t *testing.T, db store.DB) {
	ctx := context.Background()
	w := newWallet(t, db, "u1", 1)
	newWallet(t, db, "u2", 2)

	got, err := db.WalletByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, w.Address, got.Address)
	assert.Equal(t, w.EncryptedKey, got.EncryptedKey)

	_, err = db.WalletByUser(ctx, "nobody")
	assert.ErrorIs(t, err, store.ErrNotFound)

	got, err = db.WalletByAddress(ctx, w.Address)
	require.NoError(t, err)
	assert.Equal(t, w.ID, got.ID)

	got, err = db.WalletByAddress(ctx, "0xabcd"+w.Address[6:])
	require.NoError(t, err)
	assert.Equal(t, w.ID, got.ID)

	_, err = db.WalletByAddress(ctx, address(99))
	assert.ErrorIs(t, err, store.ErrNotFound)

	ws, err := db.Wallets(ctx)
	require.NoError(t, err)
	assert.Len(t, ws, 2)
}

func testTransactionLifecycle(t *testing.T, db store.DB) {
	ctx := context.Background()
	w := newWallet(t, db, "u1", 1)
	nonce := uint64(0)

	tx := store.Transaction{
		WalletID: w.ID, Direction: store.Send, From: w.Address, To: address(2),
		Amount: decimal.RequireFromString("0.01"), Status: store.Pending, Nonce: &nonce,
	}
	require.NoError(t, db.InsertTransaction(ctx, &tx))
	require.NotEmpty(t, tx.ID)

	require.NoError(t, db.SetTxHash(ctx, tx.ID, Hash(1)))
	assert.ErrorIs(t, db.SetTxHash(ctx, tx.ID, Hash(2)), store.ErrHashImmutable)

	_, err := db.FinishTransaction(ctx, tx.ID, store.Pending, nil)
	assert.ErrorIs(t, err, store.ErrBadStatus)

	done, err := db.FinishTransaction(ctx, tx.ID, store.Completed,
		&store.Confirmation{BlockNumber: 42, GasUsed: "21000", GasPrice: "1000000000"})
	require.NoError(t, err)
	assert.True(t, done)

	// terminal statuses never change again
	done, err = db.FinishTransaction(ctx, tx.ID, store.Failed, nil)
	require.NoError(t, err)
	assert.False(t, done)

	done, err = db.AbortTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.False(t, done)

	got, err := db.TransactionByHash(ctx, Hash(1))
	require.NoError(t, err)
	assert.Equal(t, store.Completed, got.Status)
	require.NotNil(t, got.BlockNumber)
	assert.Equal(t, uint64(42), *got.BlockNumber)
	assert.Equal(t, "21000", got.GasUsed)
	assert.True(t, decimal.RequireFromString("0.01").Equal(got.Amount))
	require.NotNil(t, got.Nonce)
	assert.Equal(t, uint64(0), *got.Nonce)

	// an aborted send loses its nonce
	n1 := uint64(1)
	tx2 := store.Transaction{
		WalletID: w.ID, Direction: store.Send, From: w.Address, To: address(2),
		Amount: decimal.RequireFromString("0.01"), Status: store.Pending, Nonce: &n1,
	}
	require.NoError(t, db.InsertTransaction(ctx, &tx2))

	done, err = db.AbortTransaction(ctx, tx2.ID)
	require.NoError(t, err)
	assert.True(t, done)

	list, err := db.Transactions(ctx, w.ID, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, tx2.ID, list[0].ID)
	assert.Equal(t, store.Failed, list[0].Status)
	assert.Nil(t, list[0].Nonce)
	assert.Equal(t, "", list[0].TxHash)

	_, err = db.TransactionByHash(ctx, Hash(9))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testDuplicateHash(t *testing.T, db store.DB) {
	ctx := context.Background()
	w := newWallet(t, db, "u1", 1)

	rx := func() *store.Transaction {
		bn := uint64(7)

		return &store.Transaction{
			WalletID: w.ID, Direction: store.Receive, From: address(3), To: w.Address,
			Amount: decimal.RequireFromString("0.001"), TxHash: Hash(5), Status: store.Completed, BlockNumber: &bn,
		}
	}

	require.NoError(t, db.InsertTransaction(ctx, rx()))
	assert.ErrorIs(t, db.InsertTransaction(ctx, rx()), store.ErrDuplicate)

	// empty hashes never collide
	for i := 0; i < 2; i++ {
		tx := store.Transaction{
			WalletID: w.ID, Direction: store.Send, From: w.Address, To: address(3),
			Amount: decimal.RequireFromString("1"), Status: store.Pending,
		}
		require.NoError(t, db.InsertTransaction(ctx, &tx))
	}

	known, err := db.KnownHashes(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{Hash(5): {}}, known)
}

func testListing(t *testing.T, db store.DB) {
	ctx := context.Background()
	w := newWallet(t, db, "u1", 1)
	other := newWallet(t, db, "u2", 2)
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)

	for i := 0; i < 5; i++ {
		tx := store.Transaction{
			ID: uuid.NewString(), WalletID: w.ID, Direction: store.Receive, From: address(3), To: w.Address,
			Amount: decimal.NewFromInt(int64(i)), TxHash: Hash(10 + i), Status: store.Completed,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, db.InsertTransaction(ctx, &tx))
	}

	tx := store.Transaction{
		WalletID: other.ID, Direction: store.Receive, From: address(3), To: other.Address,
		Amount: decimal.NewFromInt(9), TxHash: Hash(99), Status: store.Completed,
	}
	require.NoError(t, db.InsertTransaction(ctx, &tx))

	list, err := db.Transactions(ctx, w.ID, 3)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, Hash(14), list[0].TxHash)
	assert.Equal(t, Hash(13), list[1].TxHash)
	assert.Equal(t, Hash(12), list[2].TxHash)

	list, err = db.Transactions(ctx, uuid.NewString(), 3)
	require.NoError(t, err)
	assert.Empty(t, list)
}
