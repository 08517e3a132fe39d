// Package memory implements the store interface in process memory. It enforces the same uniqueness rules as the
// database backed stores and is used for development and tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tarancss/custody/lib/store"
)

// Memory implements an in-memory store.
type Memory struct {
	mu      sync.RWMutex
	wallets map[string]store.Wallet      // by id
	users   map[string]string            // userID -> wallet id
	addrs   map[string]string            // lower-case address -> wallet id
	txs     map[string]store.Transaction // by id
	hashes  map[string]string            // tx hash -> tx id
	seq     int64
}

// New returns an empty store.
func New() *Memory {
	return &Memory{
		wallets: make(map[string]store.Wallet),
		users:   make(map[string]string),
		addrs:   make(map[string]string),
		txs:     make(map[string]store.Transaction),
		hashes:  make(map[string]string),
	}
}

// Close is a no-op.
func (m *Memory) Close() error {
	return nil
}

// CreateWallet saves w, filling its ID and CreatedAt when empty.
func (m *Memory) CreateWallet(_ context.Context, w *store.Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[w.UserID]; ok {
		return store.ErrConflict
	}

	if _, ok := m.addrs[strings.ToLower(w.Address)]; ok {
		return store.ErrConflict
	}

	if w.ID == "" {
		w.ID = uuid.NewString()
	}

	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}

	m.wallets[w.ID] = *w
	m.users[w.UserID] = w.ID
	m.addrs[strings.ToLower(w.Address)] = w.ID

	return nil
}

// WalletByUser returns the wallet owned by userID.
func (m *Memory) WalletByUser(_ context.Context, userID string) (store.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.users[userID]
	if !ok {
		return store.Wallet{}, store.ErrNotFound
	}

	return m.wallets[id], nil
}

// WalletByAddress returns the wallet for address, compared without case.
func (m *Memory) WalletByAddress(_ context.Context, address string) (store.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.addrs[strings.ToLower(address)]
	if !ok {
		return store.Wallet{}, store.ErrNotFound
	}

	return m.wallets[id], nil
}

// Wallets returns every wallet ordered by creation.
func (m *Memory) Wallets(_ context.Context) ([]store.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ws := make([]store.Wallet, 0, len(m.wallets))
	for _, w := range m.wallets {
		ws = append(ws, w)
	}

	sort.Slice(ws, func(i, j int) bool { return ws[i].CreatedAt.Before(ws[j].CreatedAt) })

	return ws, nil
}

// InsertTransaction saves t, filling its ID and CreatedAt when empty.
func (m *Memory) InsertTransaction(_ context.Context, t *store.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.wallets[t.WalletID]; !ok {
		return store.ErrNotFound
	}

	if t.TxHash != "" {
		if _, ok := m.hashes[t.TxHash]; ok {
			return store.ErrDuplicate
		}
	}

	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	if t.CreatedAt.IsZero() {
		// strictly increasing so that newest-first ordering is stable within a clock tick
		m.seq++
		t.CreatedAt = time.Now().UTC().Add(time.Duration(m.seq))
	}

	m.txs[t.ID] = *t
	if t.TxHash != "" {
		m.hashes[t.TxHash] = t.ID
	}

	return nil
}

// SetTxHash records the broadcast hash of a transaction that has none yet.
func (m *Memory) SetTxHash(_ context.Context, id, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.txs[id]
	if !ok {
		return store.ErrNotFound
	}

	if t.TxHash != "" {
		return store.ErrHashImmutable
	}

	if _, ok = m.hashes[hash]; ok {
		return store.ErrDuplicate
	}

	t.TxHash = hash
	m.txs[id] = t
	m.hashes[hash] = id

	return nil
}

// FinishTransaction moves a pending transaction to status. It returns false when the transaction was already terminal.
func (m *Memory) FinishTransaction(_ context.Context, id string, status store.Status,
	c *store.Confirmation) (bool, error) {
	if !status.Terminal() {
		return false, store.ErrBadStatus
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.txs[id]
	if !ok {
		return false, store.ErrNotFound
	}

	if t.Status != store.Pending {
		return false, nil
	}

	t.Status = status
	if c != nil {
		bn := c.BlockNumber
		t.BlockNumber = &bn
		t.GasUsed = c.GasUsed
		t.GasPrice = c.GasPrice
	}

	m.txs[id] = t

	return true, nil
}

// AbortTransaction fails a pending transaction that never reached the chain and releases its nonce.
func (m *Memory) AbortTransaction(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.txs[id]
	if !ok {
		return false, store.ErrNotFound
	}

	if t.Status != store.Pending {
		return false, nil
	}

	t.Status = store.Failed
	t.Nonce = nil
	m.txs[id] = t

	return true, nil
}

// Transactions returns up to limit transactions of a wallet, newest first.
func (m *Memory) Transactions(_ context.Context, walletID string, limit int) ([]store.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	txs := []store.Transaction{}

	for _, t := range m.txs {
		if t.WalletID == walletID {
			txs = append(txs, t)
		}
	}

	sort.Slice(txs, func(i, j int) bool { return txs[i].CreatedAt.After(txs[j].CreatedAt) })

	if limit > 0 && len(txs) > limit {
		txs = txs[:limit]
	}

	return txs, nil
}

// TransactionByHash returns the transaction with the given hash.
func (m *Memory) TransactionByHash(_ context.Context, hash string) (store.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.hashes[hash]
	if !ok {
		return store.Transaction{}, store.ErrNotFound
	}

	return m.txs[id], nil
}

// KnownHashes returns the set of non-empty hashes stored for a wallet.
func (m *Memory) KnownHashes(_ context.Context, walletID string) (map[string]struct{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	set := make(map[string]struct{})

	for _, t := range m.txs {
		if t.WalletID == walletID && t.TxHash != "" {
			set[t.TxHash] = struct{}{}
		}
	}

	return set, nil
}
