package wallet

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tarancss/custody/lib/block/ethereum"
	"github.com/tarancss/custody/lib/block/types"
	rcache "github.com/tarancss/custody/lib/cache/redis"
	"github.com/tarancss/custody/lib/msg"
	"github.com/tarancss/custody/lib/store"
	"github.com/tarancss/custody/lib/store/memory"
	"github.com/tarancss/custody/lib/util"
	"github.com/tarancss/custody/lib/vault"
	"github.com/tarancss/custody/reconciler"
)

const recipient = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"

// sent records a broadcast made through fakeChain.
type sent struct {
	from  string
	to    string
	value *big.Int
	nonce uint64
	hash  string
}

// fakeChain is an in memory chain. Broadcasts bump the pending nonce of the sender and, when mine is set, are mined
// at once with the configured receipt status.
type fakeChain struct {
	mu            sync.Mutex
	balances      map[string]*big.Int
	nonces        map[string]uint64
	receipts      map[string]*types.Receipt
	sent          []sent
	mine          bool
	status        uint8
	sendErr       error
	balanceCalls  int
	broadcastHook func()
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		balances: make(map[string]*big.Int),
		nonces:   make(map[string]uint64),
		receipts: make(map[string]*types.Receipt),
		status:   types.TrxSuccess,
	}
}

func (f *fakeChain) Network() string { return "sepolia" }
func (f *fakeChain) Close()          {}

func (f *fakeChain) NewAccount() (types.Account, error) {
	k, err := crypto.GenerateKey()
	if err != nil {
		return types.Account{}, err
	}

	return types.Account{Address: crypto.PubkeyToAddress(k.PublicKey).Hex(), Key: crypto.FromECDSA(k)}, nil
}

func (f *fakeChain) ValidAddress(address string) bool { return ethereum.ValidAddress(address) }

func (f *fakeChain) fund(address string, wei *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.balances[strings.ToLower(address)] = wei
}

func (f *fakeChain) Balance(ctx context.Context, address string) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.balanceCalls++

	if b, ok := f.balances[strings.ToLower(address)]; ok {
		return new(big.Int).Set(b), nil
	}

	return new(big.Int), nil
}

func (f *fakeChain) PendingNonce(ctx context.Context, address string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.nonces[strings.ToLower(address)], nil
}

func (f *fakeChain) Send(ctx context.Context, key []byte, to string, value *big.Int, nonce uint64) (string, error) {
	pk, err := crypto.ToECDSA(key)
	if err != nil {
		return "", types.ErrBadKey
	}

	from := crypto.PubkeyToAddress(pk.PublicKey).Hex()

	if f.broadcastHook != nil {
		f.broadcastHook()
	}

	if err = ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrUnavailable, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sendErr != nil {
		return "", f.sendErr
	}

	if nonce != f.nonces[strings.ToLower(from)] {
		return "", errors.New("nonce too low")
	}

	f.nonces[strings.ToLower(from)]++

	hash := fmt.Sprintf("0x%064x", len(f.sent)+1)
	f.sent = append(f.sent, sent{from: from, to: to, value: value, nonce: nonce, hash: hash})

	if f.mine {
		f.receipts[hash] = &types.Receipt{Hash: hash, Status: f.status, BlockNumber: 100 + uint64(len(f.sent)),
			GasUsed: ethereum.TransferGas, GasPrice: big.NewInt(1e9)}
	}

	return hash, nil
}

func (f *fakeChain) Receipt(ctx context.Context, hash string) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r, ok := f.receipts[hash]; ok {
		return r, nil
	}

	return nil, types.ErrNoReceipt
}

func (f *fakeChain) setReceipt(hash string, status uint8) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.receipts[hash] = &types.Receipt{Hash: hash, Status: status, BlockNumber: 4242, GasUsed: 21000,
		GasPrice: big.NewInt(2e9)}
}

func (f *fakeChain) broadcasts() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]sent(nil), f.sent...)
}

// fakeReconciler records the addresses it is asked to reconcile.
type fakeReconciler struct {
	mu        sync.Mutex
	addresses []string
	res       reconciler.Result
	err       error
}

func (f *fakeReconciler) SyncWallet(ctx context.Context, w store.Wallet) (reconciler.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.addresses = append(f.addresses, w.Address)
	res := f.res
	res.WalletID, res.Address = w.ID, w.Address

	return res, f.err
}

func (f *fakeReconciler) SyncAddress(ctx context.Context, address string) (reconciler.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.addresses = append(f.addresses, address)

	return reconciler.Result{Address: address}, f.err
}

func (f *fakeReconciler) synced() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.addresses...)
}

// fakeBroker records what the service publishes.
type fakeBroker struct {
	mu      sync.Mutex
	events  []msg.TxEvent
	reqs    []msg.SyncReq
	syncErr error
}

func (b *fakeBroker) Setup() error { return nil }
func (b *fakeBroker) Close() error { return nil }

func (b *fakeBroker) SendSyncRequest(net string, r msg.SyncReq) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.syncErr != nil {
		return b.syncErr
	}

	b.reqs = append(b.reqs, r)

	return nil
}

func (b *fakeBroker) PublishTx(net string, e msg.TxEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events = append(b.events, e)

	return nil
}

func (b *fakeBroker) GetSyncRequests(net string, mut *sync.Mutex) (<-chan msg.SyncReq, <-chan error, error) {
	return nil, nil, errors.New("not consumed by the wallet service")
}

func (b *fakeBroker) published() ([]msg.TxEvent, []msg.SyncReq) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]msg.TxEvent(nil), b.events...), append([]msg.SyncReq(nil), b.reqs...)
}

type harness struct {
	w   *Wallet
	db  *memory.Memory
	bc  *fakeChain
	rec *fakeReconciler
	mr  *miniredis.Miniredis
	v   *vault.Vault
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()

	return newBrokerHarness(t, opts, nil)
}

// newBrokerHarness builds the service publishing to mb, which may be nil.
func newBrokerHarness(t *testing.T, opts Options, mb msg.MsgBroker) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	c := rcache.New(rdb)

	t.Cleanup(func() { _ = c.Close() })

	v, err := vault.New(bytes.Repeat([]byte{7}, vault.KeySize))
	require.NoError(t, err)

	if opts.PollInterval == 0 {
		opts.PollInterval = 5 * time.Millisecond
	}

	if opts.ShutdownGrace == 0 {
		opts.ShutdownGrace = 50 * time.Millisecond
	}

	h := &harness{db: memory.New(), bc: newFakeChain(), rec: &fakeReconciler{}, mr: mr, v: v}
	h.w = New(h.db, c, h.bc, v, h.rec, mb, zap.NewNop(), opts)

	t.Cleanup(h.w.StopWallet)

	return h
}

// funded creates the wallet of user holding ether.
func (h *harness) funded(t *testing.T, user, ether string) Info {
	t.Helper()

	info, err := h.w.CreateWallet(context.Background(), user)
	require.NoError(t, err)

	wei, err := util.ParseEther(ether)
	require.NoError(t, err)

	h.bc.fund(info.Address, wei)
	h.w.invalidate(context.Background(), info.Address)

	return info
}

func (h *harness) transactions(t *testing.T, user string) []store.Transaction {
	t.Helper()

	txs, err := h.w.GetTransactions(context.Background(), user, 0)
	require.NoError(t, err)

	return txs
}

func TestCreateWallet(t *testing.T) {
	h := newHarness(t, Options{})

	info, err := h.w.CreateWallet(context.Background(), "user-1")
	require.NoError(t, err)

	assert.NotEmpty(t, info.ID)
	assert.Equal(t, "user-1", info.UserID)
	assert.Equal(t, "sepolia", info.Network)
	assert.Equal(t, "0.0", info.Balance)
	assert.Equal(t, common.HexToAddress(info.Address).Hex(), info.Address, "address must be checksummed")
	assert.True(t, ethereum.ValidAddress(info.Address))

	// the stored key opens with the vault and controls the address
	key, err := h.v.Decrypt(info.EncryptedKey)
	require.NoError(t, err)

	pk, err := crypto.ToECDSA(key)
	require.NoError(t, err)
	assert.Equal(t, info.Address, crypto.PubkeyToAddress(pk.PublicKey).Hex())

	h.w.tasks.wait()
	assert.Equal(t, []string{info.Address}, h.rec.synced())

	_, err = h.w.CreateWallet(context.Background(), "user-1")
	assert.ErrorIs(t, err, ErrConflict)

	_, err = h.w.CreateWallet(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoUser)
}

func TestCreateWalletConcurrently(t *testing.T) {
	h := newHarness(t, Options{})

	const n = 8

	var wg sync.WaitGroup

	errs := make(chan error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := h.w.CreateWallet(context.Background(), "user-1")
			errs <- err
		}()
	}

	wg.Wait()
	close(errs)

	created := 0

	for err := range errs {
		if err == nil {
			created++

			continue
		}

		assert.ErrorIs(t, err, ErrConflict)
	}

	assert.Equal(t, 1, created)

	ws, err := h.db.Wallets(context.Background())
	require.NoError(t, err)
	assert.Len(t, ws, 1)
}

func TestGetWallet(t *testing.T) {
	h := newHarness(t, Options{BalanceTTL: time.Minute})

	_, err := h.w.GetWallet(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = h.w.GetWallet(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoUser)

	created := h.funded(t, "user-1", "1.5")

	info, err := h.w.GetWallet(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, created.Address, info.Address)
	assert.Equal(t, "1.5", info.Balance)

	// served from the cache while the chain moves on
	h.bc.fund(info.Address, big.NewInt(2e18))

	info, err = h.w.GetWallet(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "1.5", info.Balance)

	cached, err := h.mr.Get("wallet:balance:" + info.Address)
	require.NoError(t, err)
	assert.Equal(t, "1500000000000000000", cached)

	h.mr.FastForward(2 * time.Minute)

	info, err = h.w.GetWallet(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "2.0", info.Balance)
}

func TestGetWalletCacheDown(t *testing.T) {
	h := newHarness(t, Options{})
	h.funded(t, "user-1", "0.25")

	h.mr.Close()

	info, err := h.w.GetWallet(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "0.25", info.Balance)
}

func TestSendValidation(t *testing.T) {
	h := newHarness(t, Options{})
	h.funded(t, "user-1", "1")

	for _, tc := range []struct {
		name   string
		user   string
		to     string
		amount string
		err    error
	}{
		{"no user", "", recipient, "0.1", ErrNoUser},
		{"no wallet", "user-2", recipient, "0.1", ErrNotFound},
		{"bad address", "user-1", "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAe", "0.1", ErrInvalidAddress},
		{"bad checksum", "user-1", "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAEd", "0.1", ErrInvalidAddress},
		{"no prefix", "user-1", "5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", "0.1", ErrInvalidAddress},
		{"zero", "user-1", recipient, "0", ErrInvalidAmount},
		{"negative", "user-1", recipient, "-0.1", ErrInvalidAmount},
		{"not a number", "user-1", recipient, "abc", ErrInvalidAmount},
		{"too precise", "user-1", recipient, "0.0000000000000000001", ErrInvalidAmount},
		{"insufficient", "user-1", recipient, "1.000000000000000001", ErrInsufficientFunds},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.w.SendTransaction(context.Background(), tc.user, tc.to, tc.amount)
			assert.ErrorIs(t, err, tc.err)
		})
	}

	assert.Empty(t, h.transactions(t, "user-1"))
	assert.Empty(t, h.bc.broadcasts())
}

func TestSendPending(t *testing.T) {
	h := newHarness(t, Options{})
	info := h.funded(t, "user-1", "1")

	tx, err := h.w.SendTransaction(context.Background(), "user-1", recipient, "0.1")
	require.NoError(t, err)

	assert.Equal(t, store.Pending, tx.Status)
	assert.Equal(t, store.Send, tx.Direction)
	assert.Equal(t, info.Address, tx.From)
	assert.Equal(t, recipient, tx.To)
	assert.Equal(t, "0.1", tx.Amount.String())
	assert.NotEmpty(t, tx.TxHash)
	require.NotNil(t, tx.Nonce)
	assert.Equal(t, uint64(0), *tx.Nonce)

	stored, err := h.db.TransactionByHash(context.Background(), tx.TxHash)
	require.NoError(t, err)
	assert.Equal(t, tx.ID, stored.ID)
	assert.Equal(t, store.Pending, stored.Status)

	b := h.bc.broadcasts()
	require.Len(t, b, 1)
	assert.Equal(t, info.Address, b[0].from)
	assert.Equal(t, 0, b[0].value.Cmp(big.NewInt(1e17)))

	tx2, err := h.w.SendTransaction(context.Background(), "user-1", recipient, "0.2")
	require.NoError(t, err)
	require.NotNil(t, tx2.Nonce)
	assert.Equal(t, *tx.Nonce+1, *tx2.Nonce)
	assert.NotEqual(t, tx.TxHash, tx2.TxHash)

	txs := h.transactions(t, "user-1")
	require.Len(t, txs, 2)
	assert.Equal(t, tx2.ID, txs[0].ID, "newest first")
}

func TestSendConcurrently(t *testing.T) {
	h := newHarness(t, Options{})
	h.funded(t, "user-1", "10")

	const n = 6

	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := h.w.SendTransaction(context.Background(), "user-1", recipient, "0.01")
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	nonces := make(map[uint64]bool)
	for _, tx := range h.transactions(t, "user-1") {
		require.NotNil(t, tx.Nonce)
		nonces[*tx.Nonce] = true
	}

	assert.Len(t, nonces, n)

	for i := uint64(0); i < n; i++ {
		assert.True(t, nonces[i], "nonce %d", i)
	}

	assert.Equal(t, 0, h.w.locks.size())
}

func TestSendCorruptKey(t *testing.T) {
	h := newHarness(t, Options{})

	w := store.Wallet{UserID: "user-1", Address: recipient, EncryptedKey: "00:00:00", Network: "sepolia"}
	require.NoError(t, h.db.CreateWallet(context.Background(), &w))
	h.bc.fund(recipient, big.NewInt(1e18))

	_, err := h.w.SendTransaction(context.Background(), "user-1", "0x1cd434711fbae1f2d9c70001409fd82d71fdccaa", "0.1")
	assert.ErrorIs(t, err, ErrCorruptKeyStore)
	assert.Equal(t, 500, httpStatus(err))

	// sealed under another master key
	other, err := vault.New(bytes.Repeat([]byte{8}, vault.KeySize))
	require.NoError(t, err)

	bundle, err := other.Encrypt(bytes.Repeat([]byte{1}, 32))
	require.NoError(t, err)

	w2 := store.Wallet{UserID: "user-2", Address: "0x1cd434711fbae1f2d9c70001409fd82d71fdccaa", EncryptedKey: bundle,
		Network: "sepolia"}
	require.NoError(t, h.db.CreateWallet(context.Background(), &w2))

	_, err = h.w.SendTransaction(context.Background(), "user-2", recipient, "0.1")
	assert.ErrorIs(t, err, ErrCorruptKeyStore)
	assert.ErrorIs(t, err, vault.ErrIntegrity)

	assert.Empty(t, h.bc.broadcasts())
}

func TestSendBroadcastFailure(t *testing.T) {
	h := newHarness(t, Options{})
	h.funded(t, "user-1", "1")

	h.bc.sendErr = errors.New("replacement transaction underpriced")

	_, err := h.w.SendTransaction(context.Background(), "user-1", recipient, "0.1")
	assert.ErrorIs(t, err, ErrBroadcast)

	txs := h.transactions(t, "user-1")
	require.Len(t, txs, 1)
	assert.Equal(t, store.Failed, txs[0].Status)
	assert.Nil(t, txs[0].Nonce, "the nonce is released")
	assert.Empty(t, txs[0].TxHash)

	h.bc.sendErr = fmt.Errorf("%w: connection refused", types.ErrUnavailable)

	_, err = h.w.SendTransaction(context.Background(), "user-1", recipient, "0.1")
	assert.ErrorIs(t, err, ErrServiceUnavailable)

	h.bc.sendErr = nil

	tx, err := h.w.SendTransaction(context.Background(), "user-1", recipient, "0.1")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), *tx.Nonce)
}

func TestSendCancelledAfterInsert(t *testing.T) {
	h := newHarness(t, Options{})
	h.funded(t, "user-1", "1")

	ctx, cancel := context.WithCancel(context.Background())
	// the request goes away while broadcasting
	h.bc.broadcastHook = cancel

	tx, err := h.w.SendTransaction(ctx, "user-1", recipient, "0.1")
	require.NoError(t, err)

	stored, err := h.db.TransactionByHash(context.Background(), tx.TxHash)
	require.NoError(t, err)
	assert.Equal(t, tx.ID, stored.ID)
}

func TestWatcherCompletes(t *testing.T) {
	h := newHarness(t, Options{})
	info := h.funded(t, "user-1", "1")
	h.bc.mine = true

	tx, err := h.w.SendTransaction(context.Background(), "user-1", recipient, "0.1")
	require.NoError(t, err)

	h.w.tasks.wait()

	stored, err := h.db.TransactionByHash(context.Background(), tx.TxHash)
	require.NoError(t, err)
	assert.Equal(t, store.Completed, stored.Status)
	require.NotNil(t, stored.BlockNumber)
	assert.Equal(t, uint64(101), *stored.BlockNumber)
	assert.Equal(t, "21000", stored.GasUsed)
	assert.Equal(t, "1000000000", stored.GasPrice)

	// the recipient is reconciled after the sender at creation
	assert.ElementsMatch(t, []string{info.Address, recipient}, h.rec.synced())

	// the balance is read again from the chain
	assert.False(t, h.mr.Exists("wallet:balance:"+info.Address))
}

func TestWatcherReverted(t *testing.T) {
	h := newHarness(t, Options{})
	h.funded(t, "user-1", "1")
	h.bc.mine = true
	h.bc.status = types.TrxFailed

	tx, err := h.w.SendTransaction(context.Background(), "user-1", recipient, "0.1")
	require.NoError(t, err)

	h.w.tasks.wait()

	stored, err := h.db.TransactionByHash(context.Background(), tx.TxHash)
	require.NoError(t, err)
	assert.Equal(t, store.Failed, stored.Status)
	require.NotNil(t, stored.BlockNumber)
	assert.Len(t, h.rec.synced(), 1, "no reconciliation of the recipient")
}

func TestWatcherTimeout(t *testing.T) {
	h := newHarness(t, Options{ConfirmTimeout: 30 * time.Millisecond})
	h.funded(t, "user-1", "1")

	tx, err := h.w.SendTransaction(context.Background(), "user-1", recipient, "0.1")
	require.NoError(t, err)

	h.w.tasks.wait()

	stored, err := h.db.TransactionByHash(context.Background(), tx.TxHash)
	require.NoError(t, err)
	assert.Equal(t, store.Failed, stored.Status)
	assert.Nil(t, stored.BlockNumber)

	// a late receipt does not move a terminal transaction
	h.bc.setReceipt(tx.TxHash, types.TrxSuccess)

	synced, err := h.w.SyncTransaction(context.Background(), "user-1", tx.TxHash)
	require.NoError(t, err)
	assert.Equal(t, store.Failed, synced.Status)
}

func TestWatcherStoppedLeavesPending(t *testing.T) {
	h := newHarness(t, Options{})
	h.funded(t, "user-1", "1")

	tx, err := h.w.SendTransaction(context.Background(), "user-1", recipient, "0.1")
	require.NoError(t, err)

	h.w.StopWallet()

	stored, err := h.db.TransactionByHash(context.Background(), tx.TxHash)
	require.NoError(t, err)
	assert.Equal(t, store.Pending, stored.Status)
}

func TestSyncTransaction(t *testing.T) {
	h := newHarness(t, Options{PollInterval: time.Hour})
	h.funded(t, "user-1", "1")
	h.funded(t, "user-2", "1")

	tx, err := h.w.SendTransaction(context.Background(), "user-1", recipient, "0.1")
	require.NoError(t, err)

	// not mined yet
	got, err := h.w.SyncTransaction(context.Background(), "user-1", tx.TxHash)
	require.NoError(t, err)
	assert.Equal(t, store.Pending, got.Status)

	_, err = h.w.SyncTransaction(context.Background(), "user-2", tx.TxHash)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = h.w.SyncTransaction(context.Background(), "user-1", "0x"+strings.Repeat("ab", 32))
	assert.ErrorIs(t, err, ErrNotFound)

	h.bc.setReceipt(tx.TxHash, types.TrxSuccess)

	got, err = h.w.SyncTransaction(context.Background(), "user-1", tx.TxHash)
	require.NoError(t, err)
	assert.Equal(t, store.Completed, got.Status)
	require.NotNil(t, got.BlockNumber)
	assert.Equal(t, uint64(4242), *got.BlockNumber)
	assert.Equal(t, "2000000000", got.GasPrice)

	// terminal status never changes
	h.bc.setReceipt(tx.TxHash, types.TrxFailed)

	got, err = h.w.SyncTransaction(context.Background(), "user-1", tx.TxHash)
	require.NoError(t, err)
	assert.Equal(t, store.Completed, got.Status)

	changed, err := h.db.FinishTransaction(context.Background(), tx.ID, store.Failed, nil)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestGetTransactionsLimit(t *testing.T) {
	h := newHarness(t, Options{})
	info := h.funded(t, "user-1", "1")

	ctx := context.Background()

	for i := 0; i < DefaultLimit+5; i++ {
		require.NoError(t, h.db.InsertTransaction(ctx, &store.Transaction{WalletID: info.ID, Direction: store.Receive,
			From: recipient, To: info.Address, TxHash: fmt.Sprintf("0x%064x", 1000+i), Status: store.Completed}))
	}

	txs, err := h.w.GetTransactions(ctx, "user-1", 0)
	require.NoError(t, err)
	assert.Len(t, txs, DefaultLimit)

	txs, err = h.w.GetTransactions(ctx, "user-1", 3)
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, fmt.Sprintf("0x%064x", 1000+DefaultLimit+4), txs[0].TxHash)

	txs, err = h.w.GetTransactions(ctx, "user-1", 10000)
	require.NoError(t, err)
	assert.Len(t, txs, DefaultLimit+5)

	_, err = h.w.GetTransactions(ctx, "nobody", 3)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSyncIncoming(t *testing.T) {
	h := newHarness(t, Options{})
	info := h.funded(t, "user-1", "1")

	h.rec.res = reconciler.Result{New: 2, TotalIncoming: 3}

	res, err := h.w.SyncIncoming(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, info.ID, res.WalletID)
	assert.Equal(t, 2, res.New)
	assert.Equal(t, 3, res.TotalIncoming)

	h.rec.err = errors.New("provider down")

	_, err = h.w.SyncIncoming(context.Background(), "user-1")
	assert.ErrorIs(t, err, ErrServiceUnavailable)

	_, err = h.w.SyncIncoming(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransactionEvents(t *testing.T) {
	mb := &fakeBroker{}
	h := newBrokerHarness(t, Options{}, mb)
	info := h.funded(t, "user-1", "1")
	h.bc.mine = true

	tx, err := h.w.SendTransaction(context.Background(), "user-1", recipient, "0.1")
	require.NoError(t, err)

	h.w.tasks.wait()

	events, _ := mb.published()
	require.Len(t, events, 2)

	for i, status := range []string{"pending", "completed"} {
		e := events[i]
		assert.Equal(t, "sepolia", e.Net)
		assert.Equal(t, "send", e.Direction)
		assert.Equal(t, tx.TxHash, e.Hash)
		assert.Equal(t, info.Address, e.From)
		assert.Equal(t, recipient, e.To)
		assert.Equal(t, "0.1", e.Amount)
		assert.Equal(t, status, e.Status)
		assert.False(t, e.TS.IsZero())
	}

	assert.Nil(t, events[0].BlockNumber)
	require.NotNil(t, events[1].BlockNumber)
	assert.Equal(t, uint64(101), *events[1].BlockNumber)
}

func TestBrokerDispatch(t *testing.T) {
	mb := &fakeBroker{}
	h := newBrokerHarness(t, Options{BrokerDispatch: true}, mb)
	info := h.funded(t, "user-1", "1")
	h.bc.mine = true

	_, err := h.w.SendTransaction(context.Background(), "user-1", recipient, "0.1")
	require.NoError(t, err)

	h.w.tasks.wait()

	_, reqs := mb.published()
	assert.Equal(t, []msg.SyncReq{
		{Net: "sepolia", Address: info.Address, Reason: msg.ReasonCreated},
		{Net: "sepolia", Address: recipient, Reason: msg.ReasonConfirmed},
	}, reqs)
	assert.Empty(t, h.rec.synced(), "nothing reconciled in process")
}

func TestBrokerDispatchFallback(t *testing.T) {
	mb := &fakeBroker{syncErr: errors.New("channel closed")}
	h := newBrokerHarness(t, Options{BrokerDispatch: true}, mb)

	info, err := h.w.CreateWallet(context.Background(), "user-1")
	require.NoError(t, err)

	h.w.tasks.wait()

	_, reqs := mb.published()
	assert.Empty(t, reqs)
	assert.Equal(t, []string{info.Address}, h.rec.synced())
}

func TestHTTPStatus(t *testing.T) {
	for _, tc := range []struct {
		err  error
		code int
	}{
		{nil, 200},
		{ErrConflict, 409},
		{fmt.Errorf("w: %w", ErrNotFound), 404},
		{ErrInvalidAddress, 400},
		{ErrInvalidAmount, 400},
		{ErrInsufficientFunds, 400},
		{ErrNoUser, 400},
		{ErrBadRequest, 400},
		{ErrCorruptKeyStore, 500},
		{vault.ErrIntegrity, 500},
		{ErrBroadcast, 502},
		{ErrServiceUnavailable, 503},
		{errors.New("something unexpected"), 500},
	} {
		assert.Equal(t, tc.code, httpStatus(tc.err), "%v", tc.err)
	}
}
