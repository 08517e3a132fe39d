// Package postgres implements the interface for PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/tarancss/custody/lib/store"
)

// PostgreSQL error codes handled by the store.
const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

// schema is applied on New. Every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS wallets (
		id            UUID PRIMARY KEY,
		user_id       TEXT NOT NULL UNIQUE,
		address       TEXT NOT NULL UNIQUE,
		encrypted_key TEXT NOT NULL,
		network       TEXT NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS wallets_address_lower_key ON wallets (lower(address))`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id           UUID PRIMARY KEY,
		wallet_id    UUID NOT NULL REFERENCES wallets (id),
		direction    TEXT NOT NULL CHECK (direction IN ('send', 'receive')),
		from_address TEXT NOT NULL,
		to_address   TEXT NOT NULL,
		amount       NUMERIC(78, 18) NOT NULL,
		tx_hash      TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL CHECK (status IN ('pending', 'completed', 'failed')),
		block_number BIGINT,
		gas_used     TEXT NOT NULL DEFAULT '',
		gas_price    TEXT NOT NULL DEFAULT '',
		nonce        BIGINT,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		seq          BIGSERIAL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS transactions_tx_hash_key ON transactions (tx_hash) WHERE tx_hash <> ''`,
	`CREATE INDEX IF NOT EXISTS transactions_wallet_created_idx ON transactions (wallet_id, created_at DESC, seq DESC)`,
}

const (
	walletCols = `id, user_id, address, encrypted_key, network, created_at`
	txCols     = `id, wallet_id, direction, from_address, to_address, amount, tx_hash, status, block_number, gas_used,
		gas_price, nonce, created_at`
)

// Postgres implements a connection to a PostgreSQL database.
type Postgres struct {
	db *sql.DB
}

// New returns a postgres client connection to the specified database in 'connection' and makes sure the schema
// exists.
func New(connection string) (*Postgres, error) {
	db, err := sql.Open("postgres", connection)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to DB: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second) //nolint:gomnd // 10 seconds timeout
	defer cancel()

	if err = db.PingContext(ctx); err != nil {
		db.Close()

		return nil, fmt.Errorf("error connecting to DB: %w", err)
	}

	for _, stmt := range schema {
		if _, err = db.ExecContext(ctx, stmt); err != nil {
			db.Close()

			return nil, fmt.Errorf("cannot create schema: %w", err)
		}
	}

	return &Postgres{db: db}, nil
}

// Close will close any database connection. Must be called at termination time.
func (p *Postgres) Close() error {
	return p.db.Close()
}

func pqCode(err error) pq.ErrorCode {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code
	}

	return ""
}

// CreateWallet inserts w. A unique violation on user or address is returned as store.ErrConflict.
func (p *Postgres) CreateWallet(ctx context.Context, w *store.Wallet) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}

	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}

	_, err := p.db.ExecContext(ctx, `INSERT INTO wallets (`+walletCols+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		w.ID, w.UserID, w.Address, w.EncryptedKey, w.Network, w.CreatedAt)
	if pqCode(err) == uniqueViolation {
		return store.ErrConflict
	}

	if err != nil {
		return fmt.Errorf("could not insert wallet in db: %w", err)
	}

	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanWallet(row scanner) (store.Wallet, error) {
	var w store.Wallet

	err := row.Scan(&w.ID, &w.UserID, &w.Address, &w.EncryptedKey, &w.Network, &w.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return w, store.ErrNotFound
	}

	return w, err
}

// WalletByUser returns the wallet owned by userID.
func (p *Postgres) WalletByUser(ctx context.Context, userID string) (store.Wallet, error) {
	return scanWallet(p.db.QueryRowContext(ctx, `SELECT `+walletCols+` FROM wallets WHERE user_id = $1`, userID))
}

// WalletByAddress returns the wallet for address, trying an exact match first and then ignoring case.
func (p *Postgres) WalletByAddress(ctx context.Context, address string) (store.Wallet, error) {
	w, err := scanWallet(p.db.QueryRowContext(ctx, `SELECT `+walletCols+` FROM wallets WHERE address = $1`, address))
	if !errors.Is(err, store.ErrNotFound) {
		return w, err
	}

	return scanWallet(p.db.QueryRowContext(ctx,
		`SELECT `+walletCols+` FROM wallets WHERE lower(address) = lower($1)`, address))
}

// Wallets returns every wallet ordered by creation.
func (p *Postgres) Wallets(ctx context.Context) ([]store.Wallet, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+walletCols+` FROM wallets ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("could not list wallets: %w", err)
	}
	defer rows.Close()

	ws := []store.Wallet{}

	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}

		ws = append(ws, w)
	}

	return ws, rows.Err()
}

func nullUint(v *uint64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func uintPtr(v sql.NullInt64) *uint64 {
	if !v.Valid {
		return nil
	}

	u := uint64(v.Int64)

	return &u
}

// InsertTransaction inserts t. A unique violation on the hash is returned as store.ErrDuplicate.
func (p *Postgres) InsertTransaction(ctx context.Context, t *store.Transaction) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	_, err := p.db.ExecContext(ctx, `INSERT INTO transactions (`+txCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		t.ID, t.WalletID, string(t.Direction), t.From, t.To, t.Amount, t.TxHash, string(t.Status),
		nullUint(t.BlockNumber), t.GasUsed, t.GasPrice, nullUint(t.Nonce), t.CreatedAt)

	switch pqCode(err) {
	case uniqueViolation:
		return store.ErrDuplicate
	case foreignKeyViolation:
		return store.ErrNotFound
	}

	if err != nil {
		return fmt.Errorf("could not insert transaction in db: %w", err)
	}

	return nil
}

// SetTxHash records the broadcast hash of a transaction that has none yet.
func (p *Postgres) SetTxHash(ctx context.Context, id, hash string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE transactions SET tx_hash = $2 WHERE id = $1 AND tx_hash = ''`, id, hash)
	if pqCode(err) == uniqueViolation {
		return store.ErrDuplicate
	}

	if err != nil {
		return fmt.Errorf("could not set transaction hash: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var exists bool
	if err = p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM transactions WHERE id = $1)`,
		id).Scan(&exists); err != nil {
		return fmt.Errorf("could not set transaction hash: %w", err)
	}

	if !exists {
		return store.ErrNotFound
	}

	return store.ErrHashImmutable
}

// FinishTransaction moves a pending transaction to status. It returns false when the transaction was already terminal.
func (p *Postgres) FinishTransaction(ctx context.Context, id string, status store.Status,
	c *store.Confirmation) (bool, error) {
	if !status.Terminal() {
		return false, store.ErrBadStatus
	}

	var (
		bn            sql.NullInt64
		used, gasCost string
	)

	if c != nil {
		bn = sql.NullInt64{Int64: int64(c.BlockNumber), Valid: true}
		used, gasCost = c.GasUsed, c.GasPrice
	}

	res, err := p.db.ExecContext(ctx, `UPDATE transactions
		SET status = $2, block_number = COALESCE($3, block_number), gas_used = $4, gas_price = $5
		WHERE id = $1 AND status = 'pending'`, id, string(status), bn, used, gasCost)

	return p.affected(ctx, id, res, err)
}

// AbortTransaction fails a pending transaction that never reached the chain and releases its nonce.
func (p *Postgres) AbortTransaction(ctx context.Context, id string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE transactions SET status = 'failed', nonce = NULL
		WHERE id = $1 AND status = 'pending'`, id)

	return p.affected(ctx, id, res, err)
}

// affected reports whether a conditional update changed the row, telling apart terminal rows from missing ones.
func (p *Postgres) affected(ctx context.Context, id string, res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, fmt.Errorf("could not update transaction: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}

	var exists bool
	if err = p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM transactions WHERE id = $1)`,
		id).Scan(&exists); err != nil {
		return false, fmt.Errorf("could not update transaction: %w", err)
	}

	if !exists {
		return false, store.ErrNotFound
	}

	return false, nil
}

func scanTx(row scanner) (store.Transaction, error) {
	var (
		t         store.Transaction
		dir, st   string
		bn, nonce sql.NullInt64
	)

	err := row.Scan(&t.ID, &t.WalletID, &dir, &t.From, &t.To, &t.Amount, &t.TxHash, &st, &bn, &t.GasUsed,
		&t.GasPrice, &nonce, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, store.ErrNotFound
	}

	if err != nil {
		return t, fmt.Errorf("could not read transaction: %w", err)
	}

	t.Direction, t.Status = store.Direction(dir), store.Status(st)
	t.BlockNumber, t.Nonce = uintPtr(bn), uintPtr(nonce)

	return t, nil
}

// Transactions returns up to limit transactions of a wallet, newest first.
func (p *Postgres) Transactions(ctx context.Context, walletID string, limit int) ([]store.Transaction, error) {
	if limit <= 0 {
		limit = store.MaxLimit
	}

	if _, err := uuid.Parse(walletID); err != nil {
		return []store.Transaction{}, nil
	}

	rows, err := p.db.QueryContext(ctx, `SELECT `+txCols+` FROM transactions WHERE wallet_id = $1
		ORDER BY created_at DESC, seq DESC LIMIT $2`, walletID, limit)
	if err != nil {
		return nil, fmt.Errorf("could not list transactions: %w", err)
	}
	defer rows.Close()

	txs := []store.Transaction{}

	for rows.Next() {
		t, err := scanTx(rows)
		if err != nil {
			return nil, err
		}

		txs = append(txs, t)
	}

	return txs, rows.Err()
}

// TransactionByHash returns the transaction with the given hash.
func (p *Postgres) TransactionByHash(ctx context.Context, hash string) (store.Transaction, error) {
	if hash == "" {
		return store.Transaction{}, store.ErrNotFound
	}

	return scanTx(p.db.QueryRowContext(ctx, `SELECT `+txCols+` FROM transactions WHERE tx_hash = $1`, hash))
}

// KnownHashes returns the set of non-empty hashes stored for a wallet.
func (p *Postgres) KnownHashes(ctx context.Context, walletID string) (map[string]struct{}, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT tx_hash FROM transactions WHERE wallet_id = $1 AND tx_hash <> ''`,
		walletID)
	if err != nil {
		return nil, fmt.Errorf("could not list transaction hashes: %w", err)
	}
	defer rows.Close()

	set := make(map[string]struct{})

	for rows.Next() {
		var h string
		if err = rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("could not read transaction hash: %w", err)
		}

		set[h] = struct{}{}
	}

	return set, rows.Err()
}
