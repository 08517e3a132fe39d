// Package mongo implements the interface for MongoDB.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mgo "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tarancss/custody/lib/store"
)

// Database and collection names.
const (
	Database     = "custody"
	walletsColl  = "wallets"
	txsColl      = "transactions"
	mongoTimeout = 5 * time.Second
)

// caseless compares strings ignoring case.
var caseless = &options.Collation{Locale: "en", Strength: 2} //nolint:gomnd // secondary strength

// Mongo implements a connection to a MongoDB database.
type Mongo struct {
	c   *mgo.Client
	db  *mgo.Database
	ws  *mgo.Collection
	txs *mgo.Collection
}

// walletDoc implements a store wallet to MongoDB.
type walletDoc struct {
	ID           string    `bson:"_id"`
	UserID       string    `bson:"userId"`
	Address      string    `bson:"address"`
	EncryptedKey string    `bson:"encryptedKey"`
	Network      string    `bson:"network"`
	CreatedAt    time.Time `bson:"createdAt"`
}

func (d walletDoc) wallet() store.Wallet {
	return store.Wallet{
		ID: d.ID, UserID: d.UserID, Address: d.Address, EncryptedKey: d.EncryptedKey, Network: d.Network,
		CreatedAt: d.CreatedAt,
	}
}

// txDoc implements a store transaction to MongoDB. Ord breaks ties between documents created in the same
// millisecond.
type txDoc struct {
	ID          string             `bson:"_id"`
	WalletID    string             `bson:"walletId"`
	Direction   string             `bson:"type"`
	From        string             `bson:"fromAddress"`
	To          string             `bson:"toAddress"`
	Amount      string             `bson:"amount"`
	TxHash      string             `bson:"txHash"`
	Status      string             `bson:"status"`
	BlockNumber *uint64            `bson:"blockNumber"`
	GasUsed     string             `bson:"gasUsed"`
	GasPrice    string             `bson:"gasPrice"`
	Nonce       *uint64            `bson:"nonce"`
	CreatedAt   time.Time          `bson:"createdAt"`
	Ord         primitive.ObjectID `bson:"ord"`
}

func (d txDoc) transaction() (store.Transaction, error) {
	amt, err := decimal.NewFromString(d.Amount)
	if err != nil {
		return store.Transaction{}, fmt.Errorf("bad amount in transaction %s: %w", d.ID, err)
	}

	return store.Transaction{
		ID: d.ID, WalletID: d.WalletID, Direction: store.Direction(d.Direction), From: d.From, To: d.To,
		Amount: amt, TxHash: d.TxHash, Status: store.Status(d.Status), BlockNumber: d.BlockNumber,
		GasUsed: d.GasUsed, GasPrice: d.GasPrice, Nonce: d.Nonce, CreatedAt: d.CreatedAt,
	}, nil
}

// New returns a Mongo client connection to the specified MongoDB database uri and creates the unique indexes.
func New(uri string) (*Mongo, error) {
	return NewWithDatabase(uri, Database)
}

// NewWithDatabase is New using the given database name.
func NewWithDatabase(uri, database string) (*Mongo, error) {
	// get a client
	c, err := mgo.NewClient(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("cannot connect to mongo DB: %w", err)
	}
	// connect client
	ctx, cancel := context.WithTimeout(context.Background(), mongoTimeout)
	defer cancel()

	if err = c.Connect(ctx); err != nil {
		return nil, fmt.Errorf("error connecting to mongo DB: %w", err)
	}

	db := c.Database(database)
	m := &Mongo{c: c, db: db, ws: db.Collection(walletsColl), txs: db.Collection(txsColl)}

	if err = m.indexes(ctx); err != nil {
		_ = c.Disconnect(context.Background())

		return nil, err
	}

	return m, nil
}

func (m *Mongo) indexes(ctx context.Context) error {
	if _, err := m.ws.Indexes().CreateMany(ctx, []mgo.IndexModel{
		{Keys: bson.D{{Key: "userId", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "address", Value: 1}}, Options: options.Index().SetUnique(true).SetCollation(caseless)},
	}); err != nil {
		return fmt.Errorf("cannot create wallet indexes: %w", err)
	}

	if _, err := m.txs.Indexes().CreateMany(ctx, []mgo.IndexModel{
		{
			Keys: bson.D{{Key: "txHash", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.D{{Key: "txHash", Value: bson.D{{Key: "$gt", Value: ""}}}}),
		},
		{Keys: bson.D{{Key: "walletId", Value: 1}, {Key: "createdAt", Value: -1}, {Key: "ord", Value: -1}}},
	}); err != nil {
		return fmt.Errorf("cannot create transaction indexes: %w", err)
	}

	return nil
}

// Close will close a database connection. Must be called at termination time.
func (m *Mongo) Close() error {
	return m.c.Disconnect(context.Background())
}

// Drop removes the database. Used by tests.
func (m *Mongo) Drop(ctx context.Context) error {
	return m.db.Drop(ctx)
}

// CreateWallet inserts w. A duplicate key on user or address is returned as store.ErrConflict.
func (m *Mongo) CreateWallet(ctx context.Context, w *store.Wallet) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}

	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC().Truncate(time.Millisecond)
	}

	_, err := m.ws.InsertOne(ctx, walletDoc{
		ID: w.ID, UserID: w.UserID, Address: w.Address, EncryptedKey: w.EncryptedKey, Network: w.Network,
		CreatedAt: w.CreatedAt,
	})
	if mgo.IsDuplicateKeyError(err) {
		return store.ErrConflict
	}

	if err != nil {
		return fmt.Errorf("could not insert wallet in db: %w", err)
	}

	return nil
}

func (m *Mongo) findWallet(ctx context.Context, filter bson.M, opts ...*options.FindOneOptions) (store.Wallet,
	error) {
	var d walletDoc

	err := m.ws.FindOne(ctx, filter, opts...).Decode(&d)
	if errors.Is(err, mgo.ErrNoDocuments) {
		return store.Wallet{}, store.ErrNotFound
	}

	if err != nil {
		return store.Wallet{}, fmt.Errorf("could not read wallet: %w", err)
	}

	return d.wallet(), nil
}

// WalletByUser returns the wallet owned by userID.
func (m *Mongo) WalletByUser(ctx context.Context, userID string) (store.Wallet, error) {
	return m.findWallet(ctx, bson.M{"userId": userID})
}

// WalletByAddress returns the wallet for address, trying an exact match first and then ignoring case.
func (m *Mongo) WalletByAddress(ctx context.Context, address string) (store.Wallet, error) {
	w, err := m.findWallet(ctx, bson.M{"address": address})
	if !errors.Is(err, store.ErrNotFound) {
		return w, err
	}

	return m.findWallet(ctx, bson.M{"address": address}, options.FindOne().SetCollation(caseless))
}

// Wallets returns every wallet ordered by creation.
func (m *Mongo) Wallets(ctx context.Context) ([]store.Wallet, error) {
	cur, err := m.ws.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("could not list wallets: %w", err)
	}
	defer cur.Close(ctx)

	ws := []store.Wallet{}

	for cur.Next(ctx) {
		var d walletDoc
		if err = cur.Decode(&d); err != nil {
			return nil, fmt.Errorf("could not read wallet: %w", err)
		}

		ws = append(ws, d.wallet())
	}

	return ws, cur.Err()
}

// InsertTransaction inserts t. A duplicate key on the hash is returned as store.ErrDuplicate.
func (m *Mongo) InsertTransaction(ctx context.Context, t *store.Transaction) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC().Truncate(time.Millisecond)
	}

	_, err := m.txs.InsertOne(ctx, txDoc{
		ID: t.ID, WalletID: t.WalletID, Direction: string(t.Direction), From: t.From, To: t.To,
		Amount: t.Amount.String(), TxHash: t.TxHash, Status: string(t.Status), BlockNumber: t.BlockNumber,
		GasUsed: t.GasUsed, GasPrice: t.GasPrice, Nonce: t.Nonce, CreatedAt: t.CreatedAt, Ord: primitive.NewObjectID(),
	})
	if mgo.IsDuplicateKeyError(err) {
		return store.ErrDuplicate
	}

	if err != nil {
		return fmt.Errorf("could not insert transaction in db: %w", err)
	}

	return nil
}

// SetTxHash records the broadcast hash of a transaction that has none yet.
func (m *Mongo) SetTxHash(ctx context.Context, id, hash string) error {
	res, err := m.txs.UpdateOne(ctx, bson.M{"_id": id, "txHash": ""}, bson.M{"$set": bson.M{"txHash": hash}})
	if mgo.IsDuplicateKeyError(err) {
		return store.ErrDuplicate
	}

	if err != nil {
		return fmt.Errorf("could not set transaction hash: %w", err)
	}

	if res.MatchedCount == 1 {
		return nil
	}

	if n, err := m.txs.CountDocuments(ctx, bson.M{"_id": id}); err != nil || n == 0 {
		return store.ErrNotFound
	}

	return store.ErrHashImmutable
}

// FinishTransaction moves a pending transaction to status. It returns false when the transaction was already terminal.
func (m *Mongo) FinishTransaction(ctx context.Context, id string, status store.Status,
	c *store.Confirmation) (bool, error) {
	if !status.Terminal() {
		return false, store.ErrBadStatus
	}

	set := bson.M{"status": string(status)}
	if c != nil {
		set["blockNumber"] = c.BlockNumber
		set["gasUsed"] = c.GasUsed
		set["gasPrice"] = c.GasPrice
	}

	res, err := m.txs.UpdateOne(ctx, bson.M{"_id": id, "status": string(store.Pending)}, bson.M{"$set": set})

	return m.affected(ctx, id, res, err)
}

// AbortTransaction fails a pending transaction that never reached the chain and releases its nonce.
func (m *Mongo) AbortTransaction(ctx context.Context, id string) (bool, error) {
	res, err := m.txs.UpdateOne(ctx, bson.M{"_id": id, "status": string(store.Pending)},
		bson.M{"$set": bson.M{"status": string(store.Failed), "nonce": nil}})

	return m.affected(ctx, id, res, err)
}

func (m *Mongo) affected(ctx context.Context, id string, res *mgo.UpdateResult, err error) (bool, error) {
	if err != nil {
		return false, fmt.Errorf("could not update transaction: %w", err)
	}

	if res.MatchedCount == 1 {
		return true, nil
	}

	n, err := m.txs.CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return false, fmt.Errorf("could not update transaction: %w", err)
	}

	if n == 0 {
		return false, store.ErrNotFound
	}

	return false, nil
}

// Transactions returns up to limit transactions of a wallet, newest first.
func (m *Mongo) Transactions(ctx context.Context, walletID string, limit int) ([]store.Transaction, error) {
	if limit <= 0 {
		limit = store.MaxLimit
	}

	cur, err := m.txs.Find(ctx, bson.M{"walletId": walletID}, options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "ord", Value: -1}}).
		SetLimit(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("could not list transactions: %w", err)
	}
	defer cur.Close(ctx)

	txs := []store.Transaction{}

	for cur.Next(ctx) {
		var d txDoc
		if err = cur.Decode(&d); err != nil {
			return nil, fmt.Errorf("could not read transaction: %w", err)
		}

		t, err := d.transaction()
		if err != nil {
			return nil, err
		}

		txs = append(txs, t)
	}

	return txs, cur.Err()
}

// TransactionByHash returns the transaction with the given hash.
func (m *Mongo) TransactionByHash(ctx context.Context, hash string) (store.Transaction, error) {
	if hash == "" {
		return store.Transaction{}, store.ErrNotFound
	}

	var d txDoc

	err := m.txs.FindOne(ctx, bson.M{"txHash": hash}).Decode(&d)
	if errors.Is(err, mgo.ErrNoDocuments) {
		return store.Transaction{}, store.ErrNotFound
	}

	if err != nil {
		return store.Transaction{}, fmt.Errorf("could not read transaction: %w", err)
	}

	return d.transaction()
}

// KnownHashes returns the set of non-empty hashes stored for a wallet.
func (m *Mongo) KnownHashes(ctx context.Context, walletID string) (map[string]struct{}, error) {
	cur, err := m.txs.Find(ctx, bson.M{"walletId": walletID, "txHash": bson.M{"$gt": ""}},
		options.Find().SetProjection(bson.M{"txHash": 1}))
	if err != nil {
		return nil, fmt.Errorf("could not list transaction hashes: %w", err)
	}
	defer cur.Close(ctx)

	set := make(map[string]struct{})

	for cur.Next(ctx) {
		var d struct {
			TxHash string `bson:"txHash"`
		}
		if err = cur.Decode(&d); err != nil {
			return nil, fmt.Errorf("could not read transaction hash: %w", err)
		}

		set[d.TxHash] = struct{}{}
	}

	return set, cur.Err()
}
