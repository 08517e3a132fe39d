// Package msg defines the interface for different message brokers.
//
// Two topic exchanges are used:
//
// - sr ("sync requests"): the wallet service asks the reconciler service to reconcile an address. Routing key is
// <net>.sync.<address>.
//
// - te ("transaction events"): the wallet and reconciler services publish transaction state changes. Routing key is
// <net>.<direction>.<hash>.
package msg

import (
	"sync"
	"time"
)

// Exchange names.
const (
	SyncExchange  = "sr"
	EventExchange = "te"
)

// Reasons for a sync request.
const (
	ReasonCreated   = "created"   // a wallet was just created
	ReasonConfirmed = "confirmed" // a transfer to the address was confirmed
)

// SyncReq defines the message that the wallet service publishes to ask the reconciler to scan an address.
type SyncReq struct {
	Net     string `json:"net"`
	Address string `json:"address"`
	Reason  string `json:"reason"`
}

// TxEvent defines the message published whenever a transaction is stored or reaches a terminal status.
type TxEvent struct {
	Net         string    `json:"net"`
	Direction   string    `json:"type"`
	Hash        string    `json:"txHash"`
	From        string    `json:"fromAddress"`
	To          string    `json:"toAddress"`
	Amount      string    `json:"amount"`
	Status      string    `json:"status"`
	BlockNumber *uint64   `json:"blockNumber,omitempty"`
	TS          time.Time `json:"ts"`
}

// MsgBroker is the interface for brokers.
type MsgBroker interface { //nolint:revive // name kept for symmetry with store.DB and block.Chain
	Setup() error
	Close() error

	// methods for wallet service
	SendSyncRequest(net string, r SyncReq) error
	PublishTx(net string, e TxEvent) error

	// methods for reconciler service. The consumed request is acknowledged once mut is unlocked by the consumer.
	GetSyncRequests(net string, mut *sync.Mutex) (<-chan SyncReq, <-chan error, error)
}
