// Package custody and its sub-packages implement a custodial wallet backend for an Ethereum network.
/*
custody provides you with two microservices:

1) a wallet microservice (package wallet) that implements a RESTful API for the users of an application: each user
 gets one wallet whose private key is generated and kept encrypted by the service, can read the wallet balance, send
 ether to any address and list or refresh the wallet's transactions.

2) a reconciler microservice (package reconciler) that backfills the transfers received by the custodied wallets
 from third parties, using an external ledger-history provider.

Architecture

The wallet service generates keys with the chain client (package lib/block) and stores them sealed by the key vault
(package lib/vault, AES-256-GCM under a master key held only in memory). Wallets and transactions are persisted
through a database product agnostic interface (package lib/store) with postgres, mongodb and in-memory
implementations.

A send is validated, checked against the on-chain balance, stored as pending and then broadcast. Sends from one wallet
are serialized so each takes the next nonce. A background watcher polls for the receipt and moves the transaction to
completed or failed; a transaction never leaves a terminal status. Balances are cached in Redis (package lib/cache) for
a short time and invalidated whenever a transaction of the wallet changes.

The reconciler can run inside the wallet service or as its own service. In the latter case the wallet service sends
sync requests through the message broker (package lib/msg), which also carries transaction events for any other
consumer. The message broker is optional: without it the wallet service reconciles in process.

Both services read their configuration from a JSON file overridden by CUSTODY_* environment variables (package
lib/config), log with zap (package lib/logger) and can be monitored via a Prometheus API by setting the flag "-m" at
startup.

Wallet

The wallet microservice can be started running cmd/wallet/main.go. The user is identified by the X-User-Id header set
by an upstream gateway. The API provides:

	GET  /                          welcome message
	POST /wallet                    create the user's wallet
	GET  /wallet                    get the wallet and its balance
	POST /wallet/send               send ether: {"to": "0x...", "amount": "0.1"}
	GET  /wallet/transactions       list transactions, newest first (?limit=, default 50, max 500)
	POST /wallet/sync/{hash}        refresh the status of a transaction from its receipt
	POST /wallet/sync-incoming      backfill incoming transfers

Reconciler

The reconciler microservice can be started running cmd/reconciler/main.go. It consumes the sync requests sent by the
wallet services and, when reconcileInterval is configured, sweeps every wallet periodically.

Transaction hashes are unique across all wallets, so a transfer between two wallets held here is only recorded as the
sender's send: the recipient gets no receive row, although its balance reflects the transfer.
*/
package custody
