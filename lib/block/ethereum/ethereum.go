// Implements interface for ethereum networks
package ethereum

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/tarancss/custody/lib/block/types"
)

// TransferGas is the gas limit of a plain value transfer.
const TransferGas uint64 = 21000

// Ethereum implements a connection to an ethereum-type chain.
type Ethereum struct {
	c       *ethclient.Client
	network string
	chainID *big.Int
	signer  ethtypes.Signer
}

// Init returns a connection to an ethereum node. If chainID is zero it is read from the node.
func Init(ctx context.Context, network, node string, chainID int64) (*Ethereum, error) {
	c, err := ethclient.DialContext(ctx, node)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to ethereum node in %s: %w", node, err)
	}

	id := big.NewInt(chainID)
	if chainID == 0 {
		if id, err = c.ChainID(ctx); err != nil {
			c.Close()

			return nil, fmt.Errorf("cannot read chain id from %s: %w: %v", node, types.ErrUnavailable, err)
		}
	}

	return &Ethereum{c: c, network: network, chainID: id, signer: ethtypes.LatestSignerForChainID(id)}, nil
}

// Network returns the network label.
func (e *Ethereum) Network() string {
	return e.network
}

// Close ends a connection
func (e *Ethereum) Close() {
	e.c.Close()
}

// NewAccount generates a fresh secp256k1 keypair and derives its checksummed address.
func (e *Ethereum) NewAccount() (types.Account, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return types.Account{}, fmt.Errorf("cannot generate key: %w", err)
	}

	return types.Account{Address: crypto.PubkeyToAddress(key.PublicKey).Hex(), Key: crypto.FromECDSA(key)}, nil
}

// ValidAddress reports whether address is a 20-byte hex address. Mixed-case addresses must carry a valid EIP-55
// checksum, single-case addresses are accepted as unchecksummed.
func (e *Ethereum) ValidAddress(address string) bool {
	return ValidAddress(address)
}

// ValidAddress is the package level version of (*Ethereum).ValidAddress.
func ValidAddress(address string) bool {
	if !strings.HasPrefix(address, "0x") || !common.IsHexAddress(address) {
		return false
	}

	body := address[2:]
	if body == strings.ToLower(body) || body == strings.ToUpper(body) {
		return true
	}

	return common.HexToAddress(address).Hex() == address
}

// Checksum returns the EIP-55 form of a valid address.
func Checksum(address string) string {
	return common.HexToAddress(address).Hex()
}

// Balance returns the ether balance in wei of address at the latest block.
func (e *Ethereum) Balance(ctx context.Context, address string) (*big.Int, error) {
	if !common.IsHexAddress(address) {
		return nil, types.ErrBadAddress
	}

	bal, err := e.c.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return nil, fmt.Errorf("balance of %s: %w: %v", address, types.ErrUnavailable, err)
	}

	return bal, nil
}

// PendingNonce returns the account nonce of address including the transactions in the pool.
func (e *Ethereum) PendingNonce(ctx context.Context, address string) (uint64, error) {
	if !common.IsHexAddress(address) {
		return 0, types.ErrBadAddress
	}

	n, err := e.c.PendingNonceAt(ctx, common.HexToAddress(address))
	if err != nil {
		return 0, fmt.Errorf("pending nonce of %s: %w: %v", address, types.ErrUnavailable, err)
	}

	return n, nil
}

// Send signs a value transfer of value wei to address to with the given nonce and broadcasts it. It returns the
// transaction hash. Errors reported by the node (ie. nonce too low) are returned as they are, transport errors wrap
// types.ErrUnavailable.
func (e *Ethereum) Send(ctx context.Context, key []byte, to string, value *big.Int, nonce uint64) (string, error) {
	if !common.IsHexAddress(to) {
		return "", types.ErrBadAddress
	}

	pk, err := parseKey(key)
	if err != nil {
		return "", err
	}

	price, err := e.c.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("gas price: %w: %v", types.ErrUnavailable, err)
	}

	toAddr := common.HexToAddress(to)
	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: price,
		Gas:      TransferGas,
		To:       &toAddr,
		Value:    value,
	})

	signed, err := ethtypes.SignTx(tx, e.signer, pk)
	if err != nil {
		return "", fmt.Errorf("cannot sign transaction: %w", err)
	}

	if err = e.c.SendTransaction(ctx, signed); err != nil {
		var rpcErr rpc.Error
		if errors.As(err, &rpcErr) {
			return "", fmt.Errorf("broadcast rejected: %w", err)
		}

		return "", fmt.Errorf("broadcast: %w: %v", types.ErrUnavailable, err)
	}

	return signed.Hash().Hex(), nil
}

// Receipt returns the receipt of a mined transaction or types.ErrNoReceipt if it is still pending or unknown.
func (e *Ethereum) Receipt(ctx context.Context, hash string) (*types.Receipt, error) {
	h, err := parseHash(hash)
	if err != nil {
		return nil, err
	}

	r, err := e.c.TransactionReceipt(ctx, h)
	if err != nil {
		if errors.Is(err, geth.NotFound) {
			return nil, types.ErrNoReceipt
		}

		return nil, fmt.Errorf("receipt of %s: %w: %v", hash, types.ErrUnavailable, err)
	}

	res := &types.Receipt{
		Hash:     r.TxHash.Hex(),
		Status:   types.TrxFailed,
		GasUsed:  r.GasUsed,
		GasPrice: r.EffectiveGasPrice,
	}
	if r.Status == ethtypes.ReceiptStatusSuccessful {
		res.Status = types.TrxSuccess
	}

	if r.BlockNumber != nil {
		res.BlockNumber = r.BlockNumber.Uint64()
	}

	if res.GasPrice == nil {
		res.GasPrice = new(big.Int)
	}

	return res, nil
}

// parseKey accepts a raw 32 byte key or its hex form, with or without 0x prefix.
func parseKey(key []byte) (*ecdsa.PrivateKey, error) {
	var (
		pk  *ecdsa.PrivateKey
		err error
	)

	switch len(key) {
	case 32:
		pk, err = crypto.ToECDSA(key)
	case 64, 66:
		pk, err = crypto.HexToECDSA(strings.TrimPrefix(string(key), "0x"))
	default:
		return nil, types.ErrBadKey
	}

	if err != nil {
		// the key itself must never be part of an error
		return nil, types.ErrBadKey
	}

	return pk, nil
}

func parseHash(hash string) (common.Hash, error) {
	if len(hash) != 66 || !strings.HasPrefix(hash, "0x") {
		return common.Hash{}, types.ErrBadHash
	}

	b, err := hex.DecodeString(hash[2:])
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, types.ErrBadHash
	}

	return common.BytesToHash(b), nil
}
