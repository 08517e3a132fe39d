// Package history implements a client for Etherscan compatible ledger-history providers (ie. Blockscout) using the
// account/txlist action. Every entry returned by the provider is validated before it becomes an Entry; malformed
// entries are skipped.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Error codes.
var (
	ErrUnavailable = errors.New("ledger-history provider unavailable")
	ErrBadResponse = errors.New("unexpected ledger-history response")
	ErrBadAddress  = errors.New("invalid address")
)

// maxBody bounds the size of a provider response.
const maxBody = 32 << 20

var (
	hashRe    = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
	addressRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	digitsRe  = regexp.MustCompile(`^[0-9]+$`)
)

// Entry is a validated transaction of the provider's list.
type Entry struct {
	Hash        string
	From        string
	To          string // empty for contract creations
	Value       *big.Int
	BlockNumber uint64
	GasUsed     string
	GasPrice    string
	Nonce       uint64
	IsError     bool
	Timestamp   time.Time
}

// rawEntry is the provider's wire format, every field is a string.
type rawEntry struct {
	BlockNumber string `json:"blockNumber"`
	TimeStamp   string `json:"timeStamp"`
	Hash        string `json:"hash"`
	Nonce       string `json:"nonce"`
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	GasPrice    string `json:"gasPrice"`
	GasUsed     string `json:"gasUsed"`
	IsError     string `json:"isError"`
}

type response struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// Client queries a provider.
type Client struct {
	base   string
	apiKey string
	hc     *http.Client
	log    *zap.Logger
}

// New returns a client for the provider API at base (ie. https://eth-sepolia.blockscout.com/api).
func New(base, apiKey string, log *zap.Logger) *Client {
	return &Client{
		base:   base,
		apiKey: apiKey,
		hc:     &http.Client{Timeout: 15 * time.Second},
		log:    log,
	}
}

// Transactions returns every transaction involving address, oldest first.
func (c *Client) Transactions(ctx context.Context, address string) ([]Entry, error) {
	if !addressRe.MatchString(address) {
		return nil, ErrBadAddress
	}

	q := url.Values{}
	q.Set("module", "account")
	q.Set("action", "txlist")
	q.Set("address", address)
	q.Set("startblock", "0")
	q.Set("endblock", "99999999")
	q.Set("sort", "asc")

	if c.apiKey != "" {
		q.Set("apikey", c.apiKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("history: cannot build request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("history: %w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("history: %w: http status %d", ErrUnavailable, resp.StatusCode)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("history: %w: http status %d", ErrBadResponse, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("history: %w: %v", ErrUnavailable, err)
	}

	return c.decode(address, body)
}

func (c *Client) decode(address string, body []byte) ([]Entry, error) {
	var r response
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("history: %w: %v", ErrBadResponse, err)
	}

	var raws []json.RawMessage

	switch r.Status {
	case "1":
		if err := json.Unmarshal(r.Result, &raws); err != nil {
			return nil, fmt.Errorf("history: %w: %v", ErrBadResponse, err)
		}
	case "0":
		// an address without history is reported as an error with an empty list
		if err := json.Unmarshal(r.Result, &raws); err == nil && len(raws) == 0 {
			return []Entry{}, nil
		}

		return nil, fmt.Errorf("history: %w: %s", ErrBadResponse, r.Message)
	default:
		return nil, fmt.Errorf("history: %w: status %q", ErrBadResponse, r.Status)
	}

	entries := make([]Entry, 0, len(raws))

	for i := range raws {
		var raw rawEntry
		if err := json.Unmarshal(raws[i], &raw); err != nil {
			c.log.Warn("skipping undecodable history entry", zap.String("address", address),
				zap.Int("index", i), zap.Error(err))

			continue
		}

		e, err := raw.entry()
		if err != nil {
			c.log.Warn("skipping malformed history entry", zap.String("address", address),
				zap.Int("index", i), zap.Error(err))

			continue
		}

		entries = append(entries, e)
	}

	return entries, nil
}

func (r rawEntry) entry() (Entry, error) {
	e := Entry{Hash: r.Hash, From: r.From, To: r.To}

	if !hashRe.MatchString(r.Hash) {
		return e, errors.New("bad hash")
	}

	if !addressRe.MatchString(r.From) {
		return e, errors.New("bad from")
	}

	if r.To != "" && !addressRe.MatchString(r.To) {
		return e, errors.New("bad to")
	}

	var ok bool
	if !digitsRe.MatchString(r.Value) {
		return e, errors.New("bad value")
	}

	if e.Value, ok = new(big.Int).SetString(r.Value, 10); !ok {
		return e, errors.New("bad value")
	}

	var err error
	if e.BlockNumber, err = strconv.ParseUint(r.BlockNumber, 10, 64); err != nil {
		return e, errors.New("bad block number")
	}

	if e.Nonce, err = strconv.ParseUint(r.Nonce, 10, 64); err != nil {
		return e, errors.New("bad nonce")
	}

	if !digitsRe.MatchString(r.GasUsed) || !digitsRe.MatchString(r.GasPrice) {
		return e, errors.New("bad gas fields")
	}

	e.GasUsed, e.GasPrice = r.GasUsed, r.GasPrice

	switch r.IsError {
	case "0":
	case "1":
		e.IsError = true
	default:
		return e, errors.New("bad error flag")
	}

	if r.TimeStamp != "" {
		ts, err := strconv.ParseInt(r.TimeStamp, 10, 64)
		if err != nil {
			return e, errors.New("bad timestamp")
		}

		e.Timestamp = time.Unix(ts, 0).UTC()
	}

	return e, nil
}
