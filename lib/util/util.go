// Package util contains helper functions used around the code, mostly conversions between the chain's integer base
// unit (wei) and the decimal ether strings exchanged with clients.
package util

import (
	"errors"
	"math/big"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// EtherDecimals is the number of decimals of one ether in wei.
const EtherDecimals = 18

// Errors returned by the conversions.
var (
	ErrBadAmount   = errors.New("amount is not a valid decimal number")
	ErrTooPrecise  = errors.New("amount has more than 18 decimals")
	ErrNegativeWei = errors.New("negative wei amount")
)

var amountRe = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)

// ParseEther converts a decimal ether string (ie. "0.01") into wei. Signs, exponents and more than 18 significant
// decimals are rejected.
func ParseEther(s string) (*big.Int, error) {
	if !amountRe.MatchString(s) {
		return nil, ErrBadAmount
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, ErrBadAmount
	}

	return EtherToWei(d)
}

// EtherToWei converts an ether decimal into wei.
func EtherToWei(d decimal.Decimal) (*big.Int, error) {
	wei := d.Shift(EtherDecimals)
	if !wei.Equal(wei.Truncate(0)) {
		return nil, ErrTooPrecise
	}

	return wei.BigInt(), nil
}

// WeiToEther converts wei into an exact ether decimal.
func WeiToEther(wei *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(wei, -EtherDecimals)
}

// FormatEther renders wei as an ether string that always carries a fractional part ("0.0", "0.001", "1.0").
func FormatEther(wei *big.Int) string {
	s := WeiToEther(wei).String()
	if !strings.Contains(s, ".") {
		s += ".0"
	}

	return s
}

// ParseWei parses a base 10 wei string as sent by explorers and rejects negative values.
func ParseWei(s string) (*big.Int, error) {
	wei, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, ErrBadAmount
	}

	if wei.Sign() < 0 {
		return nil, ErrNegativeWei
	}

	return wei, nil
}
