package wallet

import (
	"errors"
	"net/http"

	"github.com/tarancss/custody/lib/vault"
)

// Errors returned to callers of the wallet service.
var (
	ErrConflict           = errors.New("wallet already exists for user")
	ErrNotFound           = errors.New("not found")
	ErrInvalidAddress     = errors.New("invalid recipient address")
	ErrInvalidAmount      = errors.New("amount must be a positive ether quantity")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrCorruptKeyStore    = errors.New("stored key cannot be decrypted")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrBroadcast          = errors.New("transaction rejected by the network")
	ErrNoUser             = errors.New("missing user id")
	ErrBadRequest         = errors.New("bad request")
)

// httpStatus maps a service error to the http status replied to the client.
func httpStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidAddress), errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrBadRequest), errors.Is(err, ErrNoUser):
		return http.StatusBadRequest
	case errors.Is(err, ErrCorruptKeyStore), errors.Is(err, vault.ErrIntegrity), errors.Is(err, vault.ErrFormat):
		return http.StatusInternalServerError
	case errors.Is(err, ErrBroadcast):
		return http.StatusBadGateway
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	}

	return http.StatusInternalServerError
}
