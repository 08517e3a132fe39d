package wallet

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// UserHeader carries the id of the authenticated user. Authentication itself happens upstream.
const UserHeader = "X-User-Id"

// Response defines the data structure returned to the client making the http request.
type Response struct {
	Body  interface{} `json:"body,omitempty"`
	Error string      `json:"error,omitempty"`
}

// SendReq is the body of a send request. Amount is in ether.
type SendReq struct {
	To     string `json:"to"`
	Amount string `json:"amount"`
}

// reply writes res with status code, derived from err when it is not nil, and logs the request.
func (w *Wallet) reply(rw http.ResponseWriter, r *http.Request, code int, body interface{}, err error) {
	res := Response{Body: body}

	if err != nil {
		code = httpStatus(err)
		res = Response{Error: fmt.Sprintf("%s", err)}
	}

	fields := []zap.Field{zap.String("remote", r.RemoteAddr), zap.String("method", r.Method),
		zap.String("uri", r.RequestURI), zap.String("user", r.Header.Get(UserHeader)), zap.Int("status", code)}

	switch {
	case code >= http.StatusInternalServerError:
		w.log.Error("httpreq", append(fields, zap.Error(err))...)
	case err != nil:
		w.log.Info("httpreq", append(fields, zap.Error(err))...)
	default:
		w.log.Debug("httpreq", fields...)
	}

	rw.Header().Set("Content-Type", "application/json;charset=utf8")
	rw.WriteHeader(code)
	_ = json.NewEncoder(rw).Encode(&res)
}

// homeHandler just replies a welcome message to the client.
func (w *Wallet) homeHandler(rw http.ResponseWriter, r *http.Request) {
	w.reply(rw, r, http.StatusOK, "Hello, this is your custodial wallet on "+w.bc.Network()+"!", nil)
}

// createHandler creates the wallet of the requesting user.
func (w *Wallet) createHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var info Info

	defer func() {
		w.reply(rw, r, http.StatusCreated, info, err)
	}()

	info, err = w.CreateWallet(r.Context(), r.Header.Get(UserHeader))
}

// walletHandler replies the wallet of the requesting user with its balance.
func (w *Wallet) walletHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var info Info

	defer func() {
		w.reply(rw, r, http.StatusOK, info, err)
	}()

	info, err = w.GetWallet(r.Context(), r.Header.Get(UserHeader))
}

// sendHandler submits a value transfer and replies the pending transaction. The confirmation is followed in the
// background.
func (w *Wallet) sendHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var res interface{}

	defer func() {
		w.reply(rw, r, http.StatusAccepted, res, err)
	}()

	var req SendReq
	if err = json.NewDecoder(r.Body).Decode(&req); err != nil {
		err = fmt.Errorf("%w: %s", ErrBadRequest, err)

		return
	}

	tx, err := w.SendTransaction(r.Context(), r.Header.Get(UserHeader), req.To, req.Amount)
	if err == nil {
		res = tx
	}
}

// transactionsHandler replies the most recent transactions of the requesting user. The query may set limit.
func (w *Wallet) transactionsHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var res interface{}

	defer func() {
		w.reply(rw, r, http.StatusOK, res, err)
	}()

	limit := 0

	if s := r.URL.Query().Get("limit"); s != "" {
		if limit, err = strconv.Atoi(s); err != nil {
			err = fmt.Errorf("%w: limit %q", ErrBadRequest, s)

			return
		}
	}

	txs, err := w.GetTransactions(r.Context(), r.Header.Get(UserHeader), limit)
	if err == nil {
		res = txs
	}
}

// syncTxHandler refreshes the status of one of the user's transactions from its receipt.
func (w *Wallet) syncTxHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var res interface{}

	defer func() {
		w.reply(rw, r, http.StatusOK, res, err)
	}()

	tx, err := w.SyncTransaction(r.Context(), r.Header.Get(UserHeader), mux.Vars(r)["hash"])
	if err == nil {
		res = tx
	}
}

// syncIncomingHandler reconciles the incoming transfers of the user's wallet.
func (w *Wallet) syncIncomingHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var res interface{}

	defer func() {
		w.reply(rw, r, http.StatusOK, res, err)
	}()

	sr, err := w.SyncIncoming(r.Context(), r.Header.Get(UserHeader))
	if err == nil {
		res = sr
	}
}
