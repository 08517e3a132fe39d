package wallet

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const timeout = 15

// Router returns the RESTful API of the wallet service.
func (w *Wallet) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", w.homeHandler).Methods("GET")
	r.HandleFunc("/wallet", w.createHandler).Methods("POST")                     // create the user's wallet
	r.HandleFunc("/wallet", w.walletHandler).Methods("GET")                      // get wallet and balance
	r.HandleFunc("/wallet/send", w.sendHandler).Methods("POST")                  // send ether
	r.HandleFunc("/wallet/transactions", w.transactionsHandler).Methods("GET")   // list transactions
	r.HandleFunc("/wallet/sync/{hash}", w.syncTxHandler).Methods("POST")         // refresh a transaction status
	r.HandleFunc("/wallet/sync-incoming", w.syncIncomingHandler).Methods("POST") // reconcile incoming transfers

	return r
}

// Init sets up and starts the http/https server to service the RESTful API for a wallet service. If sslPort, ssCert
// and sslKey are informed, it will start an https (TLS) server on the specified endpoint. It returns once StopWallet
// has been called.
func (w *Wallet) Init(endpoint, port, sslPort, sslCert, sslKey string) string {
	var err, errTLS error

	r := w.Router()

	// start http server
	if port != "" {
		w.s = &http.Server{
			Handler:      r,
			Addr:         endpoint + ":" + port,
			WriteTimeout: timeout * time.Second,
			ReadTimeout:  timeout * time.Second,
		}

		go func() {
			if e := w.s.ListenAndServe(); !errors.Is(e, http.ErrServerClosed) {
				err = e
				w.log.Error("http server", zap.Error(e))
			}
		}()

		w.log.Info("listening to API http requests", zap.String("endpoint", endpoint), zap.String("port", port))
	}
	// start https server
	if sslPort != "" && sslCert != "" && sslKey != "" {
		w.ss = &http.Server{
			Handler:      r,
			Addr:         endpoint + ":" + sslPort,
			WriteTimeout: timeout * time.Second,
			ReadTimeout:  timeout * time.Second,
		}

		go func() {
			if e := w.ss.ListenAndServeTLS(sslCert, sslKey); !errors.Is(e, http.ErrServerClosed) {
				errTLS = e
				w.log.Error("https server", zap.Error(e))
			}
		}()

		w.log.Info("listening to API https requests", zap.String("endpoint", endpoint), zap.String("port", sslPort))
	}
	// wait for servers to be shutdown
	<-w.sc

	return fmt.Sprintf("shutdown http server:%v, https server:%v", err, errTLS)
}
