// Package main: wallet service.
//
// The wallet service serves the RESTful API of the custodial wallet. It needs the database, the chain node and the
// master key. The balance cache and the message broker are optional: without the cache balances are always read from
// the chain, without the broker no transaction events are published and reconciliation always runs in process.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tarancss/custody/lib/block"
	"github.com/tarancss/custody/lib/cache"
	"github.com/tarancss/custody/lib/cache/redis"
	"github.com/tarancss/custody/lib/config"
	"github.com/tarancss/custody/lib/history"
	"github.com/tarancss/custody/lib/logger"
	"github.com/tarancss/custody/lib/msg"
	"github.com/tarancss/custody/lib/msg/amqp"
	"github.com/tarancss/custody/lib/store/db"
	"github.com/tarancss/custody/lib/vault"
	"github.com/tarancss/custody/reconciler"
	"github.com/tarancss/custody/wallet"
)

func main() {
	// get command line flags
	confPath := flag.String("c", "", "flag to get configuration from json file")
	monitor := flag.Bool("m", false, "flag to monitor the server with Prometheus at http://localhost:9100/metrics")
	flag.Parse()

	// extract configuration
	conf, err := config.ExtractConfiguration(*confPath)
	if err != nil {
		panic(err)
	}

	log, err := logger.New(conf.LogLevel, conf.LogEnv)
	if err != nil {
		panic(err)
	}

	defer func() { _ = log.Sync() }()

	log.Info("configuration loaded", zap.Stringer("config", conf))

	// open the key vault
	if err = conf.CheckMasterKey(); err != nil {
		log.Fatal("no master key", zap.Error(err))
	}

	v, err := vault.NewFromHex(conf.MasterKey)
	if err != nil {
		log.Fatal("cannot open vault", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// connect to database
	dbConn, err := db.New(conf.DBType, conf.DBConn)
	if err != nil {
		log.Fatal("cannot connect to database", zap.String("type", conf.DBType), zap.Error(err))
	}

	defer func() {
		if err := db.Close(dbConn); err != nil {
			log.Warn("closing database", zap.Error(err))
		}
	}()

	log.Info("connected to database", zap.String("type", conf.DBType))

	// connect to the balance cache
	var c cache.Cache

	if conf.Redis.Addr != "" {
		rc, err := redis.Connect(ctx, conf.Redis)
		if err != nil {
			log.Warn("balance cache disabled", zap.Error(err))
		} else {
			c = rc

			defer func() { _ = rc.Close() }()
		}
	}

	// connect to the chain
	bc, err := block.Init(ctx, conf.Chain)
	if err != nil {
		log.Fatal("cannot connect to chain", zap.String("network", conf.Chain.Network), zap.Error(err))
	}

	defer bc.Close()

	log.Info("chain client loaded", zap.String("network", bc.Network()))

	// load Prometheus monitor
	if *monitor {
		go serveMetrics(log)
	}

	// load message broker
	mb := broker(conf, log)
	if mb != nil {
		defer func() {
			errClose := mb.Close()
			log.Info("closing message broker", zap.Error(errClose))
		}()
	}

	rec := reconciler.New(dbConn, history.New(conf.History.URL, conf.History.APIKey, log), c, mb, bc.Network(),
		log.Named("reconciler"))

	// create wallet service
	w := wallet.New(dbConn, c, bc, v, rec, mb, log.Named("wallet"), wallet.Options{
		BalanceTTL:     time.Duration(conf.BalanceTTL),
		PollInterval:   time.Duration(conf.Chain.PollInterval),
		ConfirmTimeout: time.Duration(conf.Chain.ConfirmTimeout),
		BrokerDispatch: conf.Dispatch == config.DispatchBroker,
	})

	// capture CTRL+C or docker's SIGTERM for gracious exit
	finish := make(chan struct{})

	go func() {
		sigchan := make(chan os.Signal, 10)
		signal.Notify(sigchan, os.Interrupt, syscall.SIGTERM)
		<-sigchan
		log.Info("program killed")
		// stop serving and wait for the confirmation watchers
		w.StopWallet()
		close(finish)
	}()

	// init RESTful API, wait for its return and log response
	log.Info("wallet", zap.String("result", w.Init(conf.RestfulEndpoint, conf.Port, conf.SSLPort, conf.SSLCert,
		conf.SSLKey)))

	<-finish
}

// broker connects the message broker, if any is configured.
func broker(conf config.ServiceConfig, log *zap.Logger) msg.MsgBroker {
	switch conf.MbType {
	case "amqp":
		mb, err := amqp.New(conf.MbConn, log.Named("amqp"))
		if err != nil {
			log.Warn("cannot connect to message broker, retrying in 10s", zap.Error(err))
			time.Sleep(10 * time.Second) // wait 10s for AMQP to be ready and try to reconnect

			if mb, err = amqp.New(conf.MbConn, log.Named("amqp")); err != nil {
				log.Fatal("cannot connect to message broker", zap.Error(err))
			}
		}

		if err = mb.Setup(); err != nil {
			log.Fatal("cannot setup message broker", zap.Error(err))
		}

		return mb
	case "":
		log.Info("no message broker")
	default:
		log.Warn("unknown message broker type", zap.String("type", conf.MbType))
	}

	if conf.Dispatch == config.DispatchBroker {
		log.Warn("broker dispatch configured without a message broker, reconciling locally")
	}

	return nil
}

func serveMetrics(log *zap.Logger) {
	log.Info("serving metrics API", zap.String("addr", ":9100"))

	h := http.NewServeMux()
	h.Handle("/metrics", promhttp.Handler())

	s := &http.Server{Addr: ":9100", Handler: h, ReadHeaderTimeout: 15 * time.Second}
	if err := s.ListenAndServe(); err != nil {
		log.Error("metrics server", zap.Error(err))
	}
}
