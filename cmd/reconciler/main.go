// Package main: reconciler service.
//
// The reconciler service backfills the incoming transfers of the custodied wallets. It consumes the sync requests
// published by the wallet services (dispatch "broker") and, when reconcileInterval is set, sweeps every wallet
// periodically. It shares the database of the wallet services.
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

	"github.com/tarancss/custody/lib/cache"
	"github.com/tarancss/custody/lib/cache/redis"
	"github.com/tarancss/custody/lib/config"
	"github.com/tarancss/custody/lib/history"
	"github.com/tarancss/custody/lib/logger"
	"github.com/tarancss/custody/lib/msg"
	"github.com/tarancss/custody/lib/msg/amqp"
	"github.com/tarancss/custody/lib/store/db"
	"github.com/tarancss/custody/reconciler"
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

	// balances of wallets receiving funds are invalidated when a cache is available
	var c cache.Cache

	if conf.Redis.Addr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		rc, err := redis.Connect(ctx, conf.Redis)

		cancel()

		if err != nil {
			log.Warn("balance cache disabled", zap.Error(err))
		} else {
			c = rc

			defer func() { _ = rc.Close() }()
		}
	}

	// load Prometheus monitor
	if *monitor {
		go func() {
			log.Info("serving metrics API", zap.String("addr", ":9100"))

			h := http.NewServeMux()
			h.Handle("/metrics", promhttp.Handler())

			s := &http.Server{Addr: ":9100", Handler: h, ReadHeaderTimeout: 15 * time.Second}
			if err := s.ListenAndServe(); err != nil {
				log.Error("metrics server", zap.Error(err))
			}
		}()
	}

	// load message broker
	var mb msg.MsgBroker

	switch conf.MbType {
	case "amqp":
		a, err := amqp.New(conf.MbConn, log.Named("amqp"))
		if err != nil {
			time.Sleep(10 * time.Second) // wait 10s for AMQP to be ready and try to reconnect

			if a, err = amqp.New(conf.MbConn, log.Named("amqp")); err != nil {
				log.Fatal("cannot connect to message broker", zap.Error(err))
			}
		}

		if err = a.Setup(); err != nil {
			log.Fatal("cannot setup message broker", zap.Error(err))
		}

		mb = a

		defer func() {
			errClose := mb.Close()
			log.Info("closing message broker", zap.Error(errClose))
		}()
	default:
		log.Warn("unknown message broker type, sync requests will not be served", zap.String("type", conf.MbType))
	}

	// create reconciler service
	r := reconciler.New(dbConn, history.New(conf.History.URL, conf.History.APIKey, log), c, mb, conf.Chain.Network,
		log.Named("reconciler"))

	var running []<-chan struct{}

	if mb != nil {
		done, err := r.ManageRequests()
		if err != nil {
			log.Fatal("cannot manage sync requests", zap.Error(err))
		}

		running = append(running, done)
	}

	if interval := time.Duration(conf.ReconcileInterval); interval > 0 {
		done := make(chan struct{})

		go func() {
			defer close(done)
			r.Run(context.Background(), interval)
		}()

		running = append(running, done)
	}

	if len(running) == 0 {
		log.Fatal("nothing to do: configure a message broker or a reconcile interval")
	}

	// capture CTRL+C or docker's SIGTERM for gracious exit
	go func() {
		sigchan := make(chan os.Signal, 10)
		signal.Notify(sigchan, os.Interrupt, syscall.SIGTERM)
		<-sigchan
		log.Info("program killed")
		r.Stop()
	}()

	for _, done := range running {
		<-done
	}

	log.Info("reconciler stopped")
}
