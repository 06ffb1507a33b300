// perpd is a standalone settlement node: JSON-RPC trading API, WebSocket
// event feed, Prometheus metrics and a persistent event journal over one
// in-process exchange.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/database/manager"
	"github.com/luxfi/log"

	"github.com/dexlynlabs/perpcore/pkg/api"
	"github.com/dexlynlabs/perpcore/pkg/journal"
	"github.com/dexlynlabs/perpcore/pkg/metrics"
	"github.com/dexlynlabs/perpcore/pkg/perp"
	"github.com/dexlynlabs/perpcore/pkg/stream"
	"github.com/dexlynlabs/perpcore/pkg/websocket"
)

type config struct {
	httpPort   int
	dataDir    string
	natsURL    string
	logLevel   string
	owner      string
	pair       string
	collateral string
}

func main() {
	cfg := config{}
	flag.IntVar(&cfg.httpPort, "http-port", 8080, "HTTP port for RPC, WebSocket and metrics")
	flag.StringVar(&cfg.dataDir, "data-dir", ".perpd", "Data directory for the event journal")
	flag.StringVar(&cfg.natsURL, "nats", "", "NATS server URL for the event stream (empty = disabled)")
	flag.StringVar(&cfg.logLevel, "log-level", "info", "Log level")
	flag.StringVar(&cfg.owner, "owner", "owner", "Exchange owner identity")
	flag.StringVar(&cfg.pair, "pair", "BTC-USD", "Initial market pair")
	flag.StringVar(&cfg.collateral, "collateral", "USDC", "Initial market collateral asset")
	flag.Parse()

	level, err := log.ToLevel(cfg.logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad log level %q: %v\n", cfg.logLevel, err)
		os.Exit(1)
	}
	logger := log.NewTestLogger(level)

	if err := run(cfg, logger); err != nil {
		logger.Error("perpd exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg config, logger log.Logger) error {
	db, err := openDatabase(cfg.dataDir, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	jnl, err := journal.New(db, logger)
	if err != nil {
		return err
	}
	logger.Info("journal opened", "seq", jnl.Seq())

	metricSink := metrics.NewSink("perpcore", logger)

	wsServer := websocket.NewServer(logger, websocket.DefaultConfig())
	wsServer.Start()
	defer wsServer.Stop()

	sinks := perp.MultiSink{jnl, metricSink, wsServer}
	if cfg.natsURL != "" {
		pub, nc, err := stream.Connect(cfg.natsURL, logger)
		if err != nil {
			return fmt.Errorf("connecting to NATS: %w", err)
		}
		defer nc.Close()
		sinks = append(sinks, pub)
		logger.Info("event stream connected", "url", cfg.natsURL)
	}

	exchange := perp.NewExchange(cfg.owner, perp.Collaborators{}, sinks, logger)
	admin, err := exchange.MintAdminCapability(cfg.owner)
	if err != nil {
		return err
	}
	key := perp.MarketKey{Pair: cfg.pair, Collateral: cfg.collateral}
	if err := exchange.CreateMarket(admin, key, perp.DefaultMarketConfig()); err != nil {
		return err
	}
	logger.Info("market created", "pair", key.Pair, "collateral", key.Collateral)

	mux := http.NewServeMux()
	mux.Handle("/rpc", api.NewJSONRPCServer(exchange, logger))
	mux.Handle("/ws", wsServer)
	mux.Handle("/metrics", metricSink.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","clients":%d}`, wsServer.ClientCount())
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.httpPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("perpd listening", "port", cfg.httpPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// openDatabase opens BadgerDB under dataDir, falling back to an in-memory
// database when the on-disk store cannot be opened.
func openDatabase(dataDir string, logger log.Logger) (database.Database, error) {
	dbManager := manager.NewManager(dataDir, nil)

	dbConfig := manager.DefaultBadgerDBConfig("badgerdb")
	dbConfig.Namespace = "perpd"
	db, err := dbManager.New(dbConfig)
	if err == nil {
		logger.Info("badgerdb opened", "path", filepath.Join(dataDir, "badgerdb"))
		return db, nil
	}

	logger.Warn("failed to open badgerdb, using in-memory database", "err", err)
	memConfig := manager.DefaultMemoryConfig()
	db, err = dbManager.New(memConfig)
	if err != nil {
		return nil, fmt.Errorf("creating database: %w", err)
	}
	return db, nil
}
