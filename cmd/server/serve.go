package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/subcommands"
	"go.uber.org/zap"

	"github.com/stockfolio/portfolio-engine/internal/api"
	"github.com/stockfolio/portfolio-engine/internal/config"
	"github.com/stockfolio/portfolio-engine/internal/currency"
	"github.com/stockfolio/portfolio-engine/internal/events"
	"github.com/stockfolio/portfolio-engine/internal/logger"
	"github.com/stockfolio/portfolio-engine/internal/portfolio"
	"github.com/stockfolio/portfolio-engine/internal/quote"
	"github.com/stockfolio/portfolio-engine/internal/settlement"
	"github.com/stockfolio/portfolio-engine/internal/trade"
)

const shutdownTimeout = 5 * time.Second

type serveCmd struct {
	configPath string
}

func (*serveCmd) Name() string     { return "serve" }
func (*serveCmd) Synopsis() string { return "run the portfolio engine HTTP server" }
func (*serveCmd) Usage() string {
	return `serve [-config <dir>]

  Starts the HTTP API. Settings come from <dir>/config.yml, .env and the
  environment, in increasing order of precedence.
`
}

func (s *serveCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.configPath, "config", ".", "Directory containing config.yml.")
}

func (s *serveCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, err := config.Load(s.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	log, err := logger.New(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer log.Sync()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server stopped with error", zap.Error(err))
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rounder, err := currency.NewRounder(cfg.Currency)
	if err != nil {
		return err
	}

	// --- Store ---
	st, closeStore, err := openStore(ctx, cfg, cfg.Database.Migrate, log)
	if err != nil {
		return err
	}
	defer closeStore()

	// --- Events ---
	hub := events.NewWSHub(log)
	go hub.Run(ctx)
	publishers := events.Fanout{hub}

	if len(cfg.Kafka.Brokers) > 0 {
		kp := events.NewKafkaPublisher(events.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic), log)
		defer func() {
			if err := kp.Close(); err != nil {
				log.Warn("failed to flush kafka writer", zap.Error(err))
			}
		}()
		publishers = append(publishers, kp)
		log.Info("publishing ledger events to Kafka",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.Topic))
	}

	// --- Services ---
	quotes := quote.NewClient(cfg.Quote, log)
	engine := trade.NewEngine(st, quotes, rounder, publishers, log)
	settle := settlement.NewService(st, rounder, publishers, log)
	agg := portfolio.NewAggregator(st, quotes, rounder, log, portfolio.DefaultConcurrency)

	handler := api.NewHandler(engine, settle, agg, quotes, rounder, log)
	router := api.NewRouter(handler, api.RouterConfig{
		SudoKey:        cfg.Admin.SudoKey,
		RequestTimeout: cfg.Server.RequestTimeout,
		WebSocket:      hub.HandleWS,
	}, log)

	if cfg.Admin.SudoKey == "" {
		log.Warn("admin.sudo_key is empty, delete and erase endpoints are disabled")
	}

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("portfolio-engine listening",
			zap.String("port", cfg.Server.Port),
			zap.String("driver", cfg.Database.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	log.Info("shutting down portfolio-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("portfolio-engine stopped")
	return nil
}
