package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"caseflow/arbiter"
	"caseflow/auth"
	"caseflow/config"
	"caseflow/db"
	"caseflow/dispute"
	"caseflow/job"
	"caseflow/ledger"
	"caseflow/notify"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to the TOML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if !os.IsNotExist(errors.Unwrap(err)) {
			logrus.WithError(err).Fatal("load configuration")
		}
		logrus.WithField("path", *configPath).Warn("config file missing, using defaults")
		cfg = config.Default()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, os.Getenv("DATABASE_URL"), 10)
	if err != nil {
		logrus.WithError(err).Fatal("bootstrap database pool")
	}
	defer pool.Close()

	signer, err := ledger.NewSigner(cfg.Ledger.PrivateKeyHex)
	if err != nil {
		logrus.WithError(err).Fatal("load ledger signing key")
	}
	node := ledger.NewClient(cfg.Ledger.NodeURL, cfg.Ledger.APIKey)
	submitter := ledger.NewSubmitter(node, signer, cfg.Ledger.ContractAddress, ledger.SubmitterOptions{
		MaxGasAmount: cfg.Ledger.MaxGasAmount,
		GasUnitPrice: cfg.Ledger.GasUnitPrice,
		PollAttempts: cfg.Ledger.PollAttempts,
		PollDelay:    cfg.Ledger.PollDelay,
	})

	authRepo := auth.NewRepository(pool)
	authService := auth.NewService(authRepo, cfg.Server.JWTSecret)

	selector := arbiter.NewPool(arbiter.NewRepository(pool))
	caseService := dispute.NewService(
		pool,
		dispute.NewPGRepository(pool),
		job.NewRepository(pool),
		authRepo,
		selector,
		submitter,
		notify.NewRecorder(),
		dispute.Options{
			EvidenceWindow: cfg.Arbitration.EvidenceWindow,
			VoteWindow:     cfg.Arbitration.VoteWindow,
		},
	)

	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: NewServer(authService, caseService).Router(),
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	defer rdb.Close()
	publisher := notify.NewPublisher(pool, rdb, cfg.Redis.Channel)
	sweeper := dispute.NewSweeper(caseService, cfg.Arbitration.SweepInterval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logrus.WithField("addr", cfg.Server.Addr).Info("api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return server.Shutdown(context.Background())
	})
	g.Go(func() error {
		err := sweeper.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		err := publisher.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if err := g.Wait(); err != nil {
		logrus.WithError(err).Fatal("service exited")
	}
	logrus.Info("shutdown complete")
}
