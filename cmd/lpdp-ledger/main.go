package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yourorg/lpdp/internal/auth"
	"github.com/yourorg/lpdp/internal/config"
	"github.com/yourorg/lpdp/internal/export"
	"github.com/yourorg/lpdp/internal/httpapi"
	"github.com/yourorg/lpdp/internal/ledger"
	"github.com/yourorg/lpdp/internal/publish"
	"github.com/yourorg/lpdp/internal/store"
)

func main() {
	if err := run(); err != nil {
		slog.Error("lpdp-ledger stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	st, closer, err := store.Open(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	opts := []ledger.Option{
		ledger.WithLogger(logger),
		ledger.WithVerifyConcurrency(cfg.VerifyConcurrency),
	}
	if cfg.KafkaBrokers != "" {
		pub := publish.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, "lpdp-ledger")
		defer pub.Close()
		opts = append(opts, ledger.WithPublisher(pub))
	}
	lg := ledger.New(st, opts...)

	signingKey := []byte(cfg.ExportSigningKey)
	if len(signingKey) == 0 {
		signingKey = make([]byte, 32)
		if _, err := rand.Read(signingKey); err != nil {
			return fmt.Errorf("generate signing key: %w", err)
		}
		logger.Warn("LEDGER_EXPORT_SIGNING_KEY not set; download links expire on restart")
	}
	signer := export.NewURLSigner(cfg.PublicBaseURL+"/v1/downloads", signingKey)
	var artifacts export.Storage = export.NewInMemoryStorage(signer)
	if cfg.ExportDir != "" {
		ds, err := export.NewDirStorage(cfg.ExportDir, signer)
		if err != nil {
			return err
		}
		artifacts = ds
	}
	exporter := export.NewExporter(lg, artifacts, export.Config{
		Bucket:        cfg.ExportBucket,
		SignURLTTL:    cfg.SignURLTTL,
		MaxConcurrent: cfg.VerifyConcurrency,
	}, logger)

	authCfg := cfg.Auth
	keys := auth.NewInMemoryAPIKeyStore(authCfg)

	handler := httpapi.NewRouter(httpapi.Deps{
		Ledger:         lg,
		Exporter:       exporter,
		Keys:           keys,
		Auth:           auth.NewHandler(keys, keys, lg, authCfg, logger),
		Limiter:        auth.NewRateLimiter(authCfg.RateLimitPerMinute, time.Minute),
		Downloads:      artifacts,
		Signer:         signer,
		AllowedActions: cfg.AllowedActions,
		MaxPageSize:    cfg.MaxPageSize,
		Logger:         logger,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("lpdp-ledger listening",
			slog.String("addr", cfg.HTTPAddr),
			slog.String("store", cfg.StoreDriver),
			slog.Bool("kafka", cfg.KafkaBrokers != ""),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
