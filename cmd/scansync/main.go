package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"scansync/internal/api"
	"scansync/internal/auth"
	"scansync/internal/cache"
	"scansync/internal/config"
	apphttp "scansync/internal/http"
	"scansync/internal/reconcile"
	"scansync/internal/storage"
	"scansync/internal/stream"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	tokens, err := buildTokenSource(cfg)
	if err != nil {
		logger.Fatalf("setup auth: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := cache.Open(cfg.Cache.Path)
	if err != nil {
		logger.Fatalf("open cache: %v", err)
	}
	defer db.Close()

	store := cache.NewSQLiteStore(db)
	if err := store.Init(ctx); err != nil {
		logger.Fatalf("init cache: %v", err)
	}

	rec := reconcile.New(reconcile.Config{
		SlowServerThreshold: cfg.Engine.SlowServerThreshold,
		Logger:              logger,
	})

	bridge := cache.NewBridge(cache.BridgeConfig{
		Store:  store,
		Key:    cache.Key(cfg.Cache.User),
		Logger: logger,
	}, rec)
	bridge.Load(ctx)

	engine := api.NewClient(api.Config{
		BaseURL:         cfg.Engine.BaseURL,
		SnapshotPath:    cfg.Engine.SnapshotPath,
		SnapshotTimeout: cfg.Engine.SnapshotTimeout,
		Tokens:          tokens,
		Logger:          logger,
	})

	session := stream.NewSession(stream.SessionConfig{
		StreamURL:      cfg.Engine.BaseURL + cfg.Engine.StreamPath,
		Tokens:         tokens,
		BackoffInitial: cfg.Engine.BackoffInitial,
		BackoffMax:     cfg.Engine.BackoffMax,
		PollingAfter:   cfg.Engine.PollingAfter,
		Logger:         logger,
		OnStateChange: func(s stream.ConnState) {
			logger.Infof("stream connection: %s", s)
		},
	}, rec)

	poller := stream.NewPoller(stream.PollerConfig{
		Interval: cfg.Engine.PollInterval,
		StateFn:  session.State,
		Logger:   logger,
	}, engine, rec)

	go session.Run(ctx)
	go poller.Run(ctx)
	go bridge.Run(ctx)
	go rec.RunCountdown(ctx, cfg.Engine.CountdownInterval)

	// one eager fetch so the UI has fresh data before the stream settles
	go func() {
		fetchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		poller.RefreshNow(fetchCtx)
	}()

	storageSvc := buildStorage(ctx, cfg, logger)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	handler := apphttp.NewHandler(apphttp.HandlerConfig{
		Reconciler:     rec,
		Engine:         engine,
		Stream:         session,
		Refresher:      poller,
		Storage:        storageSvc,
		Bucket:         cfg.Storage.Bucket,
		MaxUploadBytes: cfg.Storage.MaxUploadBytes,
		Logger:         logger,
	})
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	go func() {
		logger.Infof("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}

	logger.Info("bye")
}

func buildTokenSource(cfg config.Config) (auth.TokenSource, error) {
	if file := strings.TrimSpace(cfg.Engine.TokenFile); file != "" {
		return auth.NewCachedTokenSource(func(ctx context.Context) (string, error) {
			data, err := os.ReadFile(file)
			if err != nil {
				return "", fmt.Errorf("read token file: %w", err)
			}
			return strings.TrimSpace(string(data)), nil
		}), nil
	}
	if token := strings.TrimSpace(cfg.Engine.Token); token != "" {
		return auth.StaticTokenSource(token), nil
	}
	return nil, fmt.Errorf("engine token is required (SCANSYNC_ENGINE_TOKEN or SCANSYNC_ENGINE_TOKENFILE)")
}

// buildStorage is best effort: without a bucket the dashboard still runs,
// it just refuses target-file uploads.
func buildStorage(ctx context.Context, cfg config.Config, logger *logrus.Logger) storage.Service {
	if cfg.Storage.Bucket == "" {
		logger.Info("storage bucket not set, target file uploads disabled")
		return nil
	}

	loadOpts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(cfg.Storage.Region),
	}
	if cfg.AWS.Profile != "" {
		loadOpts = append(loadOpts, awscfg.WithSharedConfigProfile(cfg.AWS.Profile))
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		logger.Warnf("load aws config: %v, target file uploads disabled", err)
		return nil
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.Endpoint)
			o.UsePathStyle = true
		}
	})
	logger.Infof("using s3 bucket %s (region %s)", cfg.Storage.Bucket, cfg.Storage.Region)
	return storage.NewS3Service(client)
}
