package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/background_downloader/internal/cleanup"
	"github.com/italolelis/background_downloader/internal/config"
	"github.com/italolelis/background_downloader/internal/http/rest"
	"github.com/italolelis/background_downloader/internal/lifecycle"
	"github.com/italolelis/background_downloader/internal/logctx"
	"github.com/italolelis/background_downloader/internal/notifier"
	"github.com/italolelis/background_downloader/internal/pubsub"
	"github.com/italolelis/background_downloader/internal/sink"
	"github.com/italolelis/background_downloader/internal/storage/sqlite"
	"github.com/italolelis/background_downloader/internal/telemetry"
	"github.com/italolelis/background_downloader/internal/transfer"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	// Bucket drivers for SINK_BUCKET_URL.
	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	logger := slog.New(logctx.NewTraceHandler(handler))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("background downloader starting...", "log_level", cfg.LogLevel, "version", version)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	repo := sqlite.NewInstrumentedTransferRepository(database, tel)

	// =========================================================================
	// Start Sink
	dest, closeSink, err := buildSink(ctx, cfg, tel)
	if err != nil {
		return fmt.Errorf("failed to build sink: %w", err)
	}
	defer closeSink()

	// =========================================================================
	// Start Transfer Engine
	events := pubsub.New[transfer.Event]()

	engine := transfer.NewEngine(
		newSourceClient(ctx, cfg, tel),
		dest,
		events,
		transfer.WithChunkSize(cfg.ChunkSize),
		transfer.WithTelemetry(tel),
	)

	// Workers get their own context so an in-flight transfer is only aborted
	// once the server has stopped accepting requests.
	workerCtx, cancelWorkers := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWorkers()

	coordinator := lifecycle.New(workerCtx, engine, events, buildNotifier(ctx, cfg, tel), lifecycle.WithRecorder(repo))

	// =========================================================================
	// Start Fixed Source
	if req, ok := cfg.SourceRequest(); ok {
		id, err := coordinator.Start(req)
		if err != nil {
			return fmt.Errorf("failed to start source transfer: %w", err)
		}

		coordinator.AttachBackground()

		logger.Info("source transfer started", "transfer_id", id, "url", req.SourceURL, "name", req.DestinationName)
	}

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, cfg, coordinator, repo, tel)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	// =========================================================================
	// Start Cleanup
	g.Go(func() error {
		return cleanup.Run(gctx, repo, cfg.CleanupInterval, cfg.HistoryRetention)
	})

	logger.Info("waiting for transfers...",
		"target_dir", cfg.TargetDir,
		"app_folder", cfg.AppFolder,
		"retention", cfg.HistoryRetention.String(),
	)

	// =========================================================================
	// Shutdown
	g.Go(func() error {
		<-gctx.Done()

		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		cancelWorkers()

		if err := coordinator.Close(shutdownCtx); err != nil {
			logger.Error("failed to stop transfer workers", "err", err)
		}

		return nil
	})

	return g.Wait()
}

// buildSink opens the bucket sink when SINK_BUCKET_URL is set and the
// filesystem sink otherwise.
func buildSink(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) (transfer.Sink, func(), error) {
	logger := logctx.LoggerFromContext(ctx)

	if cfg.Sink.BucketURL == "" {
		logger.Info("writing transfers to the filesystem", "target_dir", cfg.TargetDir)

		return sink.NewInstrumented(sink.NewFileSystem(cfg.TargetDir, cfg.AppFolder), tel, "filesystem"), func() {}, nil
	}

	bucket, err := sink.OpenBucket(ctx, cfg.Sink.BucketURL, cfg.AppFolder)
	if err != nil {
		return nil, nil, err
	}

	logger.Info("writing transfers to bucket", "bucket_url", cfg.Sink.BucketURL)

	closeBucket := func() {
		if err := bucket.Close(); err != nil {
			logger.Error("failed to close bucket", "err", err)
		}
	}

	return sink.NewInstrumented(bucket, tel, "bucket"), closeBucket, nil
}

func buildNotifier(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) notifier.Notifier {
	if cfg.DiscordWebhookURL == "" {
		logctx.LoggerFromContext(ctx).Info("no webhook configured, background notifications are logged")

		return notifier.NewInstrumented(notifier.Log{}, tel, "log")
	}

	client := &http.Client{Transport: tel.HTTPTransport(http.DefaultTransport)}

	return notifier.NewInstrumented(notifier.NewDiscord(cfg.DiscordWebhookURL, client), tel, "discord")
}

// newSourceClient builds the client used to fetch sources. It has no overall
// timeout since bodies can be large.
func newSourceClient(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) *http.Client {
	base := http.DefaultTransport.(*http.Transport).Clone()
	base.ResponseHeaderTimeout = cfg.Source.ResponseHeaderTimeout

	rt := tel.HTTPTransport(base)

	if cfg.Source.Token != "" {
		rt = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Source.Token}),
			Base:   rt,
		}

		logctx.LoggerFromContext(ctx).Debug("source requests carry a bearer token")
	}

	return &http.Client{Transport: rt}
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, cfg *config.Config, c *lifecycle.Coordinator, repo *sqlite.InstrumentedTransferRepository, tel *telemetry.Telemetry) *http.Server {
	handler := rest.NewTransferHandler(cfg.API.Username, cfg.API.Password, c, repo)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel, "/metrics").Middleware)

	r.Method(http.MethodGet, "/metrics", tel.Handler())
	r.Mount("/", handler.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
