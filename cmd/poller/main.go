// Package main is the entry point for the formrelay poller.
//
// It loads configuration, verifies the form API credentials (the one fatal
// error class after startup), wires the delivery ledger, the external
// clients, and the reconciler, then runs the polling loop alongside the
// admin HTTP server until SIGINT or SIGTERM. A pass in flight at shutdown
// finishes its current record before the process exits.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/jackc/pgx/v5/pgxpool"

	"formrelay/internal/admin"
	"formrelay/internal/compose"
	"formrelay/internal/config"
	"formrelay/internal/external"
	"formrelay/internal/ledger"
	"formrelay/internal/metrics"
	"formrelay/internal/normalize"
	"formrelay/internal/reconcile"
	"formrelay/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	sources, err := config.ParseSources(cfg.Poll.SourcesJSON)
	if err != nil {
		return fmt.Errorf("parsing sources: %w", err)
	}

	logger.Info("formrelay poller starting",
		"environment", cfg.Environment,
		"sources", len(sources),
		"interval", cfg.Poll.Interval.String(),
		"ledger_backend", cfg.Ledger.Backend,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	retry := external.RetryPolicy{
		MaxRetries: cfg.HTTP.MaxRetries,
		MinWait:    cfg.HTTP.MinWait,
		MaxWait:    cfg.HTTP.MaxWait,
	}

	formsClient := external.NewFormsClient(
		&http.Client{Timeout: cfg.Forms.Timeout},
		external.FormsClientConfig{
			APIKey:  cfg.Forms.APIKey.Unmask(),
			BaseURL: cfg.Forms.BaseURL,
			Retry:   retry,
			Logger:  logger,
		},
	)

	// Bad credentials would otherwise log the same auth failure every tick
	// forever; refuse to start instead.
	if err := formsClient.VerifyCredentials(ctx); err != nil {
		return fmt.Errorf("verifying form API credentials: %w", err)
	}

	forumClient := external.NewForumClient(
		&http.Client{Timeout: cfg.Forum.Timeout},
		external.ForumClientConfig{
			BotToken: cfg.Forum.BotToken.Unmask(),
			BaseURL:  cfg.Forum.BaseURL,
			Retry:    retry,
			Logger:   logger,
		},
	)

	store, probes, cleanup, err := buildLedgerStore(ctx, cfg, formsClient, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	led, err := store.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading delivery ledger: %w", err)
	}
	for _, src := range sources {
		logger.Info("source configured",
			"form_id", src.FormID,
			"channel_id", src.Destination.ChannelID,
			"delivered", led.Count(src.FormID),
		)
	}

	deliveryMetrics, err := buildMetrics(ctx, cfg, logger)
	if err != nil {
		return err
	}

	reconciler := reconcile.NewReconciler(reconcile.ReconcilerConfig{
		Forms:      formsClient,
		Forum:      forumClient,
		Store:      store,
		Ledger:     led,
		Normalizer: normalize.New(formsClient.FileURL, logger),
		Composer: compose.New(compose.Config{
			ProjectHints:     cfg.Compose.ProjectHints,
			CostHints:        cfg.Compose.CostHints,
			AuditHints:       cfg.Compose.AuditHints,
			MessageCharLimit: cfg.Forum.MessageCharLimit,
			ExplorerBaseURL:  cfg.Compose.ExplorerBaseURL,
			Logger:           logger,
		}),
		Sources:             sources,
		RequireReferenceURL: cfg.Poll.RequireReferenceURL,
		ReviewRoleID:        cfg.Poll.ReviewRoleID,
		Metrics:             deliveryMetrics,
		Logger:              logger,
	})

	runner := reconcile.NewRunner(reconcile.RunnerConfig{
		Reconciler: reconciler,
		Interval:   cfg.Poll.Interval,
		Logger:     logger,
	})

	var wg sync.WaitGroup

	if cfg.Admin.Enabled {
		adminSrv := admin.NewServer(admin.ServerConfig{
			Port:    cfg.Admin.Port,
			Trigger: runner,
			Probes:  probes,
			Logger:  logger,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := adminSrv.Run(ctx); err != nil {
				logger.Error("admin server failed", "error", err)
				stop()
			}
		}()
	}

	runner.Run(ctx)
	wg.Wait()

	logger.Info("poller stopped cleanly")
	return nil
}

// buildLedgerStore selects the ledger backend. The returned cleanup closes
// backend resources and is safe to call unconditionally.
func buildLedgerStore(ctx context.Context, cfg *config.Config, forms *external.FormsHTTPClient, logger *slog.Logger) (ledger.Store, []admin.HealthProbe, func(), error) {
	probes := []admin.HealthProbe{formsProbe{client: forms}}

	switch cfg.Ledger.Backend {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Ledger.DatabaseURL.Unmask())
		if err != nil {
			return nil, nil, func() {}, fmt.Errorf("connecting to ledger database: %w", err)
		}
		store := ledger.NewPostgresStore(pool, logger)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, func() {}, fmt.Errorf("preparing ledger schema: %w", err)
		}
		probes = append(probes, pgProbe{pool: pool})
		return store, probes, pool.Close, nil

	default:
		store := ledger.NewFileStore(cfg.Ledger.Path, logger)
		probes = append(probes, fileLedgerProbe{store: store})
		return store, probes, func() {}, nil
	}
}

// buildMetrics selects the delivery metrics backend.
func buildMetrics(ctx context.Context, cfg *config.Config, logger *slog.Logger) (metrics.DeliveryMetrics, error) {
	switch cfg.Metrics.Backend {
	case "cloudwatch":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Metrics.Region))
		if err != nil {
			return nil, fmt.Errorf("loading AWS configuration: %w", err)
		}
		return metrics.NewCloudWatchMetrics(cloudwatch.NewFromConfig(awsCfg), cfg.Metrics.Namespace, logger), nil
	default:
		return metrics.NopMetrics{}, nil
	}
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler)
}

// formsProbe reports the form API reachable when the credential probe
// succeeds.
type formsProbe struct {
	client *external.FormsHTTPClient
}

func (p formsProbe) Name() string { return "forms" }

func (p formsProbe) Check(ctx context.Context) error {
	if err := p.client.VerifyCredentials(ctx); err != nil {
		if types.CodeOf(err) == types.ErrCodeAuthorization {
			return err
		}
		return fmt.Errorf("form API unreachable: %w", err)
	}
	return nil
}

// fileLedgerProbe reports the ledger file accessible. A missing file is
// healthy: the store bootstraps it on first load.
type fileLedgerProbe struct {
	store *ledger.FileStore
}

func (p fileLedgerProbe) Name() string { return "ledger" }

func (p fileLedgerProbe) Check(context.Context) error {
	if _, err := os.Stat(p.store.Path()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ledger file inaccessible: %w", err)
	}
	return nil
}

// pgProbe pings the ledger database.
type pgProbe struct {
	pool *pgxpool.Pool
}

func (p pgProbe) Name() string { return "ledger" }

func (p pgProbe) Check(ctx context.Context) error {
	return p.pool.Ping(ctx)
}
