package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"formrelay/internal/types"
)

// PassRunner is the part of the Reconciler the Runner drives.
type PassRunner interface {
	RunPass(ctx context.Context) (PassStats, error)
}

// RunnerConfig holds the configuration for creating a Runner.
type RunnerConfig struct {
	Reconciler PassRunner
	Interval   time.Duration
	Logger     *slog.Logger
}

// Runner drives reconciliation passes on a fixed interval and serializes
// them: the ticker and the admin trigger share one singleflight key, so a
// trigger arriving while a pass is in flight joins that pass instead of
// starting a concurrent one.
type Runner struct {
	reconciler PassRunner
	interval   time.Duration
	group      singleflight.Group
	logger     *slog.Logger

	mu       sync.Mutex
	inFlight string
}

// NewRunner creates a Runner.
func NewRunner(cfg RunnerConfig) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		reconciler: cfg.Reconciler,
		interval:   cfg.Interval,
		logger:     logger,
	}
}

// Run executes one pass immediately, then one per interval, until ctx is
// cancelled. A pass in flight when ctx is cancelled finishes its current
// record before stopping.
func (r *Runner) Run(ctx context.Context) {
	r.logger.InfoContext(ctx, "poller started", "interval", r.interval.String())

	r.RunNow(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "poller stopped")
			return
		case <-ticker.C:
			r.RunNow(ctx)
		}
	}
}

// RunNow runs a single pass and waits for it. Concurrent callers coalesce
// onto the in-flight pass and all receive its stats.
func (r *Runner) RunNow(ctx context.Context) (PassStats, error) {
	passID, _ := r.claimPass(ctx)
	return r.runPass(ctx, passID)
}

// TriggerPass starts a pass without waiting for it and returns the ID the
// pass logs under. When a pass is already in flight the trigger joins it,
// so the returned ID is that pass's ID, not the caller's correlation ID.
func (r *Runner) TriggerPass(ctx context.Context) string {
	passID, _ := r.claimPass(ctx)
	go func() {
		r.runPass(ctx, passID)
	}()
	return passID
}

// claimPass returns the ID the next pass will log under: the in-flight
// pass's ID when one is running, otherwise the caller's correlation ID or a
// fresh one. joined reports whether an in-flight pass was claimed.
func (r *Runner) claimPass(ctx context.Context) (passID string, joined bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inFlight != "" {
		return r.inFlight, true
	}
	passID = types.GetPassID(ctx)
	if passID == "" {
		passID = uuid.NewString()
	}
	r.inFlight = passID
	return passID, false
}

func (r *Runner) runPass(ctx context.Context, passID string) (PassStats, error) {
	result, err, shared := r.group.Do("pass", func() (any, error) {
		defer func() {
			r.mu.Lock()
			r.inFlight = ""
			r.mu.Unlock()
		}()

		passCtx := types.WithPassID(ctx, passID)
		r.logger.InfoContext(passCtx, "pass starting", "pass_id", passID)
		return r.reconciler.RunPass(passCtx)
	})

	stats, _ := result.(PassStats)
	if shared {
		r.logger.DebugContext(ctx, "joined in-flight pass", "pass_id", passID)
	}
	if err != nil && ctx.Err() == nil {
		r.logger.ErrorContext(ctx, "pass aborted", "error", err)
	}
	return stats, err
}
