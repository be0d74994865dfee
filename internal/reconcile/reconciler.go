// Package reconcile implements the polling loop's core pass: diff each
// configured source against the delivery ledger, deliver the undelivered
// records in submission order, and commit the ledger.
//
// Failure containment is layered. A failing answer degrades to a marker
// inside its record (normalize package), a failing record is skipped for
// this pass, a failing source is skipped for this pass, and only a startup
// credential or configuration failure stops the process.
package reconcile

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"formrelay/internal/external"
	"formrelay/internal/ledger"
	"formrelay/internal/metrics"
	"formrelay/internal/types"
)

// FormsAPI abstracts the read side: form schemas and response listings.
type FormsAPI interface {
	GetFormSchema(ctx context.Context, formID string) (types.SchemaIndex, error)
	ListResponses(ctx context.Context, formID string) ([]types.RawRecord, error)
}

// ForumAPI abstracts the write side: thread creation and follow-up posts.
type ForumAPI interface {
	ResolveChannel(ctx context.Context, channelID string) (*external.Channel, error)
	EnsureTag(ctx context.Context, channelID, name string) (string, error)
	CreateThread(ctx context.Context, channelID, title, body string, tagIDs []string) (string, error)
	SendFollowup(ctx context.Context, threadID, text string) error
	SendActions(ctx context.Context, threadID string, groups [][]types.ActionLink) error
	MentionRole(ctx context.Context, threadID, roleID string) error
}

// RecordNormalizer turns raw answers into ordered display fields.
type RecordNormalizer interface {
	Normalize(raw types.RawRecord, schema types.SchemaIndex) types.NormalizedRecord
}

// PayloadComposer turns a normalized record into a delivery payload.
type PayloadComposer interface {
	Compose(rec types.NormalizedRecord, dest types.DestinationMapping) types.MessagePayload
}

// PassStats summarizes one reconciliation pass.
type PassStats struct {
	SourcesProcessed int `json:"sources_processed"`
	SourcesFailed    int `json:"sources_failed"`
	NewRecords       int `json:"new_records"`
	Delivered        int `json:"delivered"`
	Failed           int `json:"failed"`
}

// ReconcilerConfig holds the configuration for creating a Reconciler.
type ReconcilerConfig struct {
	Forms      FormsAPI
	Forum      ForumAPI
	Store      ledger.Store
	Ledger     *ledger.Ledger
	Normalizer RecordNormalizer
	Composer   PayloadComposer
	Sources    []types.Source

	// RequireReferenceURL aborts a source whose destination has no external
	// reference URL configured instead of delivering without the link.
	RequireReferenceURL bool

	// ReviewRoleID, when set, is mentioned in every new thread.
	ReviewRoleID string

	Metrics metrics.DeliveryMetrics
	Logger  *slog.Logger
}

// Reconciler runs reconciliation passes. It owns the in-memory ledger;
// passes must be serialized by the caller (see Runner).
type Reconciler struct {
	forms      FormsAPI
	forum      ForumAPI
	store      ledger.Store
	ledger     *ledger.Ledger
	normalizer RecordNormalizer
	composer   PayloadComposer
	sources    []types.Source

	requireReferenceURL bool
	reviewRoleID        string

	metrics metrics.DeliveryMetrics
	logger  *slog.Logger
}

// NewReconciler creates a Reconciler with the given configuration.
func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.NopMetrics{}
	}
	return &Reconciler{
		forms:               cfg.Forms,
		forum:               cfg.Forum,
		store:               cfg.Store,
		ledger:              cfg.Ledger,
		normalizer:          cfg.Normalizer,
		composer:            cfg.Composer,
		sources:             cfg.Sources,
		requireReferenceURL: cfg.RequireReferenceURL,
		reviewRoleID:        cfg.ReviewRoleID,
		metrics:             m,
		logger:              logger,
	}
}

// RunPass reconciles every configured source once. Source and record
// failures are contained and counted; the only error returned is context
// cancellation, so a shutdown mid-pass stops cleanly between records.
func (r *Reconciler) RunPass(ctx context.Context) (PassStats, error) {
	start := time.Now()
	var stats PassStats

	for _, source := range r.sources {
		if err := ctx.Err(); err != nil {
			r.metrics.RecordPassDuration(ctx, time.Since(start))
			return stats, err
		}

		if err := r.reconcileSource(ctx, source, &stats); err != nil {
			if ctx.Err() != nil {
				r.metrics.RecordPassDuration(ctx, time.Since(start))
				return stats, ctx.Err()
			}
			stats.SourcesFailed++
			r.logSourceError(ctx, source.FormID, err)
			continue
		}
		stats.SourcesProcessed++
	}

	r.metrics.RecordPassDuration(ctx, time.Since(start))
	r.logger.InfoContext(ctx, "reconciliation pass complete",
		"sources_processed", stats.SourcesProcessed,
		"sources_failed", stats.SourcesFailed,
		"new_records", stats.NewRecords,
		"delivered", stats.Delivered,
		"failed", stats.Failed,
	)
	return stats, nil
}

// reconcileSource diffs one source against the ledger and delivers what is
// missing. The ledger is committed at the end of the source even when some
// records failed, so confirmed deliveries survive a crash during the next
// source.
func (r *Reconciler) reconcileSource(ctx context.Context, source types.Source, stats *PassStats) error {
	schema, err := r.forms.GetFormSchema(ctx, source.FormID)
	if err != nil {
		return err
	}

	records, err := r.forms.ListResponses(ctx, source.FormID)
	if err != nil {
		return err
	}

	// Diff by record ID only. Edits to an already-delivered response do not
	// trigger redelivery.
	var undelivered []types.RawRecord
	for _, rec := range records {
		if !r.ledger.IsDelivered(source.FormID, rec.RecordID) {
			undelivered = append(undelivered, rec)
		}
	}

	r.metrics.RecordNewRecords(ctx, source.FormID, len(undelivered))
	stats.NewRecords += len(undelivered)

	if len(undelivered) == 0 {
		r.logger.DebugContext(ctx, "source up to date",
			"form_id", source.FormID,
			"seen", len(records),
		)
		return nil
	}

	// Oldest submission first, record ID as tie-breaker for determinism.
	sort.Slice(undelivered, func(i, j int) bool {
		if undelivered[i].SubmittedAt.Equal(undelivered[j].SubmittedAt) {
			return undelivered[i].RecordID < undelivered[j].RecordID
		}
		return undelivered[i].SubmittedAt.Before(undelivered[j].SubmittedAt)
	})

	if r.requireReferenceURL && source.Destination.ReferenceURL == "" {
		return types.NewAppError(types.ErrCodeMissingReferenceURL,
			"destination has no reference URL configured", nil)
	}

	channel, err := r.forum.ResolveChannel(ctx, source.Destination.ChannelID)
	if err != nil {
		return err
	}
	if channel == nil {
		return types.NewAppError(types.ErrCodeChannelNotFound,
			"destination channel not found: "+source.Destination.ChannelID, nil)
	}

	// A tag failure downgrades to untagged threads rather than holding up
	// delivery.
	var tagIDs []string
	if source.Destination.Tag != "" {
		tagID, err := r.forum.EnsureTag(ctx, channel.ID, source.Destination.Tag)
		if err != nil {
			r.logger.WarnContext(ctx, "tag unavailable, delivering untagged",
				"form_id", source.FormID,
				"tag", source.Destination.Tag,
				"error", err,
			)
		} else if tagID != "" {
			tagIDs = []string{tagID}
		}
	}

	r.logger.InfoContext(ctx, "delivering new records",
		"form_id", source.FormID,
		"channel_id", channel.ID,
		"count", len(undelivered),
	)

	for _, raw := range undelivered {
		if err := ctx.Err(); err != nil {
			break
		}

		if err := r.deliverRecord(ctx, source, channel.ID, tagIDs, raw, schema); err != nil {
			stats.Failed++
			r.metrics.RecordDelivery(ctx, source.FormID, metrics.ResultFailed)
			r.logger.ErrorContext(ctx, "record delivery failed",
				"form_id", source.FormID,
				"record_id", raw.RecordID,
				"code", string(types.CodeOf(err)),
				"error", err,
			)
			continue
		}
		stats.Delivered++
		r.metrics.RecordDelivery(ctx, source.FormID, metrics.ResultSuccess)
	}

	if r.ledger.Dirty() {
		if err := r.store.Commit(ctx, r.ledger); err != nil {
			// Deliveries stay marked in memory; the next successful commit
			// persists them. Failing the source here would cause duplicate
			// threads on the next pass.
			r.logger.ErrorContext(ctx, "ledger commit failed",
				"form_id", source.FormID,
				"error", err,
			)
		}
	}

	return ctx.Err()
}

// deliverRecord creates the thread for one record and marks it delivered.
// The mark happens immediately after thread creation: a failed follow-up
// leaves a truncated thread, which is preferable to a duplicate thread on
// the next pass.
func (r *Reconciler) deliverRecord(ctx context.Context, source types.Source, channelID string, tagIDs []string, raw types.RawRecord, schema types.SchemaIndex) error {
	normalized := r.normalizer.Normalize(raw, schema)
	payload := r.composer.Compose(normalized, source.Destination)

	threadID, err := r.forum.CreateThread(ctx, channelID, payload.Title, payload.InitialBody, tagIDs)
	if err != nil {
		return err
	}

	r.ledger.MarkDelivered(source.FormID, ledger.Entry{
		RecordID:      raw.RecordID,
		SubmittedDate: normalized.SubmittedDate,
	})

	for _, segment := range payload.OverflowSegments {
		if err := r.forum.SendFollowup(ctx, threadID, segment); err != nil {
			r.logger.WarnContext(ctx, "follow-up message failed, thread truncated",
				"record_id", raw.RecordID,
				"thread_id", threadID,
				"error", err,
			)
			break
		}
	}

	if len(payload.ActionGroups) > 0 {
		if err := r.forum.SendActions(ctx, threadID, payload.ActionGroups); err != nil {
			r.logger.WarnContext(ctx, "action links failed",
				"record_id", raw.RecordID,
				"thread_id", threadID,
				"error", err,
			)
		}
	}

	if r.reviewRoleID != "" {
		if err := r.forum.MentionRole(ctx, threadID, r.reviewRoleID); err != nil {
			r.logger.WarnContext(ctx, "review mention failed",
				"record_id", raw.RecordID,
				"thread_id", threadID,
				"error", err,
			)
		}
	}

	r.logger.InfoContext(ctx, "record delivered",
		"form_id", source.FormID,
		"record_id", raw.RecordID,
		"thread_id", threadID,
	)
	return nil
}

// logSourceError logs a contained source failure, downgrading transient
// upstream conditions to warnings so a flapping API does not page anyone.
func (r *Reconciler) logSourceError(ctx context.Context, formID string, err error) {
	code := types.CodeOf(err)
	if code.IsTransient() {
		r.logger.WarnContext(ctx, "source skipped this pass",
			"form_id", formID,
			"code", string(code),
			"error", err,
		)
		return
	}
	r.logger.ErrorContext(ctx, "source reconciliation failed",
		"form_id", formID,
		"code", string(code),
		"error", err,
	)
}
