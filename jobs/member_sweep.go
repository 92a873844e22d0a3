package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/luhack/gatekeeper/internal/jobs"
	"github.com/luhack/gatekeeper/internal/reconcile"
)

// MemberSweepJob runs the daily drift and inactivity sweep.
type MemberSweepJob struct {
	Reconciler *reconcile.Reconciler
	Logger     *slog.Logger
	Metrics    *jobmetrics.Metrics
}

// NewMemberSweepJob initialises the membership sweep handler.
func NewMemberSweepJob(rec *reconcile.Reconciler, logger *slog.Logger, metrics *jobmetrics.Metrics) *MemberSweepJob {
	return &MemberSweepJob{Reconciler: rec, Logger: logger, Metrics: metrics}
}

// Handle executes one membership sweep.
func (j *MemberSweepJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Reconciler == nil {
		return errors.New("member sweep: handler not configured")
	}
	var payload SweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.Metrics.Track(TaskMemberSweep)
	stats, err := j.Reconciler.Sweep(ctx)
	if err != nil {
		j.logger().Error("membership sweep failed",
			slog.String("reason", payload.Reason),
			slog.Any("error", err),
		)
		return tracker.End(err)
	}

	j.Metrics.AddSweepOutcomes("flagged", stats.Flagged)
	j.Metrics.AddSweepOutcomes("removed", stats.Removed)
	j.Metrics.AddSweepOutcomes("departed", stats.Departed)
	j.Metrics.AddSweepOutcomes("kicked", stats.Kicked)

	j.logger().Info("membership sweep finished",
		slog.String("reason", payload.Reason),
		slog.Int("users", stats.Users),
		slog.Int("synced", stats.Synced),
		slog.Int("flagged", stats.Flagged),
		slog.Int("removed", stats.Removed),
		slog.Int("departed", stats.Departed),
		slog.Int("kicked", stats.Kicked),
		slog.Int("errors", stats.Errors),
	)
	return tracker.End(nil)
}

func (j *MemberSweepJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
