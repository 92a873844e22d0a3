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

// RosterRepairJob applies missing role grants across the live roster.
type RosterRepairJob struct {
	Reconciler *reconcile.Reconciler
	Logger     *slog.Logger
	Metrics    *jobmetrics.Metrics
}

// NewRosterRepairJob initialises the role-repair handler.
func NewRosterRepairJob(rec *reconcile.Reconciler, logger *slog.Logger, metrics *jobmetrics.Metrics) *RosterRepairJob {
	return &RosterRepairJob{Reconciler: rec, Logger: logger, Metrics: metrics}
}

// Handle executes one role-repair pass.
func (j *RosterRepairJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Reconciler == nil {
		return errors.New("roster repair: handler not configured")
	}
	var payload SweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.Metrics.Track(TaskRosterRepair)
	stats, err := j.Reconciler.RepairRoles(ctx)
	if err != nil {
		j.logger().Error("role repair failed",
			slog.String("reason", payload.Reason),
			slog.Any("error", err),
		)
		return tracker.End(err)
	}

	j.logger().Info("role repair finished",
		slog.String("reason", payload.Reason),
		slog.Int("members", stats.Members),
		slog.Int("granted", stats.Granted),
		slog.Int("revoked", stats.Revoked),
		slog.Int("skipped", stats.Skipped),
	)
	return tracker.End(nil)
}

func (j *RosterRepairJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
