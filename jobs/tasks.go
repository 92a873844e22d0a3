package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskRosterRepair is the hourly role-repair sweep.
	TaskRosterRepair = "roster:repair"
	// TaskMemberSweep is the daily drift and inactivity sweep.
	TaskMemberSweep = "roster:sweep"
)

// SweepPayload parameterises the reconciliation tasks.
type SweepPayload struct {
	Reason string `json:"reason"`
}

// NewRosterRepairTask constructs the role-repair task.
func NewRosterRepairTask(reason string) (*asynq.Task, error) {
	data, err := json.Marshal(SweepPayload{Reason: reason})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRosterRepair, data), nil
}

// NewMemberSweepTask constructs the drift/inactivity sweep task.
func NewMemberSweepTask(reason string) (*asynq.Task, error) {
	data, err := json.Marshal(SweepPayload{Reason: reason})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskMemberSweep, data), nil
}
