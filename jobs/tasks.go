package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	"github.com/mernickets/portal/internal/backend"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskProfileReconcile provisions a backend profile for an identity
	// account whose upsert failed.
	TaskProfileReconcile = "profile:reconcile"

	reconcileMaxRetry = 10
	reconcileTimeout  = 30 * time.Second
)

// ProfileReconcilePayload is the profile to provision.
type ProfileReconcilePayload struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Photo string `json:"photo,omitempty"`
}

func (p ProfileReconcilePayload) input() backend.ProfileInput {
	return backend.ProfileInput{Name: p.Name, Email: p.Email, Photo: p.Photo}
}

// NewProfileReconcileTask constructs the task for in. Tasks are keyed by
// email so a client retrying registration does not queue duplicates.
func NewProfileReconcileTask(in backend.ProfileInput) (*asynq.Task, error) {
	data, err := json.Marshal(ProfileReconcilePayload{Name: in.Name, Email: in.Email, Photo: in.Photo})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskProfileReconcile, data,
		asynq.Queue(QueueDefault),
		asynq.TaskID(reconcileTaskID(in.Email)),
		asynq.MaxRetry(reconcileMaxRetry),
		asynq.Timeout(reconcileTimeout),
	), nil
}

func reconcileTaskID(email string) string {
	return "reconcile:" + email
}
