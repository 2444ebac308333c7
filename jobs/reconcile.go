package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/mernickets/portal/internal/backend"
	jobmetrics "github.com/mernickets/portal/internal/jobs"
)

const pendingKey = "portal:reconcile:pending"

// Enqueuer submits tasks. *asynq.Client and *Client satisfy it.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// TaskInspector looks up and removes queued tasks. *asynq.Inspector satisfies it.
type TaskInspector interface {
	GetTaskInfo(queue, id string) (*asynq.TaskInfo, error)
	DeleteTask(queue, id string) error
}

// Reconciler records identity accounts whose backend profile is missing and
// queues their provisioning. Pending entries live in a Redis hash keyed by
// email until an upsert succeeds.
type Reconciler struct {
	redis    *redis.Client
	enqueuer Enqueuer
	tasks    TaskInspector
	logger   *slog.Logger
	metrics  *jobmetrics.Metrics
}

// NewReconciler constructs a Reconciler. enqueuer may be nil, in which case
// entries are only recorded for manual reconciliation. tasks is used to replace
// a finished task that still holds the email's task ID; when nil a conflicting
// task is assumed to be live.
func NewReconciler(client *redis.Client, enqueuer Enqueuer, tasks TaskInspector, logger *slog.Logger, metrics *jobmetrics.Metrics) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{redis: client, enqueuer: enqueuer, tasks: tasks, logger: logger, metrics: metrics}
}

// Schedule records in as pending and enqueues a retry task.
func (r *Reconciler) Schedule(ctx context.Context, in backend.ProfileInput) error {
	data, err := json.Marshal(ProfileReconcilePayload{Name: in.Name, Email: in.Email, Photo: in.Photo})
	if err != nil {
		return err
	}
	if err := r.redis.HSet(ctx, pendingKey, in.Email, data).Err(); err != nil {
		return fmt.Errorf("record pending reconciliation: %w", err)
	}
	r.refreshGauge(ctx)
	if r.enqueuer == nil {
		return nil
	}
	task, err := NewProfileReconcileTask(in)
	if err != nil {
		return err
	}
	if _, err := r.enqueuer.EnqueueContext(ctx, task); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return r.requeue(ctx, task, in.Email)
		}
		return fmt.Errorf("enqueue reconciliation: %w", err)
	}
	return nil
}

// requeue handles a task ID conflict. A live task (pending, scheduled, retry
// or active) already covers the email. An archived or retained completed task
// will never run again, so it is deleted and a fresh task enqueued.
func (r *Reconciler) requeue(ctx context.Context, task *asynq.Task, email string) error {
	if r.tasks == nil {
		r.logger.Debug("reconciliation already queued", slog.String("email", email))
		return nil
	}
	id := reconcileTaskID(email)
	info, err := r.tasks.GetTaskInfo(QueueDefault, id)
	switch {
	case errors.Is(err, asynq.ErrTaskNotFound):
	case err != nil:
		return fmt.Errorf("inspect reconciliation: %w", err)
	case info.State != asynq.TaskStateArchived && info.State != asynq.TaskStateCompleted:
		r.logger.Debug("reconciliation already queued",
			slog.String("email", email), slog.String("state", info.State.String()))
		return nil
	default:
		if err := r.tasks.DeleteTask(QueueDefault, id); err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
			return fmt.Errorf("delete finished reconciliation: %w", err)
		}
	}
	if _, err := r.enqueuer.EnqueueContext(ctx, task); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			// Another Schedule for the same email won the race.
			return nil
		}
		return fmt.Errorf("enqueue reconciliation: %w", err)
	}
	r.logger.Info("reconciliation requeued", slog.String("email", email))
	return nil
}

// Pending returns the pending profile for email.
func (r *Reconciler) Pending(ctx context.Context, email string) (backend.ProfileInput, bool, error) {
	raw, err := r.redis.HGet(ctx, pendingKey, email).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return backend.ProfileInput{}, false, nil
		}
		return backend.ProfileInput{}, false, err
	}
	var payload ProfileReconcilePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return backend.ProfileInput{}, false, fmt.Errorf("decode pending reconciliation: %w", err)
	}
	return payload.input(), true, nil
}

// Resolve clears the pending entry for email.
func (r *Reconciler) Resolve(ctx context.Context, email string) error {
	if err := r.redis.HDel(ctx, pendingKey, email).Err(); err != nil {
		return err
	}
	r.refreshGauge(ctx)
	return nil
}

// List returns all pending profiles ordered by email.
func (r *Reconciler) List(ctx context.Context) ([]backend.ProfileInput, error) {
	entries, err := r.redis.HGetAll(ctx, pendingKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]backend.ProfileInput, 0, len(entries))
	for email, raw := range entries {
		var payload ProfileReconcilePayload
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			r.logger.Warn("skip undecodable reconciliation", slog.String("email", email), slog.Any("error", err))
			continue
		}
		out = append(out, payload.input())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

func (r *Reconciler) refreshGauge(ctx context.Context) {
	if r.metrics == nil {
		return
	}
	if n, err := r.redis.HLen(ctx, pendingKey).Result(); err == nil {
		r.metrics.SetPending(n)
	}
}

// ProfileUpserter provisions backend profiles.
type ProfileUpserter interface {
	UpsertProfile(ctx context.Context, in backend.ProfileInput) (*backend.Profile, error)
}

// ProfileReconcileJob processes TaskProfileReconcile tasks.
type ProfileReconcileJob struct {
	Profiles   ProfileUpserter
	Reconciler *Reconciler
	Logger     *slog.Logger
	Metrics    *jobmetrics.Metrics
}

// NewProfileReconcileJob wires dependencies for the reconcile handler.
func NewProfileReconcileJob(profiles ProfileUpserter, reconciler *Reconciler, logger *slog.Logger, metrics *jobmetrics.Metrics) *ProfileReconcileJob {
	return &ProfileReconcileJob{Profiles: profiles, Reconciler: reconciler, Logger: logger, Metrics: metrics}
}

// Handle upserts the profile. Errors are returned so asynq retries with
// backoff; entries already resolved by hand are skipped.
func (j *ProfileReconcileJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Profiles == nil || j.Reconciler == nil {
		return errors.New("profile reconcile: handler not configured")
	}
	var payload ProfileReconcilePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.Email == "" {
		return fmt.Errorf("profile reconcile: bad payload: %w", asynq.SkipRetry)
	}

	tracker := j.Metrics.Track(TaskProfileReconcile)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.String("email", payload.Email))

	_, pending, err := j.Reconciler.Pending(ctx, payload.Email)
	if err != nil {
		resultErr = err
		return resultErr
	}
	if !pending {
		logger.Info("profile already reconciled")
		return nil
	}

	if _, err := j.Profiles.UpsertProfile(ctx, payload.input()); err != nil {
		resultErr = err
		logger.Warn("profile upsert failed", slog.Any("error", err))
		return resultErr
	}
	if err := j.Reconciler.Resolve(ctx, payload.Email); err != nil {
		logger.Warn("clear pending reconciliation", slog.Any("error", err))
	}
	logger.Info("profile reconciled")
	return nil
}

func (j *ProfileReconcileJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
