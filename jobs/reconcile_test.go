package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mernickets/portal/internal/backend"
	jobmetrics "github.com/mernickets/portal/internal/jobs"
)

type recordingEnqueuer struct {
	mu    sync.Mutex
	tasks []*asynq.Task
	seen  map[string]bool
}

func (e *recordingEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var payload ProfileReconcilePayload
	_ = json.Unmarshal(task.Payload(), &payload)
	if e.seen[payload.Email] {
		return nil, asynq.ErrTaskIDConflict
	}
	e.seen[payload.Email] = true
	e.tasks = append(e.tasks, task)
	return &asynq.TaskInfo{Type: task.Type(), Queue: QueueDefault}, nil
}

type flakyProfiles struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (f *flakyProfiles) UpsertProfile(ctx context.Context, in backend.ProfileInput) (*backend.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &backend.Profile{Name: in.Name, Email: in.Email, Role: "user"}, nil
}

func newReconciler(t *testing.T) (*Reconciler, *recordingEnqueuer) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	enq := &recordingEnqueuer{seen: map[string]bool{}}
	metrics := jobmetrics.NewMetrics(prometheus.NewRegistry())
	return NewReconciler(client, enq, nil, nil, metrics), enq
}

func TestReconcilerSchedule(t *testing.T) {
	r, enq := newReconciler(t)
	ctx := context.Background()
	in := backend.ProfileInput{Name: "Ann", Email: "ann@x.com", Photo: "https://img.example/a.png"}

	require.NoError(t, r.Schedule(ctx, in))
	require.NoError(t, r.Schedule(ctx, in))
	require.Len(t, enq.tasks, 1)
	assert.Equal(t, TaskProfileReconcile, enq.tasks[0].Type())

	got, ok, err := r.Pending(ctx, "ann@x.com")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, in, got)

	require.NoError(t, r.Schedule(ctx, backend.ProfileInput{Name: "Bob", Email: "bob@x.com"}))
	list, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "ann@x.com", list[0].Email)

	require.NoError(t, r.Resolve(ctx, "ann@x.com"))
	_, ok, err = r.Pending(ctx, "ann@x.com")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReconcilerPropagatesEnqueueFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	r := NewReconciler(client, failingEnqueuer{}, nil, nil, nil)

	err := r.Schedule(context.Background(), backend.ProfileInput{Email: "ann@x.com"})
	require.Error(t, err)

	_, ok, err := r.Pending(context.Background(), "ann@x.com")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReconcilerReplacesArchivedTask(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	opts := asynq.RedisClientOpt{Addr: mr.Addr()}
	jobClient := NewClient(opts)
	defer jobClient.Close()
	inspector := asynq.NewInspector(opts)
	defer inspector.Close()

	r := NewReconciler(client, jobClient, inspector, nil, nil)
	ctx := context.Background()
	in := backend.ProfileInput{Name: "Ann", Email: "ann@x.com"}
	id := reconcileTaskID(in.Email)

	require.NoError(t, r.Schedule(ctx, in))
	// A live task already covers the email.
	require.NoError(t, r.Schedule(ctx, in))
	pending, err := inspector.ListPendingTasks(QueueDefault)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// Retries exhausted: the next orphan for the same email must queue again.
	require.NoError(t, inspector.ArchiveTask(QueueDefault, id))
	require.NoError(t, r.Schedule(ctx, in))

	info, err := inspector.GetTaskInfo(QueueDefault, id)
	require.NoError(t, err)
	assert.Equal(t, asynq.TaskStatePending, info.State)
	archived, err := inspector.ListArchivedTasks(QueueDefault)
	require.NoError(t, err)
	assert.Empty(t, archived)
}

type failingEnqueuer struct{}

func (failingEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	return nil, errors.New("redis unavailable")
}

func TestProfileReconcileJob(t *testing.T) {
	r, enq := newReconciler(t)
	ctx := context.Background()
	require.NoError(t, r.Schedule(ctx, backend.ProfileInput{Name: "Ann", Email: "ann@x.com"}))
	task := enq.tasks[0]

	profiles := &flakyProfiles{err: backend.ErrUnavailable}
	job := NewProfileReconcileJob(profiles, r, nil, nil)

	err := job.Handle(ctx, task)
	assert.ErrorIs(t, err, backend.ErrUnavailable)
	_, ok, _ := r.Pending(ctx, "ann@x.com")
	assert.True(t, ok)

	profiles.err = nil
	require.NoError(t, job.Handle(ctx, task))
	_, ok, _ = r.Pending(ctx, "ann@x.com")
	assert.False(t, ok)

	// A second delivery after resolution does not call the backend again.
	require.NoError(t, job.Handle(ctx, task))
	assert.Equal(t, 2, profiles.calls)
}

func TestProfileReconcileJobSkipsBadPayload(t *testing.T) {
	r, _ := newReconciler(t)
	job := NewProfileReconcileJob(&flakyProfiles{}, r, nil, nil)

	err := job.Handle(context.Background(), asynq.NewTask(TaskProfileReconcile, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

type stubInspector struct {
	info *asynq.QueueInfo
	err  error
}

func (s stubInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	return s.info, s.err
}

func TestHandlerHealth(t *testing.T) {
	rec, _ := newReconciler(t)
	require.NoError(t, rec.Schedule(context.Background(), backend.ProfileInput{Email: "ann@x.com"}))

	h := NewHandler(stubInspector{info: &asynq.QueueInfo{Queue: QueueDefault, Pending: 3, Retry: 1}}, rec, nil)
	r := chi.NewRouter()
	r.Route("/jobs", h.MountRoutes)

	res := httptest.NewRecorder()
	r.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusOK, res.Code)
	assert.JSONEq(t, `{"queue":"default","pending":3,"retry":1,"archived":0,"reconcile_pending":1}`, res.Body.String())

	res = httptest.NewRecorder()
	r.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/jobs/reconciliations", nil))
	require.Equal(t, http.StatusOK, res.Code)
	assert.Contains(t, res.Body.String(), "ann@x.com")

	down := NewHandler(stubInspector{err: errors.New("dial tcp")}, nil, nil)
	res = httptest.NewRecorder()
	down.health(res, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, res.Code)
}

func TestNewProfileReconcileTask(t *testing.T) {
	task, err := NewProfileReconcileTask(backend.ProfileInput{Name: "Ann", Email: "ann@x.com"})
	require.NoError(t, err)
	assert.Equal(t, TaskProfileReconcile, task.Type())
	assert.JSONEq(t, `{"name":"Ann","email":"ann@x.com"}`, string(task.Payload()))
}
