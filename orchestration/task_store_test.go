package orchestration

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge-ai/taskforge/core"
)

func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func newTaskFixture(id string) *core.Task {
	return &core.Task{
		ID:         id,
		TemplateID: "overdue_invoices",
		Priority:   core.DefaultPriority,
		Parameters: map[string]interface{}{"period": "last_month"},
		UserID:     "u_42",
	}
}

func TestTaskStoreCreateAndGet(t *testing.T) {
	store := NewTaskStore(newTestClient(t), nil)
	ctx := context.Background()

	task := newTaskFixture("task_1700000000000_demo")
	require.NoError(t, store.Create(ctx, task))
	assert.Equal(t, core.TaskStatusPending, task.Status)
	assert.False(t, task.ExpiresAt.IsZero())

	loaded, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "overdue_invoices", loaded.TemplateID)
	assert.Equal(t, "u_42", loaded.UserID)
}

func TestTaskStoreCreateDuplicate(t *testing.T) {
	store := NewTaskStore(newTestClient(t), nil)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newTaskFixture("task_1700000000000_demo")))
	err := store.Create(ctx, newTaskFixture("task_1700000000000_demo"))
	assert.ErrorIs(t, err, core.ErrTaskAlreadyExists)
}

func TestTaskStoreGetUnknown(t *testing.T) {
	store := NewTaskStore(newTestClient(t), nil)
	_, err := store.Get(context.Background(), "task_1_missing")
	assert.ErrorIs(t, err, core.ErrTaskNotFound)
}

func TestTaskStoreStatusTransitions(t *testing.T) {
	store := NewTaskStore(newTestClient(t), nil)
	ctx := context.Background()
	task := newTaskFixture("task_1700000000000_demo")
	require.NoError(t, store.Create(ctx, task))

	_, err := store.SetStatus(ctx, task.ID, core.TaskStatusQueued)
	require.NoError(t, err)
	_, err = store.SetStatus(ctx, task.ID, core.TaskStatusRunning)
	require.NoError(t, err)
	updated, err := store.SetStatus(ctx, task.ID, core.TaskStatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusCompleted, updated.Status)

	// Terminal statuses admit no successors.
	_, err = store.SetStatus(ctx, task.ID, core.TaskStatusRunning)
	assert.ErrorIs(t, err, core.ErrInvalidTransition)

	// Identity transitions stay idempotent for re-deliveries.
	_, err = store.SetStatus(ctx, task.ID, core.TaskStatusCompleted)
	assert.NoError(t, err)
}

func TestTaskStoreAppendErrorTimestamps(t *testing.T) {
	store := NewTaskStore(newTestClient(t), nil)
	ctx := context.Background()
	task := newTaskFixture("task_1700000000000_demo")
	require.NoError(t, store.Create(ctx, task))

	updated, err := store.AppendError(ctx, task.ID,
		core.NewTaskError(core.ErrUpstreamError, "boom", "crm.invoice.list"))
	require.NoError(t, err)
	require.Len(t, updated.Errors, 1)
	assert.False(t, updated.Errors[0].At.IsZero())
	assert.Equal(t, core.ErrUpstreamError, updated.Errors[0].Type)
	assert.Equal(t, "crm.invoice.list", updated.Errors[0].Step)

	_, err = store.AppendError(ctx, task.ID,
		core.NewTaskError(core.ErrTypeTimeout, "slow", ""))
	require.NoError(t, err)
	loaded, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, loaded.Errors, 2, "error log is append-only")
}

func TestTaskStoreUpdateProgress(t *testing.T) {
	store := NewTaskStore(newTestClient(t), nil)
	ctx := context.Background()
	task := newTaskFixture("task_1700000000000_demo")
	require.NoError(t, store.Create(ctx, task))

	require.NoError(t, store.UpdateProgress(ctx, task.ID, 40, "collecting invoices"))
	loaded, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.Progress)
	assert.Equal(t, 40.0, loaded.Progress.Percentage)
	assert.Equal(t, "collecting invoices", loaded.Progress.Message)
}

func TestTaskStoreListFiltersByStatus(t *testing.T) {
	store := NewTaskStore(newTestClient(t), nil)
	ctx := context.Background()

	a := newTaskFixture("task_1700000000000_aaa")
	b := newTaskFixture("task_1700000000001_bbb")
	require.NoError(t, store.Create(ctx, a))
	require.NoError(t, store.Create(ctx, b))
	_, err := store.SetStatus(ctx, b.ID, core.TaskStatusCancelled)
	require.NoError(t, err)

	pending, err := store.List(ctx, core.TaskStatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, a.ID, pending[0].ID)

	all, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestTaskStoreIsCancelRequested(t *testing.T) {
	store := NewTaskStore(newTestClient(t), nil)
	ctx := context.Background()
	task := newTaskFixture("task_1700000000000_demo")
	require.NoError(t, store.Create(ctx, task))

	requested, err := store.IsCancelRequested(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, requested)

	_, err = store.SetStatus(ctx, task.ID, core.TaskStatusCancelled)
	require.NoError(t, err)
	requested, err = store.IsCancelRequested(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, requested)
}

func TestTaskStoreFindLiveRetry(t *testing.T) {
	store := NewTaskStore(newTestClient(t), nil)
	ctx := context.Background()

	origin := newTaskFixture("task_1700000000000_demo")
	require.NoError(t, store.Create(ctx, origin))

	got, err := store.FindLiveRetry(ctx, origin.ID)
	require.NoError(t, err)
	assert.Nil(t, got, "no retry child yet")

	retry := newTaskFixture("task_1700000000000_demo_retry_1_1700000001000")
	retry.ParentTaskID = origin.ID
	require.NoError(t, store.Create(ctx, retry))

	got, err = store.FindLiveRetry(ctx, origin.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, retry.ID, got.ID)

	// Terminal children no longer count as live.
	_, err = store.SetStatus(ctx, retry.ID, core.TaskStatusQueued)
	require.NoError(t, err)
	_, err = store.SetStatus(ctx, retry.ID, core.TaskStatusRunning)
	require.NoError(t, err)
	_, err = store.SetStatus(ctx, retry.ID, core.TaskStatusFailed)
	require.NoError(t, err)
	got, err = store.FindLiveRetry(ctx, origin.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestTaskStoreClaimRepairIsSingleWriter(t *testing.T) {
	store := NewTaskStore(newTestClient(t), nil)
	ctx := context.Background()

	claimed, err := store.ClaimRepair(ctx, "task_1700000000000_demo", time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = store.ClaimRepair(ctx, "task_1700000000000_demo", time.Minute)
	require.NoError(t, err)
	assert.False(t, claimed, "second claimant is refused while the claim lives")
}
