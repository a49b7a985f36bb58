// Package orchestration owns the task lifecycle: persistence, deferred
// dispatch, sandbox execution, the retry-with-repair loop, and the task
// HTTP surface.
package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/taskforge-ai/taskforge/core"
)

// TaskStoreConfig configures the Redis task store.
type TaskStoreConfig struct {
	// KeyPrefix is the prefix for all task keys. Default: "taskforge:tasks".
	KeyPrefix string `json:"key_prefix"`

	// TTL bounds how long task documents outlive creation. Default: 7 days.
	TTL time.Duration `json:"ttl"`

	// Logger is an optional logger for store operations.
	Logger core.Logger `json:"-"`
}

// DefaultTaskStoreConfig returns default configuration.
func DefaultTaskStoreConfig() TaskStoreConfig {
	return TaskStoreConfig{
		KeyPrefix: "taskforge:tasks",
		TTL:       core.DefaultTaskTTL,
	}
}

// TaskStore persists task documents in Redis. Each task is a JSON value
// under {prefix}:task:{task_id}; mutations go through optimistic
// read-modify-write so concurrent field writers (executor progress vs
// orchestrator status) never clobber each other.
type TaskStore struct {
	client *redis.Client
	config TaskStoreConfig
	logger core.Logger
}

// NewTaskStore creates a Redis-backed task store. The client should
// already be connected.
func NewTaskStore(client *redis.Client, config *TaskStoreConfig) *TaskStore {
	if config == nil {
		defaultConfig := DefaultTaskStoreConfig()
		config = &defaultConfig
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "taskforge:tasks"
	}
	if config.TTL <= 0 {
		config.TTL = core.DefaultTaskTTL
	}

	s := &TaskStore{
		client: client,
		config: *config,
		logger: config.Logger,
	}
	if s.logger != nil {
		if cal, ok := s.logger.(core.ComponentAwareLogger); ok {
			s.logger = cal.WithComponent("engine/orchestration")
		}
	}
	return s
}

func (s *TaskStore) taskKey(taskID string) string {
	return fmt.Sprintf("%s:task:%s", s.config.KeyPrefix, taskID)
}

func (s *TaskStore) idSetKey() string {
	return s.config.KeyPrefix + ":ids"
}

// Create persists a new task. Returns ErrTaskAlreadyExists when the id is
// taken, which is how re-delivered dispatch callbacks are deduplicated.
func (s *TaskStore) Create(ctx context.Context, task *core.Task) error {
	if task == nil {
		return fmt.Errorf("task cannot be nil")
	}
	if task.ID == "" {
		return fmt.Errorf("task ID cannot be empty")
	}

	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.ExpiresAt.IsZero() {
		task.ExpiresAt = now.Add(s.config.TTL)
	}
	if task.Status == "" {
		task.Status = core.TaskStatusPending
	}

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to serialize task: %w", err)
	}

	created, err := s.client.SetNX(ctx, s.taskKey(task.ID), data, s.config.TTL).Result()
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	if !created {
		return fmt.Errorf("task %s: %w", task.ID, core.ErrTaskAlreadyExists)
	}
	if err := s.client.SAdd(ctx, s.idSetKey(), task.ID).Err(); err != nil {
		return fmt.Errorf("failed to index task: %w", err)
	}

	if s.logger != nil {
		s.logger.InfoWithContext(ctx, "Task created", map[string]interface{}{
			"task_id":     task.ID,
			"template_id": task.TemplateID,
			"status":      string(task.Status),
			"priority":    task.Priority,
		})
	}
	return nil
}

// Get retrieves a task by id.
func (s *TaskStore) Get(ctx context.Context, taskID string) (*core.Task, error) {
	if taskID == "" {
		return nil, fmt.Errorf("task ID cannot be empty")
	}
	data, err := s.client.Get(ctx, s.taskKey(taskID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, core.ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to load task: %w", err)
	}

	var task core.Task
	if err := json.Unmarshal([]byte(data), &task); err != nil {
		return nil, fmt.Errorf("failed to deserialize task: %w", err)
	}
	return &task, nil
}

// Update applies mutate under WATCH so concurrent mutations retry instead
// of overwriting each other. mutate may run more than once.
func (s *TaskStore) Update(ctx context.Context, taskID string, mutate func(*core.Task) error) (*core.Task, error) {
	key := s.taskKey(taskID)
	const maxAttempts = 5

	var updated *core.Task
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Result()
			if err != nil {
				if err == redis.Nil {
					return core.ErrTaskNotFound
				}
				return err
			}

			var task core.Task
			if err := json.Unmarshal([]byte(data), &task); err != nil {
				return fmt.Errorf("failed to deserialize task: %w", err)
			}
			if err := mutate(&task); err != nil {
				return err
			}
			task.UpdatedAt = time.Now().UTC()

			payload, err := json.Marshal(&task)
			if err != nil {
				return fmt.Errorf("failed to serialize task: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, redis.KeepTTL)
				return nil
			})
			if err == nil {
				updated = &task
			}
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("task %s: concurrent modification, gave up after %d attempts", taskID, maxAttempts)
}

// SetStatus transitions a task, enforcing the status machine. Identity
// transitions are accepted for idempotent re-deliveries.
func (s *TaskStore) SetStatus(ctx context.Context, taskID string, to core.TaskStatus) (*core.Task, error) {
	return s.Update(ctx, taskID, func(task *core.Task) error {
		if !core.CanTransition(task.Status, to) {
			return fmt.Errorf("cannot transition %s from %s to %s: %w",
				taskID, task.Status, to, core.ErrInvalidTransition)
		}
		task.Status = to
		return nil
	})
}

// UpdateProgress writes executor progress without touching other fields.
func (s *TaskStore) UpdateProgress(ctx context.Context, taskID string, percentage float64, message string) error {
	_, err := s.Update(ctx, taskID, func(task *core.Task) error {
		task.Progress = &core.TaskProgress{
			Percentage:    percentage,
			Message:       message,
			LastHeartbeat: time.Now().UTC(),
		}
		return nil
	})
	return err
}

// AppendError appends a structured error entry with a concrete timestamp.
func (s *TaskStore) AppendError(ctx context.Context, taskID string, te *core.TaskError) (*core.Task, error) {
	return s.Update(ctx, taskID, func(task *core.Task) error {
		task.AppendError(te)
		return nil
	})
}

// List returns tasks, optionally filtered by status. The id set is
// bounded by the store TTL so a full scan stays cheap.
func (s *TaskStore) List(ctx context.Context, status core.TaskStatus) ([]*core.Task, error) {
	ids, err := s.client.SMembers(ctx, s.idSetKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	var tasks []*core.Task
	for _, id := range ids {
		task, err := s.Get(ctx, id)
		if err != nil {
			if core.IsNotFound(err) {
				// Value expired; drop the dangling index entry.
				_ = s.client.SRem(ctx, s.idSetKey(), id).Err()
				continue
			}
			return nil, err
		}
		if status != "" && task.Status != status {
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// FindLiveRetry returns a non-terminal task parented to originID, or nil
// when none exists. The repair loop consults this before minting a retry so
// duplicate deliveries of the same failure never produce two children.
func (s *TaskStore) FindLiveRetry(ctx context.Context, originID string) (*core.Task, error) {
	tasks, err := s.List(ctx, "")
	if err != nil {
		return nil, err
	}
	for _, task := range tasks {
		if task.ParentTaskID == originID && !task.Status.IsTerminal() {
			return task, nil
		}
	}
	return nil, nil
}

// ClaimRepair takes the single-writer claim for repairing originID. Returns
// false when another delivery already holds it; the claim expires with ttl
// so a crashed repairer does not block the origin forever.
func (s *TaskStore) ClaimRepair(ctx context.Context, originID string, ttl time.Duration) (bool, error) {
	key := fmt.Sprintf("%s:repair_claim:%s", s.config.KeyPrefix, originID)
	claimed, err := s.client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim repair: %w", err)
	}
	return claimed, nil
}

// Delete removes a task document.
func (s *TaskStore) Delete(ctx context.Context, taskID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.taskKey(taskID))
	pipe.SRem(ctx, s.idSetKey(), taskID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

// IsCancelRequested reports whether the stored status is cancelled. The
// executor's cooperative checkpoint polls this.
func (s *TaskStore) IsCancelRequested(ctx context.Context, taskID string) (bool, error) {
	task, err := s.Get(ctx, taskID)
	if err != nil {
		if core.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return task.Status == core.TaskStatusCancelled, nil
}
