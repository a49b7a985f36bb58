package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/taskforge-ai/taskforge/core"
)

// DispatchHandler processes one delivered payload. The worker pool treats a
// returned error as handled-and-logged; task status is the handler's
// responsibility.
type DispatchHandler func(ctx context.Context, payload *core.DispatchPayload) error

// WorkerPoolConfig configures the execution worker pool.
type WorkerPoolConfig struct {
	// NumWorkers is the pool size. Default: 4.
	NumWorkers int `json:"num_workers"`

	// MaxTasksPerWorker bounds concurrent executions per worker. Default: 2.
	MaxTasksPerWorker int `json:"max_tasks_per_worker"`

	// PollInterval is the idle dequeue backoff. Default: 500ms.
	PollInterval time.Duration `json:"poll_interval"`

	// HeartbeatInterval is how often workers persist liveness. Default: 30s.
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`

	// KeyPrefix namespaces the worker registry. Default: "taskforge:workers".
	KeyPrefix string `json:"key_prefix"`

	// Logger is an optional logger for worker operations.
	Logger core.Logger `json:"-"`
}

// DefaultWorkerPoolConfig returns default configuration.
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		NumWorkers:        4,
		MaxTasksPerWorker: 2,
		PollInterval:      500 * time.Millisecond,
		HeartbeatInterval: 30 * time.Second,
		KeyPrefix:         "taskforge:workers",
	}
}

// WorkerPool pulls ready dispatches and runs them through the handler. Each
// worker persists a heartbeat record; workers silent past the liveness
// window are marked crashed by the maintenance loop.
type WorkerPool struct {
	client     *redis.Client
	dispatcher *RedisDispatcher
	store      *TaskStore
	handler    DispatchHandler
	config     WorkerPoolConfig
	logger     core.Logger

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewWorkerPool creates a worker pool over the dispatcher's ready queue.
func NewWorkerPool(client *redis.Client, dispatcher *RedisDispatcher, store *TaskStore, handler DispatchHandler, config *WorkerPoolConfig) *WorkerPool {
	if config == nil {
		defaultConfig := DefaultWorkerPoolConfig()
		config = &defaultConfig
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = 4
	}
	if config.MaxTasksPerWorker <= 0 {
		config.MaxTasksPerWorker = 2
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 500 * time.Millisecond
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 30 * time.Second
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "taskforge:workers"
	}

	p := &WorkerPool{
		client:     client,
		dispatcher: dispatcher,
		store:      store,
		handler:    handler,
		config:     *config,
		logger:     config.Logger,
	}
	if p.logger != nil {
		if cal, ok := p.logger.(core.ComponentAwareLogger); ok {
			p.logger = cal.WithComponent("engine/orchestration")
		}
	}
	return p
}

func (p *WorkerPool) registryKey() string { return p.config.KeyPrefix + ":registry" }

// Start launches the workers. Returns ErrAlreadyStarted on double start.
func (p *WorkerPool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return core.ErrAlreadyStarted
	}
	p.started = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	for i := 0; i < p.config.NumWorkers; i++ {
		workerID := fmt.Sprintf("worker_%d_%s", i, uuid.NewString()[:8])
		p.wg.Add(1)
		go p.runWorker(ctx, workerID)
	}

	if p.logger != nil {
		p.logger.InfoWithContext(ctx, "Worker pool started", map[string]interface{}{
			"num_workers":          p.config.NumWorkers,
			"max_tasks_per_worker": p.config.MaxTasksPerWorker,
		})
	}
	return nil
}

// Stop signals workers to finish in-flight tasks and waits for them.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	close(p.stopCh)
	p.started = false
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *WorkerPool) runWorker(ctx context.Context, workerID string) {
	defer p.wg.Done()

	record := &core.Worker{
		ID:                 workerID,
		Status:             core.WorkerStarting,
		MaxConcurrentTasks: p.config.MaxTasksPerWorker,
		LastHeartbeat:      time.Now().UTC(),
	}
	var recordMu sync.Mutex
	p.persistWorker(ctx, record, &recordMu)

	heartbeat := time.NewTicker(p.config.HeartbeatInterval)
	defer heartbeat.Stop()
	poll := time.NewTicker(p.config.PollInterval)
	defer poll.Stop()

	// Semaphore bounds concurrent executions on this worker.
	slots := make(chan struct{}, p.config.MaxTasksPerWorker)
	var inflight sync.WaitGroup

	setStatus := func(status core.WorkerStatus) {
		recordMu.Lock()
		record.Status = status
		recordMu.Unlock()
		p.persistWorker(ctx, record, &recordMu)
	}
	setStatus(core.WorkerIdle)

	for {
		select {
		case <-p.stopCh:
			setStatus(core.WorkerStopping)
			inflight.Wait()
			setStatus(core.WorkerStopped)
			return
		case <-ctx.Done():
			setStatus(core.WorkerStopping)
			inflight.Wait()
			setStatus(core.WorkerStopped)
			return
		case <-heartbeat.C:
			p.persistWorker(ctx, record, &recordMu)
		case <-poll.C:
			select {
			case slots <- struct{}{}:
			default:
				continue // at capacity
			}

			payload, err := p.dispatcher.Dequeue(ctx)
			if err != nil {
				<-slots
				if p.logger != nil {
					p.logger.WarnWithContext(ctx, "Dequeue failed", map[string]interface{}{
						"worker_id": workerID,
						"error":     err.Error(),
					})
				}
				continue
			}
			if payload == nil {
				<-slots
				continue
			}

			recordMu.Lock()
			record.Status = core.WorkerRunning
			record.CurrentTasks = append(record.CurrentTasks, payload.TaskID)
			recordMu.Unlock()
			p.persistWorker(ctx, record, &recordMu)

			inflight.Add(1)
			go func(payload *core.DispatchPayload) {
				defer inflight.Done()
				defer func() { <-slots }()
				defer func() {
					recordMu.Lock()
					record.CurrentTasks = removeString(record.CurrentTasks, payload.TaskID)
					if len(record.CurrentTasks) == 0 {
						record.Status = core.WorkerIdle
					}
					recordMu.Unlock()
					p.persistWorker(ctx, record, &recordMu)
				}()
				p.handle(ctx, workerID, payload)
			}(payload)
		}
	}
}

// handle runs one dispatch with panic isolation. A panicking script or
// handler marks the task failed instead of taking the worker down.
func (p *WorkerPool) handle(ctx context.Context, workerID string, payload *core.DispatchPayload) {
	defer func() {
		if r := recover(); r != nil {
			if p.logger != nil {
				p.logger.ErrorWithContext(ctx, "Worker panic recovered", map[string]interface{}{
					"worker_id": workerID,
					"task_id":   payload.TaskID,
					"panic":     fmt.Sprintf("%v", r),
					"stack":     string(debug.Stack()),
				})
			}
			te := core.NewTaskError(core.ErrInternalInvariant,
				fmt.Sprintf("worker panic: %v", r), "")
			if _, err := p.store.AppendError(ctx, payload.TaskID, te); err == nil {
				_, _ = p.store.SetStatus(ctx, payload.TaskID, core.TaskStatusFailed)
			}
		}
	}()

	now := time.Now().UTC()
	_, _ = p.store.Update(ctx, payload.TaskID, func(task *core.Task) error {
		task.Execution.WorkerID = workerID
		task.Execution.StartedAt = &now
		return nil
	})

	if err := p.handler(ctx, payload); err != nil && p.logger != nil {
		p.logger.WarnWithContext(ctx, "Dispatch handler returned error", map[string]interface{}{
			"worker_id": workerID,
			"task_id":   payload.TaskID,
			"error":     err.Error(),
		})
	}
}

func (p *WorkerPool) persistWorker(ctx context.Context, w *core.Worker, mu *sync.Mutex) {
	mu.Lock()
	w.LastHeartbeat = time.Now().UTC()
	data, err := json.Marshal(w)
	mu.Unlock()
	if err != nil {
		return
	}
	if err := p.client.HSet(ctx, p.registryKey(), w.ID, data).Err(); err != nil && p.logger != nil {
		p.logger.WarnWithContext(ctx, "Worker heartbeat write failed", map[string]interface{}{
			"worker_id": w.ID,
			"error":     err.Error(),
		})
	}
}

// Workers returns the persisted worker records.
func (p *WorkerPool) Workers(ctx context.Context) ([]*core.Worker, error) {
	return listWorkers(ctx, p.client, p.registryKey())
}

func listWorkers(ctx context.Context, client *redis.Client, key string) ([]*core.Worker, error) {
	fields, err := client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	workers := make([]*core.Worker, 0, len(fields))
	for _, raw := range fields {
		var w core.Worker
		if err := json.Unmarshal([]byte(raw), &w); err != nil {
			continue
		}
		workers = append(workers, &w)
	}
	return workers, nil
}

func removeString(s []string, v string) []string {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
