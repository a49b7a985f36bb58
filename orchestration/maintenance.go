package orchestration

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/taskforge-ai/taskforge/core"
)

// MaintenanceConfig configures the background maintenance loops.
type MaintenanceConfig struct {
	// StatsInterval is the cadence of the pending-work scan. Default: 5s.
	StatsInterval time.Duration `json:"stats_interval"`

	// CleanupInterval is the cadence of expiry and liveness sweeps.
	// Default: 60s.
	CleanupInterval time.Duration `json:"cleanup_interval"`

	// WorkerLiveness is the heartbeat window after which a worker is
	// marked crashed. Default: 10 minutes.
	WorkerLiveness time.Duration `json:"worker_liveness"`

	// WorkerKeyPrefix must match the pool's. Default: "taskforge:workers".
	WorkerKeyPrefix string `json:"worker_key_prefix"`

	// Logger is an optional logger for maintenance operations.
	Logger core.Logger `json:"-"`
}

// DefaultMaintenanceConfig returns default configuration.
func DefaultMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		StatsInterval:   5 * time.Second,
		CleanupInterval: 60 * time.Second,
		WorkerLiveness:  core.DefaultWorkerLiveness,
		WorkerKeyPrefix: "taskforge:workers",
	}
}

// Maintenance runs the engine's background sweeps: pending-work stats,
// expired task cleanup, and stale-worker detection.
type Maintenance struct {
	client     *redis.Client
	store      *TaskStore
	dispatcher *RedisDispatcher
	config     MaintenanceConfig
	logger     core.Logger

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewMaintenance creates the maintenance runner.
func NewMaintenance(client *redis.Client, store *TaskStore, dispatcher *RedisDispatcher, config *MaintenanceConfig) *Maintenance {
	if config == nil {
		defaultConfig := DefaultMaintenanceConfig()
		config = &defaultConfig
	}
	if config.StatsInterval <= 0 {
		config.StatsInterval = 5 * time.Second
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 60 * time.Second
	}
	if config.WorkerLiveness <= 0 {
		config.WorkerLiveness = core.DefaultWorkerLiveness
	}
	if config.WorkerKeyPrefix == "" {
		config.WorkerKeyPrefix = "taskforge:workers"
	}

	m := &Maintenance{
		client:     client,
		store:      store,
		dispatcher: dispatcher,
		config:     *config,
		logger:     config.Logger,
	}
	if m.logger != nil {
		if cal, ok := m.logger.(core.ComponentAwareLogger); ok {
			m.logger = cal.WithComponent("engine/orchestration")
		}
	}
	return m
}

func (m *Maintenance) workerRegistryKey() string {
	return m.config.WorkerKeyPrefix + ":registry"
}

// Start launches the sweeps until Stop is called.
func (m *Maintenance) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return core.ErrAlreadyStarted
	}
	m.started = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	go func() {
		defer close(m.doneCh)
		stats := time.NewTicker(m.config.StatsInterval)
		defer stats.Stop()
		cleanup := time.NewTicker(m.config.CleanupInterval)
		defer cleanup.Stop()

		for {
			select {
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			case <-stats.C:
				m.scanPending(ctx)
			case <-cleanup.C:
				m.sweepExpired(ctx)
				m.sweepStaleWorkers(ctx)
			}
		}
	}()
	return nil
}

// Stop halts the sweeps and waits for the runner to exit.
func (m *Maintenance) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	close(m.stopCh)
	<-m.doneCh
	m.started = false
}

// EngineStats is a point-in-time snapshot of engine load.
type EngineStats struct {
	TasksByStatus   map[core.TaskStatus]int `json:"tasks_by_status"`
	PendingDispatch int64                   `json:"pending_dispatch"`
	Workers         int                     `json:"workers"`
	CrashedWorkers  int                     `json:"crashed_workers"`
	CollectedAt     time.Time               `json:"collected_at"`
}

// Stats assembles the current snapshot.
func (m *Maintenance) Stats(ctx context.Context) (*EngineStats, error) {
	tasks, err := m.store.List(ctx, "")
	if err != nil {
		return nil, err
	}
	stats := &EngineStats{
		TasksByStatus: make(map[core.TaskStatus]int),
		CollectedAt:   time.Now().UTC(),
	}
	for _, task := range tasks {
		stats.TasksByStatus[task.Status]++
	}

	if m.dispatcher != nil {
		if pending, err := m.dispatcher.PendingCount(ctx); err == nil {
			stats.PendingDispatch = pending
		}
	}

	workers, err := listWorkers(ctx, m.client, m.workerRegistryKey())
	if err == nil {
		stats.Workers = len(workers)
		for _, w := range workers {
			if w.Status == core.WorkerCrashed {
				stats.CrashedWorkers++
			}
		}
	}
	return stats, nil
}

func (m *Maintenance) scanPending(ctx context.Context) {
	stats, err := m.Stats(ctx)
	if err != nil {
		if m.logger != nil {
			m.logger.WarnWithContext(ctx, "Stats scan failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
		return
	}
	backlog := stats.TasksByStatus[core.TaskStatusPending] + stats.TasksByStatus[core.TaskStatusQueued]
	if backlog > 0 && m.logger != nil {
		m.logger.DebugWithContext(ctx, "Pending work scan", map[string]interface{}{
			"backlog":          backlog,
			"running":          stats.TasksByStatus[core.TaskStatusRunning],
			"pending_dispatch": stats.PendingDispatch,
		})
	}
}

// sweepExpired deletes terminal tasks past their retention window.
func (m *Maintenance) sweepExpired(ctx context.Context) {
	tasks, err := m.store.List(ctx, "")
	if err != nil {
		return
	}
	now := time.Now().UTC()
	removed := 0
	for _, task := range tasks {
		if !task.Status.IsTerminal() || task.ExpiresAt.IsZero() || now.Before(task.ExpiresAt) {
			continue
		}
		if err := m.store.Delete(ctx, task.ID); err == nil {
			removed++
		}
	}
	if removed > 0 && m.logger != nil {
		m.logger.InfoWithContext(ctx, "Expired tasks removed", map[string]interface{}{
			"count": removed,
		})
	}
}

// sweepStaleWorkers marks workers silent past the liveness window as
// crashed and fails the tasks they were holding.
func (m *Maintenance) sweepStaleWorkers(ctx context.Context) {
	workers, err := listWorkers(ctx, m.client, m.workerRegistryKey())
	if err != nil {
		return
	}
	now := time.Now().UTC()
	for _, w := range workers {
		if w.Status == core.WorkerStopped || w.Status == core.WorkerCrashed {
			continue
		}
		if now.Sub(w.LastHeartbeat) < m.config.WorkerLiveness {
			continue
		}

		orphaned := w.CurrentTasks
		w.Status = core.WorkerCrashed
		w.CurrentTasks = nil
		if data, err := json.Marshal(w); err == nil {
			_ = m.client.HSet(ctx, m.workerRegistryKey(), w.ID, data).Err()
		}
		if m.logger != nil {
			m.logger.ErrorWithContext(ctx, "Worker marked crashed", map[string]interface{}{
				"worker_id":      w.ID,
				"last_heartbeat": w.LastHeartbeat,
				"orphaned_tasks": len(orphaned),
			})
		}

		for _, taskID := range orphaned {
			te := core.NewTaskError(core.ErrInternalInvariant,
				"worker stopped heartbeating during execution", "")
			if _, err := m.store.AppendError(ctx, taskID, te); err != nil {
				continue
			}
			_, _ = m.store.SetStatus(ctx, taskID, core.TaskStatusFailed)
		}
	}
}
