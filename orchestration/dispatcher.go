package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/taskforge-ai/taskforge/core"
)

// DispatcherConfig configures the Redis dispatcher.
type DispatcherConfig struct {
	// KeyPrefix namespaces dispatcher keys. Default: "taskforge:dispatch".
	KeyPrefix string `json:"key_prefix"`

	// PollInterval is how often the pump promotes due entries.
	// Default: 250ms.
	PollInterval time.Duration `json:"poll_interval"`

	// Logger is an optional logger for dispatch operations.
	Logger core.Logger `json:"-"`
}

// DefaultDispatcherConfig returns default configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		KeyPrefix:    "taskforge:dispatch",
		PollInterval: 250 * time.Millisecond,
	}
}

// RedisDispatcher implements core.Dispatcher on two sorted sets: scheduled
// entries scored by ready-at time, and ready entries scored so higher
// priority pops first and equal priority pops FIFO. Payloads live in a
// hash keyed by handle until dequeued, so Cancel is a ZRem plus HDel.
type RedisDispatcher struct {
	client *redis.Client
	config DispatcherConfig
	logger core.Logger

	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// NewRedisDispatcher creates a dispatcher. Call Start to run the pump that
// promotes due entries; Dequeue serves the ready queue to workers.
func NewRedisDispatcher(client *redis.Client, config *DispatcherConfig) *RedisDispatcher {
	if config == nil {
		defaultConfig := DefaultDispatcherConfig()
		config = &defaultConfig
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "taskforge:dispatch"
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 250 * time.Millisecond
	}

	d := &RedisDispatcher{
		client: client,
		config: *config,
		logger: config.Logger,
	}
	if d.logger != nil {
		if cal, ok := d.logger.(core.ComponentAwareLogger); ok {
			d.logger = cal.WithComponent("engine/orchestration")
		}
	}
	return d
}

func (d *RedisDispatcher) scheduledKey() string { return d.config.KeyPrefix + ":scheduled" }
func (d *RedisDispatcher) readyKey() string     { return d.config.KeyPrefix + ":ready" }
func (d *RedisDispatcher) payloadKey() string   { return d.config.KeyPrefix + ":payloads" }

// dispatchEnvelope is what the payload hash stores per handle.
type dispatchEnvelope struct {
	Handle     string                `json:"handle"`
	Payload    *core.DispatchPayload `json:"payload"`
	Priority   int                   `json:"priority"`
	EnqueuedAt time.Time             `json:"enqueued_at"`
}

// readyScore orders the ready queue: higher priority pops first, equal
// priority pops in enqueue order. Priority is 0-100 so the millisecond
// clock never crosses a priority band.
func readyScore(priority int, enqueuedAtMS int64) float64 {
	if priority < 0 {
		priority = 0
	}
	if priority > 100 {
		priority = 100
	}
	return float64(100-priority)*1e13 + float64(enqueuedAtMS)
}

// Enqueue schedules delivery of payload after delay.
func (d *RedisDispatcher) Enqueue(ctx context.Context, payload *core.DispatchPayload, delay time.Duration, priority int) (string, error) {
	if payload == nil || payload.TaskID == "" {
		return "", fmt.Errorf("dispatch payload requires a task id")
	}

	handle := "dsp_" + uuid.NewString()
	env := dispatchEnvelope{
		Handle:     handle,
		Payload:    payload,
		Priority:   priority,
		EnqueuedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(&env)
	if err != nil {
		return "", fmt.Errorf("failed to serialize dispatch payload: %w", err)
	}

	readyAt := time.Now().Add(delay).UnixMilli()
	pipe := d.client.TxPipeline()
	pipe.HSet(ctx, d.payloadKey(), handle, data)
	pipe.ZAdd(ctx, d.scheduledKey(), &redis.Z{Score: float64(readyAt), Member: handle})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to enqueue dispatch: %w", err)
	}

	if d.logger != nil {
		d.logger.DebugWithContext(ctx, "Dispatch scheduled", map[string]interface{}{
			"handle":   handle,
			"task_id":  payload.TaskID,
			"delay_ms": delay.Milliseconds(),
			"priority": priority,
		})
	}
	return handle, nil
}

// Cancel removes a pending dispatch. Returns false when the handle already
// fired or is unknown.
func (d *RedisDispatcher) Cancel(ctx context.Context, handle string) (bool, error) {
	removed, err := d.client.ZRem(ctx, d.scheduledKey(), handle).Result()
	if err != nil {
		return false, fmt.Errorf("failed to cancel dispatch: %w", err)
	}
	if removed == 0 {
		// Might still be sitting in the ready queue.
		removed, err = d.client.ZRem(ctx, d.readyKey(), handle).Result()
		if err != nil {
			return false, fmt.Errorf("failed to cancel dispatch: %w", err)
		}
	}
	if removed == 0 {
		return false, nil
	}
	if err := d.client.HDel(ctx, d.payloadKey(), handle).Err(); err != nil {
		return false, fmt.Errorf("failed to drop dispatch payload: %w", err)
	}
	return true, nil
}

// Dequeue pops the highest-priority due payload, or nil when the ready
// queue is empty.
func (d *RedisDispatcher) Dequeue(ctx context.Context) (*core.DispatchPayload, error) {
	popped, err := d.client.ZPopMin(ctx, d.readyKey(), 1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to pop ready dispatch: %w", err)
	}
	if len(popped) == 0 {
		return nil, nil
	}
	handle, _ := popped[0].Member.(string)

	data, err := d.client.HGet(ctx, d.payloadKey(), handle).Result()
	if err != nil {
		if err == redis.Nil {
			// Cancelled between promotion and dequeue.
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load dispatch payload: %w", err)
	}
	if err := d.client.HDel(ctx, d.payloadKey(), handle).Err(); err != nil {
		return nil, fmt.Errorf("failed to drop dispatch payload: %w", err)
	}

	var env dispatchEnvelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return nil, fmt.Errorf("failed to deserialize dispatch payload: %w", err)
	}
	return env.Payload, nil
}

// PromoteDue moves scheduled entries whose ready-at has passed into the
// ready queue. Exported so tests and the maintenance loop can drive it
// without the pump.
func (d *RedisDispatcher) PromoteDue(ctx context.Context) (int, error) {
	now := time.Now().UnixMilli()
	handles, err := d.client.ZRangeByScore(ctx, d.scheduledKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now),
		Count: 100,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan scheduled dispatches: %w", err)
	}

	promoted := 0
	for _, handle := range handles {
		// ZRem wins the promotion race across replicas.
		removed, err := d.client.ZRem(ctx, d.scheduledKey(), handle).Result()
		if err != nil {
			return promoted, fmt.Errorf("failed to promote dispatch: %w", err)
		}
		if removed == 0 {
			continue
		}
		data, err := d.client.HGet(ctx, d.payloadKey(), handle).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return promoted, fmt.Errorf("failed to load dispatch payload: %w", err)
		}
		var env dispatchEnvelope
		if err := json.Unmarshal([]byte(data), &env); err != nil {
			return promoted, fmt.Errorf("failed to deserialize dispatch payload: %w", err)
		}
		score := readyScore(env.Priority, env.EnqueuedAt.UnixMilli())
		if err := d.client.ZAdd(ctx, d.readyKey(), &redis.Z{Score: score, Member: handle}).Err(); err != nil {
			return promoted, fmt.Errorf("failed to ready dispatch: %w", err)
		}
		promoted++
	}
	return promoted, nil
}

// Start runs the pump until Stop is called.
func (d *RedisDispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return core.ErrAlreadyStarted
	}
	d.started = true
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})
	d.mu.Unlock()

	go func() {
		defer close(d.doneCh)
		ticker := time.NewTicker(d.config.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-d.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := d.PromoteDue(ctx); err != nil && d.logger != nil {
					d.logger.WarnWithContext(ctx, "Dispatch promotion failed", map[string]interface{}{
						"error": err.Error(),
					})
				}
			}
		}
	}()
	return nil
}

// Stop halts the pump and waits for it to exit.
func (d *RedisDispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return
	}
	close(d.stopCh)
	<-d.doneCh
	d.started = false
}

// PendingCount returns scheduled plus ready entries, for the stats surface.
func (d *RedisDispatcher) PendingCount(ctx context.Context) (int64, error) {
	scheduled, err := d.client.ZCard(ctx, d.scheduledKey()).Result()
	if err != nil {
		return 0, err
	}
	ready, err := d.client.ZCard(ctx, d.readyKey()).Result()
	if err != nil {
		return 0, err
	}
	return scheduled + ready, nil
}
