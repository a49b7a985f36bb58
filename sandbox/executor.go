// Package sandbox executes template scripts in an isolated ECMAScript VM
// with a narrow injected capability envelope and bounded wall-clock time.
// Scripts never touch the host process: no module loading, no globals
// beyond the envelope, every side effect audited and capped.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/taskforge-ai/taskforge/core"
)

// State is the executor's per-run state machine. Only transitions out of
// StateRunning are terminal.
type State string

const (
	StateLoaded    State = "loaded"
	StateValidated State = "validated"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
	StateCancelled State = "cancelled"
)

// Config configures the executor.
type Config struct {
	// ScriptTimeout bounds one script's wall clock. Default: 12 minutes.
	ScriptTimeout time.Duration `json:"script_timeout"`

	// CallTimeout bounds one capability call. Default: 12 minutes.
	CallTimeout time.Duration `json:"call_timeout"`

	// MaxCallStackSize bounds VM recursion depth. Default: 2048.
	MaxCallStackSize int `json:"max_call_stack_size"`

	// Logger is an optional logger for executor operations.
	Logger core.Logger `json:"-"`
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		ScriptTimeout:    12 * time.Minute,
		CallTimeout:      12 * time.Minute,
		MaxCallStackSize: 2048,
	}
}

// Executor runs template scripts. It is stateless across runs; every
// Execute gets a fresh VM.
type Executor struct {
	config Config
	logger core.Logger
}

// NewExecutor creates an executor.
func NewExecutor(config *Config) *Executor {
	if config == nil {
		defaultConfig := DefaultConfig()
		config = &defaultConfig
	}
	if config.ScriptTimeout <= 0 {
		config.ScriptTimeout = 12 * time.Minute
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = 12 * time.Minute
	}
	if config.MaxCallStackSize <= 0 {
		config.MaxCallStackSize = 2048
	}

	logger := config.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("engine/sandbox")
	}
	return &Executor{config: *config, logger: logger}
}

// Request is one execution: a script snapshot plus coerced parameters and
// the capability envelope.
type Request struct {
	TaskID       string
	Script       string
	Parameters   map[string]interface{}
	MemoryTierMB int
	Capabilities *Capabilities
}

// Result is the outcome of one execution. Err is nil iff State is
// StateCompleted.
type Result struct {
	State        State
	Output       map[string]interface{}
	ArtifactURLs []string
	Steps        []core.TrajectoryStep
	Duration     time.Duration
	Err          *core.TaskError
}

// execution is the per-run mutable state shared with the capability
// closures.
type execution struct {
	ctx         context.Context
	vm          *goja.Runtime
	taskID      string
	caps        *Capabilities
	logger      core.Logger
	callTimeout time.Duration

	steps        []core.TrajectoryStep
	artifactURLs []string
	currentStep  string
	cancelled    bool
	lastErr      *core.TaskError
}

// fail records the typed error before it is thrown into the script. If the
// script lets it propagate, Execute reports exactly this error.
func (x *execution) fail(te *core.TaskError) error {
	x.lastErr = te
	return te
}

// interruptReason distinguishes the wall-clock interrupt from an external
// context interrupt.
type interruptReason string

const (
	interruptTimeout   interruptReason = "script wall clock exceeded"
	interruptCancelled interruptReason = "execution context cancelled"
)

// Execute runs one script to a terminal state. The error taxonomy is
// returned inside Result; the Go error is reserved for executor misuse.
func (e *Executor) Execute(ctx context.Context, req *Request) (*Result, error) {
	if req == nil {
		return nil, fmt.Errorf("request cannot be nil")
	}
	if req.Capabilities == nil {
		req.Capabilities = &Capabilities{}
	}
	started := time.Now()

	// loaded -> validated
	if te := ValidateScript(req.Script); te != nil {
		e.logger.WarnWithContext(ctx, "Script failed static validation", map[string]interface{}{
			"task_id": req.TaskID,
			"error":   te.Message,
		})
		return &Result{State: StateFailed, Err: te, Duration: time.Since(started)}, nil
	}

	vm := goja.New()
	vm.SetMaxCallStackSize(e.config.MaxCallStackSize)

	x := &execution{
		ctx:         ctx,
		vm:          vm,
		taskID:      req.TaskID,
		caps:        req.Capabilities,
		logger:      e.logger,
		callTimeout: e.config.CallTimeout,
	}

	// Wall clock and external cancellation both interrupt the VM; the
	// interrupt value tells them apart afterwards.
	timer := time.AfterFunc(e.config.ScriptTimeout, func() {
		vm.Interrupt(interruptTimeout)
	})
	defer timer.Stop()

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(interruptCancelled)
		case <-watchDone:
		}
	}()

	// validated -> running
	e.logger.DebugWithContext(ctx, "Script execution started", map[string]interface{}{
		"task_id":        req.TaskID,
		"memory_tier_mb": req.MemoryTierMB,
	})

	output, runErr := x.run(req.Script, req.Parameters)
	duration := time.Since(started)

	result := &Result{
		Output:       output,
		ArtifactURLs: x.artifactURLs,
		Steps:        x.steps,
		Duration:     duration,
	}

	if runErr == nil {
		result.State = StateCompleted
	} else {
		result.State, result.Err = e.classify(ctx, x, runErr)
	}

	e.logger.InfoWithContext(ctx, "Script execution finished", map[string]interface{}{
		"task_id":     req.TaskID,
		"state":       string(result.State),
		"duration_ms": duration.Milliseconds(),
		"steps":       len(x.steps),
	})
	return result, nil
}

// run loads the script, resolves the run entry point and invokes it with
// (params, capabilities).
func (x *execution) run(script string, params map[string]interface{}) (map[string]interface{}, error) {
	if _, err := x.vm.RunString(script); err != nil {
		return nil, err
	}

	runFn, ok := goja.AssertFunction(x.vm.Get("run"))
	if !ok {
		return nil, core.NewTaskError(core.ErrScriptInvalid, "run is not a function", "")
	}

	value, err := runFn(goja.Undefined(), x.vm.ToValue(params), x.vm.ToValue(x.envelope()))
	if err != nil {
		return nil, err
	}
	return exportOutput(value), nil
}

func exportOutput(value goja.Value) map[string]interface{} {
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return map[string]interface{}{}
	}
	if m, ok := value.Export().(map[string]interface{}); ok {
		return m
	}
	return map[string]interface{}{"summary": fmt.Sprint(value.Export())}
}

// classify maps a VM error to the taxonomy and terminal state.
func (e *Executor) classify(ctx context.Context, x *execution, runErr error) (State, *core.TaskError) {
	var interrupted *goja.InterruptedError
	if errors.As(runErr, &interrupted) {
		if reason, ok := interrupted.Value().(interruptReason); ok && reason == interruptCancelled {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return StateTimedOut, core.NewTaskError(core.ErrTypeTimeout, string(interruptTimeout), x.currentStep)
			}
			return StateCancelled, core.NewTaskError(core.ErrCancelled, "execution cancelled", x.currentStep)
		}
		return StateTimedOut, core.NewTaskError(core.ErrTypeTimeout, string(interruptTimeout), x.currentStep)
	}

	// A typed error raised by a capability and not caught by the script.
	var te *core.TaskError
	if errors.As(runErr, &te) {
		return stateForError(te), te
	}
	var ex *goja.Exception
	if errors.As(runErr, &ex) {
		if exported, ok := ex.Value().Export().(error); ok {
			if errors.As(exported, &te) {
				return stateForError(te), te
			}
		}
		if x.lastErr != nil {
			return stateForError(x.lastErr), x.lastErr
		}
		return StateFailed, core.NewTaskError(core.ErrUpstreamError, ex.Value().String(), x.currentStep)
	}

	return StateFailed, core.AsTaskError(runErr)
}

func stateForError(te *core.TaskError) State {
	switch te.Type {
	case core.ErrCancelled:
		return StateCancelled
	case core.ErrTypeTimeout:
		return StateTimedOut
	}
	return StateFailed
}
