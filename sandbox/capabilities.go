package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/taskforge-ai/taskforge/core"
)

// ArtifactStore persists script outputs under the artefact naming
// conventions and returns stable URLs.
type ArtifactStore interface {
	SaveReport(ctx context.Context, filename string, html []byte) (string, error)
	SaveDiagram(ctx context.Context, filename string, xml []byte) (string, error)
	SaveImage(ctx context.Context, filename string, png []byte) (string, error)
}

// Capabilities is the envelope of side-effectful functions a script may
// call. Everything a script can reach goes through here; the executor
// enforces policy before any call leaves the sandbox.
type Capabilities struct {
	DataSource core.DataSource
	LLM        core.AIClient
	Artifacts  ArtifactStore
	Logger     core.Logger

	// Progress propagates script progress onto the task record.
	Progress func(ctx context.Context, percentage int, message string) error

	// CancelRequested consults the task store's cancellation flag. The
	// checkpoint capability and every data-source call observe it.
	CancelRequested func(ctx context.Context) (bool, error)
}

// envelope builds the JS-visible capability object for one execution. Each
// method is a Go closure; goja throws returned errors as catchable
// exceptions inside the script.
func (x *execution) envelope() map[string]interface{} {
	return map[string]interface{}{
		"data_source": map[string]interface{}{
			"call": x.dataSourceCall,
		},
		"llm": map[string]interface{}{
			"generate": x.llmGenerate,
		},
		"logger": map[string]interface{}{
			"debug": x.logAt("debug"),
			"info":  x.logAt("info"),
			"warn":  x.logAt("warn"),
			"error": x.logAt("error"),
		},
		"progress":   x.progress,
		"checkpoint": x.checkpoint,
		"artifacts": map[string]interface{}{
			"save_report":  x.saveReport,
			"save_diagram": x.saveDiagram,
			"save_image":   x.saveImage,
		},
	}
}

// checkpoint raises a typed Cancelled error when the orchestrator has
// flagged the task cancelled. Scripts call it between phases; capability
// calls invoke it implicitly.
func (x *execution) checkpoint() error {
	if x.caps.CancelRequested == nil {
		return nil
	}
	cancelled, err := x.caps.CancelRequested(x.ctx)
	if err != nil {
		return nil // store hiccups never abort a running script
	}
	if cancelled {
		x.cancelled = true
		return x.fail(core.NewTaskError(core.ErrCancelled, "task cancelled by request", x.currentStep))
	}
	return nil
}

func (x *execution) dataSourceCall(method string, params map[string]interface{}) (interface{}, error) {
	if err := x.checkpoint(); err != nil {
		return nil, err
	}
	if x.caps.DataSource == nil {
		return nil, x.fail(core.NewTaskError(core.ErrCapabilityRefused, "data source capability not provided", method))
	}
	if !MethodAllowed(method) {
		return nil, x.fail(core.NewTaskError(core.ErrCapabilityRefused,
			fmt.Sprintf("method %q is in the dangerous class", method), method))
	}

	payload, err := json.Marshal(params)
	if err != nil {
		return nil, x.fail(core.NewTaskError(core.ErrCapabilityRefused, "call parameters are not serializable", method))
	}
	if te := validateCallParams(method, params, len(payload)); te != nil {
		return nil, x.fail(te)
	}

	x.currentStep = method
	step := core.TrajectoryStep{Name: method, Input: params, StartedAt: time.Now()}

	callCtx, cancel := context.WithTimeout(x.ctx, x.callTimeout)
	result, callErr := x.caps.DataSource.Call(callCtx, method, params)
	cancel()

	step.Duration = time.Since(step.StartedAt)
	if callErr != nil {
		te := x.classifyCallError(callCtx, callErr, method)
		step.Err = te.Message
		x.steps = append(x.steps, step)
		return nil, x.fail(te)
	}
	step.Output = summarizeOutput(result)
	x.steps = append(x.steps, step)
	return result, nil
}

func (x *execution) classifyCallError(callCtx context.Context, err error, method string) *core.TaskError {
	if callCtx.Err() == context.DeadlineExceeded {
		return core.NewTaskError(core.ErrTypeTimeout,
			fmt.Sprintf("capability call exceeded %s", x.callTimeout), method)
	}
	te := core.AsTaskError(err)
	if te.Step == "" {
		te.Step = method
	}
	return te
}

func (x *execution) llmGenerate(prompt string) (string, error) {
	if err := x.checkpoint(); err != nil {
		return "", err
	}
	if x.caps.LLM == nil {
		return "", x.fail(core.NewTaskError(core.ErrCapabilityRefused, "llm capability not provided", "llm.generate"))
	}

	x.currentStep = "llm.generate"
	step := core.TrajectoryStep{Name: "llm.generate", StartedAt: time.Now()}

	callCtx, cancel := context.WithTimeout(x.ctx, x.callTimeout)
	resp, err := x.caps.LLM.GenerateResponse(callCtx, prompt, nil)
	cancel()

	step.Duration = time.Since(step.StartedAt)
	if err != nil {
		te := x.classifyCallError(callCtx, err, "llm.generate")
		step.Err = te.Message
		x.steps = append(x.steps, step)
		return "", x.fail(te)
	}
	x.steps = append(x.steps, step)
	return resp.Content, nil
}

func (x *execution) progress(percentage int, message string) error {
	if x.caps.Progress == nil {
		return nil
	}
	if percentage < 0 {
		percentage = 0
	}
	if percentage > 100 {
		percentage = 100
	}
	// Progress write failures are logged, never raised into the script.
	if err := x.caps.Progress(x.ctx, percentage, message); err != nil && x.logger != nil {
		x.logger.WarnWithContext(x.ctx, "Progress update failed", map[string]interface{}{
			"task_id": x.taskID,
			"error":   err.Error(),
		})
	}
	return nil
}

func (x *execution) logAt(level string) func(string, map[string]interface{}) {
	return func(msg string, fields map[string]interface{}) {
		if x.caps.Logger == nil {
			return
		}
		if fields == nil {
			fields = map[string]interface{}{}
		}
		fields["task_id"] = x.taskID
		fields["origin"] = "script"
		switch level {
		case "debug":
			x.caps.Logger.DebugWithContext(x.ctx, msg, fields)
		case "warn":
			x.caps.Logger.WarnWithContext(x.ctx, msg, fields)
		case "error":
			x.caps.Logger.ErrorWithContext(x.ctx, msg, fields)
		default:
			x.caps.Logger.InfoWithContext(x.ctx, msg, fields)
		}
	}
}

func (x *execution) saveReport(filename, html string) (string, error) {
	return x.saveArtifact("artifacts.save_report", filename, func(ctx context.Context) (string, error) {
		return x.caps.Artifacts.SaveReport(ctx, filename, []byte(html))
	})
}

func (x *execution) saveDiagram(filename, xml string) (string, error) {
	return x.saveArtifact("artifacts.save_diagram", filename, func(ctx context.Context) (string, error) {
		return x.caps.Artifacts.SaveDiagram(ctx, filename, []byte(xml))
	})
}

func (x *execution) saveImage(filename string, data []byte) (string, error) {
	return x.saveArtifact("artifacts.save_image", filename, func(ctx context.Context) (string, error) {
		return x.caps.Artifacts.SaveImage(ctx, filename, data)
	})
}

func (x *execution) saveArtifact(name, filename string, save func(context.Context) (string, error)) (string, error) {
	if err := x.checkpoint(); err != nil {
		return "", err
	}
	if x.caps.Artifacts == nil {
		return "", x.fail(core.NewTaskError(core.ErrCapabilityRefused, "artifact capability not provided", name))
	}

	x.currentStep = name
	step := core.TrajectoryStep{Name: name, Input: filename, StartedAt: time.Now()}

	callCtx, cancel := context.WithTimeout(x.ctx, x.callTimeout)
	url, err := save(callCtx)
	cancel()

	step.Duration = time.Since(step.StartedAt)
	if err != nil {
		te := x.classifyCallError(callCtx, err, name)
		step.Err = te.Message
		x.steps = append(x.steps, step)
		return "", x.fail(te)
	}
	step.Output = url
	x.steps = append(x.steps, step)
	x.artifactURLs = append(x.artifactURLs, url)
	return url, nil
}

// summarizeOutput keeps trajectory steps small: large outputs are replaced
// by a shape note.
func summarizeOutput(v interface{}) interface{} {
	raw, err := json.Marshal(v)
	if err != nil || len(raw) <= 2048 {
		return v
	}
	return fmt.Sprintf("[%d bytes]", len(raw))
}
