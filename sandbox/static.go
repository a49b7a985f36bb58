package sandbox

import (
	"fmt"
	"strings"

	"github.com/taskforge-ai/taskforge/core"
)

// Per-call caps enforced before any data-source call leaves the sandbox.
const (
	// MaxListRows is the hard cap on rows a list-style call may request.
	MaxListRows = 500

	// MaxBatchCommands caps sub-commands inside one batch call.
	MaxBatchCommands = 50

	// MaxParamPayloadBytes caps the serialized size of a single call's
	// parameters.
	MaxParamPayloadBytes = 100 * 1024
)

// dangerousMethodPrefixes are statically refused method families: user
// administration, event binding, workflow start, app management. A refusal
// is CAPABILITY_REFUSED, never forwarded upstream.
var dangerousMethodPrefixes = []string{
	"user.add",
	"user.update",
	"user.delete",
	"user.admin",
	"event.bind",
	"event.unbind",
	"bizproc.workflow.start",
	"bizproc.robot",
	"app.install",
	"app.uninstall",
	"placement.bind",
}

// MethodAllowed reports whether a data-source method is in the safe class.
func MethodAllowed(method string) bool {
	m := strings.ToLower(strings.TrimSpace(method))
	for _, prefix := range dangerousMethodPrefixes {
		if strings.HasPrefix(m, prefix) {
			return false
		}
	}
	return m != ""
}

// isListMethod identifies list-style calls subject to the filter-required
// and row-cap rules.
func isListMethod(method string) bool {
	return strings.HasSuffix(strings.ToLower(method), ".list")
}

// ValidateScript is the static gate run before a script reaches the VM.
// It rejects banned patterns and obviously malformed sources with a typed
// SCRIPT_INVALID error.
func ValidateScript(script string) *core.TaskError {
	if strings.TrimSpace(script) == "" {
		return core.NewTaskError(core.ErrScriptInvalid, "execution script is empty", "")
	}
	if pattern, found := core.ScanBanned(script); found {
		return core.NewTaskError(core.ErrScriptInvalid,
			fmt.Sprintf("script contains banned pattern %q", pattern), "")
	}
	if !strings.Contains(script, "function run") && !strings.Contains(script, "run =") {
		return core.NewTaskError(core.ErrScriptInvalid, "script does not define a run entry point", "")
	}
	return nil
}

// validateCallParams enforces the per-call policy for one data-source call.
func validateCallParams(method string, params map[string]interface{}, payloadBytes int) *core.TaskError {
	if payloadBytes > MaxParamPayloadBytes {
		return core.NewTaskError(core.ErrCapabilityRefused,
			fmt.Sprintf("call payload %d bytes exceeds %d byte cap", payloadBytes, MaxParamPayloadBytes), method)
	}

	if isListMethod(method) {
		filter, ok := params["filter"]
		if !ok || isEmptyFilter(filter) {
			return core.NewTaskError(core.ErrCapabilityRefused,
				"list calls require a non-empty filter parameter", method)
		}
		if limit, ok := numericParam(params, "limit"); ok && limit > MaxListRows {
			return core.NewTaskError(core.ErrCapabilityRefused,
				fmt.Sprintf("requested %d rows, cap is %d", int(limit), MaxListRows), method)
		}
	}

	if strings.EqualFold(method, "batch") {
		if count := batchSize(params); count > MaxBatchCommands {
			return core.NewTaskError(core.ErrCapabilityRefused,
				fmt.Sprintf("batch carries %d sub-commands, cap is %d", count, MaxBatchCommands), method)
		}
	}
	return nil
}

func isEmptyFilter(v interface{}) bool {
	switch f := v.(type) {
	case nil:
		return true
	case map[string]interface{}:
		return len(f) == 0
	case string:
		return strings.TrimSpace(f) == ""
	}
	return false
}

func numericParam(params map[string]interface{}, key string) (float64, bool) {
	switch v := params[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func batchSize(params map[string]interface{}) int {
	switch cmd := params["cmd"].(type) {
	case map[string]interface{}:
		return len(cmd)
	case []interface{}:
		return len(cmd)
	}
	return 0
}
