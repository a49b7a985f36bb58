package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetTraceContextWithoutSpan(t *testing.T) {
	tc := GetTraceContext(context.Background())
	assert.Empty(t, tc.TraceID)
	assert.Empty(t, tc.SpanID)
	assert.False(t, tc.Sampled)
}

func TestGetTraceContextNilContext(t *testing.T) {
	tc := GetTraceContext(nil)
	assert.Empty(t, tc.TraceID)
}

func TestStartLinkedSpanDegradesOnInvalidIDs(t *testing.T) {
	ctx, end := StartLinkedSpan(context.Background(), "task.process", "not-hex", "also-not-hex", map[string]string{
		"task.id": "task_1700000000000_demo",
	})
	require.NotNil(t, ctx)
	end()
}

func TestStartLinkedSpanNilContext(t *testing.T) {
	ctx, end := StartLinkedSpan(nil, "task.process", "", "", nil)
	require.NotNil(t, ctx)
	end()
}

func TestEmitHelpersDoNotPanicWithoutInit(t *testing.T) {
	ctx := context.Background()
	EmitTaskCreated(ctx, "auto")
	EmitTaskFinished(ctx, "completed", 1200)
	EmitRepairAttempt(ctx, "accepted")
	EmitMemoryWrite(ctx, "task_success")
	EmitTemplateMatch(ctx, "name")
}
