package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge-ai/taskforge/core"
)

func newStubServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client := NewClient("test-key", server.URL, nil)
	client.MaxRetries = 0
	return server, client
}

func TestGenerateResponse(t *testing.T) {
	var captured generateRequest
	_, client := newStubServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		fmt.Fprint(w, `{
			"candidates": [{"content": {"parts": [{"text": "hello"}]}}],
			"usageMetadata": {"promptTokenCount": 3, "candidatesTokenCount": 1, "totalTokenCount": 4}
		}`)
	})

	resp, err := client.GenerateResponse(context.Background(), "say hello", &core.AIOptions{
		SystemPrompt: "be brief",
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, 4, resp.Usage.TotalTokens)
	require.Len(t, captured.Contents, 1)
	assert.Equal(t, "say hello", captured.Contents[0].Parts[0].Text)
	require.NotNil(t, captured.SystemInstruction)
}

func TestGenerateWithToolsForcedMode(t *testing.T) {
	var captured generateRequest
	_, client := newStubServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		fmt.Fprint(w, `{
			"candidates": [{"content": {"parts": [
				{"functionCall": {"name": "create_task", "args": {"template_id": "revenue_report"}}}
			]}}],
			"usageMetadata": {}
		}`)
	})

	tools := []core.ToolDef{{
		Name:       "create_task",
		Parameters: json.RawMessage(`{"type":"object"}`),
	}}
	resp, err := client.GenerateWithTools(context.Background(), "make a report", tools, core.ToolModeForced, nil)
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "create_task", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"template_id": "revenue_report"}`, string(resp.ToolCalls[0].Arguments))

	require.NotNil(t, captured.ToolConfig)
	assert.Equal(t, "ANY", captured.ToolConfig.FunctionCallingConfig.Mode)
	require.Len(t, captured.Tools, 1)
}

func TestGenerateWithToolsNoneMode(t *testing.T) {
	var captured generateRequest
	_, client := newStubServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		fmt.Fprint(w, `{"candidates": [{"content": {"parts": [{"text": "summary"}]}}], "usageMetadata": {}}`)
	})

	_, err := client.GenerateWithTools(context.Background(), "summarize", []core.ToolDef{{Name: "t"}}, core.ToolModeNone, nil)
	require.NoError(t, err)
	assert.Equal(t, "NONE", captured.ToolConfig.FunctionCallingConfig.Mode)
}

func TestEmbedSendsTaskType(t *testing.T) {
	var captured embedRequest
	_, client := newStubServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.Contains(r.URL.Path, "text-embedding-004"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		values := make([]string, DefaultEmbedDims)
		for i := range values {
			values[i] = "0.1"
		}
		fmt.Fprintf(w, `{"embedding": {"values": [%s]}}`, strings.Join(values, ","))
	})

	vec, err := client.Embed(context.Background(), "quarterly revenue", core.EmbedRetrievalQuery)
	require.NoError(t, err)
	assert.Len(t, vec, DefaultEmbedDims)
	assert.Equal(t, "RETRIEVAL_QUERY", captured.TaskType)
	assert.Equal(t, "quarterly revenue", captured.Content.Parts[0].Text)
}

func TestEmbedRejectsWrongDimensionality(t *testing.T) {
	_, client := newStubServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"embedding": {"values": [0.1, 0.2]}}`)
	})

	_, err := client.Embed(context.Background(), "text", core.EmbedRetrievalDocument)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrDimensionMismatch)
}

func TestQuotaErrorsAreTyped(t *testing.T) {
	_, client := newStubServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.GenerateResponse(context.Background(), "p", nil)
	require.Error(t, err)
	var te *core.TaskError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, core.ErrUpstreamQuota, te.Type)
}

func TestServerErrorsAreTyped(t *testing.T) {
	_, client := newStubServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := client.GenerateResponse(context.Background(), "p", nil)
	require.Error(t, err)
	var te *core.TaskError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, core.ErrUpstreamUnavailable, te.Type)
}

func TestMissingAPIKey(t *testing.T) {
	client := NewClient("", "", nil)

	_, err := client.GenerateResponse(context.Background(), "p", nil)
	assert.ErrorIs(t, err, core.ErrMissingConfiguration)

	_, err = client.Embed(context.Background(), "p", core.EmbedRetrievalQuery)
	assert.ErrorIs(t, err, core.ErrMissingConfiguration)
}
