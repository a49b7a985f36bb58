// Package gemini implements the ai.Client interfaces against Google's
// native GenerateContent and EmbedContent APIs.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/taskforge-ai/taskforge/ai"
	"github.com/taskforge-ai/taskforge/core"
)

const (
	// DefaultBaseURL is the default Gemini API endpoint.
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

	// DefaultModel is used when no model is configured.
	DefaultModel = "gemini-2.0-flash"

	// DefaultEmbedModel produces 768-dimensional retrieval embeddings.
	DefaultEmbedModel = "text-embedding-004"

	// DefaultEmbedDims is the embedding dimensionality of DefaultEmbedModel.
	DefaultEmbedDims = 768
)

// Client implements ai.Client for Google Gemini.
type Client struct {
	*ai.BaseClient
	apiKey     string
	baseURL    string
	embedModel string
	embedDims  int
}

// NewClient creates a Gemini client.
func NewClient(apiKey, baseURL string, logger core.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	base := ai.NewBaseClient(30*time.Second, logger)
	base.DefaultModel = DefaultModel

	return &Client{
		BaseClient: base,
		apiKey:     apiKey,
		baseURL:    baseURL,
		embedModel: DefaultEmbedModel,
		embedDims:  DefaultEmbedDims,
	}
}

// GenerateResponse generates text using the GenerateContent API.
func (c *Client) GenerateResponse(ctx context.Context, prompt string, options *core.AIOptions) (*core.AIResponse, error) {
	return c.generate(ctx, prompt, nil, "", options)
}

// GenerateWithTools generates with function calling. ToolModeForced maps to
// Gemini's ANY mode, ToolModeNone to NONE.
func (c *Client) GenerateWithTools(ctx context.Context, prompt string, tools []core.ToolDef, mode core.ToolMode, options *core.AIOptions) (*core.AIResponse, error) {
	return c.generate(ctx, prompt, tools, mode, options)
}

func (c *Client) generate(ctx context.Context, prompt string, tools []core.ToolDef, mode core.ToolMode, options *core.AIOptions) (*core.AIResponse, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("gemini API key not configured: %w", core.ErrMissingConfiguration)
	}
	options = c.ApplyDefaults(options)

	reqBody := generateRequest{
		Contents: []content{{Role: "user", Parts: []part{{Text: prompt}}}},
		GenerationConfig: &generationConfig{
			Temperature:     options.Temperature,
			MaxOutputTokens: options.MaxTokens,
		},
	}
	if options.SystemPrompt != "" {
		reqBody.SystemInstruction = &systemInstruction{Parts: []part{{Text: options.SystemPrompt}}}
	}
	if len(tools) > 0 {
		decls := make([]functionDeclaration, 0, len(tools))
		for _, tool := range tools {
			decls = append(decls, functionDeclaration{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			})
		}
		reqBody.Tools = []toolDecl{{FunctionDeclarations: decls}}
		reqBody.ToolConfig = &toolConfig{FunctionCallingConfig: functionCallingConfig{Mode: toolModeString(mode)}}
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, options.Model, c.apiKey)
	body, err := c.post(ctx, url, reqBody, "generate_content")
	if err != nil {
		return nil, err
	}

	var parsed generateResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse gemini response: %w", err)
	}
	if len(parsed.Candidates) == 0 {
		return nil, fmt.Errorf("no candidates in gemini response")
	}

	result := &core.AIResponse{
		Model: options.Model,
		Usage: core.TokenUsage{
			PromptTokens:     parsed.UsageMetadata.PromptTokenCount,
			CompletionTokens: parsed.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      parsed.UsageMetadata.TotalTokenCount,
		},
	}
	for _, p := range parsed.Candidates[0].Content.Parts {
		result.Content += p.Text
		if p.FunctionCall != nil {
			result.ToolCalls = append(result.ToolCalls, core.ToolCall{
				Name:      p.FunctionCall.Name,
				Arguments: p.FunctionCall.Args,
			})
		}
	}
	if result.Content == "" && len(result.ToolCalls) == 0 {
		return nil, fmt.Errorf("no content in gemini response")
	}
	return result, nil
}

// Embed produces a dense retrieval embedding via the EmbedContent API.
func (c *Client) Embed(ctx context.Context, text string, taskType core.EmbedTaskType) ([]float32, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("gemini API key not configured: %w", core.ErrMissingConfiguration)
	}

	reqBody := embedRequest{
		Content:  content{Parts: []part{{Text: text}}},
		TaskType: string(taskType),
	}
	url := fmt.Sprintf("%s/models/%s:embedContent?key=%s", c.baseURL, c.embedModel, c.apiKey)
	body, err := c.post(ctx, url, reqBody, "embed_content")
	if err != nil {
		return nil, err
	}

	var parsed embedResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse embedding response: %w", err)
	}
	if len(parsed.Embedding.Values) != c.embedDims {
		return nil, fmt.Errorf("embedding has %d dimensions, expected %d: %w",
			len(parsed.Embedding.Values), c.embedDims, core.ErrDimensionMismatch)
	}
	return parsed.Embedding.Values, nil
}

// Dimensions returns the embedding dimensionality.
func (c *Client) Dimensions() int {
	return c.embedDims
}

// SetEmbedModel overrides the embedding model and dimensionality.
func (c *Client) SetEmbedModel(model string, dims int) {
	if model != "" {
		c.embedModel = model
	}
	if dims > 0 {
		c.embedDims = dims
	}
}

func (c *Client) post(ctx context.Context, url string, reqBody interface{}, op string) ([]byte, error) {
	data, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	started := time.Now()
	resp, err := c.ExecuteWithRetry(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("gemini request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		c.Logger.Error("Gemini request failed", map[string]interface{}{
			"operation":   op,
			"status_code": resp.StatusCode,
			"duration_ms": time.Since(started).Milliseconds(),
		})
		return nil, c.HandleError(resp.StatusCode, body, "gemini")
	}

	c.Logger.Debug("Gemini request completed", map[string]interface{}{
		"operation":   op,
		"duration_ms": time.Since(started).Milliseconds(),
	})
	return body, nil
}

func toolModeString(mode core.ToolMode) string {
	switch mode {
	case core.ToolModeForced:
		return "ANY"
	case core.ToolModeNone:
		return "NONE"
	}
	return "AUTO"
}
