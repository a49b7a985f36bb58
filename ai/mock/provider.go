// Package mock provides a deterministic in-process AI provider for tests
// and local development. Responses are canned per prompt substring;
// embeddings are stable hashes so equal text always embeds equally.
package mock

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"

	"github.com/taskforge-ai/taskforge/ai"
	"github.com/taskforge-ai/taskforge/core"
)

func init() {
	ai.MustRegister(&Factory{})
}

// Factory creates mock clients.
type Factory struct{}

func (f *Factory) Name() string { return "mock" }

func (f *Factory) Create(config *ai.Config) ai.Client {
	dims := config.EmbedDims
	if dims <= 0 {
		dims = 768
	}
	return &Client{dims: dims, DefaultContent: "{}"}
}

// DetectEnvironment never auto-selects the mock.
func (f *Factory) DetectEnvironment() (int, bool) { return 0, false }

// Client is a canned-response AI client. Zero value is usable.
type Client struct {
	mu sync.Mutex

	// Responses maps a prompt substring to the canned content returned for
	// prompts containing it. First match wins in insertion order is not
	// guaranteed; keep substrings disjoint in tests.
	Responses map[string]string

	// DefaultContent is returned when no substring matches.
	DefaultContent string

	// Prompts records every prompt seen, for assertions.
	Prompts []string

	// Err, when set, fails every call.
	Err error

	dims int
}

func (c *Client) GenerateResponse(_ context.Context, prompt string, _ *core.AIOptions) (*core.AIResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Prompts = append(c.Prompts, prompt)
	if c.Err != nil {
		return nil, c.Err
	}
	for substr, content := range c.Responses {
		if substr != "" && strings.Contains(prompt, substr) {
			return &core.AIResponse{Content: content, Model: "mock"}, nil
		}
	}
	return &core.AIResponse{Content: c.DefaultContent, Model: "mock"}, nil
}

func (c *Client) GenerateWithTools(ctx context.Context, prompt string, _ []core.ToolDef, _ core.ToolMode, options *core.AIOptions) (*core.AIResponse, error) {
	return c.GenerateResponse(ctx, prompt, options)
}

// Embed returns a deterministic unit vector derived from the text hash.
func (c *Client) Embed(_ context.Context, text string, taskType core.EmbedTaskType) ([]float32, error) {
	if c.Err != nil {
		return nil, c.Err
	}
	dims := c.Dimensions()

	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, dims)
	var norm float64
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		v := float64(int64(seed>>11)) / float64(1<<52)
		vec[i] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range vec {
			vec[i] = float32(float64(vec[i]) / norm)
		}
	}
	_ = taskType // queries and documents embed identically in the mock
	return vec, nil
}

func (c *Client) Dimensions() int {
	if c.dims <= 0 {
		return 768
	}
	return c.dims
}
