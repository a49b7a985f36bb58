package gemini

import (
	"os"

	"github.com/taskforge-ai/taskforge/ai"
)

func init() {
	ai.MustRegister(&Factory{})
}

// Factory creates Gemini clients.
type Factory struct{}

// Name returns the provider name.
func (f *Factory) Name() string {
	return "gemini"
}

// Create creates a configured Gemini client.
func (f *Factory) Create(config *ai.Config) ai.Client {
	apiKey := config.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
		if apiKey == "" {
			apiKey = os.Getenv("GOOGLE_API_KEY")
		}
	}
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = os.Getenv("GEMINI_BASE_URL")
	}

	client := NewClient(apiKey, baseURL, config.Logger)
	if config.Timeout > 0 {
		client.HTTPClient.Timeout = config.Timeout
	}
	if config.MaxRetries > 0 {
		client.MaxRetries = config.MaxRetries
	}
	if config.Model != "" {
		client.DefaultModel = config.Model
	}
	if config.Temperature > 0 {
		client.DefaultTemperature = config.Temperature
	}
	if config.MaxTokens > 0 {
		client.DefaultMaxTokens = config.MaxTokens
	}
	client.SetEmbedModel(config.EmbedModel, config.EmbedDims)
	return client
}

// DetectEnvironment reports availability based on API key presence.
func (f *Factory) DetectEnvironment() (int, bool) {
	if os.Getenv("GEMINI_API_KEY") != "" || os.Getenv("GOOGLE_API_KEY") != "" {
		return 70, true
	}
	return 0, false
}
