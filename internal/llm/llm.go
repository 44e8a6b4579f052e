package llm

import (
	"net/http"

	"github.com/sashabaranov/go-openai"

	"github.com/comigor/botrelay/internal/config"
)

// NewClient creates an OpenAI-compatible client. Setting BaseURL points it at
// other providers that speak the same API, such as Gemini's compatibility
// endpoint.
func NewClient(cfg config.LLMConfig) *openai.Client {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	if cfg.Timeout > 0 {
		config.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}

	return openai.NewClientWithConfig(config)
}
