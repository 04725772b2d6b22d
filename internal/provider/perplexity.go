package provider

import (
	"github.com/melodydashora/vecto-pilot/config"
)

const (
	defaultPerplexityBaseURL = "https://api.perplexity.ai"
	perplexityTokenCeiling   = 4096
)

// Perplexity speaks the OpenAI chat-completions dialect without the
// developer role, reasoning effort, or response_format fields.
func newPerplexity(cfg config.ProviderConfig) (Provider, error) {
	base := cfg.BaseURL
	if base == "" {
		base = defaultPerplexityBaseURL
	}
	ceiling := cfg.MaxTokens
	if ceiling == 0 {
		ceiling = perplexityTokenCeiling
	}
	return &openaiProvider{
		apiKey:         cfg.APIKey,
		baseURL:        base,
		model:          cfg.Model,
		ceiling:        ceiling,
		client:         newHTTPClient(),
		name:           "perplexity",
		path:           "/chat/completions",
		developerRole:  false,
		responseFormat: false,
	}, nil
}
