package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/melodydashora/vecto-pilot/config"
)

const (
	defaultOpenAIBaseURL = "https://api.openai.com"
	openaiTokenCeiling   = 16384
)

type openaiProvider struct {
	apiKey  string
	baseURL string
	model   string
	ceiling int
	client  httpDoer
	name    string
	path    string
	// developerRole controls whether a "developer" turn is sent as-is or
	// folded into "system" (Perplexity's OpenAI-compatible API lacks it).
	developerRole  bool
	responseFormat bool
}

func newOpenAI(cfg config.ProviderConfig) (Provider, error) {
	base := cfg.BaseURL
	if base == "" {
		base = defaultOpenAIBaseURL
	}
	ceiling := cfg.MaxTokens
	if ceiling == 0 {
		ceiling = openaiTokenCeiling
	}
	return &openaiProvider{
		apiKey:         cfg.APIKey,
		baseURL:        base,
		model:          cfg.Model,
		ceiling:        ceiling,
		client:         newHTTPClient(),
		name:           "openai",
		path:           "/v1/chat/completions",
		developerRole:  true,
		responseFormat: true,
	}, nil
}

func (o *openaiProvider) Name() string { return o.name }

type openaiRequest struct {
	Model               string            `json:"model"`
	Messages            []Message         `json:"messages"`
	MaxCompletionTokens int               `json:"max_completion_tokens,omitempty"`
	Temperature         *float64          `json:"temperature,omitempty"`
	ReasoningEffort     string            `json:"reasoning_effort,omitempty"`
	ResponseFormat      *openaiRespFormat `json:"response_format,omitempty"`
}

type openaiRespFormat struct {
	Type string `json:"type"`
}

type openaiResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openaiChoice `json:"choices"`
	Usage   Usage          `json:"usage"`
}

type openaiChoice struct {
	Index        int           `json:"index"`
	Message      openaiMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

// openaiMessage tolerates content arriving as a string or as an array of
// typed parts; Refusal carries a non-text safety refusal.
type openaiMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Refusal string          `json:"refusal,omitempty"`
}

func (o *openaiProvider) Call(ctx context.Context, req *Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = o.model
	}

	msgs := req.messages()
	if !o.developerRole {
		for i, m := range msgs {
			if m.Role == "developer" {
				msgs[i].Role = "system"
			}
		}
	}

	oreq := openaiRequest{
		Model:               model,
		Messages:            msgs,
		MaxCompletionTokens: clampTokens(req.MaxTokens, 4096, o.ceiling),
		Temperature:         req.Temperature,
	}
	if o.developerRole {
		oreq.ReasoningEffort = req.ReasoningEffort
	}
	if o.responseFormat && req.ResponseFormat == "json" {
		oreq.ResponseFormat = &openaiRespFormat{Type: "json_object"}
	}

	body, err := json.Marshal(oreq)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", o.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.baseURL+o.path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)

	respBody, err := send(o.client, o.name, httpReq)
	if err != nil {
		return nil, err
	}

	var oresp openaiResponse
	if err := json.Unmarshal(respBody, &oresp); err != nil {
		return nil, fmt.Errorf("%s: parse response: %w", o.name, err)
	}
	if len(oresp.Choices) == 0 {
		return nil, fmt.Errorf("%s: empty choices", o.name)
	}

	choice := oresp.Choices[0]
	if choice.Message.Refusal != "" {
		return nil, &RefusalError{Provider: o.name, Reason: choice.Message.Refusal}
	}
	if !sameFamily(model, oresp.Model) {
		return nil, &ModelMismatchError{Provider: o.name, Requested: model, Returned: oresp.Model}
	}

	text, err := extractContent(choice.Message.Content)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", o.name, err)
	}

	return &Response{Text: text, Model: oresp.Model, Usage: oresp.Usage}, nil
}

// extractContent normalizes the content union: string | array-of-parts.
func extractContent(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", fmt.Errorf("empty content")
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}

	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err == nil {
		var text string
		for _, p := range parts {
			if p.Type == "" || p.Type == "text" {
				text += p.Text
			}
		}
		if text != "" {
			return text, nil
		}
		return "", fmt.Errorf("no text parts in content")
	}

	return "", fmt.Errorf("unrecognized content shape")
}
