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
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	anthropicTokenCeiling   = 8192
)

type anthropicProvider struct {
	apiKey  string
	baseURL string
	model   string
	ceiling int
	client  httpDoer
}

func newAnthropic(cfg config.ProviderConfig) (Provider, error) {
	base := cfg.BaseURL
	if base == "" {
		base = defaultAnthropicBaseURL
	}
	ceiling := cfg.MaxTokens
	if ceiling == 0 {
		ceiling = anthropicTokenCeiling
	}
	return &anthropicProvider{
		apiKey:  cfg.APIKey,
		baseURL: base,
		model:   cfg.Model,
		ceiling: ceiling,
		client:  newHTTPClient(),
	}, nil
}

func (a *anthropicProvider) Name() string { return "anthropic" }

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID      string             `json:"id"`
	Model   string             `json:"model"`
	Content []anthropicContent `json:"content"`
	Usage   anthropicUsage     `json:"usage"`
	Stop    string             `json:"stop_reason"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (a *anthropicProvider) Call(ctx context.Context, req *Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = a.model
	}

	// Anthropic takes system text top-level; developer text joins it.
	// Temperature is passed through; reasoning effort and response format
	// have no wire field and are dropped.
	var system string
	msgs := make([]anthropicMessage, 0, len(req.Messages)+1)
	for _, m := range req.messages() {
		switch m.Role {
		case "system", "developer":
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
		default:
			msgs = append(msgs, anthropicMessage{Role: m.Role, Content: m.Content})
		}
	}

	areq := anthropicRequest{
		Model:       model,
		Messages:    msgs,
		System:      system,
		MaxTokens:   clampTokens(req.MaxTokens, 4096, a.ceiling),
		Temperature: req.Temperature,
	}

	body, err := json.Marshal(areq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	respBody, err := send(a.client, "anthropic", httpReq)
	if err != nil {
		return nil, err
	}

	var aresp anthropicResponse
	if err := json.Unmarshal(respBody, &aresp); err != nil {
		return nil, fmt.Errorf("anthropic: parse response: %w", err)
	}

	if aresp.Stop == "refusal" {
		return nil, &RefusalError{Provider: "anthropic", Reason: "stop_reason=refusal"}
	}
	if !sameFamily(model, aresp.Model) {
		return nil, &ModelMismatchError{Provider: "anthropic", Requested: model, Returned: aresp.Model}
	}

	var text string
	for _, c := range aresp.Content {
		if c.Type == "text" {
			text += c.Text
		}
	}
	if text == "" {
		return nil, &RefusalError{Provider: "anthropic", Reason: "no text content in response"}
	}

	return &Response{
		Text:  text,
		Model: aresp.Model,
		Usage: Usage{
			PromptTokens:     aresp.Usage.InputTokens,
			CompletionTokens: aresp.Usage.OutputTokens,
			TotalTokens:      aresp.Usage.InputTokens + aresp.Usage.OutputTokens,
		},
	}, nil
}
