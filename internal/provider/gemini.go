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
	defaultGeminiBaseURL = "https://generativelanguage.googleapis.com"
	geminiTokenCeiling   = 8192
)

type geminiProvider struct {
	apiKey  string
	baseURL string
	model   string
	ceiling int
	client  httpDoer
}

func newGemini(cfg config.ProviderConfig) (Provider, error) {
	base := cfg.BaseURL
	if base == "" {
		base = defaultGeminiBaseURL
	}
	ceiling := cfg.MaxTokens
	if ceiling == 0 {
		ceiling = geminiTokenCeiling
	}
	return &geminiProvider{
		apiKey:  cfg.APIKey,
		baseURL: base,
		model:   cfg.Model,
		ceiling: ceiling,
		client:  newHTTPClient(),
	}, nil
}

func (g *geminiProvider) Name() string { return "gemini" }

type geminiRequest struct {
	Contents         []geminiContent  `json:"contents"`
	SystemInstruct   *geminiContent   `json:"systemInstruction,omitempty"`
	GenerationConfig *geminiGenConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenConfig struct {
	MaxOutputTokens  int      `json:"maxOutputTokens,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	ResponseMimeType string   `json:"responseMimeType,omitempty"`
}

type geminiResponse struct {
	Candidates     []geminiCandidate `json:"candidates"`
	UsageMetadata  geminiUsage       `json:"usageMetadata"`
	ModelVersion   string            `json:"modelVersion"`
	PromptFeedback *geminiFeedback   `json:"promptFeedback,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiFeedback struct {
	BlockReason string `json:"blockReason"`
}

type geminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

func (g *geminiProvider) Call(ctx context.Context, req *Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = g.model
	}

	// System and developer text become the systemInstruction; reasoning
	// effort has no wire field and is dropped.
	var sysText string
	contents := make([]geminiContent, 0, len(req.Messages)+1)
	for _, m := range req.messages() {
		switch m.Role {
		case "system", "developer":
			if sysText != "" {
				sysText += "\n\n"
			}
			sysText += m.Content
		case "assistant":
			contents = append(contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: m.Content}}})
		default:
			contents = append(contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: m.Content}}})
		}
	}

	greq := geminiRequest{
		Contents: contents,
		GenerationConfig: &geminiGenConfig{
			MaxOutputTokens: clampTokens(req.MaxTokens, 4096, g.ceiling),
			Temperature:     req.Temperature,
		},
	}
	if sysText != "" {
		greq.SystemInstruct = &geminiContent{Parts: []geminiPart{{Text: sysText}}}
	}
	if req.ResponseFormat == "json" {
		greq.GenerationConfig.ResponseMimeType = "application/json"
	}

	body, err := json.Marshal(greq)
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", g.baseURL, model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", g.apiKey)

	respBody, err := send(g.client, "gemini", httpReq)
	if err != nil {
		return nil, err
	}

	var gresp geminiResponse
	if err := json.Unmarshal(respBody, &gresp); err != nil {
		return nil, fmt.Errorf("gemini: parse response: %w", err)
	}

	if gresp.PromptFeedback != nil && gresp.PromptFeedback.BlockReason != "" {
		return nil, &RefusalError{Provider: "gemini", Reason: gresp.PromptFeedback.BlockReason}
	}
	if len(gresp.Candidates) == 0 {
		return nil, &RefusalError{Provider: "gemini", Reason: "no candidates in response"}
	}
	if gresp.ModelVersion != "" && !sameFamily(model, gresp.ModelVersion) {
		return nil, &ModelMismatchError{Provider: "gemini", Requested: model, Returned: gresp.ModelVersion}
	}

	var text string
	for _, p := range gresp.Candidates[0].Content.Parts {
		text += p.Text
	}
	if text == "" {
		return nil, &RefusalError{Provider: "gemini", Reason: "finish_reason=" + gresp.Candidates[0].FinishReason}
	}

	return &Response{
		Text:  text,
		Model: gresp.ModelVersion,
		Usage: Usage{
			PromptTokens:     gresp.UsageMetadata.PromptTokenCount,
			CompletionTokens: gresp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      gresp.UsageMetadata.TotalTokenCount,
		},
	}, nil
}
