// Package provider normalizes the LLM vendors behind one call contract.
// Adapters build vendor wire requests from a common shape, drop fields a
// vendor does not accept, and always return classifiable errors.
package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/melodydashora/vecto-pilot/config"
	"github.com/melodydashora/vecto-pilot/internal/errclass"
)

// minTokenBudget is the floor applied to every request.
const minTokenBudget = 16

// Request is the unified completion request. Fields a vendor does not
// support are dropped silently when the wire request is built.
type Request struct {
	Model           string
	System          string
	Developer       string
	User            string
	Messages        []Message
	Temperature     *float64
	MaxTokens       int
	ReasoningEffort string
	ResponseFormat  string // "json" requests a JSON-object response where supported
}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage reports token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the normalized completion result.
type Response struct {
	Text  string
	Model string
	Usage Usage
}

// Provider is the uniform adapter contract.
type Provider interface {
	Name() string
	Call(ctx context.Context, req *Request) (*Response, error)
}

// RefusalError is a non-text safety refusal from a vendor.
type RefusalError struct {
	Provider string
	Reason   string
}

func (e *RefusalError) Error() string {
	return fmt.Sprintf("%s: model refused: %s", e.Provider, e.Reason)
}

func (e *RefusalError) Kind() errclass.Kind { return errclass.Client }

// ModelMismatchError indicates the response model is not in the requested family.
type ModelMismatchError struct {
	Provider  string
	Requested string
	Returned  string
}

func (e *ModelMismatchError) Error() string {
	return fmt.Sprintf("%s: model mismatch: requested %q, got %q", e.Provider, e.Requested, e.Returned)
}

func (e *ModelMismatchError) Kind() errclass.Kind { return errclass.Client }

// sameFamily reports whether the returned model identity belongs to the
// requested family. Vendors append date or revision suffixes.
func sameFamily(requested, returned string) bool {
	if requested == "" || returned == "" {
		return true
	}
	a := strings.ToLower(requested)
	b := strings.ToLower(returned)
	return strings.HasPrefix(b, a) || strings.HasPrefix(a, b)
}

// clampTokens applies the minimum budget and the vendor ceiling.
func clampTokens(requested, fallback, ceiling int) int {
	n := requested
	if n <= 0 {
		n = fallback
	}
	if n < minTokenBudget {
		n = minTokenBudget
	}
	if ceiling > 0 && n > ceiling {
		n = ceiling
	}
	return n
}

// messages flattens the request's System/Developer/User convenience fields
// and explicit Messages into one ordered turn list.
func (r *Request) messages() []Message {
	msgs := make([]Message, 0, len(r.Messages)+3)
	if r.System != "" {
		msgs = append(msgs, Message{Role: "system", Content: r.System})
	}
	if r.Developer != "" {
		msgs = append(msgs, Message{Role: "developer", Content: r.Developer})
	}
	msgs = append(msgs, r.Messages...)
	if r.User != "" {
		msgs = append(msgs, Message{Role: "user", Content: r.User})
	}
	return msgs
}

// httpDoer lets tests inject a client; *http.Client satisfies it.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// send executes the wire request and returns the body, converting non-2xx
// statuses into classifiable HTTPErrors.
func send(client httpDoer, service string, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", service, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &errclass.HTTPError{Status: resp.StatusCode, Body: body, Service: service}
	}
	return body, nil
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 5 * time.Minute} // per-call deadlines come from ctx
}

// --- Registry ---

var factories = map[string]func(cfg config.ProviderConfig) (Provider, error){
	"anthropic":  newAnthropic,
	"openai":     newOpenAI,
	"gemini":     newGemini,
	"perplexity": newPerplexity,
}

// New creates a provider adapter by name.
func New(name string, cfg config.ProviderConfig) (Provider, error) {
	fn, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("provider: unknown provider %q", name)
	}
	return fn(cfg)
}

// Names lists the registered provider names.
func Names() []string {
	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	return names
}
