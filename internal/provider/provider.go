package provider

import (
	"context"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultTimeout bounds a single upstream completion call.
const DefaultTimeout = 60 * time.Second

type Request struct {
	Model     string
	Messages  []Message
	MaxTokens int
	// Routing metadata, never sent upstream.
	AgencyID  string
	RequestID string
}

type Message struct {
	Role    string // "user", "assistant", "system"
	Content string
}

type Response struct {
	ID           string
	Content      string
	InputTokens  int
	OutputTokens int
	Model        string
	Provider     string
	LatencyMs    int64
}

// TotalTokens is the authoritative count charged against the agency quota.
func (r *Response) TotalTokens() int64 {
	return int64(r.InputTokens) + int64(r.OutputTokens)
}

// Pricing is the USD price of a single token.
type Pricing struct {
	Input  decimal.Decimal
	Output decimal.Decimal
}

func (p Pricing) Cost(inputTokens, outputTokens int) decimal.Decimal {
	return p.Input.Mul(decimal.NewFromInt(int64(inputTokens))).
		Add(p.Output.Mul(decimal.NewFromInt(int64(outputTokens))))
}

type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	Name() string
	Models() []string
	Pricing() Pricing
}

// Options configures the HTTP side of an adapter.
type Options struct {
	APIKey  string
	BaseURL string
	Client  *http.Client
}

func (o Options) HTTPClient() *http.Client {
	if o.Client != nil {
		return o.Client
	}
	return &http.Client{Timeout: DefaultTimeout}
}

// SystemPrompt asks the model to answer in the caller's language.
func SystemPrompt(lang string) string {
	if lang == "" {
		lang = "en"
	}
	return "You are the assistant of an insurance agency. Answer clearly and concisely. Reply in the language with tag \"" + lang + "\"."
}
