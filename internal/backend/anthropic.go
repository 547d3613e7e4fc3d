package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
	defaultMaxTokens        = 2048
)

// AnthropicConfig configures an Anthropic Messages API backend.
type AnthropicConfig struct {
	ID        string
	Model     string
	APIKey    string
	BaseURL   string
	Timeout   time.Duration
	RateLimit float64 // requests per second, 0 disables
	MaxTokens int
}

// Anthropic calls the Messages API over plain HTTP.
type Anthropic struct {
	id         string
	model      string
	apiKey     string
	baseURL    string
	maxTokens  int
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewAnthropic creates a backend for cfg.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("anthropic model required")
	}
	if cfg.ID == "" {
		cfg.ID = "anthropic"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultAnthropicBaseURL
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = defaultMaxTokens
	}

	return &Anthropic{
		id:         cfg.ID,
		model:      cfg.Model,
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		maxTokens:  cfg.MaxTokens,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    newLimiter(cfg.RateLimit),
	}, nil
}

func (a *Anthropic) ID() string    { return a.id }
func (a *Anthropic) Model() string { return a.model }

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Temperature float64            `json:"temperature,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

type anthropicError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete implements Backend.
func (a *Anthropic) Complete(ctx context.Context, req Request) (Response, error) {
	if err := wait(ctx, a.limiter); err != nil {
		return Response{}, Classify(a.id, err)
	}

	body := anthropicRequest{
		Model:       a.model,
		MaxTokens:   a.maxTokens,
		System:      req.System,
		Temperature: req.Temperature,
	}
	if req.MaxTokens > 0 {
		body.MaxTokens = req.MaxTokens
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, anthropicMessage{Role: string(m.Role), Content: m.Content})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return Response{}, &Error{Kind: KindValidation, Backend: a.id, Err: fmt.Errorf("failed to marshal request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return Response{}, &Error{Kind: KindValidation, Backend: a.id, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", a.apiKey)
	httpReq.Header.Set("Anthropic-Version", anthropicVersion)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, Classify(a.id, fmt.Errorf("API request failed: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Response{}, Classify(a.id, fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		msg := string(raw)
		var apiErr anthropicError
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Message != "" {
			msg = apiErr.Error.Message
		}
		return Response{}, FromStatus(a.id, resp.StatusCode, msg)
	}

	var out anthropicResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Response{}, Classify(a.id, fmt.Errorf("failed to parse response: %w", err))
	}

	var text strings.Builder
	for _, c := range out.Content {
		if c.Type == "" || c.Type == "text" {
			text.WriteString(c.Text)
		}
	}
	if text.Len() == 0 {
		return Response{}, Classify(a.id, ErrEmptyResponse)
	}
	return Response{Text: text.String(), Backend: a.id, Model: a.model}, nil
}

func newLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

func wait(ctx context.Context, l *rate.Limiter) error {
	if l == nil {
		return nil
	}
	if err := l.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	return nil
}
