package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// OpenAIConfig configures an OpenAI-compatible chat completions backend.
type OpenAIConfig struct {
	ID        string
	Model     string
	APIKey    string
	BaseURL   string // e.g. https://api.openai.com/v1 or a compatible gateway
	Timeout   time.Duration
	RateLimit float64
	MaxTokens int
}

// OpenAI calls the chat completions API through go-openai.
type OpenAI struct {
	id        string
	model     string
	maxTokens int
	client    *openai.Client
	limiter   *rate.Limiter
}

// NewOpenAI creates a backend for cfg.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, fmt.Errorf("openai API key required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("openai model required")
	}
	if cfg.ID == "" {
		cfg.ID = "openai"
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = defaultMaxTokens
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	return &OpenAI{
		id:        cfg.ID,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		client:    openai.NewClientWithConfig(clientCfg),
		limiter:   newLimiter(cfg.RateLimit),
	}, nil
}

func (o *OpenAI) ID() string    { return o.id }
func (o *OpenAI) Model() string { return o.model }

// Complete implements Backend.
func (o *OpenAI) Complete(ctx context.Context, req Request) (Response, error) {
	if err := wait(ctx, o.limiter); err != nil {
		return Response{}, Classify(o.id, err)
	}

	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		role := openai.ChatMessageRoleUser
		if m.Role == RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	maxTokens := o.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       o.model,
		Messages:    msgs,
		MaxTokens:   maxTokens,
		Temperature: float32(req.Temperature),
	})
	if err != nil {
		return Response{}, o.classify(err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return Response{}, Classify(o.id, ErrEmptyResponse)
	}
	return Response{Text: resp.Choices[0].Message.Content, Backend: o.id, Model: o.model}, nil
}

func (o *OpenAI) classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		be := FromStatus(o.id, apiErr.HTTPStatusCode, apiErr.Message)
		be.Err = err
		return be
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		be := FromStatus(o.id, reqErr.HTTPStatusCode, http.StatusText(reqErr.HTTPStatusCode))
		be.Err = err
		return be
	}
	return Classify(o.id, err)
}
