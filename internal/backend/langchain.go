package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"golang.org/x/time/rate"
)

// LangChain adapts any langchaingo llms.Model. Chimera uses it for Ollama.
type LangChain struct {
	id        string
	model     string
	maxTokens int
	timeout   time.Duration
	llm       llms.Model
	limiter   *rate.Limiter
}

// OllamaConfig configures a local Ollama backend.
type OllamaConfig struct {
	ID        string
	Model     string
	ServerURL string
	Timeout   time.Duration
	RateLimit float64
	MaxTokens int
}

// NewOllama creates a backend served by Ollama.
func NewOllama(cfg OllamaConfig) (*LangChain, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("ollama model required")
	}
	opts := []ollama.Option{ollama.WithModel(cfg.Model)}
	if cfg.ServerURL != "" {
		opts = append(opts, ollama.WithServerURL(cfg.ServerURL))
	}
	llm, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create ollama client: %w", err)
	}
	if cfg.ID == "" {
		cfg.ID = "ollama"
	}
	lc := NewLangChain(cfg.ID, cfg.Model, llm)
	lc.timeout = cfg.Timeout
	lc.limiter = newLimiter(cfg.RateLimit)
	if cfg.MaxTokens > 0 {
		lc.maxTokens = cfg.MaxTokens
	}
	return lc, nil
}

// NewLangChain wraps llm under id.
func NewLangChain(id, model string, llm llms.Model) *LangChain {
	return &LangChain{id: id, model: model, llm: llm, maxTokens: defaultMaxTokens}
}

func (l *LangChain) ID() string    { return l.id }
func (l *LangChain) Model() string { return l.model }

// Complete implements Backend.
func (l *LangChain) Complete(ctx context.Context, req Request) (Response, error) {
	if err := wait(ctx, l.limiter); err != nil {
		return Response{}, Classify(l.id, err)
	}
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	content := make([]llms.MessageContent, 0, len(req.Messages)+1)
	if req.System != "" {
		content = append(content, llms.TextParts(llms.ChatMessageTypeSystem, req.System))
	}
	for _, m := range req.Messages {
		role := llms.ChatMessageTypeHuman
		if m.Role == RoleAssistant {
			role = llms.ChatMessageTypeAI
		}
		content = append(content, llms.TextParts(role, m.Content))
	}

	maxTokens := l.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	opts := []llms.CallOption{llms.WithMaxTokens(maxTokens)}
	if req.Temperature > 0 {
		opts = append(opts, llms.WithTemperature(req.Temperature))
	}

	resp, err := l.llm.GenerateContent(ctx, content, opts...)
	if err != nil {
		return Response{}, Classify(l.id, err)
	}
	if resp == nil || len(resp.Choices) == 0 || resp.Choices[0].Content == "" {
		return Response{}, Classify(l.id, ErrEmptyResponse)
	}
	return Response{Text: resp.Choices[0].Content, Backend: l.id, Model: l.model}, nil
}
