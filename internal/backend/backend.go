// Package backend defines the uniform call interface over model-serving
// providers and the adapters for Anthropic, OpenAI and Ollama.
package backend

import (
	"context"
	"strings"
)

// Role is the author of a message in a conversation.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn in a request.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is a provider-neutral completion request.
type Request struct {
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

// Prompt builds a single-turn request.
func Prompt(system, user string) Request {
	return Request{
		System:   system,
		Messages: []Message{{Role: RoleUser, Content: user}},
	}
}

// Transcript flattens the request for providers that only take one prompt.
func (r Request) Transcript() string {
	var b strings.Builder
	for i, m := range r.Messages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		if len(r.Messages) > 1 {
			b.WriteString(string(m.Role))
			b.WriteString(": ")
		}
		b.WriteString(m.Content)
	}
	return b.String()
}

// Response is the text a backend produced.
type Response struct {
	Text    string `json:"text"`
	Backend string `json:"backend"`
	Model   string `json:"model"`
}

// Backend is an interchangeable model-serving provider.
type Backend interface {
	// ID is the stable identifier used in plans and health tracking.
	ID() string
	// Model is the model the backend serves.
	Model() string
	// Complete runs one completion. Failures should be *Error values.
	Complete(ctx context.Context, req Request) (Response, error)
}
