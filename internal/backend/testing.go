package backend

import (
	"context"
	"sync"
)

// FakeFunc produces a reply for the n-th call (0-based).
type FakeFunc func(ctx context.Context, req Request, n int) (string, error)

// Fake is an in-memory Backend for tests. It is safe for concurrent use.
type Fake struct {
	id    string
	model string
	fn    FakeFunc

	mu       sync.Mutex
	requests []Request
}

// NewFake returns a fake that answers with fn.
func NewFake(id string, fn FakeFunc) *Fake {
	return &Fake{id: id, model: id + "-model", fn: fn}
}

// StaticFake always answers text.
func StaticFake(id, text string) *Fake {
	return NewFake(id, func(context.Context, Request, int) (string, error) { return text, nil })
}

// FailingFake always fails with err.
func FailingFake(id string, err error) *Fake {
	return NewFake(id, func(context.Context, Request, int) (string, error) { return "", err })
}

// ScriptedFake answers replies in order and repeats the last one.
func ScriptedFake(id string, replies ...string) *Fake {
	return NewFake(id, func(_ context.Context, _ Request, n int) (string, error) {
		if len(replies) == 0 {
			return "", ErrEmptyResponse
		}
		if n >= len(replies) {
			n = len(replies) - 1
		}
		return replies[n], nil
	})
}

func (f *Fake) ID() string    { return f.id }
func (f *Fake) Model() string { return f.model }

// Complete implements Backend.
func (f *Fake) Complete(ctx context.Context, req Request) (Response, error) {
	f.mu.Lock()
	n := len(f.requests)
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Response{}, Classify(f.id, err)
	}
	text, err := f.fn(ctx, req, n)
	if err != nil {
		return Response{}, Classify(f.id, err)
	}
	return Response{Text: text, Backend: f.id, Model: f.model}, nil
}

// Calls returns how many times Complete ran.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// Requests returns a copy of every request received.
func (f *Fake) Requests() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Request, len(f.requests))
	copy(out, f.requests)
	return out
}
