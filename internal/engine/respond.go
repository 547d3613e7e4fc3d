package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/chimera/internal/backend"
	"github.com/fyrsmithlabs/chimera/internal/execution"
	"github.com/fyrsmithlabs/chimera/internal/finalize"
	"github.com/fyrsmithlabs/chimera/internal/intent"
	"github.com/fyrsmithlabs/chimera/internal/logging"
	"github.com/fyrsmithlabs/chimera/internal/plan"
	"github.com/fyrsmithlabs/chimera/internal/telemetry"
)

// Response statuses besides the execution statuses.
const (
	StatusClarification = "needs_clarification"
)

// ErrInvalidRequest is returned for requests that fail validation.
var ErrInvalidRequest = errors.New("invalid request")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Request is one end-to-end request.
type Request struct {
	Message        string `json:"message" validate:"required,max=32000"`
	IdempotencyKey string `json:"idempotency_key,omitempty" validate:"max=256"`
	// Role is reported to tool policies during the work pass.
	Role string `json:"role,omitempty"`
	// Confirmed skips the clarification gate. Callers set it after the user
	// answered, or chose to proceed anyway.
	Confirmed bool `json:"confirmed,omitempty"`
}

// Response is the user-facing result of Respond.
type Response struct {
	Text          string                       `json:"text"`
	Language      finalize.Language            `json:"language"`
	Status        string                       `json:"status"`
	ExecutionID   string                       `json:"execution_id,omitempty"`
	Clarification *intent.ClarificationRequest `json:"clarification,omitempty"`
	Cached        bool                         `json:"cached,omitempty"`
	Fallback      bool                         `json:"fallback,omitempty"`
}

// Respond runs the whole pipeline: analyze, gate on ambiguity, classify,
// plan, execute and finalize. Backend failures produce a failed Response
// with language-matched text and a nil error; the error return is for
// invalid requests and store failures.
func (e *Engine) Respond(ctx context.Context, req Request) (*Response, error) {
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	ctx, span := telemetry.StartSpan(ctx, "engine.respond")
	resp, err := e.respond(ctx, req)
	telemetry.EndSpan(span, err)
	return resp, err
}

func (e *Engine) respond(ctx context.Context, req Request) (*Response, error) {
	// a known key answers from its execution whatever the new message says
	if req.IdempotencyKey != "" {
		res, ok, err := e.coordinator.ResumeKey(ctx, req.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if ok {
			if res.Plan != nil && res.Plan.OriginalMessage != "" {
				req.Message = res.Plan.OriginalMessage
			}
			return e.answer(ctx, req, res)
		}
	}

	lang := finalize.DetectLanguage(req.Message)
	in := e.analyzer.AnalyzeIntent(req.Message)

	if !req.Confirmed {
		ambs := e.analyzer.DetectAmbiguities(req.Message, in)
		if cr := e.analyzer.Clarify(ambs); cr != nil {
			for _, q := range cr.Questions {
				e.metrics.RecordClarification(ctx, q.Rule)
			}
			e.logger.Info(ctx, "request needs clarification",
				zap.String("action", string(in.Action)),
				zap.Int("questions", len(cr.Questions)),
			)
			return &Response{
				Text:          clarificationText(lang, cr),
				Language:      lang,
				Status:        StatusClarification,
				Clarification: cr,
			}, nil
		}
	}

	cls := e.Classify(in, req.Message)
	p, err := e.BuildPlan(in, cls, req.Message)
	if errors.Is(err, plan.ErrNoBackends) {
		e.logger.Warn(ctx, "no backend available for request")
		return e.failed(req.Message, "", backend.KindCircuitOpen), nil
	}
	if err != nil {
		return nil, fmt.Errorf("build plan: %w", err)
	}

	res, err := e.RunPlan(ctx, p, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	return e.answer(ctx, req, res)
}

// answer turns an execution result into the user-facing response.
func (e *Engine) answer(ctx context.Context, req Request, res *execution.Result) (*Response, error) {
	ctx = logging.WithExecutionID(ctx, res.ExecutionID)
	if res.Failed() {
		e.logger.Warn(ctx, "execution failed",
			zap.String("failed_phase", res.FailedPhase),
			zap.String("error_kind", res.ErrorKind),
		)
		resp := e.failed(req.Message, res.ExecutionID, backend.Kind(res.ErrorKind))
		resp.Cached = res.Cached
		return resp, nil
	}
	return e.finalize(ctx, req, res)
}

func (e *Engine) finalize(ctx context.Context, req Request, res *execution.Result) (*Response, error) {
	out, err := e.finalizer.Run(ctx, finalize.Input{
		WorkContext: finalize.NewWorkContext(req.Message, res.Phases),
		ExecutionID: res.ExecutionID,
		Role:        req.Role,
	})
	if err != nil {
		e.logger.Warn(ctx, "finalize produced no answer", zap.Error(err))
		resp := e.failed(req.Message, res.ExecutionID, backend.KindOf(err))
		resp.Cached = res.Cached
		return resp, nil
	}
	return &Response{
		Text:        out.Text,
		Language:    out.Language,
		Status:      string(res.Status),
		ExecutionID: res.ExecutionID,
		Cached:      res.Cached,
		Fallback:    out.Fallback,
	}, nil
}

func (e *Engine) failed(message, executionID string, kind backend.Kind) *Response {
	out := e.finalizer.Failure(message, kind)
	return &Response{
		Text:        out.Text,
		Language:    out.Language,
		Status:      string(execution.StatusFailed),
		ExecutionID: executionID,
	}
}

func clarificationText(lang finalize.Language, cr *intent.ClarificationRequest) string {
	var b strings.Builder
	b.WriteString(finalize.ClarificationIntro(lang))
	for i, q := range cr.Questions {
		fmt.Fprintf(&b, "\n%d. %s", i+1, q.Question)
		if len(q.Options) > 0 {
			fmt.Fprintf(&b, " (%s)", strings.Join(q.Options, ", "))
		}
	}
	return b.String()
}
