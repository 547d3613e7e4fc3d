package http

import (
	"github.com/fyrsmithlabs/chimera/internal/health"
	"github.com/fyrsmithlabs/chimera/internal/intent"
	"github.com/fyrsmithlabs/chimera/internal/plan"
	"github.com/fyrsmithlabs/chimera/internal/telemetry"
)

// PlanRequest is the request body for POST /api/v1/plan and POST /api/v1/run.
type PlanRequest struct {
	Message        string `json:"message"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	// Confirmed runs the plan even when the request has blocking ambiguities.
	Confirmed bool `json:"confirmed,omitempty"`
}

// PlanResponse is the response body for POST /api/v1/plan.
type PlanResponse struct {
	Intent         intent.Intent                `json:"intent"`
	Ambiguities    []intent.Ambiguity           `json:"ambiguities"`
	Clarification  *intent.ClarificationRequest `json:"clarification,omitempty"`
	Classification plan.Classification          `json:"classification"`
	Plan           *plan.Plan                   `json:"plan,omitempty"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Backends  int                    `json:"backends_available"`
	Team      map[string]int         `json:"team,omitempty"`
	Telemetry telemetry.HealthStatus `json:"telemetry"`
}

// ProvidersResponse is the response body for GET /api/v1/health/providers.
type ProvidersResponse struct {
	Providers []health.Status `json:"providers"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
