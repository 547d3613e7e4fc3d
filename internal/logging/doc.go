// Package logging provides structured, context-aware logging on top of zap.
//
// Every method takes a context so correlation fields travel with the call:
//
//	ctx = logging.WithExecutionID(ctx, execID)
//	ctx = logging.WithPhaseID(ctx, phase.ID)
//	logger.Info(ctx, "phase completed", zap.String("mode", string(phase.Mode)))
//
// produces
//
//	{"level":"info","msg":"phase completed","execution.id":"...","phase.id":"p2-swarm","mode":"swarm"}
//
// plus trace_id and span_id when the context carries an OpenTelemetry span.
//
// Output goes to stdout through a redacting encoder, and optionally to an
// OpenTelemetry LoggerProvider via the otelzap bridge. Below-error levels
// can be sampled; errors never are.
//
// Library packages take a plain *zap.Logger (see Logger.Underlying) so they
// stay usable without this package.
package logging
