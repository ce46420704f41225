package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// LoggerFromContext returns the base logger enriched with whatever tracing
// identifiers are present in the context.
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)

	logger := baseLogger
	if tc.TraceID != "" {
		logger = logger.With().Str("trace_id", tc.TraceID).Logger()
	}
	if tc.RunID != "" {
		logger = logger.With().Str("run_id", tc.RunID).Logger()
	}
	if tc.SessionKey != "" {
		logger = logger.With().Str("session_key", tc.SessionKey).Logger()
	}
	if tc.OwnerID != "" {
		logger = logger.With().Str("owner_id", tc.OwnerID).Logger()
	}

	return logger
}
