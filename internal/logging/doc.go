// Package logging provides structured logging for recalld on top of zap.
//
// A Logger takes a context on every call and appends correlation fields
// found there: trace and span ids from OpenTelemetry, the request id set by
// the HTTP layer, and the owner and document ids set by the pipeline.
//
//	ctx = logging.WithOwnerID(ctx, "user-42")
//	logger.Info(ctx, "document ingested", zap.Int("chunks", n))
//
// Output goes to stdout, to an OpenTelemetry LoggerProvider through the
// otelzap bridge, or both. Stdout output passes through a RedactingEncoder
// that masks sensitive field names and credential-looking values. Levels
// below Error may be sampled; Error and above never are.
//
// Tests use NewTestLogger and its Assert helpers:
//
//	tl := logging.NewTestLogger()
//	svc := retrieval.New(..., tl.Logger)
//	tl.AssertLogged(t, zapcore.WarnLevel, "retrieval degraded")
package logging
