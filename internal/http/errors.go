package http

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/errdefs"
)

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error      string `json:"error"`
	Retryable  bool   `json:"retryable,omitempty"`
	DocumentID string `json:"document_id,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
}

// storedError is an ingestion failure after the document was written. Its
// id lets the caller retry with PUT instead of creating a duplicate.
type storedError struct {
	documentID string
	err        error
}

func (e *storedError) Error() string { return e.err.Error() }
func (e *storedError) Unwrap() error { return e.err }

// statusFor maps the error taxonomy onto HTTP. Unauthorized access renders
// exactly like a missing document. Internal failures never leak detail.
func statusFor(err error) (int, ErrorResponse) {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		msg, ok := he.Message.(string)
		if !ok {
			msg = http.StatusText(he.Code)
		}
		return he.Code, ErrorResponse{Error: msg}
	case errdefs.IsInvalidInput(err):
		return http.StatusBadRequest, ErrorResponse{Error: err.Error()}
	case errdefs.IsNotFound(err):
		return http.StatusNotFound, ErrorResponse{Error: "document not found"}
	}
	if _, ok := errdefs.IsThrottled(err); ok {
		return http.StatusTooManyRequests, ErrorResponse{Error: "embedding provider throttled", Retryable: true}
	}
	switch {
	case errdefs.IsTransientEmbedding(err):
		return http.StatusServiceUnavailable, ErrorResponse{Error: "embedding provider unavailable", Retryable: true}
	case errdefs.IsIndexUnavailable(err):
		return http.StatusServiceUnavailable, ErrorResponse{Error: "vector index unavailable", Retryable: true}
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, ErrorResponse{Error: "request timed out", Retryable: true}
	}
	return http.StatusInternalServerError, ErrorResponse{Error: "internal error"}
}

// retryAfterSeconds rounds the provider hint up to whole seconds, with a
// floor of one.
func retryAfterSeconds(err error) string {
	d, _ := errdefs.IsThrottled(err)
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// errorHandler replaces echo's default handler.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status, body := statusFor(err)
	body.RequestID = c.Response().Header().Get(echo.HeaderXRequestID)
	var stored *storedError
	if errors.As(err, &stored) {
		body.DocumentID = stored.documentID
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", c.Request().Method),
			zap.String("route", c.Path()),
			zap.Int("status", status),
			zap.String("request_id", body.RequestID),
			zap.String("document_id", body.DocumentID),
			zap.Error(err),
		)
	}
	if status == http.StatusTooManyRequests {
		c.Response().Header().Set("Retry-After", retryAfterSeconds(err))
	}

	var werr error
	if c.Request().Method == http.MethodHead {
		werr = c.NoContent(status)
	} else {
		werr = c.JSON(status, body)
	}
	if werr != nil {
		s.logger.Warn("failed to write error response", zap.Error(werr))
	}
}
