package http

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/ingest"
	"github.com/fyrsmithlabs/recalld/internal/services"
	"github.com/fyrsmithlabs/recalld/internal/tenant"
)

const defaultReconcileLimit = 100

func (s *Server) handleHealth(c echo.Context) error {
	h := s.services.Health(c.Request().Context())
	status := http.StatusOK
	if h.Status == services.StatusDown {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, h)
}

func bindDocument(c echo.Context) (DocumentRequest, error) {
	var req DocumentRequest
	if err := (&echo.DefaultBinder{}).BindBody(c, &req); err != nil {
		return req, echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return req, nil
}

func (s *Server) ingest(c echo.Context, documentID string, status int) error {
	body, err := bindDocument(c)
	if err != nil {
		return err
	}
	res, err := s.services.Ingest().Ingest(c.Request().Context(), ingest.Request{
		OwnerID:    body.OwnerID,
		DocumentID: documentID,
		Title:      body.Title,
		Text:       body.Text,
		SourceURL:  body.SourceURL,
	})
	if err != nil {
		if res != nil {
			return &storedError{documentID: res.DocumentID, err: err}
		}
		return err
	}
	return c.JSON(status, IngestResponse{
		DocumentID: res.DocumentID,
		ChunkCount: res.ChunkCount,
		Status:     string(res.Status),
		Redacted:   res.Redacted,
	})
}

func (s *Server) handleCreateDocument(c echo.Context) error {
	return s.ingest(c, "", http.StatusCreated)
}

func (s *Server) handleReplaceDocument(c echo.Context) error {
	id := c.Param("id")
	if err := tenant.ValidateDocumentID(id); err != nil {
		return err
	}
	return s.ingest(c, id, http.StatusOK)
}

func (s *Server) handleGetDocument(c echo.Context) error {
	owner, id := c.QueryParam("owner_id"), c.Param("id")
	if err := tenant.ValidateOwnerID(owner); err != nil {
		return err
	}
	if err := tenant.ValidateDocumentID(id); err != nil {
		return err
	}
	doc, err := s.services.Store().GetDocument(c.Request().Context(), owner, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, documentResponse(doc))
}

func (s *Server) handleDeleteDocument(c echo.Context) error {
	if err := s.services.Ingest().Delete(c.Request().Context(), c.QueryParam("owner_id"), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleSearch(c echo.Context) error {
	var req SearchRequest
	if err := (&echo.DefaultBinder{}).BindBody(c, &req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	hits, err := s.services.Retrieval().Search(c.Request().Context(), req.OwnerID, req.Query, req.Limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, SearchResponse{Results: hits})
}

func (s *Server) handleReconcile(c echo.Context) error {
	var req ReconcileRequest
	if c.Request().ContentLength != 0 {
		if err := (&echo.DefaultBinder{}).BindBody(c, &req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	if req.OlderThanSeconds < 0 || req.Limit < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "older_than_seconds and limit must not be negative")
	}

	age := s.config.ReconcileAge
	if req.OlderThanSeconds > 0 {
		age = time.Duration(req.OlderThanSeconds) * time.Second
	}
	limit := req.Limit
	if limit == 0 {
		limit = defaultReconcileLimit
	}

	ctx := c.Request().Context()
	n, err := s.services.Ingest().Reconcile(ctx, time.Now().Add(-age), limit)
	if err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		if n == 0 {
			return err
		}
		// Per-document failures stay pending for the next pass.
		s.logger.Warn("reconcile incomplete", zap.Int("reindexed", n), zap.Error(err))
		return c.JSON(http.StatusOK, ReconcileResponse{Reindexed: n, Error: err.Error()})
	}
	return c.JSON(http.StatusOK, ReconcileResponse{Reindexed: n})
}
