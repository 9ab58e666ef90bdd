package http

import (
	"context"
	"net/http"

	"github.com/fyrsmithlabs/consultd/internal/consultation"
	"github.com/fyrsmithlabs/consultd/internal/dialogue"
	"github.com/fyrsmithlabs/consultd/internal/finalize"
	"github.com/fyrsmithlabs/consultd/internal/record"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status       string `json:"status"`
	LiveSessions int    `json:"live_sessions"`
}

// LiveResponse is the response body for GET /api/v1/sessions.
type LiveResponse struct {
	Sessions []string `json:"sessions"`
}

// AppendRequest is the request body for POST /api/v1/sessions/:id/messages.
type AppendRequest struct {
	Role    dialogue.Role `json:"role"`
	Content string        `json:"content"`
	Phase   string        `json:"phase,omitempty"`
}

// EditRequest is the request body for PATCH /api/v1/sessions/:id/fields.
type EditRequest struct {
	Fields map[string]record.Proposal `json:"fields"`
}

// FinalizeRequest is the request body for POST /api/v1/sessions/:id/finalize.
type FinalizeRequest struct {
	Reason string `json:"reason"`
}

// FinalizeResponse reports a finalize run. Message is set when the run
// degraded but data was saved.
type FinalizeResponse struct {
	*finalize.Result
	Message string `json:"message,omitempty"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:       "ok",
		LiveSessions: len(s.sessions.Live()),
	})
}

func (s *Server) handleLive(c echo.Context) error {
	return c.JSON(http.StatusOK, LiveResponse{Sessions: s.sessions.Live()})
}

func (s *Server) handleOpen(c echo.Context) error {
	snap, err := s.sessions.Open(c.Request().Context())
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, snap)
}

func (s *Server) handleSnapshot(c echo.Context) error {
	snap, err := s.sessions.Snapshot(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (s *Server) handleMessages(c echo.Context) error {
	msgs, err := s.sessions.Messages(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, msgs)
}

// handleAppend appends a turn, creating the session on first contact.
func (s *Server) handleAppend(c echo.Context) error {
	var req AppendRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid append request", zap.Error(err))
		return badRequest("invalid request body")
	}

	msg, err := s.sessions.AppendMessage(c.Request().Context(), c.Param("id"), req.Role, req.Content, req.Phase)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, msg)
}

func (s *Server) handleEdit(c echo.Context) error {
	var req EditRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid edit request", zap.Error(err))
		return badRequest("invalid request body")
	}

	res, err := s.sessions.EditFields(c.Request().Context(), c.Param("id"), req.Fields)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

type transitionFunc func(ctx context.Context, id string) (consultation.Snapshot, error)

// lifecycle adapts a lifecycle request to a handler returning the snapshot.
func (s *Server) lifecycle(fn transitionFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		snap, err := fn(c.Request().Context(), c.Param("id"))
		if err != nil {
			return s.fail(c, err)
		}
		return c.JSON(http.StatusOK, snap)
	}
}

func (s *Server) handleFinalize(c echo.Context) error {
	var req FinalizeRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	reason, err := finalize.ParseReason(req.Reason)
	if err != nil {
		return s.fail(c, err)
	}
	return s.finalize(c, reason)
}

func (s *Server) finalizeWith(reason finalize.Reason) echo.HandlerFunc {
	return func(c echo.Context) error {
		return s.finalize(c, reason)
	}
}

// finalize runs the finalize sequence. A degraded run still succeeds and
// carries the user-facing warning.
func (s *Server) finalize(c echo.Context, reason finalize.Reason) error {
	res, err := s.sessions.RequestFinalize(c.Request().Context(), c.Param("id"), reason)
	if err != nil {
		return s.fail(c, err)
	}
	out := FinalizeResponse{Result: res}
	if res.Degraded {
		out.Message = finalize.DegradedWarning
	}
	return c.JSON(http.StatusOK, out)
}
