package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/fyrsmithlabs/consultd/internal/consultation"
	"github.com/fyrsmithlabs/consultd/internal/dialogue"
	"github.com/fyrsmithlabs/consultd/internal/finalize"
	"github.com/fyrsmithlabs/consultd/internal/guard"
	"github.com/fyrsmithlabs/consultd/internal/lifecycle"
	"github.com/fyrsmithlabs/consultd/internal/store"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// Error codes returned in ErrorResponse.Code.
const (
	CodeBadRequest        = "bad_request"
	CodeValidation        = "validation"
	CodeBelowThreshold    = "below_threshold"
	CodeNotFound          = "not_found"
	CodeFinalizing        = "finalizing"
	CodeClosed            = "session_closed"
	CodeInvalidTransition = "invalid_transition"
	CodeConflict          = "conflict"
	CodeUnavailable       = "unavailable"
	CodePersistence       = "persistence"
	CodeInternal          = "internal"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Code    string         `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}

// fail converts a service error to an HTTP error.
func (s *Server) fail(c echo.Context, err error) error {
	status, body := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("route", c.Path()),
			zap.String("session_id", c.Param("id")),
			zap.Error(err))
	}
	return echo.NewHTTPError(status, body).SetInternal(err)
}

func badRequest(msg string) error {
	return echo.NewHTTPError(http.StatusBadRequest, ErrorResponse{Error: msg, Code: CodeBadRequest})
}

func classify(err error) (int, ErrorResponse) {
	body := ErrorResponse{Error: err.Error()}

	var below *consultation.BelowReviewThresholdError
	var invalid *lifecycle.InvalidTransitionError
	switch {
	case errors.As(err, &below):
		body.Code = CodeBelowThreshold
		body.Details = map[string]any{
			"completion": below.Completion,
			"required":   below.Required,
		}
		return http.StatusUnprocessableEntity, body

	case errors.Is(err, consultation.ErrEmptySessionID),
		errors.Is(err, consultation.ErrSessionIDTooLong),
		errors.Is(err, consultation.ErrNoFields),
		errors.Is(err, dialogue.ErrEmptyContent),
		errors.Is(err, dialogue.ErrInvalidRole),
		errors.Is(err, dialogue.ErrContentTooLong),
		errors.Is(err, finalize.ErrInvalidReason):
		body.Code = CodeValidation
		return http.StatusUnprocessableEntity, body

	case errors.Is(err, consultation.ErrSessionNotFound), errors.Is(err, store.ErrNotFound):
		body.Code = CodeNotFound
		return http.StatusNotFound, body

	case errors.Is(err, consultation.ErrFinalizing):
		body.Code = CodeFinalizing
		return http.StatusConflict, body

	case errors.Is(err, consultation.ErrSessionClosed):
		body.Code = CodeClosed
		return http.StatusConflict, body

	case errors.As(err, &invalid):
		body.Code = CodeInvalidTransition
		body.Details = map[string]any{
			"from": string(invalid.From),
			"to":   string(invalid.To),
		}
		return http.StatusConflict, body

	case errors.Is(err, lifecycle.ErrInvalidTransition),
		errors.Is(err, store.ErrStateConflict),
		errors.Is(err, guard.ErrMergeConflict):
		body.Code = CodeConflict
		return http.StatusConflict, body

	case errors.Is(err, consultation.ErrShutdown),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		body.Code = CodeUnavailable
		return http.StatusServiceUnavailable, body

	case errors.Is(err, store.ErrPersistence):
		body.Code = CodePersistence
		return http.StatusInternalServerError, body
	}

	body.Code = CodeInternal
	return http.StatusInternalServerError, body
}
