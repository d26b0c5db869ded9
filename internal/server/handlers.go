package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tjfontaine/qnabot/internal/domain"
	"github.com/tjfontaine/qnabot/internal/platform"
)

// HealthText is the body served on GET /.
const HealthText = "Bot is running."

// MaxActivityBytes bounds the webhook body. Larger bodies are rejected as an
// adapter failure.
const MaxActivityBytes = 1 << 20

// ActivityProcessor authenticates an activity and runs its turn.
type ActivityProcessor interface {
	ProcessActivity(ctx context.Context, act *platform.Activity, authHeader string, handler platform.TurnHandler) error
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, HealthText)
}

// handleMessages is the platform webhook. Only validation (415) and adapter
// (500) failures change the status; backend trouble still yields 201 with a
// fallback reply already sent.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if !isJSON(r.Header.Get("Content-Type")) {
		err := domain.ErrValidation("Content-Type must be application/json")
		reportError(r, err)
		http.Error(w, err.Message, err.HTTPStatusCode())
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxActivityBytes))
	if err != nil {
		s.adapterFailure(w, r, domain.ErrAdapter("read request body", err))
		return
	}

	act, err := platform.Deserialize(body)
	if err != nil {
		s.adapterFailure(w, r, err)
		return
	}
	AddLogField(r.Context(), "activity_type", act.Type)

	if err := s.processor.ProcessActivity(r.Context(), act, r.Header.Get("Authorization"), s.handler); err != nil {
		s.adapterFailure(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusCreated)
	_, _ = io.WriteString(w, "OK")
}

// adapterFailure logs err and answers with a generic 500 body so no internal
// detail reaches the caller.
func (s *Server) adapterFailure(w http.ResponseWriter, r *http.Request, err error) {
	reportError(r, err)
	s.logger.Error("activity processing failed",
		slog.String("request_id", GetRequestID(r.Context())),
		slog.String("error", err.Error()),
		slog.String("error_type", string(domain.TypeOf(err))),
	)
	status := statusFor(err)
	http.Error(w, http.StatusText(status), status)
}

// isJSON reports whether a Content-Type header contains application/json.
func isJSON(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "application/json")
}
