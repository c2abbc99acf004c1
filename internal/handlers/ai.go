package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pliu/devfusion/internal/ai"
	"github.com/pliu/devfusion/internal/apperr"
	"github.com/pliu/devfusion/internal/models"
	"github.com/pliu/devfusion/internal/store"
)

// Assistant is the set of AI operations the REST layer exposes.
type Assistant interface {
	Ask(ctx context.Context, prompt string, prefs models.Preferences) (ai.Reply, error)
	Feedback(ctx context.Context, code, language string) (*ai.Feedback, error)
	Fix(ctx context.Context, errorMessage, language string) (string, error)
}

// Limiter is the process-wide cooldown shared with the realtime path.
type Limiter interface {
	Allow() bool
}

type AIHandler struct {
	Store interface {
		store.UserStore
		store.FixStore
	}
	Assistant Assistant
	Limiter   Limiter
	Now       func() time.Time
}

func (h *AIHandler) now() time.Time {
	if h.Now == nil {
		return time.Now()
	}
	return h.Now()
}

func (h *AIHandler) allow() error {
	if h.Limiter != nil && !h.Limiter.Allow() {
		return fmt.Errorf("AI cooldown: %w", apperr.ErrRateLimited)
	}
	return nil
}

// preferences returns the caller's saved preferences, or nil if the profile
// cannot be read.
func (h *AIHandler) preferences(r *http.Request) *models.Preferences {
	user, err := h.Store.GetUserByID(caller(r).ID)
	if err != nil {
		slog.Debug("No profile for AI request", "user_id", caller(r).ID, "error", err)
		return nil
	}
	return &user.Preferences
}

type ResultResponse struct {
	Text     string `json:"text"`
	FileTree any    `json:"fileTree,omitempty"`
}

// GetResult answers a free-form prompt from the query string.
func (h *AIHandler) GetResult(w http.ResponseWriter, r *http.Request) {
	prompt := strings.TrimSpace(r.URL.Query().Get("prompt"))
	if prompt == "" {
		writeError(w, r, fmt.Errorf("prompt is required: %w", apperr.ErrInvalidInput))
		return
	}
	if err := h.allow(); err != nil {
		writeError(w, r, err)
		return
	}

	prefs := models.DefaultPreferences()
	if p := h.preferences(r); p != nil {
		prefs = *p
	}

	reply, err := h.Assistant.Ask(r.Context(), prompt, prefs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := ResultResponse{Text: reply.Body}
	if reply.Kind == ai.KindFileTreePatch {
		resp.FileTree = reply.Tree
	}
	writeJSON(w, http.StatusOK, resp)
}

type FeedbackRequest struct {
	Code     string `json:"code"`
	Language string `json:"language"`
}

func (h *AIHandler) GetFeedback(w http.ResponseWriter, r *http.Request) {
	var req FeedbackRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		writeError(w, r, fmt.Errorf("no code provided: %w", apperr.ErrInvalidInput))
		return
	}
	if err := h.allow(); err != nil {
		writeError(w, r, err)
		return
	}

	language := req.Language
	if language == "" {
		language = ai.ResolveLanguage("", h.preferences(r))
	}

	feedback, err := h.Assistant.Feedback(r.Context(), req.Code, language)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, feedback)
}

type FixRequest struct {
	ErrorMessage string `json:"errorMessage"`
	Language     string `json:"language"`
}

type FixResponse struct {
	Fix       string `json:"fix"`
	Source    string `json:"source"`
	Frequency int    `json:"frequency,omitempty"`
}

const (
	FixSourceMemory = "memory"
	FixSourceAI     = "ai"
)

// FixError recalls a stored fix for the same error and language, or asks the
// assistant and remembers the answer. Recalled fixes skip the cooldown.
func (h *AIHandler) FixError(w http.ResponseWriter, r *http.Request) {
	var req FixRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	errorMessage := strings.TrimSpace(req.ErrorMessage)
	if errorMessage == "" {
		writeError(w, r, fmt.Errorf("error message is required: %w", apperr.ErrInvalidInput))
		return
	}

	language := req.Language
	if language == "" {
		language = ai.ResolveLanguage("", h.preferences(r))
	}

	cached, err := h.Store.FindFix(errorMessage, language)
	switch {
	case err == nil:
		touched, err := h.Store.TouchFix(cached.ID, h.now())
		if err != nil {
			slog.Warn("Failed to update fix frequency", "fix_id", cached.ID, "error", err)
			touched = cached
		}
		writeJSON(w, http.StatusOK, FixResponse{Fix: touched.FixSuggestion, Source: FixSourceMemory, Frequency: touched.Frequency})
		return
	case !errors.Is(err, apperr.ErrNotFound):
		writeError(w, r, err)
		return
	}

	if err := h.allow(); err != nil {
		writeError(w, r, err)
		return
	}
	fix, err := h.Assistant.Fix(r.Context(), errorMessage, language)
	if err != nil {
		writeError(w, r, err)
		return
	}

	entry := &models.FixLog{
		ErrorMessage:  errorMessage,
		FixSuggestion: fix,
		Language:      language,
		LastOccurred:  h.now(),
	}
	if err := h.Store.SaveFix(entry); err != nil {
		slog.Warn("Failed to remember fix", "error", err)
	}
	writeJSON(w, http.StatusOK, FixResponse{Fix: fix, Source: FixSourceAI})
}
