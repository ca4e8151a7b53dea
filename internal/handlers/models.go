package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/Ostabo/Spit/internal/chat"
	"github.com/go-chi/chi/v5"
)

// HandleModels returns the management list, the selectable names and the selection.
func (m Main) HandleModels(w http.ResponseWriter, r *http.Request) {
	snap, ok := m.snapshot(w, r)
	if !ok {
		return
	}
	m.writeJSON(w, http.StatusOK, modelsView(snap))
}

// HandleRefresh refetches the model list from the backend.
func (m Main) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := m.client.Refresh(r.Context()); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		m.logger.Error("Failed to refresh models", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	m.HandleModels(w, r)
}

// HandleAddModel starts installing the model named in the "name" form field and answers 202 right away.
// The install shows up in the model list as an installing entry, and its outcome is reported on the
// notices SSE topic.
func (m Main) HandleAddModel(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.FormValue("name"))
	if name == "" {
		http.Error(w, "Name is required", http.StatusBadRequest)
		return
	}

	go func() {
		if _, err := m.client.AddModel(context.Background(), name); err != nil && !errors.Is(err, chat.ErrClosed) {
			m.logger.Warn("Failed to add model",
				slog.String("model", name),
				slog.String(errLoggerKey, err.Error()))
		}
	}()

	w.WriteHeader(http.StatusAccepted)
}

// HandleSelectModel selects the model named in the "name" form field.
func (m Main) HandleSelectModel(w http.ResponseWriter, r *http.Request) {
	name := r.FormValue("name")
	if err := m.client.SelectModel(r.Context(), name); err != nil {
		m.logger.Warn("Model selection rejected",
			slog.String("model", name),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	m.HandleModels(w, r)
}

// HandleDeleteModel deletes the model named in the path. Installing models cannot be deleted.
func (m Main) HandleDeleteModel(w http.ResponseWriter, r *http.Request) {
	name, err := url.PathUnescape(chi.URLParam(r, "name"))
	if err != nil || name == "" {
		http.Error(w, "invalid model name", http.StatusBadRequest)
		return
	}

	if err := m.client.DeleteModel(r.Context(), name); err != nil {
		m.logger.Warn("Failed to delete model",
			slog.String("model", name),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
