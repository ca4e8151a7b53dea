package handlers

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Ostabo/Spit/internal/chat"
	"github.com/Ostabo/Spit/internal/models"
	"github.com/Ostabo/Spit/internal/services"
)

// statusFor maps client errors to HTTP status codes.
func statusFor(err error) int {
	var actionErr *chat.ModelActionError
	switch {
	case errors.Is(err, chat.ErrEmptyRequest),
		errors.Is(err, chat.ErrEmptyModelName),
		errors.Is(err, chat.ErrUnknownMode):
		return http.StatusBadRequest
	case errors.Is(err, chat.ErrModelNotFound):
		return http.StatusNotFound
	case errors.Is(err, chat.ErrBusy),
		errors.Is(err, chat.ErrModelInstalling):
		return http.StatusConflict
	case errors.Is(err, chat.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.As(err, &actionErr):
		if errors.Is(err, services.ErrUnsupported) {
			return http.StatusNotImplemented
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// HandleState returns the session state, the request mode and the staged attachment.
func (m Main) HandleState(w http.ResponseWriter, r *http.Request) {
	snap, ok := m.snapshot(w, r)
	if !ok {
		return
	}
	m.writeJSON(w, http.StatusOK, stateView(snap))
}

// HandleTranscript returns every turn, each with its content rendered as HTML. With format=text the
// transcript is exported as plain text instead.
func (m Main) HandleTranscript(w http.ResponseWriter, r *http.Request) {
	snap, ok := m.snapshot(w, r)
	if !ok {
		return
	}

	switch r.URL.Query().Get("format") {
	case "", "json":
		m.writeJSON(w, http.StatusOK, m.transcript(snap))
	case "text":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if _, err := io.WriteString(w, models.RenderTranscript(snap.Turns)+"\n"); err != nil {
			m.logger.Error("Failed to write transcript", slog.String(errLoggerKey, err.Error()))
		}
	default:
		http.Error(w, "format must be json or text", http.StatusBadRequest)
	}
}

// HandleChats starts a streaming session. The request carries the prompt in the "message" form field and
// optionally an image in the "image" multipart file field; without one, a staged attachment is used. The
// response only acknowledges the session, its output reaches browsers on the transcript SSE topic.
//
// A request without message and image is answered with 400, one made while another session is running
// with 409.
func (m Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	att, err := m.upload(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	req := chat.Request{Text: r.FormValue("message"), Attachment: att}
	if err := m.client.Send(r.Context(), req); err != nil {
		if errors.Is(err, chat.ErrEmptyRequest) {
			http.Error(w, "Message is required", http.StatusBadRequest)
			return
		}
		m.logger.Warn("Send rejected", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	snap, ok := m.snapshot(w, r)
	if !ok {
		return
	}
	m.writeJSON(w, http.StatusAccepted, stateView(snap))
}

// HandleAttach stages the "image" multipart file for the next send.
func (m Main) HandleAttach(w http.ResponseWriter, r *http.Request) {
	att, err := m.upload(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if att == nil {
		http.Error(w, "Image is required", http.StatusBadRequest)
		return
	}

	if err := m.client.Attach(r.Context(), att); err != nil {
		m.logger.Warn("Attach rejected", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	snap, ok := m.snapshot(w, r)
	if !ok {
		return
	}
	m.writeJSON(w, http.StatusOK, stateView(snap))
}

// HandleDetach drops the staged attachment.
func (m Main) HandleDetach(w http.ResponseWriter, r *http.Request) {
	if err := m.client.Detach(r.Context()); err != nil {
		m.logger.Error("Failed to detach", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// upload returns the "image" file of a multipart request, or nil when the request carries none.
func (m Main) upload(r *http.Request) (chat.Attachment, error) {
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		return nil, nil
	}
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		m.logger.Error("Failed to parse upload", slog.String(errLoggerKey, err.Error()))
		return nil, fmt.Errorf("invalid upload: %w", err)
	}

	file, header, err := r.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		m.logger.Error("Failed to open upload", slog.String(errLoggerKey, err.Error()))
		return nil, fmt.Errorf("invalid image: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		m.logger.Error("Failed to read upload", slog.String(errLoggerKey, err.Error()))
		return nil, fmt.Errorf("invalid image: %w", err)
	}
	return services.BytesAttachment{Filename: header.Filename, Data: data}, nil
}

// HandleCancel aborts the running session, if any.
func (m Main) HandleCancel(w http.ResponseWriter, r *http.Request) {
	if err := m.client.Cancel(r.Context()); err != nil {
		m.logger.Error("Failed to cancel", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleMode switches between "generate" and "chat" requests, taken from the "mode" form field.
func (m Main) HandleMode(w http.ResponseWriter, r *http.Request) {
	mode := models.Mode(r.FormValue("mode"))
	if err := m.client.SetMode(r.Context(), mode); err != nil {
		m.logger.Warn("Mode change rejected",
			slog.String("mode", string(mode)),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	snap, ok := m.snapshot(w, r)
	if !ok {
		return
	}
	m.writeJSON(w, http.StatusOK, stateView(snap))
}
