package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Ostabo/Spit/internal/chat"
	"github.com/Ostabo/Spit/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tmaxmax/go-sse"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// Client is the chat client driven by the HTTP surface. It accepts a send, cancels the running session,
// stages attachments, switches the request mode and manages the model registry.
type Client interface {
	Send(ctx context.Context, req chat.Request) error
	Cancel(ctx context.Context) error
	Attach(ctx context.Context, att chat.Attachment) error
	Detach(ctx context.Context) error
	SetMode(ctx context.Context, mode models.Mode) error

	Refresh(ctx context.Context) error
	AddModel(ctx context.Context, name string) (models.InstallStatus, error)
	DeleteModel(ctx context.Context, name string) error
	SelectModel(ctx context.Context, name string) error

	Snapshot(ctx context.Context) (chat.Snapshot, error)
}

// Main serves the JSON and server-sent events surface of the chat client. Every state change of the
// client is pushed to browsers on one of four SSE topics, while the JSON endpoints return the state as it
// is when they are called.
type Main struct {
	sseSrv   *sse.Server
	client   Client
	markdown goldmark.Markdown
	rendered *renderCache
	pub      *publisher

	logger *slog.Logger
}

const errLoggerKey = "err"

// SSE topics, one per kind of client change.
const (
	transcriptSSETopic = string(chat.ChangeTranscript)
	modelsSSETopic     = string(chat.ChangeModels)
	stateSSETopic      = string(chat.ChangeState)
	noticesSSETopic    = string(chat.ChangeNotice)
)

var allSSETopics = []string{transcriptSSETopic, modelsSSETopic, stateSSETopic, noticesSSETopic}

// maxUploadSize caps multipart bodies of /chats.
const maxUploadSize = 32 << 20

// NewMain creates a new Main for client. Browsers subscribe to every topic unless they name the ones they
// want with repeated "topic" query parameters.
func NewMain(client Client, logger *slog.Logger) Main {
	logger = logger.With(slog.String("module", "handlers"))

	m := Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				topics := s.Req.URL.Query()["topic"]
				if len(topics) == 0 {
					topics = allSSETopics
				}
				for _, topic := range topics {
					if !isTopic(topic) {
						http.Error(s.Res, fmt.Sprintf("unknown topic %q", topic), http.StatusBadRequest)
						return sse.Subscription{}, false
					}
				}
				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      topics,
				}, true
			},
		},
		client:   client,
		markdown: goldmark.New(goldmark.WithExtensions(extension.GFM)),
		rendered: &renderCache{turns: make(map[string]renderedTurn)},
		pub:      newPublisher(),
		logger:   logger,
	}
	go m.pub.run(m.publish, logger)
	return m
}

func isTopic(topic string) bool {
	for _, t := range allSSETopics {
		if t == topic {
			return true
		}
	}
	return false
}

// Routes returns the router serving the whole surface.
func (m Main) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)

	r.Get("/state", m.HandleState)
	r.Get("/transcript", m.HandleTranscript)
	r.Post("/chats", m.HandleChats)
	r.Post("/chats/cancel", m.HandleCancel)
	r.Post("/attachment", m.HandleAttach)
	r.Delete("/attachment", m.HandleDetach)
	r.Post("/mode", m.HandleMode)

	r.Get("/models", m.HandleModels)
	r.Post("/models", m.HandleAddModel)
	r.Post("/models/refresh", m.HandleRefresh)
	r.Post("/models/select", m.HandleSelectModel)
	r.Delete("/models/{name}", m.HandleDeleteModel)

	r.Handle("/sse", m.sseSrv)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}

// Observe queues a client change for the browsers subscribed to its topic and returns right away. It is
// meant to be passed as chat.Config.OnChange.
func (m Main) Observe(c chat.Change) {
	if m.pub.put(c) {
		m.logger.Warn("Dropped a notice, SSE publishing is lagging behind")
	}
}

func (m Main) publish(c chat.Change) {
	var payload any
	switch c.Kind {
	case chat.ChangeTranscript:
		payload = m.transcript(c.Snapshot)
	case chat.ChangeModels:
		payload = modelsView(c.Snapshot)
	case chat.ChangeState:
		payload = stateView(c.Snapshot)
	case chat.ChangeNotice:
		payload = c.Notice
	default:
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		m.logger.Error("Failed to encode change", slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := &sse.Message{Type: sse.Type(string(c.Kind))}
	msg.AppendData(string(data))
	if err := m.sseSrv.Publish(msg, string(c.Kind)); err != nil {
		m.logger.Warn("Failed to publish change",
			slog.String("kind", string(c.Kind)),
			slog.String(errLoggerKey, err.Error()))
	}
}

// Shutdown gracefully terminates the SSE server. Changes still queued are dropped. It broadcasts a close
// message to all connected clients and waits up to 5 seconds for connections to terminate.
func (m Main) Shutdown(ctx context.Context) error {
	m.pub.close()

	e := &sse.Message{Type: sse.Type("close")}
	e.AppendData("bye")
	_ = m.sseSrv.Publish(e, allSSETopics...)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	err := m.sseSrv.Shutdown(ctx)
	select {
	case <-m.pub.done:
	case <-ctx.Done():
	}
	return err
}

// turnView is a turn as browsers get it. Image payloads stay on the server, only their presence is
// reported.
type turnView struct {
	ID         string      `json:"id"`
	Role       models.Role `json:"role"`
	Content    string      `json:"content"`
	Timestamp  time.Time   `json:"timestamp"`
	ModeMarker bool        `json:"mode_marker"`
	HasImage   bool        `json:"has_image"`
	HTML       string      `json:"html"`
}

type transcriptView struct {
	Turns []turnView `json:"turns"`
	Busy  bool       `json:"busy"`
}

func (m Main) transcript(snap chat.Snapshot) transcriptView {
	turns := make([]turnView, len(snap.Turns))
	for i, t := range snap.Turns {
		turns[i] = turnView{
			ID:         t.ID,
			Role:       t.Role,
			Content:    t.Content,
			Timestamp:  t.Timestamp,
			ModeMarker: t.ModeMarker,
			HasImage:   t.HasImage(),
			HTML:       m.html(t, t.ID == snap.OpenTurn),
		}
	}
	return transcriptView{Turns: turns, Busy: snap.Busy}
}

type renderedTurn struct {
	content string
	html    string
}

// renderCache holds the HTML of committed turns by turn ID. An entry is only reused while the turn's
// content is unchanged.
type renderCache struct {
	mu    sync.Mutex
	turns map[string]renderedTurn
}

// html renders the content of t. The open turn is rendered on every call and never cached.
func (m Main) html(t models.Turn, open bool) string {
	if open {
		return m.render(t.Content)
	}

	m.rendered.mu.Lock()
	r, ok := m.rendered.turns[t.ID]
	m.rendered.mu.Unlock()
	if ok && r.content == t.Content {
		return r.html
	}

	html := m.render(t.Content)
	m.rendered.mu.Lock()
	m.rendered.turns[t.ID] = renderedTurn{content: t.Content, html: html}
	m.rendered.mu.Unlock()
	return html
}

func (m Main) render(content string) string {
	var buf bytes.Buffer
	if err := m.markdown.Convert([]byte(content), &buf); err != nil {
		m.logger.Warn("Failed to render markdown", slog.String(errLoggerKey, err.Error()))
		return ""
	}
	return buf.String()
}

type modelView struct {
	models.Model
	SizeLabel string `json:"size_label"`
	// Status is "installing" for temporary entries, which offer no delete action.
	Status string `json:"status"`
}

type modelsResponse struct {
	Models     []modelView `json:"models"`
	Selectable []string    `json:"selectable"`
	Selected   string      `json:"selected"`
}

func modelsView(snap chat.Snapshot) modelsResponse {
	res := modelsResponse{
		Models:     make([]modelView, len(snap.Models)),
		Selectable: make([]string, len(snap.Selectable)),
		Selected:   snap.Selected,
	}
	for i, mod := range snap.Models {
		v := modelView{Model: mod, SizeLabel: models.FormatSize(mod.Size), Status: "installed"}
		if mod.Temporary {
			v.SizeLabel = ""
			v.Status = "installing"
		}
		res.Models[i] = v
	}
	for i, mod := range snap.Selectable {
		res.Selectable[i] = mod.Name
	}
	return res
}

type stateResponse struct {
	State  chat.State  `json:"state"`
	Busy   bool        `json:"busy"`
	Mode   models.Mode `json:"mode"`
	Label  string      `json:"mode_label"`
	Staged string      `json:"staged,omitempty"`
}

func stateView(snap chat.Snapshot) stateResponse {
	return stateResponse{
		State:  snap.State,
		Busy:   snap.Busy,
		Mode:   snap.Mode,
		Label:  snap.Mode.Label(),
		Staged: snap.Staged,
	}
}

func (m Main) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		m.logger.Error("Failed to write response", slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) snapshot(w http.ResponseWriter, r *http.Request) (chat.Snapshot, bool) {
	snap, err := m.client.Snapshot(r.Context())
	if err != nil {
		m.logger.Error("Failed to get snapshot", slog.String(errLoggerKey, err.Error()))
		http.Error(w, fmt.Sprintf("failed to get state: %v", err), http.StatusServiceUnavailable)
		return chat.Snapshot{}, false
	}
	return snap, true
}
