package services

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Ostabo/Spit/internal/models"
	"github.com/ollama/ollama/api"
)

const errLoggerKey = "err"

// ErrUnsupported is returned by gateways for commands their backend has no equivalent for.
var ErrUnsupported = errors.New("operation not supported by this backend")

// Ollama implements the chat gateway against an Ollama server. Streaming calls report their output on the
// emitter. Ollama also remembers the models it is pulling, so listings can show them before the server
// knows about them, and keeps the history of chat-mode exchanges so follow-up prompts are answered in
// context.
type Ollama struct {
	client  *api.Client
	emitter Emitter

	mu          sync.Mutex
	downloading []string
	history     []api.Message

	logger *slog.Logger
}

// NewOllama creates a new Ollama gateway for the server at host. The host parameter should be a valid URL
// pointing to an Ollama server.
func NewOllama(host string, emitter Emitter, logger *slog.Logger) (*Ollama, error) {
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("error parsing ollama host: %w", err)
	}

	return &Ollama{
		client:  api.NewClient(u, &http.Client{}),
		emitter: emitter,
		logger:  logger.With(slog.String("module", "ollama")),
	}, nil
}

// ListModels returns the installed models in server order, followed by the models currently being
// pulled, flagged as temporary.
func (o *Ollama) ListModels(ctx context.Context) ([]models.Model, error) {
	res, err := o.client.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}

	list := make([]models.Model, 0, len(res.Models))
	for _, m := range res.Models {
		list = append(list, models.Model{
			Name:       m.Name,
			Size:       m.Size,
			ModifiedAt: m.ModifiedAt.Format(time.RFC3339),
		})
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, name := range o.downloading {
		list = append(list, models.Model{
			Name:       name,
			Size:       0,
			ModifiedAt: "N/A",
			Temporary:  true,
		})
	}
	return list, nil
}

// normalizeModelName appends the default tag to an untagged model name.
func normalizeModelName(name string) string {
	if strings.Contains(name, ":") {
		return name
	}
	return name + ":latest"
}

// AddModel pulls name and returns once the pull finished. A second pull of a model that is still being
// pulled is refused.
func (o *Ollama) AddModel(ctx context.Context, name string) (models.InstallStatus, error) {
	name = normalizeModelName(name)

	o.mu.Lock()
	if slices.Contains(o.downloading, name) {
		o.mu.Unlock()
		return models.InstallStatus{}, fmt.Errorf("model '%s' is already being downloaded", name)
	}
	o.downloading = append(o.downloading, name)
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		o.downloading = slices.DeleteFunc(o.downloading, func(n string) bool { return n == name })
	}()

	var status models.InstallStatus
	err := o.client.Pull(ctx, &api.PullRequest{Model: name}, func(p api.ProgressResponse) error {
		o.logger.Debug("Pull progress",
			slog.String("model", name),
			slog.String("status", p.Status),
			slog.Int64("completed", p.Completed),
			slog.Int64("total", p.Total))
		status = models.InstallStatus{
			Message:   p.Status,
			Digest:    p.Digest,
			Total:     p.Total,
			Completed: p.Completed,
		}
		return nil
	})
	if err != nil {
		return models.InstallStatus{}, fmt.Errorf("error pulling %s: %w", name, err)
	}

	return status, nil
}

// DeleteModel removes name from the server.
func (o *Ollama) DeleteModel(ctx context.Context, name string) error {
	if err := o.client.Delete(ctx, &api.DeleteRequest{Model: name}); err != nil {
		return fmt.Errorf("error deleting %s: %w", name, err)
	}
	return nil
}

// Generate answers prompt in a single response.
func (o *Ollama) Generate(ctx context.Context, model, prompt string) (string, error) {
	return o.generate(ctx, &api.GenerateRequest{Model: model, Prompt: prompt})
}

// GenerateWithImage answers prompt about the base64 encoded image in a single response.
func (o *Ollama) GenerateWithImage(ctx context.Context, model, prompt, image string) (string, error) {
	img, err := base64.StdEncoding.DecodeString(image)
	if err != nil {
		return "", fmt.Errorf("error decoding image: %w", err)
	}
	return o.generate(ctx, &api.GenerateRequest{Model: model, Prompt: prompt, Images: []api.ImageData{img}})
}

func (o *Ollama) generate(ctx context.Context, req *api.GenerateRequest) (string, error) {
	f := false
	req.Stream = &f

	var sb strings.Builder
	if err := o.client.Generate(ctx, req, func(res api.GenerateResponse) error {
		sb.WriteString(res.Response)
		return nil
	}); err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}

	return sb.String(), nil
}

// GenerateStream streams the answer to prompt as chunk events followed by a done event.
func (o *Ollama) GenerateStream(ctx context.Context, model, prompt string) error {
	return o.generateStream(ctx, &api.GenerateRequest{Model: model, Prompt: prompt})
}

// GenerateWithImageStream streams the answer to prompt about the base64 encoded image.
func (o *Ollama) GenerateWithImageStream(ctx context.Context, model, prompt, image string) error {
	img, err := base64.StdEncoding.DecodeString(image)
	if err != nil {
		return fmt.Errorf("error decoding image: %w", err)
	}
	return o.generateStream(ctx, &api.GenerateRequest{Model: model, Prompt: prompt, Images: []api.ImageData{img}})
}

func (o *Ollama) generateStream(ctx context.Context, req *api.GenerateRequest) error {
	t := true
	req.Stream = &t

	s := newStream(o.emitter, o.logger)
	err := o.client.Generate(ctx, req, func(res api.GenerateResponse) error {
		return s.chunk(res.Response, res.Done)
	})
	_, err = s.finish(ctx, err)
	return err
}

// ChatStream adds prompt to the chat history and streams the answer given the whole history. The answer
// joins the history once it is complete.
func (o *Ollama) ChatStream(ctx context.Context, model, prompt string) error {
	o.mu.Lock()
	o.history = append(o.history, api.Message{Role: string(models.RoleUser), Content: prompt})
	msgs := slices.Clone(o.history)
	o.mu.Unlock()

	t := true
	req := api.ChatRequest{
		Model:    model,
		Messages: msgs,
		Stream:   &t,
	}

	s := newStream(o.emitter, o.logger)
	answer, err := s.finish(ctx, o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
		return s.chunk(res.Message.Content, res.Done)
	}))
	if err != nil || answer == "" {
		return err
	}

	o.mu.Lock()
	o.history = append(o.history, api.Message{Role: string(models.RoleAssistant), Content: answer})
	o.mu.Unlock()
	return nil
}
