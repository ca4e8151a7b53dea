package services

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/Ostabo/Spit/internal/models"
	goopenai "github.com/sashabaranov/go-openai"
)

// OpenAI implements the chat gateway against a server speaking the OpenAI API, such as a llama.cpp
// server, LM Studio or vLLM running locally. Model installs and removals are managed by those servers
// themselves, so AddModel and DeleteModel return ErrUnsupported.
type OpenAI struct {
	client  *goopenai.Client
	emitter Emitter

	mu      sync.Mutex
	history []goopenai.ChatCompletionMessage

	logger *slog.Logger
}

// NewOpenAI creates a new OpenAI gateway. An empty baseURL targets the library's default endpoint.
func NewOpenAI(baseURL, apiKey string, emitter Emitter, logger *slog.Logger) *OpenAI {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	return &OpenAI{
		client:  goopenai.NewClientWithConfig(cfg),
		emitter: emitter,
		logger:  logger.With(slog.String("module", "openai")),
	}
}

// ListModels returns the models served, in server order.
func (o *OpenAI) ListModels(ctx context.Context) ([]models.Model, error) {
	res, err := o.client.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}

	list := make([]models.Model, 0, len(res.Models))
	for _, m := range res.Models {
		modified := "N/A"
		if m.CreatedAt > 0 {
			modified = time.Unix(m.CreatedAt, 0).UTC().Format(time.RFC3339)
		}
		list = append(list, models.Model{Name: m.ID, ModifiedAt: modified})
	}
	return list, nil
}

func (o *OpenAI) AddModel(context.Context, string) (models.InstallStatus, error) {
	return models.InstallStatus{}, ErrUnsupported
}

func (o *OpenAI) DeleteModel(context.Context, string) error {
	return ErrUnsupported
}

// Generate answers prompt in a single response.
func (o *OpenAI) Generate(ctx context.Context, model, prompt string) (string, error) {
	return o.complete(ctx, model, []goopenai.ChatCompletionMessage{userMessage(prompt)})
}

// GenerateWithImage answers prompt about the base64 encoded image in a single response.
func (o *OpenAI) GenerateWithImage(ctx context.Context, model, prompt, image string) (string, error) {
	msg, err := imageMessage(prompt, image)
	if err != nil {
		return "", err
	}
	return o.complete(ctx, model, []goopenai.ChatCompletionMessage{msg})
}

func (o *OpenAI) complete(ctx context.Context, model string, msgs []goopenai.ChatCompletionMessage) (string, error) {
	res, err := o.client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model:    model,
		Messages: msgs,
	})
	if err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}
	if len(res.Choices) == 0 {
		return "", errors.New("empty response")
	}
	return res.Choices[0].Message.Content, nil
}

// GenerateStream streams the answer to prompt as chunk events followed by a done event.
func (o *OpenAI) GenerateStream(ctx context.Context, model, prompt string) error {
	_, err := o.stream(ctx, model, []goopenai.ChatCompletionMessage{userMessage(prompt)})
	return err
}

// GenerateWithImageStream streams the answer to prompt about the base64 encoded image.
func (o *OpenAI) GenerateWithImageStream(ctx context.Context, model, prompt, image string) error {
	msg, err := imageMessage(prompt, image)
	if err != nil {
		return err
	}
	_, err = o.stream(ctx, model, []goopenai.ChatCompletionMessage{msg})
	return err
}

// ChatStream streams the answer to prompt given the chat history kept by the gateway.
func (o *OpenAI) ChatStream(ctx context.Context, model, prompt string) error {
	o.mu.Lock()
	o.history = append(o.history, userMessage(prompt))
	msgs := slices.Clone(o.history)
	o.mu.Unlock()

	answer, err := o.stream(ctx, model, msgs)
	if err != nil || answer == "" {
		return err
	}

	o.mu.Lock()
	o.history = append(o.history, goopenai.ChatCompletionMessage{
		Role:    goopenai.ChatMessageRoleAssistant,
		Content: answer,
	})
	o.mu.Unlock()
	return nil
}

func (o *OpenAI) stream(ctx context.Context, model string, msgs []goopenai.ChatCompletionMessage) (string, error) {
	s := newStream(o.emitter, o.logger)

	cs, err := o.client.CreateChatCompletionStream(ctx, goopenai.ChatCompletionRequest{
		Model:    model,
		Messages: msgs,
		Stream:   true,
	})
	if err != nil {
		return s.finish(ctx, err)
	}
	defer cs.Close()

	for {
		res, err := cs.Recv()
		if errors.Is(err, io.EOF) {
			return s.finish(ctx, nil)
		}
		if err != nil {
			return s.finish(ctx, err)
		}
		if len(res.Choices) == 0 {
			continue
		}
		choice := res.Choices[0]
		if err := s.chunk(choice.Delta.Content, choice.FinishReason != ""); err != nil {
			return s.finish(ctx, err)
		}
	}
}

func userMessage(prompt string) goopenai.ChatCompletionMessage {
	return goopenai.ChatCompletionMessage{
		Role:    goopenai.ChatMessageRoleUser,
		Content: prompt,
	}
}

// imageMessage builds a user message carrying prompt and the base64 encoded image as a data URL.
func imageMessage(prompt, image string) (goopenai.ChatCompletionMessage, error) {
	raw, err := base64.StdEncoding.DecodeString(image)
	if err != nil {
		return goopenai.ChatCompletionMessage{}, fmt.Errorf("error decoding image: %w", err)
	}

	return goopenai.ChatCompletionMessage{
		Role: goopenai.ChatMessageRoleUser,
		MultiContent: []goopenai.ChatMessagePart{
			{
				Type: goopenai.ChatMessagePartTypeText,
				Text: prompt,
			},
			{
				Type: goopenai.ChatMessagePartTypeImageURL,
				ImageURL: &goopenai.ChatMessageImageURL{
					URL: "data:" + http.DetectContentType(raw) + ";base64," + image,
				},
			},
		},
	}, nil
}
