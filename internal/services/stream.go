package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Ostabo/Spit/internal/models"
)

// stream reports the output of one streaming call on an emitter.
type stream struct {
	emitter Emitter
	logger  *slog.Logger

	emitted bool
	sb      strings.Builder
}

func newStream(emitter Emitter, logger *slog.Logger) *stream {
	return &stream{emitter: emitter, logger: logger}
}

func (s *stream) chunk(content string, done bool) error {
	s.sb.WriteString(content)
	if content == "" && !done {
		return nil
	}
	if err := s.emitter.Emit(models.EventChunk, models.StreamChunk{Content: content, Done: done}); err != nil {
		return err
	}
	s.emitted = true
	return nil
}

// finish emits the terminal event for the call that ended with err. A call that failed before emitting
// anything returns its error instead, so the caller can report it as an issuance failure. Cancellation
// returns ctx.Err() without emitting.
func (s *stream) finish(ctx context.Context, err error) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	if err != nil {
		if !s.emitted {
			return "", fmt.Errorf("error sending request: %w", err)
		}
		if emitErr := s.emitter.Emit(models.EventError, models.StreamError{Message: err.Error()}); emitErr != nil {
			s.logger.Error("Failed to emit stream error", slog.String(errLoggerKey, emitErr.Error()))
			return "", errors.Join(err, emitErr)
		}
		return "", nil
	}

	if err := s.emitter.Emit(models.EventDone, struct{}{}); err != nil {
		return "", fmt.Errorf("error emitting done: %w", err)
	}
	return s.sb.String(), nil
}
