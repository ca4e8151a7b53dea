package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Ostabo/Spit/internal/models"
	"github.com/tmaxmax/go-sse"
)

// Emitter publishes stream events. Gateways use it to report the output of their streaming calls.
type Emitter interface {
	Emit(kind models.EventKind, payload any) error
}

// Bus is the in-process event channel between the gateways and the chat client. Events travel through a
// go-sse Joe provider as SSE messages whose type is the event kind and whose data is the JSON payload, and
// each listener is a subscription to the topics named after the kinds it asked for.
type Bus struct {
	joe       *sse.Joe
	queueSize int

	logger *slog.Logger
}

const defaultListenerQueue = 256

// NewBus creates a Bus ready to be listened to.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		joe:       &sse.Joe{Replayer: registrationAck{}},
		queueSize: defaultListenerQueue,
		logger:    logger.With(slog.String("module", "bus")),
	}
}

// Emit publishes payload, encoded as JSON, to every listener of kind.
func (b *Bus) Emit(kind models.EventKind, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("error encoding %s payload: %w", kind, err)
	}

	msg := &sse.Message{Type: sse.Type(string(kind))}
	msg.AppendData(string(data))

	if err := b.joe.Publish(msg, []string{string(kind)}); err != nil {
		return fmt.Errorf("error publishing %s: %w", kind, err)
	}
	return nil
}

// Listen subscribes fn to kinds with a single subscription. It returns once the subscription is
// registered with the provider, so every event emitted afterwards reaches fn. Events are delivered to fn
// one at a time, in the order they were emitted.
func (b *Bus) Listen(fn func(models.Event), kinds ...models.EventKind) (func(), error) {
	if len(kinds) == 0 {
		return nil, errors.New("no event kinds to listen to")
	}
	topics := make([]string, len(kinds))
	for i, kind := range kinds {
		topics[i] = string(kind)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &listener{
		ctx:        ctx,
		queue:      make(chan *sse.Message, b.queueSize),
		registered: make(chan struct{}),
	}

	subscribed := make(chan error, 1)
	go func() {
		subscribed <- b.joe.Subscribe(ctx, sse.Subscription{Client: l, Topics: topics})
	}()

	select {
	case <-l.registered:
	case err := <-subscribed:
		cancel()
		if err == nil {
			err = sse.ErrProviderClosed
		}
		return nil, fmt.Errorf("error subscribing to %v: %w", kinds, err)
	}

	go l.pump(fn, b.logger)

	var once sync.Once
	return func() {
		once.Do(func() {
			// Cancel first so a listener blocked on a full queue lets the provider go.
			cancel()
			err := <-subscribed
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, sse.ErrProviderClosed) {
				b.logger.Warn("Subscription ended with error", slog.String(errLoggerKey, err.Error()))
			}
		})
	}, nil
}

// Shutdown stops the provider. Pending listeners are dropped.
func (b *Bus) Shutdown(ctx context.Context) error {
	return b.joe.Shutdown(ctx)
}

// listener is the sse.MessageWriter of one Listen call.
type listener struct {
	ctx        context.Context
	queue      chan *sse.Message
	registered chan struct{}
}

func (l *listener) Send(m *sse.Message) error {
	select {
	case l.queue <- m:
		return nil
	case <-l.ctx.Done():
		return l.ctx.Err()
	}
}

func (l *listener) Flush() error {
	return nil
}

func (l *listener) pump(fn func(models.Event), logger *slog.Logger) {
	for {
		select {
		case <-l.ctx.Done():
			return
		case m := <-l.queue:
			if l.ctx.Err() != nil {
				return
			}
			ev, err := decodeEvent(m)
			if err != nil {
				logger.Error("Failed to decode event", slog.String(errLoggerKey, err.Error()))
				continue
			}
			fn(ev)
		}
	}
}

// registrationAck is the Joe replayer of the bus. Joe calls Replay on its run loop right before it
// starts delivering to a new subscriber, which makes it the point at which the subscription is live.
// Nothing is stored, so nothing is replayed.
type registrationAck struct{}

func (registrationAck) Put(msg *sse.Message, _ []string) (*sse.Message, error) {
	return msg, nil
}

func (registrationAck) Replay(sub sse.Subscription) error {
	if l, ok := sub.Client.(*listener); ok {
		close(l.registered)
	}
	return nil
}

// decodeEvent reads a bus message back from its SSE wire form.
func decodeEvent(m *sse.Message) (models.Event, error) {
	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return models.Event{}, fmt.Errorf("error writing message: %w", err)
	}

	for e, err := range sse.Read(&buf, nil) {
		if err != nil {
			return models.Event{}, fmt.Errorf("error reading message: %w", err)
		}
		return parseEvent(models.EventKind(e.Type), e.Data)
	}
	return models.Event{}, errors.New("empty message")
}

func parseEvent(kind models.EventKind, data string) (models.Event, error) {
	ev := models.Event{Kind: kind}
	switch kind {
	case models.EventChunk:
		if err := json.Unmarshal([]byte(data), &ev.Chunk); err != nil {
			return models.Event{}, fmt.Errorf("error decoding %s payload: %w", kind, err)
		}
	case models.EventError:
		if err := json.Unmarshal([]byte(data), &ev.Error); err != nil {
			return models.Event{}, fmt.Errorf("error decoding %s payload: %w", kind, err)
		}
	case models.EventDone:
	default:
		return models.Event{}, fmt.Errorf("unknown event kind %q", kind)
	}
	return ev, nil
}
