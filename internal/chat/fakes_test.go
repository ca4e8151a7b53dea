package chat_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/Ostabo/Spit/internal/chat"
	"github.com/Ostabo/Spit/internal/models"
)

type gatewayCall struct {
	method string
	model  string
	prompt string
	image  string
}

type mockGateway struct {
	mu      sync.Mutex
	models  []models.Model
	listErr error
	calls   []gatewayCall
	lists   int

	listFn    func(ctx context.Context) ([]models.Model, error)
	addFn     func(ctx context.Context, name string) (models.InstallStatus, error)
	deleteErr error
	// onDelete, when set, runs after a successful delete.
	onDelete func()
	streamFn func(ctx context.Context, call gatewayCall) error
}

func (m *mockGateway) record(c gatewayCall) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, c)
}

func (m *mockGateway) recorded() []gatewayCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calls)
}

func (m *mockGateway) setModels(list ...models.Model) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.models = list
}

func (m *mockGateway) setListFn(fn func(ctx context.Context) ([]models.Model, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listFn = fn
}

func (m *mockGateway) listCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lists
}

func (m *mockGateway) ListModels(ctx context.Context) ([]models.Model, error) {
	m.mu.Lock()
	m.lists++
	fn := m.listFn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	return slices.Clone(m.models), nil
}

func (m *mockGateway) AddModel(ctx context.Context, name string) (models.InstallStatus, error) {
	m.record(gatewayCall{method: "AddModel", model: name})
	if m.addFn != nil {
		return m.addFn(ctx, name)
	}
	return models.InstallStatus{Message: "success"}, nil
}

func (m *mockGateway) DeleteModel(_ context.Context, name string) error {
	m.record(gatewayCall{method: "DeleteModel", model: name})
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.models = slices.DeleteFunc(m.models, func(mod models.Model) bool { return mod.Name == name })
	if m.onDelete != nil {
		m.onDelete()
	}
	return nil
}

func (m *mockGateway) Generate(_ context.Context, model, prompt string) (string, error) {
	m.record(gatewayCall{method: "Generate", model: model, prompt: prompt})
	return "", errors.New("not used")
}

func (m *mockGateway) GenerateWithImage(_ context.Context, model, prompt, image string) (string, error) {
	m.record(gatewayCall{method: "GenerateWithImage", model: model, prompt: prompt, image: image})
	return "", errors.New("not used")
}

func (m *mockGateway) GenerateStream(ctx context.Context, model, prompt string) error {
	return m.stream(ctx, gatewayCall{method: "GenerateStream", model: model, prompt: prompt})
}

func (m *mockGateway) GenerateWithImageStream(ctx context.Context, model, prompt, image string) error {
	return m.stream(ctx, gatewayCall{method: "GenerateWithImageStream", model: model, prompt: prompt, image: image})
}

func (m *mockGateway) ChatStream(ctx context.Context, model, prompt string) error {
	return m.stream(ctx, gatewayCall{method: "ChatStream", model: model, prompt: prompt})
}

func (m *mockGateway) stream(ctx context.Context, c gatewayCall) error {
	m.record(c)
	if m.streamFn != nil {
		return m.streamFn(ctx, c)
	}
	return nil
}

type mockListener struct {
	fn    func(models.Event)
	kinds []models.EventKind
}

// mockEvents delivers events synchronously to every live listener registered for their kind.
type mockEvents struct {
	mu        sync.Mutex
	next      int
	listeners map[int]mockListener
	listenErr error
	listens   int
}

func newMockEvents() *mockEvents {
	return &mockEvents{listeners: make(map[int]mockListener)}
}

func (e *mockEvents) Listen(fn func(models.Event), kinds ...models.EventKind) (func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listenErr != nil {
		return nil, e.listenErr
	}
	e.listens++
	id := e.next
	e.next++
	e.listeners[id] = mockListener{fn: fn, kinds: kinds}
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.listeners, id)
	}, nil
}

func (e *mockEvents) emit(ev models.Event) {
	e.mu.Lock()
	var fns []func(models.Event)
	for _, l := range e.listeners {
		if slices.Contains(l.kinds, ev.Kind) {
			fns = append(fns, l.fn)
		}
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (e *mockEvents) chunk(content string) {
	e.emit(models.Event{Kind: models.EventChunk, Chunk: models.StreamChunk{Content: content}})
}

func (e *mockEvents) done() {
	e.emit(models.Event{Kind: models.EventDone})
}

func (e *mockEvents) fail(msg string) {
	e.emit(models.Event{Kind: models.EventError, Error: models.StreamError{Message: msg}})
}

func (e *mockEvents) active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}

type mockAttachment struct {
	name string
	data string
	err  error

	// onRead, when set, runs before Read returns.
	onRead func()
}

func (a mockAttachment) Name() string { return a.name }

func (a mockAttachment) Read(context.Context) (string, error) {
	if a.onRead != nil {
		a.onRead()
	}
	return a.data, a.err
}

// noticeRecorder collects notices passed to Config.OnChange.
type noticeRecorder struct {
	mu      sync.Mutex
	notices []models.Notice
}

func (r *noticeRecorder) observe(c chat.Change) {
	if c.Kind != chat.ChangeNotice {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, c.Notice)
}

func (r *noticeRecorder) titles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	titles := make([]string, 0, len(r.notices))
	for _, n := range r.notices {
		titles = append(titles, n.Title)
	}
	return titles
}

func (r *noticeRecorder) last() models.Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.notices) == 0 {
		return models.Notice{}
	}
	return r.notices[len(r.notices)-1]
}

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// startClient runs a client until the test ends.
func startClient(t *testing.T, cfg chat.Config) *chat.Client {
	t.Helper()

	c := chat.New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return c
}
