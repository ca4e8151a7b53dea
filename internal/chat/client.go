package chat

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Ostabo/Spit/internal/models"
)

// Gateway is the command side of the backend bridge. The streaming calls return once the backend command
// has been carried out; their output arrives on the Events channel, terminated by a done or error event.
// An error returned by a streaming call means the command could not be issued or failed before any event
// was emitted.
type Gateway interface {
	ListModels(ctx context.Context) ([]models.Model, error)
	AddModel(ctx context.Context, name string) (models.InstallStatus, error)
	DeleteModel(ctx context.Context, name string) error

	Generate(ctx context.Context, model, prompt string) (string, error)
	GenerateStream(ctx context.Context, model, prompt string) error
	GenerateWithImage(ctx context.Context, model, prompt, image string) (string, error)
	GenerateWithImageStream(ctx context.Context, model, prompt, image string) error
	ChatStream(ctx context.Context, model, prompt string) error
}

// ChangeKind names the part of the client state a Change is about.
type ChangeKind string

const (
	ChangeTranscript ChangeKind = "transcript"
	ChangeModels     ChangeKind = "models"
	ChangeState      ChangeKind = "state"
	ChangeNotice     ChangeKind = "notices"
)

// Change is passed to Config.OnChange every time the client state changes.
type Change struct {
	Kind     ChangeKind
	Snapshot Snapshot

	// Notice would be filled if Kind is ChangeNotice.
	Notice models.Notice
}

// Snapshot is a consistent copy of the client state.
type Snapshot struct {
	State      State          `json:"state"`
	Busy       bool           `json:"busy"`
	Mode       models.Mode    `json:"mode"`
	Selected   string         `json:"selected"`
	Staged     string         `json:"staged,omitempty"`
	Models     []models.Model `json:"models"`
	Selectable []models.Model `json:"selectable"`
	Turns      []models.Turn  `json:"turns"`
	// OpenTurn is the ID of the turn a response is streaming into, empty when none is.
	OpenTurn string `json:"open_turn,omitempty"`
}

// DefaultReconcileDelay is how long AddModel waits before refreshing the registry so the pending install
// shows up as a temporary entry.
const DefaultReconcileDelay = 250 * time.Millisecond

const errLoggerKey = "err"

// Config holds the collaborators and tunables of a Client.
type Config struct {
	Gateway Gateway
	Events  Events
	Logger  *slog.Logger

	// Mode is the initial request shape, ModeGenerate when empty.
	Mode models.Mode
	// ReconcileDelay defaults to DefaultReconcileDelay when zero.
	ReconcileDelay time.Duration
	// StreamTimeout bounds a whole session when positive.
	StreamTimeout time.Duration

	// OnChange is called from the client's run loop. It must not block and must not call back into the
	// Client.
	OnChange func(Change)
}

// Client owns the conversation store, the model registry, the selected model, the request mode and the
// streaming session. All of them are only touched from the goroutine running Run; every other method
// hands a closure to that goroutine and waits for it, while backend calls run outside of it and post
// their results back.
type Client struct {
	gateway        Gateway
	events         Events
	logger         *slog.Logger
	reconcileDelay time.Duration
	streamTimeout  time.Duration
	onChange       func(Change)

	inbox chan func()
	done  chan struct{}

	store    *Store
	registry *Registry
	mode     models.Mode
	staged   Attachment
	sess     *session

	refreshIssued  uint64
	refreshApplied uint64
}

// New creates a Client. Nothing happens until Run is called.
func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mode := cfg.Mode
	if !mode.Valid() {
		mode = models.ModeGenerate
	}
	delay := cfg.ReconcileDelay
	if delay <= 0 {
		delay = DefaultReconcileDelay
	}

	return &Client{
		gateway:        cfg.Gateway,
		events:         cfg.Events,
		logger:         logger.With(slog.String("module", "chat")),
		reconcileDelay: delay,
		streamTimeout:  cfg.StreamTimeout,
		onChange:       cfg.OnChange,
		inbox:          make(chan func(), 64),
		done:           make(chan struct{}),
		store:          NewStore(),
		registry:       NewRegistry(),
		mode:           mode,
	}
}

// Run executes the client's run loop until ctx is done. It must be called exactly once. An open session
// is aborted and its subscription released before Run returns; afterwards every method returns
// ErrClosed.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.done)

	for {
		select {
		case fn := <-c.inbox:
			fn()
		case <-ctx.Done():
			c.abort()
			return nil
		}
	}
}

// do runs fn on the run loop and waits for it to finish.
func (c *Client) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case c.inbox <- func() { fn(); close(finished) }:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-finished:
		return nil
	case <-c.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	}
}

// post queues fn on the run loop without waiting for it.
func (c *Client) post(fn func()) {
	select {
	case c.inbox <- fn:
	case <-c.done:
	}
}

// Send starts a streaming session for req. It returns ErrEmptyRequest when req has no text and there is
// no attachment, and ErrBusy while another session is open. Once accepted, failures of the session are
// written into the transcript instead of being returned.
func (c *Client) Send(ctx context.Context, req Request) error {
	var err error
	if doErr := c.do(ctx, func() { err = c.start(req) }); doErr != nil {
		return doErr
	}
	return err
}

// Cancel aborts the open session, if any, failing it with ErrCancelled's message.
func (c *Client) Cancel(ctx context.Context) error {
	return c.do(ctx, func() {
		if c.sess == nil {
			return
		}
		c.failAs(c.sess, ErrCancelled.Error(), "cancelled")
	})
}

// Attach stages att for the next send. Staged attachments are cleared when a session ends.
func (c *Client) Attach(ctx context.Context, att Attachment) error {
	var err error
	if doErr := c.do(ctx, func() {
		if c.sess != nil {
			err = ErrBusy
			return
		}
		c.staged = att
		c.notify(ChangeState)
	}); doErr != nil {
		return doErr
	}
	return err
}

// Detach drops the staged attachment.
func (c *Client) Detach(ctx context.Context) error {
	return c.do(ctx, func() {
		if c.staged == nil {
			return
		}
		c.staged = nil
		c.notify(ChangeState)
	})
}

// SetMode switches the request shape used for text-only sends and appends a marker turn when the mode
// actually changes.
func (c *Client) SetMode(ctx context.Context, mode models.Mode) error {
	if !mode.Valid() {
		return ErrUnknownMode
	}

	var err error
	if doErr := c.do(ctx, func() {
		if c.sess != nil {
			err = ErrBusy
			return
		}
		if c.mode == mode {
			return
		}
		if _, err = c.store.Append(models.RoleSystem, "Chat mode changed to "+mode.Label(), true); err != nil {
			return
		}
		c.mode = mode
		c.notify(ChangeState)
		c.notify(ChangeTranscript)
	}); doErr != nil {
		return doErr
	}
	return err
}

// SelectModel points the selection at name and appends a marker turn when the selection changes.
func (c *Client) SelectModel(ctx context.Context, name string) error {
	var err error
	if doErr := c.do(ctx, func() {
		if c.sess != nil {
			err = ErrBusy
			return
		}
		if name == c.registry.Selected() {
			return
		}
		if err = c.registry.Select(name); err != nil {
			return
		}
		if _, err = c.store.Append(models.RoleSystem, "Model changed to "+name, true); err != nil {
			return
		}
		c.notify(ChangeModels)
		c.notify(ChangeTranscript)
	}); doErr != nil {
		return doErr
	}
	return err
}

// Snapshot returns a copy of the current state.
func (c *Client) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	if err := c.do(ctx, func() { snap = c.snapshot() }); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// Refresh replaces the registry with the backend's model list. A failed fetch empties the registry and
// emits a notice. Results of a refresh overtaken by a later one are dropped. When ctx ends before the list
// arrives, Refresh returns ctx's error and leaves the registry as it was.
func (c *Client) Refresh(ctx context.Context) error {
	var seq uint64
	if err := c.do(ctx, func() {
		c.refreshIssued++
		seq = c.refreshIssued
	}); err != nil {
		return err
	}

	list, listErr := c.gateway.ListModels(ctx)
	if listErr != nil && ctx.Err() != nil {
		c.logger.Debug("Refresh abandoned", slog.Uint64("seq", seq), slog.String(errLoggerKey, listErr.Error()))
		return ctx.Err()
	}
	observeModelAction("list", listErr)

	var err error
	if doErr := c.do(context.WithoutCancel(ctx), func() { err = c.applyRefresh(seq, list, listErr) }); doErr != nil {
		return doErr
	}
	return err
}

func (c *Client) applyRefresh(seq uint64, list []models.Model, listErr error) error {
	if seq < c.refreshApplied {
		c.logger.Debug("Dropping stale model list", slog.Uint64("seq", seq))
		return nil
	}
	c.refreshApplied = seq

	if listErr != nil {
		c.registry.Clear()
		c.notify(ChangeModels)
		c.notice(models.Notice{
			Title:       "Error",
			Description: fmt.Sprintf("Failed to fetch models: %v", listErr),
			Destructive: true,
		})
		return &ModelActionError{Action: "list", Err: listErr}
	}

	c.registry.Replace(list)
	c.notify(ChangeModels)
	return nil
}

// AddModel installs name on the backend. A refresh is scheduled after the reconcile delay so the install
// shows up as a temporary entry, and another one runs once the install finished, whatever its outcome.
func (c *Client) AddModel(ctx context.Context, name string) (models.InstallStatus, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.InstallStatus{}, ErrEmptyModelName
	}

	time.AfterFunc(c.reconcileDelay, func() {
		if err := c.Refresh(context.Background()); err != nil && !errors.Is(err, ErrClosed) {
			c.logger.Debug("Scheduled refresh failed", slog.String(errLoggerKey, err.Error()))
		}
	})

	status, err := c.gateway.AddModel(ctx, name)
	observeModelAction("add", err)

	n := models.Notice{Title: "Model Added", Description: name + " is installed now."}
	if status.Message != "" {
		n.Description += " - " + status.Message
	}
	if err != nil {
		n = models.Notice{
			Title:       "Error",
			Description: fmt.Sprintf("Failed to add model: %v", err),
			Destructive: true,
		}
		err = &ModelActionError{Action: "add", Model: name, Err: err}
	}
	if doErr := c.do(context.WithoutCancel(ctx), func() { c.notice(n) }); doErr != nil {
		return status, doErr
	}

	if refreshErr := c.Refresh(context.WithoutCancel(ctx)); refreshErr != nil {
		c.logger.Warn("Refresh after add failed", slog.String(errLoggerKey, refreshErr.Error()))
	}

	return status, err
}

// DeleteModel removes name from the backend and refreshes the registry. Temporary entries cannot be
// deleted. On failure the registry is left as it was.
func (c *Client) DeleteModel(ctx context.Context, name string) error {
	var err error
	if doErr := c.do(ctx, func() {
		if m, ok := c.registry.Lookup(name); ok && m.Temporary {
			err = ErrModelInstalling
		}
	}); doErr != nil {
		return doErr
	}
	if err != nil {
		return err
	}

	if err := c.gateway.DeleteModel(ctx, name); err != nil {
		observeModelAction("delete", err)
		actionErr := &ModelActionError{Action: "delete", Model: name, Err: err}
		_ = c.do(context.WithoutCancel(ctx), func() {
			c.notice(models.Notice{
				Title:       "Error",
				Description: fmt.Sprintf("Failed to delete model: %v", err),
				Destructive: true,
			})
		})
		return actionErr
	}
	observeModelAction("delete", nil)

	if err := c.Refresh(context.WithoutCancel(ctx)); err != nil {
		c.logger.Warn("Refresh after delete failed", slog.String(errLoggerKey, err.Error()))
	}
	return c.do(context.WithoutCancel(ctx), func() {
		c.notice(models.Notice{
			Title:       "Model Deleted",
			Description: fmt.Sprintf("Model %q has been deleted.", name),
		})
	})
}

func (c *Client) start(req Request) error {
	if c.sess != nil {
		return ErrBusy
	}
	att := req.Attachment
	if att == nil {
		att = c.staged
	}
	if strings.TrimSpace(req.Text) == "" && att == nil {
		return ErrEmptyRequest
	}

	userIdx, err := c.store.Append(models.RoleUser, req.Text, false)
	if err != nil {
		return err
	}
	if _, err := c.store.Open(models.RoleAssistant); err != nil {
		return err
	}

	s := newSession(req.Text, c.registry.Selected(), att, userIdx)
	if err := s.moveTo(StateSending); err != nil {
		return err
	}
	c.sess = s
	c.logger.Debug("Session started",
		slog.String("session", s.id),
		slog.String("model", s.model),
		slog.Bool("image", att != nil))
	c.notify(ChangeTranscript)
	c.notify(ChangeState)

	sub, err := Subscribe(c.events, c.listener(s.id))
	if err != nil {
		c.fail(s, err.Error())
		return nil
	}
	s.sub = sub

	var ctx context.Context
	if c.streamTimeout > 0 {
		ctx, s.cancel = context.WithTimeout(context.Background(), c.streamTimeout)
		go c.watchDeadline(ctx, s.id)
	} else {
		ctx, s.cancel = context.WithCancel(context.Background())
	}

	if att != nil {
		go c.readAttachment(ctx, s.id, att)
		return nil
	}
	c.issue(ctx, s, "")
	return nil
}

func (c *Client) listener(id string) func(models.Event) {
	return func(ev models.Event) {
		c.post(func() { c.handleEvent(id, ev) })
	}
}

// current returns the open session if its id is id.
func (c *Client) current(id string) (*session, bool) {
	if c.sess == nil || c.sess.id != id {
		return nil, false
	}
	return c.sess, true
}

func (c *Client) readAttachment(ctx context.Context, id string, att Attachment) {
	data, err := att.Read(ctx)
	c.post(func() { c.attachmentRead(ctx, id, att.Name(), data, err) })
}

func (c *Client) attachmentRead(ctx context.Context, id, name, data string, readErr error) {
	s, ok := c.current(id)
	if !ok {
		return
	}
	if readErr != nil {
		c.logger.Warn("Failed to read attachment",
			slog.String("name", name),
			slog.String(errLoggerKey, readErr.Error()))
		c.fail(s, fileReadMessage)
		return
	}

	payload := ImagePayload(data)
	image, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		c.logger.Warn("Failed to decode attachment",
			slog.String("name", name),
			slog.String(errLoggerKey, err.Error()))
		c.fail(s, fileReadMessage)
		return
	}

	if err := c.store.AttachImage(s.userIdx, image, imageTurnContent(s.text, name)); err != nil {
		c.fail(s, err.Error())
		return
	}
	c.notify(ChangeTranscript)
	c.issue(ctx, s, payload)
}

// issue hands the backend command to the gateway. image is the base64 payload of an attachment, empty
// for text-only requests.
func (c *Client) issue(ctx context.Context, s *session, image string) {
	s.issued = true
	id, model, prompt, mode := s.id, s.model, s.text, c.mode

	go func() {
		var err error
		switch {
		case image != "":
			err = c.gateway.GenerateWithImageStream(ctx, model, prompt, image)
		case mode == models.ModeChat:
			err = c.gateway.ChatStream(ctx, model, prompt)
		default:
			err = c.gateway.GenerateStream(ctx, model, prompt)
		}
		if err == nil {
			return
		}
		c.post(func() {
			if s, ok := c.current(id); ok {
				c.fail(s, err.Error())
			}
		})
	}()
}

func (c *Client) watchDeadline(ctx context.Context, id string) {
	<-ctx.Done()
	if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return
	}
	c.post(func() {
		if s, ok := c.current(id); ok {
			c.failAs(s, fmt.Sprintf("no response within %s", c.streamTimeout), "timeout")
		}
	})
}

func (c *Client) handleEvent(id string, ev models.Event) {
	s, ok := c.current(id)
	if !ok || !s.issued {
		return
	}

	switch ev.Kind {
	case models.EventChunk:
		s.acc.WriteString(ev.Chunk.Content)
		if err := c.store.ReplaceOpen(s.acc.String()); err != nil {
			c.logger.Error("Failed to apply chunk", slog.String(errLoggerKey, err.Error()))
			return
		}
		streamChunksTotal.Inc()
		if s.state == StateSending {
			if err := s.moveTo(StateStreaming); err != nil {
				c.logger.Error("Failed to start streaming", slog.String(errLoggerKey, err.Error()))
			}
			c.notify(ChangeState)
		}
		c.notify(ChangeTranscript)
	case models.EventDone:
		c.complete(s)
	case models.EventError:
		c.fail(s, ev.Error.Message)
	}
}

func (c *Client) complete(s *session) {
	if err := s.moveTo(StateCompleted); err != nil {
		c.logger.Error("Failed to complete session", slog.String(errLoggerKey, err.Error()))
		return
	}
	if _, err := c.store.Commit(); err != nil {
		c.logger.Error("Failed to commit response", slog.String(errLoggerKey, err.Error()))
	}
	c.finish(s, "completed")
}

func (c *Client) fail(s *session, msg string) {
	c.failAs(s, msg, "failed")
}

// failAs commits the placeholder as it is, appends the failure turn and closes the session.
func (c *Client) failAs(s *session, msg, outcome string) {
	if err := s.moveTo(StateFailed); err != nil {
		c.logger.Error("Failed to fail session", slog.String(errLoggerKey, err.Error()))
		return
	}
	c.logger.Warn("Session failed", slog.String("session", s.id), slog.String(errLoggerKey, msg))

	if _, err := c.store.Commit(); err != nil {
		c.logger.Error("Failed to commit response", slog.String(errLoggerKey, err.Error()))
	}
	if _, err := c.store.Append(models.RoleAssistant, failureContent(msg), false); err != nil {
		c.logger.Error("Failed to append failure", slog.String(errLoggerKey, err.Error()))
	}
	c.finish(s, outcome)
}

// finish releases everything the session holds and returns the client to idle.
func (c *Client) finish(s *session, outcome string) {
	s.cancel()
	s.sub.Release()
	c.staged = nil
	observeSession(outcome, s.started)

	if err := s.moveTo(StateIdle); err != nil {
		c.logger.Error("Failed to reset session", slog.String(errLoggerKey, err.Error()))
	}
	c.sess = nil
	c.logger.Debug("Session closed", slog.String("session", s.id), slog.String("outcome", outcome))

	c.notify(ChangeTranscript)
	c.notify(ChangeState)
}

// abort tears the open session down on shutdown without writing a failure turn.
func (c *Client) abort() {
	s := c.sess
	if s == nil {
		return
	}
	s.cancel()
	s.sub.Release()
	if _, err := c.store.Commit(); err != nil {
		c.logger.Error("Failed to commit response", slog.String(errLoggerKey, err.Error()))
	}
	observeSession("aborted", s.started)
	c.sess = nil
}

func (c *Client) notice(n models.Notice) {
	c.logger.Info("Notice", slog.String("title", n.Title), slog.String("description", n.Description))
	if c.onChange != nil {
		c.onChange(Change{Kind: ChangeNotice, Notice: n, Snapshot: c.snapshot()})
	}
}

func (c *Client) notify(kind ChangeKind) {
	if c.onChange != nil {
		c.onChange(Change{Kind: kind, Snapshot: c.snapshot()})
	}
}

func (c *Client) snapshot() Snapshot {
	snap := Snapshot{
		State:      StateIdle,
		Mode:       c.mode,
		Selected:   c.registry.Selected(),
		Models:     c.registry.All(),
		Selectable: c.registry.Selectable(),
		Turns:      c.store.Turns(),
	}
	if c.sess != nil {
		snap.State = c.sess.state
		snap.Busy = true
	}
	if c.staged != nil {
		snap.Staged = c.staged.Name()
	}
	if t, ok := c.store.Turn(c.store.OpenIndex()); ok {
		snap.OpenTurn = t.ID
	}
	return snap
}
