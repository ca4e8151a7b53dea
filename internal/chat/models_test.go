package chat_test

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/Ostabo/Spit/internal/chat"
	"github.com/Ostabo/Spit/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func names(list []models.Model) []string {
	out := make([]string, len(list))
	for i, m := range list {
		out[i] = m.Name
	}
	return out
}

func TestRefreshKeepsBackendOrder(t *testing.T) {
	gw := &mockGateway{models: []models.Model{{Name: "zeta"}, {Name: "alpha"}, {Name: "zeta"}, {Name: "mid"}}}
	c := startClient(t, chat.Config{Gateway: gw, Events: newMockEvents()})

	require.NoError(t, c.Refresh(context.Background()))

	snap := snapshot(t, c)
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, names(snap.Models))
	assert.Equal(t, "zeta", snap.Selected)
}

func TestRefreshFailureClearsRegistry(t *testing.T) {
	rec := &noticeRecorder{}
	gw := &mockGateway{models: []models.Model{{Name: "a"}}}
	c := startClient(t, chat.Config{Gateway: gw, Events: newMockEvents(), OnChange: rec.observe})
	ctx := context.Background()

	require.NoError(t, c.Refresh(ctx))
	require.NoError(t, c.SetMode(ctx, models.ModeChat))
	before := snapshot(t, c).Turns

	gw.mu.Lock()
	gw.listErr = errors.New("connection refused")
	gw.mu.Unlock()

	err := c.Refresh(ctx)
	var actionErr *chat.ModelActionError
	require.ErrorAs(t, err, &actionErr)
	assert.Equal(t, "list", actionErr.Action)

	snap := snapshot(t, c)
	assert.Empty(t, snap.Models)
	assert.Equal(t, before, snap.Turns)

	n := rec.last()
	assert.Equal(t, "Error", n.Title)
	assert.Equal(t, "Failed to fetch models: connection refused", n.Description)
	assert.True(t, n.Destructive)
}

func TestRefreshCancelledByCallerKeepsRegistry(t *testing.T) {
	rec := &noticeRecorder{}
	gw := &mockGateway{models: []models.Model{{Name: "a"}, {Name: "b"}}}
	c := startClient(t, chat.Config{Gateway: gw, Events: newMockEvents(), OnChange: rec.observe})
	require.NoError(t, c.Refresh(context.Background()))

	gw.setListFn(func(ctx context.Context) ([]models.Model, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	require.ErrorIs(t, c.Refresh(ctx), context.Canceled)

	snap := snapshot(t, c)
	assert.Equal(t, []string{"a", "b"}, names(snap.Models))
	assert.Equal(t, "a", snap.Selected)
	assert.NotContains(t, rec.titles(), "Error")
}

func TestDeleteRefreshesAfterCallerGoesAway(t *testing.T) {
	rec := &noticeRecorder{}
	gw := &mockGateway{models: []models.Model{{Name: "a"}, {Name: "b"}}}
	c := startClient(t, chat.Config{Gateway: gw, Events: newMockEvents(), OnChange: rec.observe})
	require.NoError(t, c.Refresh(context.Background()))

	gw.setListFn(func(ctx context.Context) ([]models.Model, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		gw.mu.Lock()
		defer gw.mu.Unlock()
		return slices.Clone(gw.models), nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gw.onDelete = cancel

	require.NoError(t, c.DeleteModel(ctx, "a"))

	assert.Equal(t, []string{"b"}, names(snapshot(t, c).Models))
	assert.NotContains(t, rec.titles(), "Error")
	assert.Equal(t, "Model Deleted", rec.last().Title)
}

func TestSelectionFallsBackAfterDelete(t *testing.T) {
	rec := &noticeRecorder{}
	gw := &mockGateway{models: []models.Model{{Name: "a"}, {Name: "b"}, {Name: "c"}}}
	c := startClient(t, chat.Config{Gateway: gw, Events: newMockEvents(), OnChange: rec.observe})
	ctx := context.Background()

	require.NoError(t, c.Refresh(ctx))
	require.Equal(t, "a", snapshot(t, c).Selected)

	require.NoError(t, c.DeleteModel(ctx, "a"))

	snap := snapshot(t, c)
	assert.Equal(t, []string{"b", "c"}, names(snap.Models))
	assert.Equal(t, "b", snap.Selected)
	assert.NotContains(t, names(snap.Models), "a")

	n := rec.last()
	assert.Equal(t, "Model Deleted", n.Title)
	assert.Equal(t, `Model "a" has been deleted.`, n.Description)
}

func TestDeleteFailureLeavesRegistryUnchanged(t *testing.T) {
	rec := &noticeRecorder{}
	gw := &mockGateway{
		models:    []models.Model{{Name: "a"}, {Name: "b"}},
		deleteErr: errors.New("model is in use"),
	}
	c := startClient(t, chat.Config{Gateway: gw, Events: newMockEvents(), OnChange: rec.observe})
	ctx := context.Background()
	require.NoError(t, c.Refresh(ctx))

	err := c.DeleteModel(ctx, "a")
	var actionErr *chat.ModelActionError
	require.ErrorAs(t, err, &actionErr)
	assert.Equal(t, "delete", actionErr.Action)
	assert.Equal(t, "a", actionErr.Model)

	snap := snapshot(t, c)
	assert.Equal(t, []string{"a", "b"}, names(snap.Models))
	assert.Equal(t, "a", snap.Selected)

	n := rec.last()
	assert.Equal(t, "Error", n.Title)
	assert.Contains(t, n.Description, "Failed to delete model:")
	assert.Contains(t, n.Description, "model is in use")
}

func TestDeleteRefusesTemporaryEntry(t *testing.T) {
	gw := &mockGateway{models: []models.Model{{Name: "a"}, {Name: "llava:latest", Temporary: true}}}
	c := startClient(t, chat.Config{Gateway: gw, Events: newMockEvents()})
	ctx := context.Background()
	require.NoError(t, c.Refresh(ctx))

	require.ErrorIs(t, c.DeleteModel(ctx, "llava:latest"), chat.ErrModelInstalling)
	assert.Empty(t, gw.recorded())
}

func TestAddModelGoesFromTemporaryToInstalled(t *testing.T) {
	rec := &noticeRecorder{}
	gw := &mockGateway{models: []models.Model{{Name: "a"}}}
	release := make(chan struct{})
	gw.addFn = func(_ context.Context, name string) (models.InstallStatus, error) {
		gw.setModels(models.Model{Name: "a"}, models.Model{Name: name, ModifiedAt: "N/A", Temporary: true})
		<-release
		gw.setModels(models.Model{Name: "a"}, models.Model{Name: name, Size: 4_000_000_000})
		return models.InstallStatus{Message: "success"}, nil
	}
	c := startClient(t, chat.Config{
		Gateway:        gw,
		Events:         newMockEvents(),
		ReconcileDelay: 10 * time.Millisecond,
		OnChange:       rec.observe,
	})
	ctx := context.Background()
	require.NoError(t, c.Refresh(ctx))

	type result struct {
		status models.InstallStatus
		err    error
	}
	results := make(chan result, 1)
	go func() {
		status, err := c.AddModel(ctx, "llava")
		results <- result{status: status, err: err}
	}()

	require.Eventually(t, func() bool {
		snap := snapshot(t, c)
		return len(snap.Models) == 2 && snap.Models[1].Temporary
	}, waitFor, tick)

	snap := snapshot(t, c)
	assert.Equal(t, []string{"a"}, names(snap.Selectable))
	require.ErrorIs(t, c.SelectModel(ctx, "llava"), chat.ErrModelInstalling)

	close(release)
	res := <-results
	require.NoError(t, res.err)
	assert.Equal(t, "success", res.status.Message)

	snap = snapshot(t, c)
	require.Len(t, snap.Models, 2)
	assert.False(t, snap.Models[1].Temporary)
	assert.Equal(t, []string{"a", "llava"}, names(snap.Selectable))

	n := rec.last()
	assert.Equal(t, "Model Added", n.Title)
	assert.Equal(t, "llava is installed now. - success", n.Description)
}

func TestAddModelFailureStillRefreshes(t *testing.T) {
	rec := &noticeRecorder{}
	gw := &mockGateway{}
	gw.addFn = func(context.Context, string) (models.InstallStatus, error) {
		gw.setModels(models.Model{Name: "a"})
		return models.InstallStatus{}, errors.New("pull model manifest: file does not exist")
	}
	c := startClient(t, chat.Config{Gateway: gw, Events: newMockEvents(), OnChange: rec.observe})

	_, err := c.AddModel(context.Background(), "nope")
	var actionErr *chat.ModelActionError
	require.ErrorAs(t, err, &actionErr)
	assert.Equal(t, "add", actionErr.Action)

	assert.Equal(t, []string{"a"}, names(snapshot(t, c).Models))
	assert.Contains(t, rec.titles(), "Error")
	assert.Contains(t, rec.last().Description, "Failed to add model:")
}

func TestConcurrentAddsOfSameModelRunIndependently(t *testing.T) {
	rec := &noticeRecorder{}
	gw := &mockGateway{}
	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	gw.addFn = func(context.Context, string) (models.InstallStatus, error) {
		entered <- struct{}{}
		<-release
		return models.InstallStatus{Message: "success"}, nil
	}
	c := startClient(t, chat.Config{
		Gateway:        gw,
		Events:         newMockEvents(),
		ReconcileDelay: 10 * time.Millisecond,
		OnChange:       rec.observe,
	})
	ctx := context.Background()

	errs := make(chan error, 2)
	for range 2 {
		go func() {
			_, err := c.AddModel(ctx, "x")
			errs <- err
		}()
	}
	<-entered
	<-entered

	// Both reconcile refreshes run while the installs are still pending.
	require.Eventually(t, func() bool { return gw.listCalls() == 2 }, waitFor, tick)

	close(release)
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	var adds int
	for _, call := range gw.recorded() {
		if call.method == "AddModel" {
			assert.Equal(t, "x", call.model)
			adds++
		}
	}
	assert.Equal(t, 2, adds)
	assert.Equal(t, 4, gw.listCalls())
	assert.Equal(t, []string{"Model Added", "Model Added"}, rec.titles())
}

func TestAddModelRejectsEmptyName(t *testing.T) {
	gw := &mockGateway{}
	c := startClient(t, chat.Config{Gateway: gw, Events: newMockEvents()})

	_, err := c.AddModel(context.Background(), "   ")
	require.ErrorIs(t, err, chat.ErrEmptyModelName)
	assert.Empty(t, gw.recorded())
}

func TestSelectModel(t *testing.T) {
	gw := &mockGateway{models: []models.Model{{Name: "a"}, {Name: "b"}}}
	c := startClient(t, chat.Config{Gateway: gw, Events: newMockEvents()})
	ctx := context.Background()
	require.NoError(t, c.Refresh(ctx))

	require.ErrorIs(t, c.SelectModel(ctx, "missing"), chat.ErrModelNotFound)
	require.NoError(t, c.SelectModel(ctx, "a"))
	assert.Len(t, snapshot(t, c).Turns, 1)

	require.NoError(t, c.SelectModel(ctx, "b"))

	snap := snapshot(t, c)
	assert.Equal(t, "b", snap.Selected)
	require.Len(t, snap.Turns, 2)
	assert.Equal(t, "Model changed to b", snap.Turns[1].Content)
	assert.Equal(t, models.RoleSystem, snap.Turns[1].Role)

	require.NoError(t, c.Refresh(ctx))
	assert.Equal(t, "b", snapshot(t, c).Selected)
}
