package node

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"snowbird/pkg/apperr"
	"snowbird/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestHandle(t *testing.T) *Handle {
	t.Helper()
	cfg := config.Default()
	cfg.PeerAddr = "127.0.0.1:0"
	h := New(cfg, nil, zaptest.NewLogger(t))
	t.Cleanup(h.Reset)
	return h
}

func waitAttached(t *testing.T, h *Handle) {
	t.Helper()
	require.Eventually(t, h.Attached, 5*time.Second, 10*time.Millisecond)
}

func TestGetBeforeInitialize(t *testing.T) {
	h := newTestHandle(t)

	_, err := h.Get()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.Equal(t, apperr.Unavailable, apperr.KindOf(err))
	assert.Equal(t, StateUninitialized, h.State())
}

func TestStartBeforeInitialize(t *testing.T) {
	h := newTestHandle(t)

	err := h.Start(context.Background())
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestInitializeIsIdempotent(t *testing.T) {
	h := newTestHandle(t)

	first, err := h.Initialize(t.TempDir())
	require.NoError(t, err)
	second, err := h.Initialize(t.TempDir())
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, StateInitialized, h.State())

	b, err := h.Get()
	require.NoError(t, err)
	assert.NotNil(t, b)
}

func TestInitializeBadBaseDirectory(t *testing.T) {
	h := newTestHandle(t)

	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))

	_, err := h.Initialize(filepath.Join(file, "sub"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBaseDirectory)
	assert.Equal(t, StateUninitialized, h.State())
}

func TestStartIsNonBlockingAndIdempotent(t *testing.T) {
	h := newTestHandle(t)
	_, err := h.Initialize(t.TempDir())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.Start(context.Background()))
		}()
	}
	wg.Wait()

	assert.Equal(t, StateRunning, h.State())
	waitAttached(t, h)
	assert.NoError(t, h.StartError())

	status, _ := h.Status().Current()
	assert.Equal(t, StatusBackendRunning, status)
}

func TestStopThenGet(t *testing.T) {
	h := newTestHandle(t)
	_, err := h.Initialize(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, h.Start(context.Background()))
	waitAttached(t, h)

	require.NoError(t, h.Stop(context.Background()))
	assert.Equal(t, StateStopped, h.State())
	require.NoError(t, h.Stop(context.Background()))

	_, err = h.Get()
	assert.ErrorIs(t, err, ErrStopped)
	assert.Equal(t, apperr.Unavailable, apperr.KindOf(err))
}

func TestResetAllowsReinitialize(t *testing.T) {
	h := newTestHandle(t)
	_, err := h.Initialize(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, h.Start(context.Background()))
	waitAttached(t, h)

	h.Reset()
	assert.Equal(t, StateUninitialized, h.State())

	_, err = h.Initialize(t.TempDir())
	require.NoError(t, err)
	_, err = h.Get()
	assert.NoError(t, err)
}

func TestJoinFromURLStartsBackend(t *testing.T) {
	ctx := context.Background()

	owner := newTestHandle(t)
	_, err := owner.Initialize(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, owner.Start(ctx))
	waitAttached(t, owner)

	ob, err := owner.Get()
	require.NoError(t, err)
	g, err := ob.CreateGroup(ctx, "family")
	require.NoError(t, err)
	_, err = g.CreateRepo(ctx, "phone")
	require.NoError(t, err)

	member := newTestHandle(t)
	_, err = member.Initialize(t.TempDir())
	require.NoError(t, err)

	joined, err := member.JoinFromURL(ctx, g.URI())
	require.NoError(t, err)
	assert.Equal(t, g.ID(), joined.ID())
	assert.Equal(t, StateRunning, member.State())

	repos, err := joined.Repos(ctx)
	require.NoError(t, err)
	require.Len(t, repos, 1)
	assert.False(t, repos[0].CanWrite())

	again, err := member.JoinFromURL(ctx, g.URI())
	require.NoError(t, err)
	assert.Equal(t, joined.ID(), again.ID())
}

func TestStatusTrackerProcessing(t *testing.T) {
	tracker := NewStatusTracker(zaptest.NewLogger(t))

	var seen []ServiceStatus
	tracker.Subscribe(func(s ServiceStatus) { seen = append(seen, s) })

	tracker.BeginProcessing()
	tracker.BeginProcessing()
	tracker.EndProcessing()
	status, _ := tracker.Current()
	assert.Equal(t, StatusProcessing, status)

	tracker.EndProcessing()
	status, _ = tracker.Current()
	assert.Equal(t, StatusIdle, status)

	assert.Equal(t, []ServiceStatus{StatusProcessing, StatusIdle}, seen)
}
