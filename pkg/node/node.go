// Package node owns the lifecycle of the process's peer backend. A Handle
// is constructed once by the caller and injected into every component that
// needs the backend.
package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"snowbird/pkg/apperr"
	"snowbird/pkg/backend"
	"snowbird/pkg/config"
	"snowbird/pkg/dweb"
	"snowbird/pkg/metrics"

	"go.uber.org/zap"
)

var (
	ErrNotInitialized = errors.New("backend not initialized")
	ErrStopped        = errors.New("backend stopped")
	ErrBaseDirectory  = errors.New("base directory unusable")
)

// SyncInterval is how often known groups are re-scanned for new repos.
const SyncInterval = 5 * time.Minute

type State int

const (
	StateUninitialized State = iota
	StateInitialized
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "uninitialized"
	}
}

// Handle moves the backend through Uninitialized -> Initialized -> Running
// -> Stopped. Only those transitions are serialized; Get hands out the
// shared backend, which synchronizes per group and repo on its own.
type Handle struct {
	cfg     config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	status  *StatusTracker

	mu      sync.RWMutex
	state   State
	backend *backend.Backend

	// errMu is separate from mu: Stop holds mu while waiting for the
	// start goroutine.
	errMu    sync.Mutex
	startErr error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	syncInterval time.Duration
}

func New(cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) *Handle {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Handle{
		cfg:          *cfg,
		logger:       logger,
		metrics:      m,
		status:       NewStatusTracker(logger),
		syncInterval: SyncInterval,
	}
}

// Initialize constructs the backend rooted at baseDir. Later calls return
// the existing backend whatever directory they name.
func (h *Handle) Initialize(baseDir string) (*backend.Backend, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case StateInitialized, StateRunning:
		return h.backend, nil
	case StateStopped:
		return nil, apperr.Wrap(apperr.Unavailable, ErrStopped, "cannot initialize")
	}

	h.status.Set(StatusBackendInitializing)

	if err := checkBaseDir(baseDir); err != nil {
		h.status.Set(StatusError)
		return nil, apperr.Wrap(apperr.Internal, err, "failed to initialize backend")
	}

	cfg := h.cfg
	cfg.BaseDir = baseDir
	b, err := backend.New(&cfg, h.metrics, h.logger.Named("backend"))
	if err != nil {
		h.status.Set(StatusError)
		return nil, apperr.Wrap(apperr.Internal, err, "failed to initialize backend")
	}

	h.cfg = cfg
	h.backend = b
	h.state = StateInitialized
	h.logger.Info("Backend initialized", zap.String("base_dir", baseDir))
	return b, nil
}

// Start attaches the backend to the network in the background and returns
// immediately. It is a no-op when already running.
func (h *Handle) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case StateUninitialized:
		return apperr.Wrap(apperr.Unavailable, ErrNotInitialized, "cannot start")
	case StateStopped:
		return apperr.Wrap(apperr.Unavailable, ErrStopped, "cannot start")
	case StateRunning:
		return nil
	}

	// Background work must outlive the caller's request.
	h.ctx, h.cancel = context.WithCancel(context.WithoutCancel(ctx))
	h.state = StateRunning
	h.setStartErr(nil)

	b, bgCtx := h.backend, h.ctx
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := b.Start(bgCtx); err != nil {
			h.logger.Error("Failed to attach backend", zap.Error(err))
			h.setStartErr(err)
			h.status.Set(StatusError)
			return
		}
		h.status.Set(StatusBackendRunning)
		h.syncLoop(bgCtx, b)
	}()
	return nil
}

// Stop cancels background work and closes the backend.
func (h *Handle) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopLocked(ctx)
}

func (h *Handle) stopLocked(ctx context.Context) error {
	if h.state != StateInitialized && h.state != StateRunning {
		return nil
	}

	if h.cancel != nil {
		h.cancel()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		h.logger.Warn("Timed out waiting for background work", zap.Error(ctx.Err()))
	}

	err := h.backend.Close()
	h.state = StateStopped
	h.logger.Info("Backend stopped")
	if err != nil {
		return fmt.Errorf("failed to close backend: %w", err)
	}
	return nil
}

// Get returns the shared backend, or an Unavailable error before
// Initialize and after Stop.
func (h *Handle) Get() (dweb.Backend, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	switch h.state {
	case StateUninitialized:
		return nil, apperr.Wrap(apperr.Unavailable, ErrNotInitialized, "backend unavailable")
	case StateStopped:
		return nil, apperr.Wrap(apperr.Unavailable, ErrStopped, "backend unavailable")
	}
	return h.backend, nil
}

// JoinFromURL makes sure the backend is attached, then joins the group the
// URL shares. Joining an already joined group returns it.
func (h *Handle) JoinFromURL(ctx context.Context, url string) (dweb.Group, error) {
	if err := h.Start(ctx); err != nil {
		return nil, err
	}
	b, err := h.Get()
	if err != nil {
		return nil, err
	}
	return b.JoinFromURL(ctx, url)
}

// Reset stops a live backend and returns the handle to Uninitialized.
// Intended for tests.
func (h *Handle) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.stopLocked(ctx); err != nil {
		h.logger.Warn("Error while resetting backend", zap.Error(err))
	}

	h.state = StateUninitialized
	h.backend = nil
	h.setStartErr(nil)
	h.ctx, h.cancel = nil, nil
	h.status.Set(StatusIdle)
}

func (h *Handle) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Attached reports whether the background start completed successfully.
func (h *Handle) Attached() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state == StateRunning && h.StartError() == nil && h.backend.Started()
}

// StartError is the error of the last background start, if it failed.
func (h *Handle) StartError() error {
	h.errMu.Lock()
	defer h.errMu.Unlock()
	return h.startErr
}

func (h *Handle) setStartErr(err error) {
	h.errMu.Lock()
	h.startErr = err
	h.errMu.Unlock()
}

func (h *Handle) Status() *StatusTracker {
	return h.status
}

// syncLoop periodically discovers repos announced in known groups.
func (h *Handle) syncLoop(ctx context.Context, b *backend.Backend) {
	ticker := time.NewTicker(h.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.syncGroups(ctx, b)
		}
	}
}

func (h *Handle) syncGroups(ctx context.Context, b *backend.Backend) {
	groups, err := b.Groups(ctx)
	if err != nil {
		h.logger.Warn("Failed to list groups for sync", zap.Error(err))
		return
	}
	for _, g := range groups {
		if ctx.Err() != nil {
			return
		}
		repos, err := g.Repos(ctx)
		if err != nil {
			h.logger.Warn("Failed to sync group", zap.String("group", g.ID().String()), zap.Error(err))
			continue
		}
		h.logger.Debug("Synced group",
			zap.String("group", g.ID().String()),
			zap.Int("repos", len(repos)))
	}
}

// checkBaseDir creates dir if needed and verifies it is writable.
func checkBaseDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("%w: empty path", ErrBaseDirectory)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("%w: %v", ErrBaseDirectory, err)
	}
	probe, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBaseDirectory, err)
	}
	probe.Close()
	os.Remove(filepath.Clean(probe.Name()))
	return nil
}
