package node

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// ServiceStatus is the coarse state reported to /status and to listeners.
type ServiceStatus string

const (
	StatusBackendInitializing   ServiceStatus = "backend_initializing"
	StatusBackendRunning        ServiceStatus = "backend_running"
	StatusWebServerInitializing ServiceStatus = "web_server_initializing"
	StatusWebServerRunning      ServiceStatus = "web_server_running"
	StatusProcessing            ServiceStatus = "processing"
	StatusIdle                  ServiceStatus = "idle"
	StatusError                 ServiceStatus = "error"
)

// StatusListener is called after every status change.
type StatusListener func(status ServiceStatus)

type StatusTracker struct {
	mu         sync.Mutex
	current    ServiceStatus
	since      time.Time
	processing int
	listeners  []StatusListener
	logger     *zap.Logger
}

func NewStatusTracker(logger *zap.Logger) *StatusTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatusTracker{current: StatusIdle, since: time.Now(), logger: logger}
}

func (t *StatusTracker) Set(status ServiceStatus) {
	t.mu.Lock()
	if t.current == status {
		t.mu.Unlock()
		return
	}
	t.current = status
	t.since = time.Now()
	listeners := append([]StatusListener(nil), t.listeners...)
	t.mu.Unlock()

	t.logger.Debug("Service status changed", zap.String("status", string(status)))
	for _, l := range listeners {
		l(status)
	}
}

func (t *StatusTracker) Current() (ServiceStatus, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current, t.since
}

func (t *StatusTracker) Subscribe(l StatusListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, l)
}

// BeginProcessing marks long-running work. Overlapping work is counted so
// the status returns to Idle only when the last one ends.
func (t *StatusTracker) BeginProcessing() {
	t.mu.Lock()
	t.processing++
	t.mu.Unlock()
	t.Set(StatusProcessing)
}

func (t *StatusTracker) EndProcessing() {
	t.mu.Lock()
	if t.processing > 0 {
		t.processing--
	}
	idle := t.processing == 0
	t.mu.Unlock()
	if idle {
		t.Set(StatusIdle)
	}
}
