package peer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
)

// ErrCircuitOpen is returned while a peer is being skipped after repeated
// failures.
var ErrCircuitOpen = errors.New("peer circuit open")

// CircuitState represents the circuit breaker state
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, reject requests
	CircuitHalfOpen                     // Testing recovery
)

const (
	defaultFailureThreshold = 3
	defaultOpenDuration     = 30 * time.Second
)

// Pool keeps one gRPC connection per peer address, with a circuit breaker
// so unreachable peers do not slow every request down.
type Pool struct {
	mu          sync.RWMutex
	connections map[string]*pooledConnection
	dialOpts    []grpc.DialOption
	logger      *zap.Logger

	failureThreshold int
	openDuration     time.Duration
}

type pooledConnection struct {
	conn     *grpc.ClientConn
	lastUsed time.Time

	mu           sync.Mutex
	failures     int
	openedAt     time.Time
	circuitState CircuitState
}

func NewPool(dialOpts []grpc.DialOption, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		connections:      make(map[string]*pooledConnection),
		dialOpts:         dialOpts,
		logger:           logger,
		failureThreshold: defaultFailureThreshold,
		openDuration:     defaultOpenDuration,
	}
}

// Get returns the pooled connection for addr, creating it on first use.
func (p *Pool) Get(addr string) (*grpc.ClientConn, error) {
	p.mu.RLock()
	pooled, exists := p.connections[addr]
	p.mu.RUnlock()

	if !exists || pooled.conn.GetState() == connectivity.Shutdown {
		var err error
		pooled, err = p.create(addr)
		if err != nil {
			return nil, err
		}
	}

	if !pooled.allow(p.openDuration) {
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, addr)
	}
	pooled.mu.Lock()
	pooled.lastUsed = time.Now()
	pooled.mu.Unlock()
	return pooled.conn, nil
}

func (p *Pool) create(addr string) (*pooledConnection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Check again after acquiring write lock
	if pooled, exists := p.connections[addr]; exists && pooled.conn.GetState() != connectivity.Shutdown {
		return pooled, nil
	}

	conn, err := grpc.NewClient(addr, p.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection to %s: %w", addr, err)
	}

	pooled := &pooledConnection{conn: conn, lastUsed: time.Now(), circuitState: CircuitClosed}
	p.connections[addr] = pooled
	p.logger.Debug("Created peer connection", zap.String("address", addr))
	return pooled, nil
}

// ReportSuccess closes the circuit for addr.
func (p *Pool) ReportSuccess(addr string) {
	if pooled := p.lookup(addr); pooled != nil {
		pooled.mu.Lock()
		pooled.failures = 0
		pooled.circuitState = CircuitClosed
		pooled.mu.Unlock()
	}
}

// ReportFailure counts a transport failure and opens the circuit once the
// threshold is reached.
func (p *Pool) ReportFailure(addr string) {
	pooled := p.lookup(addr)
	if pooled == nil {
		return
	}
	pooled.mu.Lock()
	defer pooled.mu.Unlock()

	pooled.failures++
	if pooled.circuitState == CircuitHalfOpen || pooled.failures >= p.failureThreshold {
		if pooled.circuitState != CircuitOpen {
			p.logger.Warn("Opening circuit for peer",
				zap.String("address", addr),
				zap.Int("failures", pooled.failures))
		}
		pooled.circuitState = CircuitOpen
		pooled.openedAt = time.Now()
	}
}

// State reports the circuit state for addr.
func (p *Pool) State(addr string) CircuitState {
	pooled := p.lookup(addr)
	if pooled == nil {
		return CircuitClosed
	}
	pooled.mu.Lock()
	defer pooled.mu.Unlock()
	return pooled.circuitState
}

func (p *Pool) lookup(addr string) *pooledConnection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connections[addr]
}

// CloseAll closes all connections in the pool
func (p *Pool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, pooled := range p.connections {
		pooled.conn.Close()
	}
	p.connections = make(map[string]*pooledConnection)
}

func (pc *pooledConnection) allow(openDuration time.Duration) bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if pc.circuitState != CircuitOpen {
		return true
	}
	if time.Since(pc.openedAt) >= openDuration {
		pc.circuitState = CircuitHalfOpen
		return true
	}
	return false
}
