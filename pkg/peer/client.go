package peer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"snowbird/pkg/config"
	"snowbird/pkg/dht"
	"snowbird/pkg/metrics"
	"snowbird/pkg/types"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ErrNoPeerHasBlob is returned when every reachable peer lacks a blob.
var ErrNoPeerHasBlob = errors.New("no peer holds blob")

// ErrNoPeers is returned by fetches on a client with an empty peer set.
var ErrNoPeers = errors.New("no peers known")

// RetryableFunc is a function that can be retried
type RetryableFunc func(ctx context.Context, conn *grpc.ClientConn) error

// Client talks to the peer set: it fetches blobs, resolves records and
// pushes published records. It satisfies dht.Network.
type Client struct {
	pool    *Pool
	logger  *zap.Logger
	metrics *metrics.Metrics

	peers   []string
	peersMu sync.RWMutex

	// Retry configuration
	maxRetries   int
	baseDelay    time.Duration
	maxDelay     time.Duration
	jitterFactor float64
	callTimeout  time.Duration
}

func NewClient(tlsCfg config.TLSConfig, maxMessageSize int, m *metrics.Metrics, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}

	creds, err := ClientCredentials(tlsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build client credentials: %w", err)
	}

	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxMessageSize),
			grpc.MaxCallSendMsgSize(maxMessageSize),
		),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: false,
		}),
	}

	return &Client{
		pool:         NewPool(dialOpts, logger),
		logger:       logger,
		metrics:      m,
		maxRetries:   3,
		baseDelay:    100 * time.Millisecond,
		maxDelay:     5 * time.Second,
		jitterFactor: 0.2,
		callTimeout:  15 * time.Second,
	}, nil
}

// AddPeers adds addresses to the peer set, ignoring duplicates.
func (c *Client) AddPeers(addrs ...string) {
	c.peersMu.Lock()
	defer c.peersMu.Unlock()

	for _, addr := range addrs {
		if addr == "" {
			continue
		}
		known := false
		for _, p := range c.peers {
			if p == addr {
				known = true
				break
			}
		}
		if !known {
			c.peers = append(c.peers, addr)
			c.logger.Debug("Added peer", zap.String("address", addr))
		}
	}
}

func (c *Client) Peers() []string {
	c.peersMu.RLock()
	defer c.peersMu.RUnlock()
	return append([]string(nil), c.peers...)
}

// ConfigureRetry overrides the retry policy.
func (c *Client) ConfigureRetry(maxRetries int, baseDelay, maxDelay time.Duration) {
	c.maxRetries = maxRetries
	c.baseDelay = baseDelay
	c.maxDelay = maxDelay
}

// FetchBlob asks peers in turn for h and returns the first copy whose
// content matches the hash.
func (c *Client) FetchBlob(ctx context.Context, h types.Hash) ([]byte, error) {
	peers := c.Peers()
	if len(peers) == 0 {
		return nil, fmt.Errorf("failed to fetch blob %s: %w", h, ErrNoPeers)
	}

	var lastErr error
	for _, addr := range peers {
		var data []byte
		err := c.callWithRetry(ctx, addr, "FetchBlob", func(ctx context.Context, conn *grpc.ClientConn) error {
			out := new(wrapperspb.BytesValue)
			if err := conn.Invoke(ctx, methodFetchBlob, wrapperspb.Bytes(h[:]), out); err != nil {
				return err
			}
			data = out.GetValue()
			return nil
		})
		if err != nil {
			if status.Code(err) != codes.NotFound {
				lastErr = err
			}
			continue
		}
		if types.HashOf(data) != h {
			c.logger.Warn("Peer returned corrupt blob",
				zap.String("address", addr),
				zap.String("hash", h.String()))
			continue
		}
		c.metrics.PeerFetches.WithLabelValues("blob", "success").Inc()
		return data, nil
	}

	c.metrics.PeerFetches.WithLabelValues("blob", "failure").Inc()
	if lastErr != nil {
		return nil, fmt.Errorf("failed to fetch blob %s: %w", h, lastErr)
	}
	return nil, fmt.Errorf("failed to fetch blob %s: %w", h, ErrNoPeerHasBlob)
}

// GetRecord collects every peer's copy of (key, subkey). It fails only if
// no peer could be asked at all.
func (c *Client) GetRecord(ctx context.Context, key types.Key, subkey string) ([]dht.Record, error) {
	req := recordQuery(key, "subkey", subkey)
	return c.gather(ctx, "GetRecord", func(ctx context.Context, conn *grpc.ClientConn) ([]dht.Record, error) {
		out := new(structpb.Struct)
		if err := conn.Invoke(ctx, methodGetRecord, req, out); err != nil {
			return nil, err
		}
		rec, err := decodeRecord(out)
		if err != nil {
			return nil, err
		}
		return []dht.Record{rec}, nil
	})
}

func (c *Client) ListRecords(ctx context.Context, key types.Key, prefix string) ([]dht.Record, error) {
	req := recordQuery(key, "prefix", prefix)
	return c.gather(ctx, "ListRecords", func(ctx context.Context, conn *grpc.ClientConn) ([]dht.Record, error) {
		out := new(structpb.ListValue)
		if err := conn.Invoke(ctx, methodListRecords, req, out); err != nil {
			return nil, err
		}
		records := make([]dht.Record, 0, len(out.GetValues()))
		for _, v := range out.GetValues() {
			rec, err := decodeRecord(v.GetStructValue())
			if err != nil {
				return nil, err
			}
			records = append(records, rec)
		}
		return records, nil
	})
}

// PutRecord pushes rec to every peer. It fails only if every push failed.
func (c *Client) PutRecord(ctx context.Context, rec dht.Record) error {
	req := encodeRecord(rec)
	_, err := c.gather(ctx, "PutRecord", func(ctx context.Context, conn *grpc.ClientConn) ([]dht.Record, error) {
		return nil, conn.Invoke(ctx, methodPutRecord, req, new(wrapperspb.BoolValue))
	})
	return err
}

func (c *Client) Close() {
	c.pool.CloseAll()
}

// gather runs call against all peers concurrently. NotFound answers count
// as a successful empty response.
func (c *Client) gather(ctx context.Context, operation string, call func(context.Context, *grpc.ClientConn) ([]dht.Record, error)) ([]dht.Record, error) {
	peers := c.Peers()
	if len(peers) == 0 {
		return nil, nil
	}

	var (
		mu        sync.Mutex
		results   []dht.Record
		failures  int
		lastError error
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, addr := range peers {
		addr := addr
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, c.callTimeout)
			defer cancel()

			var found []dht.Record
			err := c.callWithRetry(callCtx, addr, operation, func(ctx context.Context, conn *grpc.ClientConn) error {
				var err error
				found, err = call(ctx, conn)
				return err
			})

			mu.Lock()
			defer mu.Unlock()
			if err != nil && status.Code(err) != codes.NotFound {
				failures++
				lastError = err
				return nil
			}
			results = append(results, found...)
			return nil
		})
	}
	_ = g.Wait()

	result := "success"
	if failures == len(peers) {
		result = "failure"
	}
	c.metrics.PeerFetches.WithLabelValues("record", result).Inc()

	if failures == len(peers) {
		return nil, fmt.Errorf("%s failed on all %d peers: %w", operation, len(peers), lastError)
	}
	return results, nil
}

// callWithRetry runs fn against addr, retrying transient failures with
// exponential backoff.
func (c *Client) callWithRetry(ctx context.Context, addr, operation string, fn RetryableFunc) error {
	conn, err := c.pool.Get(addr)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := fn(ctx, conn)
		if err == nil {
			c.pool.ReportSuccess(addr)
			return nil
		}
		if !isRetryableError(err) {
			// The peer answered; only transport trouble counts against it.
			c.pool.ReportSuccess(addr)
			return err
		}

		lastErr = err
		c.metrics.RetryAttempts.Inc()
		c.logger.Debug("Peer call failed, retrying",
			zap.String("address", addr),
			zap.String("operation", operation),
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		if attempt < c.maxRetries-1 {
			select {
			case <-time.After(c.calculateBackoff(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	c.pool.ReportFailure(addr)
	return lastErr
}

func (c *Client) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(c.maxDelay) {
		delay = float64(c.maxDelay)
	}

	jitter := delay * c.jitterFactor * (2*rand.Float64() - 1)
	delay += jitter
	if delay < 0 {
		delay = float64(c.baseDelay)
	}
	return time.Duration(delay)
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	st, ok := status.FromError(err)
	if !ok {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, ErrCircuitOpen)
	}

	switch st.Code() {
	case codes.Unavailable,
		codes.ResourceExhausted,
		codes.Aborted,
		codes.DeadlineExceeded,
		codes.Unknown:
		return true
	default:
		return false
	}
}
