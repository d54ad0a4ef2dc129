// Package backend is the peer service behind the HTTP API. It keeps the
// registry of groups and repos, a content-addressed blob store and a record
// store that is exchanged with peers over gRPC.
package backend

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"snowbird/pkg/apperr"
	"snowbird/pkg/config"
	"snowbird/pkg/dht"
	"snowbird/pkg/dweb"
	"snowbird/pkg/metrics"
	"snowbird/pkg/peer"
	"snowbird/pkg/storage"
	"snowbird/pkg/store"
	"snowbird/pkg/types"
	"snowbird/pkg/utils"

	"go.uber.org/zap"
)

// Backend implements dweb.Backend. It is safe for concurrent use: the
// registry and stores synchronize themselves, and mutations of one group's
// repo set or one repo's manifest are serialized by per-key locks.
type Backend struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	db      *store.DB
	blobs   *storage.BlobStore
	records *dht.Store
	client  *peer.Client
	server  *peer.Server

	groupLocks sync.Map // types.Key -> *sync.RWMutex
	repoLocks  sync.Map // types.Key -> *sync.Mutex

	mu      sync.Mutex
	started bool
	closed  bool
}

var _ dweb.Backend = (*Backend)(nil)

// New opens the stores under cfg.BaseDir. Nothing touches the network
// until Start.
func New(cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) (*Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}

	if err := os.MkdirAll(cfg.BaseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	db, err := store.Open(cfg.DatabasePath(), logger.Named("store"))
	if err != nil {
		return nil, err
	}

	blobs, err := storage.NewBlobStore(cfg.BlobDir(), cfg.CompressBlobs, logger.Named("blobs"))
	if err != nil {
		db.Close()
		return nil, err
	}

	maxMessageSize := int(cfg.MaxUploadBytes() + utils.MiB)
	client, err := peer.NewClient(cfg.TLS, maxMessageSize, m, logger.Named("peer"))
	if err != nil {
		db.Close()
		return nil, err
	}
	client.AddPeers(cfg.BootstrapPeers...)

	records := dht.New(db, client, logger.Named("dht"))

	server, err := peer.NewServer(blobs, records, cfg.TLS, maxMessageSize, logger.Named("exchange"))
	if err != nil {
		client.Close()
		db.Close()
		return nil, err
	}

	b := &Backend{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		db:      db,
		blobs:   blobs,
		records: records,
		client:  client,
		server:  server,
	}

	// Peers learned from previously joined groups.
	groups, err := db.Groups(context.Background())
	if err != nil {
		b.Close()
		return nil, err
	}
	for _, g := range groups {
		client.AddPeers(g.Peers...)
	}

	return b, nil
}

// Start binds the peer exchange. Calling it again is a no-op.
func (b *Backend) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return apperr.New(apperr.Unavailable, "backend is shut down")
	}
	if b.started {
		return nil
	}
	if err := b.server.Start(b.cfg.PeerAddr); err != nil {
		return err
	}
	b.started = true

	b.logger.Info("Backend started",
		zap.String("peer_address", b.server.Addr()),
		zap.Strings("peers", b.client.Peers()))
	return nil
}

func (b *Backend) Started() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.started
}

// Close stops the peer exchange and releases the stores.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	if b.started {
		b.server.Stop()
		b.started = false
	}
	b.client.Close()
	return b.db.Close()
}

// PeerAddr is the address peers should dial, as written into share URLs.
func (b *Backend) PeerAddr() string {
	if b.cfg.AdvertiseAddr != "" {
		return b.cfg.AdvertiseAddr
	}
	if addr := b.server.Addr(); addr != "" {
		host, port, err := net.SplitHostPort(addr)
		if err == nil && (host == "" || net.ParseIP(host).IsUnspecified()) {
			return net.JoinHostPort("127.0.0.1", port)
		}
		return addr
	}
	return b.cfg.PublicPeerAddr()
}

// advertisedPeer is PeerAddr once it names a bound port, otherwise empty.
func (b *Backend) advertisedPeer() string {
	addr := b.PeerAddr()
	if _, port, err := net.SplitHostPort(addr); err != nil || port == "0" {
		return ""
	}
	return addr
}

// AddPeers extends the peer set used for fetches.
func (b *Backend) AddPeers(addrs ...string) {
	b.client.AddPeers(addrs...)
}

func (b *Backend) Groups(ctx context.Context) ([]dweb.Group, error) {
	rows, err := b.db.Groups(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "failed to list groups")
	}
	groups := make([]dweb.Group, 0, len(rows))
	for _, row := range rows {
		groups = append(groups, &group{b: b, row: row})
	}
	return groups, nil
}

func (b *Backend) Group(ctx context.Context, key types.Key) (dweb.Group, error) {
	row, err := b.db.Group(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.Wrap(apperr.NotFound, dweb.ErrGroupNotFound, "group %s", key)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "failed to load group %s", key)
	}
	return &group{b: b, row: *row}, nil
}

// CreateGroup creates a group owned by this node.
func (b *Backend) CreateGroup(ctx context.Context, name string) (dweb.Group, error) {
	key, priv, err := generateKey()
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "failed to generate group key")
	}

	row := store.GroupRow{Key: key, Secret: priv, Name: name}
	if _, err := b.db.SaveGroup(ctx, row); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "failed to create group")
	}

	if name != "" {
		if _, err := b.records.Publish(ctx, priv, key, dht.SubkeyName, []byte(name)); err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "failed to publish group name")
		}
	}

	b.logger.Info("Created group", zap.String("group", key.String()), zap.String("name", name))
	return b.Group(ctx, key)
}

// JoinFromURL registers the group a share URL points at and tracks every
// repo it announces as read-only. Joining a known group returns it.
func (b *Backend) JoinFromURL(ctx context.Context, url string) (dweb.Group, error) {
	link, err := ParseShareURL(url)
	if err != nil {
		return nil, err
	}
	b.client.AddPeers(link.Peers...)

	created, err := b.db.SaveGroup(ctx, store.GroupRow{Key: link.Key, Name: link.Name, Peers: link.Peers})
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "failed to join group")
	}
	if !created {
		if err := b.db.AddGroupPeers(ctx, link.Key, link.Peers); err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "failed to update group peers")
		}
	}

	if rec, err := b.records.Get(ctx, link.Key, dht.SubkeyName); err == nil {
		if err := b.db.SetGroupName(ctx, link.Key, string(rec.Value)); err != nil {
			b.logger.Warn("Failed to store group name", zap.Error(err))
		}
	}

	g, err := b.Group(ctx, link.Key)
	if err != nil {
		return nil, err
	}
	if _, err := g.Repos(ctx); err != nil {
		b.logger.Warn("Failed to discover repos after join",
			zap.String("group", link.Key.String()),
			zap.Error(err))
	}

	b.logger.Info("Joined group",
		zap.Stringer("link", link),
		zap.Bool("new", created))
	return g, nil
}

// CloseGroup forgets a group and its repos. Blobs stay in the shared
// content store.
func (b *Backend) CloseGroup(ctx context.Context, key types.Key) error {
	lock := b.groupLock(key)
	lock.Lock()
	defer lock.Unlock()

	err := b.db.DeleteGroup(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.Wrap(apperr.NotFound, dweb.ErrGroupNotFound, "group %s", key)
	}
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "failed to close group %s", key)
	}

	b.logger.Info("Closed group", zap.String("group", key.String()))
	return nil
}

func (b *Backend) groupLock(key types.Key) *sync.RWMutex {
	lock, _ := b.groupLocks.LoadOrStore(key, &sync.RWMutex{})
	return lock.(*sync.RWMutex)
}

func (b *Backend) repoLock(key types.Key) *sync.Mutex {
	lock, _ := b.repoLocks.LoadOrStore(key, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

func generateKey() (types.Key, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return types.Key{}, nil, err
	}
	key, err := types.KeyFromBytes(pub)
	return key, priv, err
}
