package backend

import (
	"context"
	"crypto/ed25519"
	"errors"
	"slices"

	"snowbird/pkg/apperr"
	"snowbird/pkg/dht"
	"snowbird/pkg/dweb"
	"snowbird/pkg/storage"
	"snowbird/pkg/store"
	"snowbird/pkg/types"

	"go.uber.org/zap"
)

// group is a per-call view of a registry row.
type group struct {
	b   *Backend
	row store.GroupRow
}

var _ dweb.Group = (*group)(nil)

func (g *group) ID() types.Key {
	return g.row.Key
}

func (g *group) Name(ctx context.Context) string {
	if rec, err := g.b.records.Local(ctx, g.row.Key, dht.SubkeyName); err == nil {
		return string(rec.Value)
	}
	return g.row.Name
}

// URI lists this node first so whoever receives the link can reach it.
func (g *group) URI() string {
	peers := []string{g.b.PeerAddr()}
	for _, p := range g.row.Peers {
		if p != peers[0] {
			peers = append(peers, p)
		}
	}
	return FormatShareURL(ShareLink{Key: g.row.Key, Name: g.row.Name, Peers: peers})
}

// Repos discovers newly announced repos, then returns a copy of the set.
func (g *group) Repos(ctx context.Context) ([]dweb.Repo, error) {
	g.discoverRepos(ctx)

	lock := g.b.groupLock(g.row.Key)
	lock.RLock()
	rows, err := g.b.db.Repos(ctx, g.row.Key)
	lock.RUnlock()
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "failed to list repos")
	}

	repos := make([]dweb.Repo, 0, len(rows))
	for _, row := range rows {
		repos = append(repos, &repo{b: g.b, row: row})
	}
	return repos, nil
}

// discoverRepos records every repo announced under the group key that is
// not tracked yet, as a read-only placeholder, and renames placeholders
// whose announcement changed. Announcing peers join the fetch set and the
// group's stored peers. Announcements of this node's own repos are
// republished when they carry a stale address. Network errors only cost
// discovery.
func (g *group) discoverRepos(ctx context.Context) {
	announced, err := g.b.records.List(ctx, g.row.Key, dht.RepoPrefix)
	if err != nil {
		g.b.logger.Debug("Failed to list repo announcements",
			zap.String("group", g.row.Key.String()),
			zap.Error(err))
		return
	}
	self := g.b.advertisedPeer()

	lock := g.b.groupLock(g.row.Key)
	lock.Lock()
	defer lock.Unlock()

	rows, err := g.b.db.Repos(ctx, g.row.Key)
	if err != nil {
		g.b.logger.Warn("Failed to load repos", zap.String("group", g.row.Key.String()), zap.Error(err))
		return
	}
	tracked := make(map[types.Key]store.RepoRow, len(rows))
	for _, row := range rows {
		tracked[row.Key] = row
	}

	var peers []string
	for _, rec := range announced {
		key, ok := dht.RepoFromSubkey(rec.Subkey)
		if !ok {
			continue
		}
		ann, err := decodeAnnouncement(rec.Value)
		if err != nil {
			g.b.logger.Warn("Ignoring repo announcement", zap.String("repo", key.String()), zap.Error(err))
			continue
		}

		row, known := tracked[key]
		switch {
		case !known:
			if _, err := g.b.db.SaveRepo(ctx, store.RepoRow{GroupKey: g.row.Key, Key: key, Name: ann.Name}); err != nil {
				g.b.logger.Warn("Failed to track announced repo", zap.String("repo", key.String()), zap.Error(err))
				continue
			}
			g.b.logger.Info("Discovered repo",
				zap.String("group", g.row.Key.String()),
				zap.String("repo", key.String()),
				zap.String("name", ann.Name),
				zap.String("peer", ann.Peer))
		case len(row.Secret) == ed25519.PrivateKeySize:
			if self != "" && ann.Peer != self {
				if err := g.announce(ctx, row.Secret, key, row.Name); err != nil {
					g.b.logger.Warn("Failed to republish repo announcement", zap.String("repo", key.String()), zap.Error(err))
				}
			}
			continue
		case ann.Name != "" && row.Name != ann.Name:
			if err := g.b.db.SetRepoName(ctx, g.row.Key, key, ann.Name); err != nil {
				g.b.logger.Warn("Failed to rename repo", zap.String("repo", key.String()), zap.Error(err))
			}
		}

		if ann.Peer != "" && ann.Peer != self && !slices.Contains(peers, ann.Peer) {
			peers = append(peers, ann.Peer)
		}
	}

	if len(peers) == 0 {
		return
	}
	g.b.AddPeers(peers...)
	if err := g.b.db.AddGroupPeers(ctx, g.row.Key, peers); err != nil {
		g.b.logger.Warn("Failed to store group peers", zap.String("group", g.row.Key.String()), zap.Error(err))
	}
}

// announce publishes the repo/<key> record under the group key, signed with
// the repo's key.
func (g *group) announce(ctx context.Context, priv ed25519.PrivateKey, key types.Key, name string) error {
	value, err := announcement{Name: name, Peer: g.b.advertisedPeer()}.encode()
	if err != nil {
		return err
	}
	_, err = g.b.records.Publish(ctx, priv, g.row.Key, dht.RepoSubkey(key), value)
	return err
}

func (g *group) Repo(ctx context.Context, key types.Key) (dweb.Repo, error) {
	row, err := g.b.db.Repo(ctx, g.row.Key, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.Wrap(apperr.NotFound, dweb.ErrRepoNotFound, "repo %s", key)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "failed to load repo %s", key)
	}
	return &repo{b: g.b, row: *row}, nil
}

// CreateRepo is idempotent per name: a second call returns the writable
// repo created by the first.
func (g *group) CreateRepo(ctx context.Context, name string) (dweb.Repo, error) {
	if name == "" {
		return nil, apperr.New(apperr.InvalidArgument, "repo name is required")
	}

	lock := g.b.groupLock(g.row.Key)
	lock.Lock()
	defer lock.Unlock()

	if existing, err := g.b.db.WritableRepoByName(ctx, g.row.Key, name); err == nil {
		return &repo{b: g.b, row: *existing}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, apperr.Wrap(apperr.Internal, err, "failed to look up repo")
	}

	key, priv, err := generateKey()
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "failed to generate repo key")
	}

	emptyManifest, err := storage.NewManifest().Encode()
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "failed to encode manifest")
	}
	manifestHash, err := g.b.blobs.Put(emptyManifest)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "failed to store manifest")
	}

	row := store.RepoRow{GroupKey: g.row.Key, Key: key, Secret: priv, Name: name}
	if _, err := g.b.db.SaveRepo(ctx, row); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "failed to create repo")
	}

	if _, err := g.b.records.Publish(ctx, priv, key, dht.SubkeyManifest, manifestHash[:]); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "failed to publish manifest")
	}
	if err := g.announce(ctx, priv, key, name); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "failed to announce repo")
	}

	g.b.logger.Info("Created repo",
		zap.String("group", g.row.Key.String()),
		zap.String("repo", key.String()),
		zap.String("name", name))
	return &repo{b: g.b, row: row}, nil
}

func (g *group) HasHash(ctx context.Context, h types.Hash) (bool, error) {
	return g.b.blobs.Has(h), nil
}

// DownloadHashFromPeers fetches h into the local store unless it is
// already there.
func (g *group) DownloadHashFromPeers(ctx context.Context, h types.Hash) error {
	if g.b.blobs.Has(h) {
		return nil
	}
	data, err := g.b.client.FetchBlob(ctx, h)
	if err != nil {
		return apperr.Wrap(apperr.Unavailable, err, "failed to download %s", h)
	}
	if err := g.b.blobs.PutVerified(h, data); err != nil {
		return apperr.Wrap(apperr.Internal, err, "failed to store %s", h)
	}
	return nil
}
