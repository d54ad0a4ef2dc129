// Package media serves per-file access to a repo: listing, streaming,
// uploading and deleting. Writes are only accepted for repos this node can
// sign for.
package media

import (
	"context"
	"errors"
	"io"

	"snowbird/pkg/apperr"
	"snowbird/pkg/dweb"
	"snowbird/pkg/metrics"
	"snowbird/pkg/types"

	"go.uber.org/zap"
)

type Gateway struct {
	source  dweb.Source
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewGateway(source dweb.Source, m *metrics.Metrics, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Gateway{source: source, metrics: m, logger: logger}
}

// List returns the repo's files as known locally. A manifest that has not
// been fetched yet lists as empty.
func (g *Gateway) List(ctx context.Context, groupID, repoID string) (entries []types.FileEntry, err error) {
	defer g.observe("list", &err)

	grp, r, err := g.resolve(ctx, groupID, repoID)
	if err != nil {
		return nil, err
	}

	names, err := r.ListFiles(ctx)
	if err != nil {
		if errors.Is(err, dweb.ErrManifestMissing) || apperr.Is(err, apperr.NotFound) {
			return []types.FileEntry{}, nil
		}
		return nil, err
	}

	entries = make([]types.FileEntry, 0, len(names))
	for _, name := range names {
		h, err := r.FileHash(ctx, name)
		if err != nil {
			return nil, err
		}
		has, err := grp.HasHash(ctx, h)
		if err != nil {
			return nil, err
		}
		entries = append(entries, types.FileEntry{Name: name, Hash: h.String(), IsDownloaded: has})
	}
	return entries, nil
}

// Download opens a file for streaming. For repos mirrored from another node
// the manifest and the file are fetched from peers first when missing.
func (g *Gateway) Download(ctx context.Context, groupID, repoID, name string) (rc io.ReadCloser, size int64, err error) {
	defer g.observe("download", &err)

	grp, r, err := g.resolve(ctx, groupID, repoID)
	if err != nil {
		return nil, 0, err
	}

	if !r.CanWrite() {
		manifest, err := r.HashFromDHT(ctx)
		if err != nil {
			return nil, 0, err
		}
		if err := ensureLocal(ctx, grp, manifest); err != nil {
			return nil, 0, err
		}
		h, err := r.FileHash(ctx, name)
		if err != nil {
			return nil, 0, err
		}
		if err := ensureLocal(ctx, grp, h); err != nil {
			return nil, 0, err
		}
	}

	return r.OpenFile(ctx, name)
}

// Upload stores data as name and returns the repo's new manifest hash.
func (g *Gateway) Upload(ctx context.Context, groupID, repoID, name string, data []byte) (h types.Hash, err error) {
	defer g.observe("upload", &err)

	if len(data) == 0 {
		return types.Hash{}, apperr.New(apperr.InvalidArgument, "File content is empty")
	}

	_, r, err := g.resolve(ctx, groupID, repoID)
	if err != nil {
		return types.Hash{}, err
	}

	h, err = r.UploadFile(ctx, name, data)
	if err != nil {
		return types.Hash{}, err
	}
	g.metrics.UploadBytes.Add(float64(len(data)))
	g.logger.Info("File uploaded",
		zap.String("repo", repoID),
		zap.String("file", name),
		zap.Int("size", len(data)),
		zap.String("manifest", h.String()))
	return h, nil
}

// Delete removes name and returns the repo's new manifest hash.
func (g *Gateway) Delete(ctx context.Context, groupID, repoID, name string) (h types.Hash, err error) {
	defer g.observe("delete", &err)

	_, r, err := g.resolve(ctx, groupID, repoID)
	if err != nil {
		return types.Hash{}, err
	}

	h, err = r.DeleteFile(ctx, name)
	if err != nil {
		return types.Hash{}, err
	}
	g.logger.Info("File deleted",
		zap.String("repo", repoID),
		zap.String("file", name),
		zap.String("manifest", h.String()))
	return h, nil
}

func (g *Gateway) resolve(ctx context.Context, groupID, repoID string) (dweb.Group, dweb.Repo, error) {
	groupKey, err := types.ParseKey(groupID)
	if err != nil {
		return nil, nil, err
	}
	repoKey, err := types.ParseKey(repoID)
	if err != nil {
		return nil, nil, err
	}

	b, err := g.source.Get()
	if err != nil {
		return nil, nil, err
	}
	grp, err := b.Group(ctx, groupKey)
	if err != nil {
		return nil, nil, err
	}
	r, err := grp.Repo(ctx, repoKey)
	if err != nil {
		return nil, nil, err
	}
	return grp, r, nil
}

func (g *Gateway) observe(operation string, err *error) {
	g.metrics.MediaOperations.WithLabelValues(operation, metrics.Result(*err)).Inc()
}

func ensureLocal(ctx context.Context, grp dweb.Group, h types.Hash) error {
	has, err := grp.HasHash(ctx, h)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	return grp.DownloadHashFromPeers(ctx, h)
}
