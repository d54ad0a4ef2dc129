package backend

import (
	"context"
	"crypto/ed25519"
	"errors"
	"io"
	"strings"

	"snowbird/pkg/apperr"
	"snowbird/pkg/dht"
	"snowbird/pkg/dweb"
	"snowbird/pkg/storage"
	"snowbird/pkg/store"
	"snowbird/pkg/types"

	"go.uber.org/zap"
)

// repo is a per-call view of a registry row. The manifest it reads is the
// one named by the freshest manifest record known locally.
type repo struct {
	b   *Backend
	row store.RepoRow
}

var _ dweb.Repo = (*repo)(nil)

func (r *repo) ID() types.Key {
	return r.row.Key
}

func (r *repo) Name() string {
	return r.row.Name
}

func (r *repo) CanWrite() bool {
	return len(r.row.Secret) == ed25519.PrivateKeySize
}

func (r *repo) HashFromDHT(ctx context.Context) (types.Hash, error) {
	rec, err := r.b.records.Get(ctx, r.row.Key, dht.SubkeyManifest)
	if err != nil {
		return types.Hash{}, r.recordError(err)
	}
	return manifestHashFromRecord(rec)
}

func (r *repo) CurrentHash(ctx context.Context) (types.Hash, error) {
	rec, err := r.b.records.Local(ctx, r.row.Key, dht.SubkeyManifest)
	if err != nil {
		return types.Hash{}, r.recordError(err)
	}
	return manifestHashFromRecord(rec)
}

func (r *repo) ListFiles(ctx context.Context) ([]string, error) {
	m, _, err := r.manifest(ctx)
	if err != nil {
		return nil, err
	}
	return m.Names(), nil
}

func (r *repo) FileHash(ctx context.Context, name string) (types.Hash, error) {
	m, _, err := r.manifest(ctx)
	if err != nil {
		return types.Hash{}, err
	}
	h, ok := m.Lookup(name)
	if !ok {
		return types.Hash{}, apperr.Wrap(apperr.NotFound, dweb.ErrFileNotFound, "file %q", name)
	}
	return h, nil
}

func (r *repo) OpenFile(ctx context.Context, name string) (io.ReadCloser, int64, error) {
	h, err := r.FileHash(ctx, name)
	if err != nil {
		return nil, 0, err
	}
	rc, size, err := r.b.blobs.Open(h)
	if errors.Is(err, storage.ErrBlobNotFound) {
		return nil, 0, apperr.Wrap(apperr.Unavailable, err, "content of %q not downloaded", name)
	}
	if err != nil {
		return nil, 0, apperr.Wrap(apperr.Internal, err, "failed to open %q", name)
	}
	return rc, size, nil
}

func (r *repo) UploadFile(ctx context.Context, name string, data []byte) (types.Hash, error) {
	if err := validateFileName(name); err != nil {
		return types.Hash{}, err
	}
	return r.mutate(ctx, func(m *storage.Manifest) (*storage.Manifest, error) {
		h, err := r.b.blobs.Put(data)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "failed to store %q", name)
		}
		return m.With(name, h), nil
	})
}

func (r *repo) DeleteFile(ctx context.Context, name string) (types.Hash, error) {
	return r.mutate(ctx, func(m *storage.Manifest) (*storage.Manifest, error) {
		next, removed := m.Without(name)
		if !removed {
			return nil, apperr.Wrap(apperr.NotFound, dweb.ErrFileNotFound, "file %q", name)
		}
		return next, nil
	})
}

// mutate applies change to the current manifest and publishes the result.
// Only the holder of the repo's signing key can publish.
func (r *repo) mutate(ctx context.Context, change func(*storage.Manifest) (*storage.Manifest, error)) (types.Hash, error) {
	if !r.CanWrite() {
		return types.Hash{}, apperr.Wrap(apperr.PermissionDenied, dweb.ErrReadOnly, "repo %s", r.row.Key)
	}

	lock := r.b.repoLock(r.row.Key)
	lock.Lock()
	defer lock.Unlock()

	current, _, err := r.manifest(ctx)
	if err != nil {
		return types.Hash{}, err
	}
	next, err := change(current)
	if err != nil {
		return types.Hash{}, err
	}

	encoded, err := next.Encode()
	if err != nil {
		return types.Hash{}, apperr.Wrap(apperr.Internal, err, "failed to encode manifest")
	}
	h, err := r.b.blobs.Put(encoded)
	if err != nil {
		return types.Hash{}, apperr.Wrap(apperr.Internal, err, "failed to store manifest")
	}

	priv := ed25519.PrivateKey(r.row.Secret)
	if _, err := r.b.records.Publish(ctx, priv, r.row.Key, dht.SubkeyManifest, h[:]); err != nil {
		return types.Hash{}, apperr.Wrap(apperr.Internal, err, "failed to publish manifest")
	}

	r.b.logger.Debug("Published manifest",
		zap.String("repo", r.row.Key.String()),
		zap.String("hash", h.String()),
		zap.Int("files", next.Len()))
	return h, nil
}

func (r *repo) manifest(ctx context.Context) (*storage.Manifest, types.Hash, error) {
	h, err := r.CurrentHash(ctx)
	if err != nil {
		return nil, h, err
	}
	data, err := r.b.blobs.Get(h)
	if errors.Is(err, storage.ErrBlobNotFound) {
		return nil, h, apperr.Wrap(apperr.Unavailable, dweb.ErrManifestMissing, "manifest %s", h)
	}
	if err != nil {
		return nil, h, apperr.Wrap(apperr.Internal, err, "failed to read manifest %s", h)
	}
	m, err := storage.DecodeManifest(data)
	if err != nil {
		return nil, h, apperr.Wrap(apperr.Internal, err, "corrupt manifest %s", h)
	}
	return m, h, nil
}

func (r *repo) recordError(err error) error {
	if errors.Is(err, dht.ErrRecordNotFound) {
		return apperr.Wrap(apperr.NotFound, err, "no manifest published for repo %s", r.row.Key)
	}
	return apperr.Wrap(apperr.Unavailable, err, "failed to resolve manifest of repo %s", r.row.Key)
}

func manifestHashFromRecord(rec dht.Record) (types.Hash, error) {
	var h types.Hash
	if len(rec.Value) != len(h) {
		return h, apperr.New(apperr.Internal, "malformed manifest record for %s", rec.Key)
	}
	copy(h[:], rec.Value)
	return h, nil
}

func validateFileName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\x00") {
		return apperr.New(apperr.InvalidArgument, "invalid file name %q", name)
	}
	return nil
}
