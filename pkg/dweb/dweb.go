// Package dweb declares the peer service consumed by request handling: a
// backend that resolves groups, groups that own repos, and the fetch
// primitives the refresh engine and the media gateway are built on.
package dweb

import (
	"context"
	"errors"
	"io"

	"snowbird/pkg/types"
)

var (
	ErrGroupNotFound   = errors.New("group not found")
	ErrRepoNotFound    = errors.New("repo not found")
	ErrFileNotFound    = errors.New("file not found")
	ErrReadOnly        = errors.New("repo is read-only")
	ErrManifestMissing = errors.New("manifest not available locally")
	ErrInvalidShareURL = errors.New("invalid share URL")
)

// Source hands out the shared backend, or an Unavailable error while it is
// not running.
type Source interface {
	Get() (Backend, error)
}

type Backend interface {
	Groups(ctx context.Context) ([]Group, error)
	// Group resolves a registered group; unknown keys fail with a NotFound
	// kind.
	Group(ctx context.Context, key types.Key) (Group, error)
	CreateGroup(ctx context.Context, name string) (Group, error)
	// JoinFromURL is idempotent: joining a known group returns it.
	JoinFromURL(ctx context.Context, url string) (Group, error)
	CloseGroup(ctx context.Context, key types.Key) error
}

type Group interface {
	ID() types.Key
	// Name is the last display name seen for the group; empty until the
	// name record has been fetched.
	Name(ctx context.Context) string
	URI() string

	// Repos returns a snapshot of the repos currently known in the group.
	Repos(ctx context.Context) ([]Repo, error)
	Repo(ctx context.Context, key types.Key) (Repo, error)
	// CreateRepo returns this node's writable repo called name, creating it
	// on first use.
	CreateRepo(ctx context.Context, name string) (Repo, error)

	HasHash(ctx context.Context, h types.Hash) (bool, error)
	DownloadHashFromPeers(ctx context.Context, h types.Hash) error
}

type Repo interface {
	ID() types.Key
	Name() string
	CanWrite() bool

	// HashFromDHT resolves the repo's current manifest hash with a fresh
	// network read.
	HashFromDHT(ctx context.Context) (types.Hash, error)
	// CurrentHash returns the last manifest hash known locally.
	CurrentHash(ctx context.Context) (types.Hash, error)

	// ListFiles and FileHash read the current manifest, which must be held
	// locally (ErrManifestMissing otherwise).
	ListFiles(ctx context.Context) ([]string, error)
	FileHash(ctx context.Context, name string) (types.Hash, error)
	OpenFile(ctx context.Context, name string) (io.ReadCloser, int64, error)

	// UploadFile and DeleteFile publish a new manifest and return its hash.
	// They fail with ErrReadOnly when this node lacks the signing key.
	UploadFile(ctx context.Context, name string, data []byte) (types.Hash, error)
	DeleteFile(ctx context.Context, name string) (types.Hash, error)
}

// GroupInfo builds the JSON view of g.
func GroupInfo(ctx context.Context, g Group) types.GroupInfo {
	return types.GroupInfo{
		Key:  g.ID().String(),
		Name: g.Name(ctx),
		URI:  g.URI(),
	}
}

// RepoInfo builds the JSON view of r, including its manifest hash when one
// is known locally.
func RepoInfo(ctx context.Context, r Repo) types.RepoInfo {
	info := types.RepoInfo{
		ID:       r.ID().String(),
		Name:     r.Name(),
		CanWrite: r.CanWrite(),
	}
	if h, err := r.CurrentHash(ctx); err == nil {
		info.RepoHash = h.String()
	}
	return info
}
