package reconcile

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"

	"snowbird/pkg/apperr"
	"snowbird/pkg/dweb"
	"snowbird/pkg/types"
)

var errNoPeer = errors.New("no peer has the object")

func testKey(b byte) types.Key {
	var k types.Key
	for i := range k {
		k[i] = b
	}
	return k
}

type fakeSource struct {
	backend dweb.Backend
	err     error
}

func (s *fakeSource) Get() (dweb.Backend, error) {
	return s.backend, s.err
}

type fakeBackend struct {
	groups map[types.Key]*fakeGroup
}

func (b *fakeBackend) Groups(ctx context.Context) ([]dweb.Group, error) {
	var out []dweb.Group
	for _, g := range b.groups {
		out = append(out, g)
	}
	return out, nil
}

func (b *fakeBackend) Group(ctx context.Context, key types.Key) (dweb.Group, error) {
	g, ok := b.groups[key]
	if !ok {
		return nil, apperr.Wrap(apperr.NotFound, dweb.ErrGroupNotFound, "group %s", key)
	}
	return g, nil
}

func (b *fakeBackend) CreateGroup(ctx context.Context, name string) (dweb.Group, error) {
	return nil, errors.New("not supported")
}

func (b *fakeBackend) JoinFromURL(ctx context.Context, url string) (dweb.Group, error) {
	return nil, errors.New("not supported")
}

func (b *fakeBackend) CloseGroup(ctx context.Context, key types.Key) error {
	delete(b.groups, key)
	return nil
}

// fakeGroup holds a local content set and the content reachable on peers.
type fakeGroup struct {
	id    types.Key
	repos []*fakeRepo

	mu    sync.Mutex
	local map[types.Hash]bool
	peers map[types.Hash]bool
}

func newFakeGroup(id types.Key) *fakeGroup {
	return &fakeGroup{id: id, local: map[types.Hash]bool{}, peers: map[types.Hash]bool{}}
}

func (g *fakeGroup) ID() types.Key                   { return g.id }
func (g *fakeGroup) Name(ctx context.Context) string { return "fake" }
func (g *fakeGroup) URI() string                     { return "snowbird://group/" + g.id.String() }

func (g *fakeGroup) Repos(ctx context.Context) ([]dweb.Repo, error) {
	out := make([]dweb.Repo, 0, len(g.repos))
	for _, r := range g.repos {
		out = append(out, r)
	}
	return out, nil
}

func (g *fakeGroup) Repo(ctx context.Context, key types.Key) (dweb.Repo, error) {
	for _, r := range g.repos {
		if r.id == key {
			return r, nil
		}
	}
	return nil, apperr.Wrap(apperr.NotFound, dweb.ErrRepoNotFound, "repo %s", key)
}

func (g *fakeGroup) CreateRepo(ctx context.Context, name string) (dweb.Repo, error) {
	return nil, errors.New("not supported")
}

func (g *fakeGroup) HasHash(ctx context.Context, h types.Hash) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.local[h], nil
}

func (g *fakeGroup) DownloadHashFromPeers(ctx context.Context, h types.Hash) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.peers[h] {
		return errNoPeer
	}
	g.local[h] = true
	return nil
}

// publish makes data reachable from peers only.
func (g *fakeGroup) publish(data string) types.Hash {
	h := types.HashOf([]byte(data))
	g.mu.Lock()
	g.peers[h] = true
	g.mu.Unlock()
	return h
}

func (g *fakeGroup) addRepo(r *fakeRepo) *fakeRepo {
	r.group = g
	g.repos = append(g.repos, r)
	return r
}

type fakeRepo struct {
	group    *fakeGroup
	id       types.Key
	name     string
	canWrite bool

	manifest types.Hash
	dhtErr   error
	listErr  error
	files    map[string]types.Hash
}

func (r *fakeRepo) ID() types.Key  { return r.id }
func (r *fakeRepo) Name() string   { return r.name }
func (r *fakeRepo) CanWrite() bool { return r.canWrite }

func (r *fakeRepo) HashFromDHT(ctx context.Context) (types.Hash, error) {
	if r.dhtErr != nil {
		return types.Hash{}, r.dhtErr
	}
	return r.manifest, nil
}

func (r *fakeRepo) CurrentHash(ctx context.Context) (types.Hash, error) {
	return r.HashFromDHT(ctx)
}

func (r *fakeRepo) ListFiles(ctx context.Context) ([]string, error) {
	if has, _ := r.group.HasHash(ctx, r.manifest); !has {
		return nil, dweb.ErrManifestMissing
	}
	if r.listErr != nil {
		return nil, r.listErr
	}
	names := make([]string, 0, len(r.files))
	for name := range r.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (r *fakeRepo) FileHash(ctx context.Context, name string) (types.Hash, error) {
	h, ok := r.files[name]
	if !ok {
		return types.Hash{}, dweb.ErrFileNotFound
	}
	return h, nil
}

func (r *fakeRepo) OpenFile(ctx context.Context, name string) (io.ReadCloser, int64, error) {
	return nil, 0, errors.New("not supported")
}

func (r *fakeRepo) UploadFile(ctx context.Context, name string, data []byte) (types.Hash, error) {
	return types.Hash{}, dweb.ErrReadOnly
}

func (r *fakeRepo) DeleteFile(ctx context.Context, name string) (types.Hash, error) {
	return types.Hash{}, dweb.ErrReadOnly
}
