// Package fuse mounts one group read-only: every repo is a directory and
// every manifest entry a file streamed through the local API.
package fuse

import (
	"context"
	"io"
	"os"
	"sort"
	"sync"
	"syscall"
	"time"

	"snowbird/pkg/types"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"
)

// API is the part of the HTTP client the filesystem reads through.
type API interface {
	Repos(ctx context.Context, groupID string) ([]types.RepoInfo, error)
	Files(ctx context.Context, groupID, repoID string) ([]types.FileEntry, error)
	Download(ctx context.Context, groupID, repoID, name string) (io.ReadCloser, int64, error)
}

const (
	entryTimeout = time.Second
	requestLimit = 30 * time.Second
)

// GroupFS is the root directory of a mounted group.
type GroupFS struct {
	fs.Inode
	api     API
	groupID string
	logger  *zap.Logger
	cache   *Cache
}

var (
	_ fs.NodeGetattrer = (*GroupFS)(nil)
	_ fs.NodeReaddirer = (*GroupFS)(nil)
	_ fs.NodeLookuper  = (*GroupFS)(nil)
	_ fs.NodeStatfser  = (*GroupFS)(nil)
)

func NewGroupFS(api API, groupID string, logger *zap.Logger) *GroupFS {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GroupFS{
		api:     api,
		groupID: groupID,
		logger:  logger,
		cache:   NewCache(5 * time.Second),
	}
}

func (g *GroupFS) OnAdd(ctx context.Context) {
	g.logger.Info("FUSE filesystem mounted", zap.String("group", g.groupID))
}

func (g *GroupFS) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	setDirAttr(&out.Attr)
	out.SetTimeout(entryTimeout)
	return 0
}

func (g *GroupFS) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	dirs, err := g.repoDirs(ctx)
	if err != nil {
		g.logger.Error("Failed to list repos", zap.Error(err))
		return nil, syscall.EIO
	}

	names := make([]string, 0, len(dirs))
	for name := range dirs {
		names = append(names, name)
	}
	sort.Strings(names)

	entries := make([]fuse.DirEntry, 0, len(names))
	for _, name := range names {
		entries = append(entries, fuse.DirEntry{Mode: syscall.S_IFDIR, Name: name})
	}
	return fs.NewListDirStream(entries), 0
}

func (g *GroupFS) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	dirs, err := g.repoDirs(ctx)
	if err != nil {
		g.logger.Debug("Lookup failed", zap.String("name", name), zap.Error(err))
		return nil, syscall.EIO
	}
	repo, ok := dirs[name]
	if !ok {
		return nil, syscall.ENOENT
	}

	child := &RepoDir{
		api:     g.api,
		groupID: g.groupID,
		repo:    repo,
		logger:  g.logger,
		cache:   g.cache,
	}
	setDirAttr(&out.Attr)
	out.SetEntryTimeout(entryTimeout)
	out.SetAttrTimeout(entryTimeout)
	return g.NewInode(ctx, child, fs.StableAttr{Mode: syscall.S_IFDIR}), 0
}

// Statfs reports a read-only filesystem with no free space.
func (g *GroupFS) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	const blockSize = 4096
	out.Bsize = blockSize
	out.Frsize = blockSize
	out.NameLen = 255
	return 0
}

// repoDirs maps directory names to repos. Repos sharing a name get their
// id appended.
func (g *GroupFS) repoDirs(ctx context.Context) (map[string]types.RepoInfo, error) {
	const key = "/"
	if cached, ok := g.cache.repos(key); ok {
		return cached, nil
	}

	ctx, cancel := context.WithTimeout(ctx, requestLimit)
	defer cancel()
	repos, err := g.api.Repos(ctx, g.groupID)
	if err != nil {
		return nil, err
	}

	dirs := repoDirNames(repos)
	g.cache.putRepos(key, dirs)
	return dirs, nil
}

func repoDirNames(repos []types.RepoInfo) map[string]types.RepoInfo {
	count := make(map[string]int, len(repos))
	for _, r := range repos {
		count[dirName(r)]++
	}
	dirs := make(map[string]types.RepoInfo, len(repos))
	for _, r := range repos {
		name := dirName(r)
		if count[name] > 1 {
			name += "-" + r.ID
		}
		dirs[name] = r
	}
	return dirs
}

func dirName(r types.RepoInfo) string {
	if r.Name == "" || r.Name == "." || r.Name == ".." {
		return r.ID
	}
	return r.Name
}

func setDirAttr(attr *fuse.Attr) {
	attr.Mode = syscall.S_IFDIR | 0555
	attr.Nlink = 2
	attr.Uid = uint32(os.Getuid())
	attr.Gid = uint32(os.Getgid())
}

// Cache holds directory listings for a short time.
type Cache struct {
	mu    sync.RWMutex
	ttl   time.Duration
	dirs  map[string]cachedRepos
	files map[string]cachedFiles
}

type cachedRepos struct {
	repos    map[string]types.RepoInfo
	cachedAt time.Time
}

type cachedFiles struct {
	files    []types.FileEntry
	cachedAt time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		ttl:   ttl,
		dirs:  make(map[string]cachedRepos),
		files: make(map[string]cachedFiles),
	}
}

func (c *Cache) repos(key string) (map[string]types.RepoInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.dirs[key]
	if !ok || time.Since(e.cachedAt) > c.ttl {
		return nil, false
	}
	return e.repos, true
}

func (c *Cache) putRepos(key string, repos map[string]types.RepoInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dirs[key] = cachedRepos{repos: repos, cachedAt: time.Now()}
}

func (c *Cache) fileList(key string) ([]types.FileEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.files[key]
	if !ok || time.Since(e.cachedAt) > c.ttl {
		return nil, false
	}
	return e.files, true
}

func (c *Cache) putFiles(key string, files []types.FileEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files[key] = cachedFiles{files: files, cachedAt: time.Now()}
}

// Invalidate drops every cached listing.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dirs = make(map[string]cachedRepos)
	c.files = make(map[string]cachedFiles)
}
