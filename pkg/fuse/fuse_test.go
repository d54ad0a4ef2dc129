package fuse

import (
	"context"
	"errors"
	"io"
	"strings"
	"syscall"
	"testing"
	"time"

	"snowbird/pkg/types"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeAPI struct {
	repos     []types.RepoInfo
	files     map[string][]types.FileEntry
	content   map[string]string
	repoCalls int
}

func (f *fakeAPI) Repos(ctx context.Context, groupID string) ([]types.RepoInfo, error) {
	f.repoCalls++
	return f.repos, nil
}

func (f *fakeAPI) Files(ctx context.Context, groupID, repoID string) ([]types.FileEntry, error) {
	return f.files[repoID], nil
}

func (f *fakeAPI) Download(ctx context.Context, groupID, repoID, name string) (io.ReadCloser, int64, error) {
	data, ok := f.content[repoID+"/"+name]
	if !ok {
		return nil, 0, errors.New("not found")
	}
	return io.NopCloser(strings.NewReader(data)), int64(len(data)), nil
}

func drain(t *testing.T, ds fs.DirStream) []string {
	t.Helper()
	defer ds.Close()
	var names []string
	for ds.HasNext() {
		e, errno := ds.Next()
		require.Equal(t, syscall.Errno(0), errno)
		names = append(names, e.Name)
	}
	return names
}

func TestRepoDirNames(t *testing.T) {
	dirs := repoDirNames([]types.RepoInfo{
		{ID: "a1", Name: "phone"},
		{ID: "b2", Name: "phone"},
		{ID: "c3", Name: "laptop"},
		{ID: "d4", Name: ""},
		{ID: "e5", Name: ".."},
	})

	assert.Len(t, dirs, 5)
	assert.Equal(t, "a1", dirs["phone-a1"].ID)
	assert.Equal(t, "b2", dirs["phone-b2"].ID)
	assert.Equal(t, "c3", dirs["laptop"].ID)
	assert.Contains(t, dirs, "d4")
	assert.Contains(t, dirs, "e5")
}

func TestGroupReaddirIsCached(t *testing.T) {
	api := &fakeAPI{repos: []types.RepoInfo{{ID: "r2", Name: "tablet"}, {ID: "r1", Name: "phone"}}}
	root := NewGroupFS(api, "group", zaptest.NewLogger(t))

	ds, errno := root.Readdir(context.Background())
	require.Equal(t, syscall.Errno(0), errno)
	assert.Equal(t, []string{"phone", "tablet"}, drain(t, ds))

	_, errno = root.Readdir(context.Background())
	require.Equal(t, syscall.Errno(0), errno)
	assert.Equal(t, 1, api.repoCalls)

	root.cache.Invalidate()
	_, errno = root.Readdir(context.Background())
	require.Equal(t, syscall.Errno(0), errno)
	assert.Equal(t, 2, api.repoCalls)
}

func TestRepoDirReaddir(t *testing.T) {
	api := &fakeAPI{files: map[string][]types.FileEntry{
		"r1": {{Name: "a.jpg"}, {Name: "b.jpg"}},
	}}
	dir := &RepoDir{
		api:     api,
		groupID: "group",
		repo:    types.RepoInfo{ID: "r1", Name: "phone"},
		logger:  zaptest.NewLogger(t),
		cache:   NewCache(time.Minute),
	}

	ds, errno := dir.Readdir(context.Background())
	require.Equal(t, syscall.Errno(0), errno)
	assert.Equal(t, []string{"a.jpg", "b.jpg"}, drain(t, ds))
}

func TestMediaFileOpenAndRead(t *testing.T) {
	api := &fakeAPI{content: map[string]string{"r1/note.txt": "hello world"}}
	f := &MediaFile{
		api:     api,
		groupID: "group",
		repoID:  "r1",
		entry:   types.FileEntry{Name: "note.txt"},
		logger:  zaptest.NewLogger(t),
	}

	_, _, errno := f.Open(context.Background(), syscall.O_WRONLY)
	assert.Equal(t, syscall.EROFS, errno)

	fh, _, errno := f.Open(context.Background(), syscall.O_RDONLY)
	require.Equal(t, syscall.Errno(0), errno)

	buf := make([]byte, 5)
	res, errno := f.Read(context.Background(), fh, buf, 6)
	require.Equal(t, syscall.Errno(0), errno)
	data, _ := res.Bytes(buf)
	assert.Equal(t, "world", string(data))

	res, _ = f.Read(context.Background(), fh, buf, 100)
	data, _ = res.Bytes(buf)
	assert.Empty(t, data)

	missing := &MediaFile{api: api, repoID: "r1", entry: types.FileEntry{Name: "gone"}, logger: zaptest.NewLogger(t)}
	_, _, errno = missing.Open(context.Background(), syscall.O_RDONLY)
	assert.Equal(t, syscall.EIO, errno)
}
