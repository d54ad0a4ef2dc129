package client

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"snowbird/pkg/apperr"
	"snowbird/pkg/config"
	"snowbird/pkg/node"
	"snowbird/pkg/server"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	cfg := config.Default()
	cfg.BaseDir = t.TempDir()
	cfg.PeerAddr = "127.0.0.1:0"

	logger := zaptest.NewLogger(t)
	h := node.New(cfg, nil, logger)
	t.Cleanup(h.Reset)
	_, err := h.Initialize(cfg.BaseDir)
	require.NoError(t, err)
	require.NoError(t, h.Start(context.Background()))
	require.Eventually(t, h.Attached, 5*time.Second, 10*time.Millisecond)

	ts := httptest.NewServer(server.New(cfg, h, nil, logger).Handler())
	t.Cleanup(ts.Close)
	return New(ts.URL, logger)
}

func TestClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "running", st.Status)

	g, err := c.CreateGroup(ctx, "family")
	require.NoError(t, err)
	assert.Equal(t, "family", g.Name)

	groups, err := c.Groups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)

	r, err := c.CreateRepo(ctx, g.Key, "phone")
	require.NoError(t, err)
	assert.True(t, r.CanWrite)

	hash, err := c.Upload(ctx, g.Key, r.ID, "notes/today.txt", []byte("hello"))
	require.Error(t, err, "names with slashes are rejected")
	assert.Equal(t, apperr.InvalidArgument, apperr.KindOf(err))
	assert.Empty(t, hash)

	hash, err = c.Upload(ctx, g.Key, r.ID, "today.txt", []byte("hello"))
	require.NoError(t, err)
	assert.Len(t, hash, 64)

	files, err := c.Files(ctx, g.Key, r.ID)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "today.txt", files[0].Name)

	rc, size, err := c.Download(ctx, g.Key, r.ID, "today.txt")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)
	assert.Equal(t, "hello", string(data))

	report, err := c.Refresh(ctx, g.Key)
	require.NoError(t, err)
	assert.Equal(t, "success", report.Status)

	_, err = c.DeleteFile(ctx, g.Key, r.ID, "today.txt")
	require.NoError(t, err)

	require.NoError(t, c.DeleteGroup(ctx, g.Key))
	_, err = c.Group(ctx, g.Key)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestClientUnreachable(t *testing.T) {
	c := New("unix://"+t.TempDir()+"/missing.sock", zaptest.NewLogger(t))

	_, err := c.Status(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperr.Unavailable, apperr.KindOf(err))
}
