package backend

import (
	"context"
	"io"
	"testing"

	"snowbird/pkg/apperr"
	"snowbird/pkg/config"
	"snowbird/pkg/dht"
	"snowbird/pkg/dweb"
	"snowbird/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	cfg := config.Default()
	cfg.BaseDir = t.TempDir()
	cfg.PeerAddr = "127.0.0.1:0"

	b, err := New(cfg, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { b.Close() })
	return b
}

func TestStartIsIdempotent(t *testing.T) {
	b := newTestBackend(t)
	addr := b.PeerAddr()

	require.NoError(t, b.Start(context.Background()))
	assert.Equal(t, addr, b.PeerAddr())
	assert.True(t, b.Started())
}

func TestCreateGroupAndRepo(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	g, err := b.CreateGroup(ctx, "family")
	require.NoError(t, err)
	assert.Equal(t, "family", g.Name(ctx))

	link, err := ParseShareURL(g.URI())
	require.NoError(t, err)
	assert.Equal(t, g.ID(), link.Key)
	assert.Equal(t, []string{b.PeerAddr()}, link.Peers)

	r, err := g.CreateRepo(ctx, "phone")
	require.NoError(t, err)
	assert.True(t, r.CanWrite())

	again, err := g.CreateRepo(ctx, "phone")
	require.NoError(t, err)
	assert.Equal(t, r.ID(), again.ID(), "repo creation must be idempotent by name")

	files, err := r.ListFiles(ctx)
	require.NoError(t, err)
	assert.Empty(t, files)

	repos, err := g.Repos(ctx)
	require.NoError(t, err)
	require.Len(t, repos, 1)
	assert.Equal(t, "phone", repos[0].Name())
}

func TestUploadAndDelete(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	g, err := b.CreateGroup(ctx, "family")
	require.NoError(t, err)
	r, err := g.CreateRepo(ctx, "phone")
	require.NoError(t, err)

	before, err := r.CurrentHash(ctx)
	require.NoError(t, err)

	after, err := r.UploadFile(ctx, "a.txt", []byte("hello"))
	require.NoError(t, err)
	assert.NotEqual(t, before, after)

	dhtHash, err := r.HashFromDHT(ctx)
	require.NoError(t, err)
	assert.Equal(t, after, dhtHash)

	rc, size, err := r.OpenFile(ctx, "a.txt")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, int64(5), size)

	_, err = r.DeleteFile(ctx, "a.txt")
	require.NoError(t, err)
	files, err := r.ListFiles(ctx)
	require.NoError(t, err)
	assert.Empty(t, files)

	_, err = r.DeleteFile(ctx, "a.txt")
	assert.True(t, apperr.Is(err, apperr.NotFound))

	_, err = r.UploadFile(ctx, "../escape", []byte("x"))
	assert.True(t, apperr.Is(err, apperr.InvalidArgument))
}

func TestUnknownGroup(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	var missing types.Key
	missing[0] = 1
	_, err := b.Group(ctx, missing)
	assert.True(t, apperr.Is(err, apperr.NotFound))
	assert.ErrorIs(t, err, dweb.ErrGroupNotFound)

	assert.True(t, apperr.Is(b.CloseGroup(ctx, missing), apperr.NotFound))
}

func TestCapabilityAsymmetry(t *testing.T) {
	ctx := context.Background()
	owner := newTestBackend(t)
	member := newTestBackend(t)

	g, err := owner.CreateGroup(ctx, "family")
	require.NoError(t, err)
	r, err := g.CreateRepo(ctx, "phone")
	require.NoError(t, err)
	_, err = r.UploadFile(ctx, "a.txt", []byte("hello"))
	require.NoError(t, err)

	joined, err := member.JoinFromURL(ctx, g.URI())
	require.NoError(t, err)
	assert.Equal(t, g.ID(), joined.ID())
	assert.Equal(t, "family", joined.Name(ctx))

	// Joining again returns the same state.
	rejoined, err := member.JoinFromURL(ctx, g.URI())
	require.NoError(t, err)
	assert.Equal(t, g.ID(), rejoined.ID())

	repos, err := joined.Repos(ctx)
	require.NoError(t, err)
	require.Len(t, repos, 1)
	mirror := repos[0]
	assert.Equal(t, r.ID(), mirror.ID())
	assert.False(t, mirror.CanWrite())
	assert.True(t, r.CanWrite())

	_, err = mirror.UploadFile(ctx, "b.txt", []byte("nope"))
	assert.True(t, apperr.Is(err, apperr.PermissionDenied))
	assert.ErrorIs(t, err, dweb.ErrReadOnly)

	// The member can pull the manifest and the file from the owner.
	h, err := mirror.HashFromDHT(ctx)
	require.NoError(t, err)
	require.NoError(t, joined.DownloadHashFromPeers(ctx, h))

	files, err := mirror.ListFiles(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, files)

	fileHash, err := mirror.FileHash(ctx, "a.txt")
	require.NoError(t, err)
	has, err := joined.HasHash(ctx, fileHash)
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, joined.DownloadHashFromPeers(ctx, fileHash))
	has, err = joined.HasHash(ctx, fileHash)
	require.NoError(t, err)
	assert.True(t, has)

	// Creating a repo right after joining must succeed and stay idempotent.
	own, err := joined.CreateRepo(ctx, "laptop")
	require.NoError(t, err)
	assert.True(t, own.CanWrite())
	ownAgain, err := joined.CreateRepo(ctx, "laptop")
	require.NoError(t, err)
	assert.Equal(t, own.ID(), ownAgain.ID())
}

func TestCloseGroup(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	g, err := b.CreateGroup(ctx, "")
	require.NoError(t, err)
	require.NoError(t, b.CloseGroup(ctx, g.ID()))

	groups, err := b.Groups(ctx)
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestOwnerFetchesMemberRepo(t *testing.T) {
	ctx := context.Background()
	owner := newTestBackend(t)
	member := newTestBackend(t)

	g, err := owner.CreateGroup(ctx, "family")
	require.NoError(t, err)
	joined, err := member.JoinFromURL(ctx, g.URI())
	require.NoError(t, err)

	laptop, err := joined.CreateRepo(ctx, "laptop")
	require.NoError(t, err)
	_, err = laptop.UploadFile(ctx, "c.txt", []byte("from the member"))
	require.NoError(t, err)

	// The owner learns the repo and the member's address from the
	// announcement the member pushed.
	repos, err := g.Repos(ctx)
	require.NoError(t, err)
	require.Len(t, repos, 1)
	mirror := repos[0]
	assert.Equal(t, laptop.ID(), mirror.ID())
	assert.Equal(t, "laptop", mirror.Name())
	assert.False(t, mirror.CanWrite())
	assert.Contains(t, owner.client.Peers(), member.PeerAddr())

	h, err := mirror.HashFromDHT(ctx)
	require.NoError(t, err)
	require.NoError(t, g.DownloadHashFromPeers(ctx, h))
	fileHash, err := mirror.FileHash(ctx, "c.txt")
	require.NoError(t, err)
	require.NoError(t, g.DownloadHashFromPeers(ctx, fileHash))

	// The owner's share link now names the member too, so a third node can
	// reach the repo's writer.
	fresh, err := owner.Group(ctx, g.ID())
	require.NoError(t, err)
	link, err := ParseShareURL(fresh.URI())
	require.NoError(t, err)
	assert.Equal(t, []string{owner.PeerAddr(), member.PeerAddr()}, link.Peers)

	third := newTestBackend(t)
	thirdGroup, err := third.JoinFromURL(ctx, fresh.URI())
	require.NoError(t, err)
	thirdRepo, err := thirdGroup.Repo(ctx, laptop.ID())
	require.NoError(t, err)
	thirdHash, err := thirdRepo.HashFromDHT(ctx)
	require.NoError(t, err)
	assert.Equal(t, h, thirdHash)
}

func TestDiscoveryFollowsAnnouncements(t *testing.T) {
	ctx := context.Background()
	owner := newTestBackend(t)
	member := newTestBackend(t)

	g, err := owner.CreateGroup(ctx, "family")
	require.NoError(t, err)
	r, err := g.CreateRepo(ctx, "phone")
	require.NoError(t, err)
	joined, err := member.JoinFromURL(ctx, g.URI())
	require.NoError(t, err)

	row, err := owner.db.Repo(ctx, g.ID(), r.ID())
	require.NoError(t, err)

	// An announcement without an address, as published before the peer
	// exchange was bound, is replaced by its holder on the next discovery.
	value, err := announcement{Name: "tablet"}.encode()
	require.NoError(t, err)
	_, err = owner.records.Publish(ctx, row.Secret, g.ID(), dht.RepoSubkey(r.ID()), value)
	require.NoError(t, err)

	_, err = g.Repos(ctx)
	require.NoError(t, err)
	rec, err := owner.records.Local(ctx, g.ID(), dht.RepoSubkey(r.ID()))
	require.NoError(t, err)
	ann, err := decodeAnnouncement(rec.Value)
	require.NoError(t, err)
	assert.Equal(t, owner.PeerAddr(), ann.Peer)
	assert.Equal(t, "phone", ann.Name, "the holder announces its own name")

	// A renamed announcement renames the member's placeholder.
	value, err = announcement{Name: "tablet", Peer: owner.PeerAddr()}.encode()
	require.NoError(t, err)
	_, err = owner.records.Publish(ctx, row.Secret, g.ID(), dht.RepoSubkey(r.ID()), value)
	require.NoError(t, err)

	repos, err := joined.Repos(ctx)
	require.NoError(t, err)
	require.Len(t, repos, 1)
	assert.Equal(t, "tablet", repos[0].Name())
	assert.False(t, repos[0].CanWrite())
}
