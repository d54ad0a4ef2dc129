package dht

import (
	"context"
	"crypto/ed25519"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"snowbird/pkg/store"
	"snowbird/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeNetwork struct {
	mu      sync.Mutex
	records []Record
	pushed  []Record
	err     error
}

func (f *fakeNetwork) GetRecord(ctx context.Context, key types.Key, subkey string) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Record
	for _, r := range f.records {
		if r.Key == key && r.Subkey == subkey {
			out = append(out, r)
		}
	}
	return out, f.err
}

func (f *fakeNetwork) ListRecords(ctx context.Context, key types.Key, prefix string) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Record
	for _, r := range f.records {
		if r.Key == key && len(r.Subkey) >= len(prefix) && r.Subkey[:len(prefix)] == prefix {
			out = append(out, r)
		}
	}
	return out, f.err
}

func (f *fakeNetwork) PutRecord(ctx context.Context, rec Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed = append(f.pushed, rec)
	return f.err
}

func newKeyPair(t *testing.T) (types.Key, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	k, err := types.KeyFromBytes(pub)
	require.NoError(t, err)
	return k, priv
}

func newTestStore(t *testing.T, network Network) *Store {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "dht.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, network, zaptest.NewLogger(t))
}

func TestSignAndVerify(t *testing.T) {
	key, priv := newKeyPair(t)

	rec := Sign(priv, key, SubkeyManifest, []byte("hash"), 7)
	require.NoError(t, rec.Verify())

	tampered := rec
	tampered.Value = []byte("other")
	assert.ErrorIs(t, tampered.Verify(), ErrInvalidSignature)

	tampered = rec
	tampered.Seq = 8
	assert.ErrorIs(t, tampered.Verify(), ErrInvalidSignature)
}

func TestRepoAnnouncementSignedByRepo(t *testing.T) {
	group, groupPriv := newKeyPair(t)
	repo, repoPriv := newKeyPair(t)

	rec := Sign(repoPriv, group, RepoSubkey(repo), []byte("phone"), 1)
	require.NoError(t, rec.Verify())

	// The group owner cannot forge another member's announcement.
	forged := Sign(groupPriv, group, RepoSubkey(repo), []byte("phone"), 2)
	assert.Error(t, forged.Verify())

	parsed, ok := RepoFromSubkey(RepoSubkey(repo))
	assert.True(t, ok)
	assert.Equal(t, repo, parsed)

	_, ok = RepoFromSubkey("name")
	assert.False(t, ok)
}

func TestPublishIncrementsSeqAndPushes(t *testing.T) {
	ctx := context.Background()
	network := &fakeNetwork{}
	s := newTestStore(t, network)
	key, priv := newKeyPair(t)

	first, err := s.Publish(ctx, priv, key, SubkeyManifest, []byte("v1"))
	require.NoError(t, err)
	second, err := s.Publish(ctx, priv, key, SubkeyManifest, []byte("v2"))
	require.NoError(t, err)
	assert.Greater(t, second.Seq, first.Seq)

	local, err := s.Local(ctx, key, SubkeyManifest)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), local.Value)
	assert.Len(t, network.pushed, 2)
}

func TestPublishSurvivesPushFailure(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, &fakeNetwork{err: errors.New("no peers")})
	key, priv := newKeyPair(t)

	_, err := s.Publish(ctx, priv, key, SubkeyName, []byte("family"))
	require.NoError(t, err)

	rec, err := s.Local(ctx, key, SubkeyName)
	require.NoError(t, err)
	assert.Equal(t, []byte("family"), rec.Value)
}

func TestGetPrefersNewestValidRecord(t *testing.T) {
	ctx := context.Background()
	key, priv := newKeyPair(t)
	_, otherPriv := newKeyPair(t)

	network := &fakeNetwork{records: []Record{
		Sign(priv, key, SubkeyManifest, []byte("old"), 1),
		Sign(priv, key, SubkeyManifest, []byte("new"), 5),
		Sign(otherPriv, key, SubkeyManifest, []byte("forged"), 9),
	}}
	s := newTestStore(t, network)

	rec, err := s.Get(ctx, key, SubkeyManifest)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), rec.Value)
	assert.Equal(t, uint64(5), rec.Seq)
}

func TestGetMissing(t *testing.T) {
	ctx := context.Background()
	key, _ := newKeyPair(t)

	s := newTestStore(t, &fakeNetwork{})
	_, err := s.Get(ctx, key, SubkeyManifest)
	assert.ErrorIs(t, err, ErrRecordNotFound)

	failing := newTestStore(t, &fakeNetwork{err: errors.New("unreachable")})
	_, err = failing.Get(ctx, key, SubkeyManifest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreachable")
}

func TestListMergesPeers(t *testing.T) {
	ctx := context.Background()
	group, _ := newKeyPair(t)
	repoA, privA := newKeyPair(t)
	repoB, privB := newKeyPair(t)

	network := &fakeNetwork{records: []Record{
		Sign(privA, group, RepoSubkey(repoA), []byte("a"), 1),
		Sign(privB, group, RepoSubkey(repoB), []byte("b"), 1),
	}}
	s := newTestStore(t, network)

	recs, err := s.List(ctx, group, RepoPrefix)
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	local, err := s.LocalList(ctx, group, RepoPrefix)
	require.NoError(t, err)
	assert.Len(t, local, 2)
}
