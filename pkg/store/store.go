// Package store persists the local registry of groups, repos and their
// signing keys, plus the node's copy of DHT records, in SQLite.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"snowbird/pkg/types"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

type DB struct {
	db     *sql.DB
	logger *zap.Logger
}

type GroupRow struct {
	Key       types.Key
	Secret    []byte
	Name      string
	Peers     []string
	CreatedAt time.Time
}

type RepoRow struct {
	GroupKey  types.Key
	Key       types.Key
	Secret    []byte
	Name      string
	CreatedAt time.Time
}

type RecordRow struct {
	Key       types.Key
	Subkey    string
	Value     []byte
	Seq       uint64
	Signature []byte
	UpdatedAt time.Time
}

// Open opens (creating if needed) the database at path and applies pending
// migrations.
func Open(path string, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("Opened registry database", zap.String("path", path))
	return &DB{db: db, logger: logger}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	defer src.Close()

	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	// m.Close would also close db, so only the source is released.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// SaveGroup inserts g unless a group with the same key exists. It reports
// whether a row was created.
func (d *DB) SaveGroup(ctx context.Context, g GroupRow) (bool, error) {
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO groups (key, secret, name, peers, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO NOTHING`,
		g.Key.String(), g.Secret, g.Name, joinPeers(g.Peers), unixOrNow(g.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("failed to save group: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (d *DB) SetGroupName(ctx context.Context, key types.Key, name string) error {
	_, err := d.db.ExecContext(ctx, `UPDATE groups SET name = ? WHERE key = ?`, name, key.String())
	if err != nil {
		return fmt.Errorf("failed to update group name: %w", err)
	}
	return nil
}

// AddGroupPeers merges peers into the group's known peer addresses.
func (d *DB) AddGroupPeers(ctx context.Context, key types.Key, peers []string) error {
	g, err := d.Group(ctx, key)
	if err != nil {
		return err
	}
	merged := mergePeers(g.Peers, peers)
	if len(merged) == len(g.Peers) {
		return nil
	}
	if _, err := d.db.ExecContext(ctx, `UPDATE groups SET peers = ? WHERE key = ?`, joinPeers(merged), key.String()); err != nil {
		return fmt.Errorf("failed to update group peers: %w", err)
	}
	return nil
}

func (d *DB) Group(ctx context.Context, key types.Key) (*GroupRow, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT key, secret, name, peers, created_at FROM groups WHERE key = ?`, key.String())
	g, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("group %s: %w", key, ErrNotFound)
	}
	return g, err
}

func (d *DB) Groups(ctx context.Context) ([]GroupRow, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT key, secret, name, peers, created_at FROM groups ORDER BY created_at, key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	defer rows.Close()

	var groups []GroupRow
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, *g)
	}
	return groups, rows.Err()
}

// DeleteGroup removes the group and, through the foreign key, its repos.
func (d *DB) DeleteGroup(ctx context.Context, key types.Key) error {
	res, err := d.db.ExecContext(ctx, `DELETE FROM groups WHERE key = ?`, key.String())
	if err != nil {
		return fmt.Errorf("failed to delete group: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("group %s: %w", key, ErrNotFound)
	}
	return nil
}

// SaveRepo inserts r unless the group already tracks that repo key.
func (d *DB) SaveRepo(ctx context.Context, r RepoRow) (bool, error) {
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO repos (group_key, key, secret, name, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(group_key, key) DO NOTHING`,
		r.GroupKey.String(), r.Key.String(), r.Secret, r.Name, unixOrNow(r.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("failed to save repo: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetRepoName renames a tracked repo after its announcement changed.
func (d *DB) SetRepoName(ctx context.Context, groupKey, key types.Key, name string) error {
	_, err := d.db.ExecContext(ctx, `UPDATE repos SET name = ? WHERE group_key = ? AND key = ?`,
		name, groupKey.String(), key.String())
	if err != nil {
		return fmt.Errorf("failed to update repo name: %w", err)
	}
	return nil
}

func (d *DB) Repos(ctx context.Context, groupKey types.Key) ([]RepoRow, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT group_key, key, secret, name, created_at FROM repos WHERE group_key = ? ORDER BY created_at, key`,
		groupKey.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list repos: %w", err)
	}
	defer rows.Close()

	var repos []RepoRow
	for rows.Next() {
		r, err := scanRepo(rows)
		if err != nil {
			return nil, err
		}
		repos = append(repos, *r)
	}
	return repos, rows.Err()
}

func (d *DB) Repo(ctx context.Context, groupKey, key types.Key) (*RepoRow, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT group_key, key, secret, name, created_at FROM repos WHERE group_key = ? AND key = ?`,
		groupKey.String(), key.String())
	r, err := scanRepo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("repo %s: %w", key, ErrNotFound)
	}
	return r, err
}

// WritableRepoByName finds a repo this node created in the group under name.
func (d *DB) WritableRepoByName(ctx context.Context, groupKey types.Key, name string) (*RepoRow, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT group_key, key, secret, name, created_at FROM repos
		 WHERE group_key = ? AND name = ? AND secret IS NOT NULL ORDER BY created_at LIMIT 1`,
		groupKey.String(), name)
	r, err := scanRepo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("repo %q: %w", name, ErrNotFound)
	}
	return r, err
}

// PutRecord stores rec if it is newer than the stored copy. It reports
// whether the stored record changed.
func (d *DB) PutRecord(ctx context.Context, rec RecordRow) (bool, error) {
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO records (key, subkey, value, seq, signature, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key, subkey) DO UPDATE SET
		   value = excluded.value, seq = excluded.seq, signature = excluded.signature, updated_at = excluded.updated_at
		 WHERE excluded.seq > records.seq`,
		rec.Key.String(), rec.Subkey, rec.Value, int64(rec.Seq), rec.Signature, unixOrNow(rec.UpdatedAt))
	if err != nil {
		return false, fmt.Errorf("failed to store record: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (d *DB) Record(ctx context.Context, key types.Key, subkey string) (*RecordRow, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT key, subkey, value, seq, signature, updated_at FROM records WHERE key = ? AND subkey = ?`,
		key.String(), subkey)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %s/%s: %w", key, subkey, ErrNotFound)
	}
	return rec, err
}

// Records lists the records under key whose subkey starts with prefix.
func (d *DB) Records(ctx context.Context, key types.Key, prefix string) ([]RecordRow, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT key, subkey, value, seq, signature, updated_at FROM records
		 WHERE key = ? AND substr(subkey, 1, ?) = ? ORDER BY subkey`,
		key.String(), len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var records []RecordRow
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanGroup(s scanner) (*GroupRow, error) {
	var (
		key, peers string
		created    int64
		g          GroupRow
	)
	if err := s.Scan(&key, &g.Secret, &g.Name, &peers, &created); err != nil {
		return nil, err
	}
	k, err := types.ParseKey(key)
	if err != nil {
		return nil, fmt.Errorf("corrupt group key %q: %w", key, err)
	}
	g.Key = k
	g.Peers = splitPeers(peers)
	g.CreatedAt = time.Unix(0, created)
	return &g, nil
}

func scanRepo(s scanner) (*RepoRow, error) {
	var (
		groupKey, key string
		created       int64
		r             RepoRow
	)
	if err := s.Scan(&groupKey, &key, &r.Secret, &r.Name, &created); err != nil {
		return nil, err
	}
	gk, err := types.ParseKey(groupKey)
	if err != nil {
		return nil, fmt.Errorf("corrupt group key %q: %w", groupKey, err)
	}
	k, err := types.ParseKey(key)
	if err != nil {
		return nil, fmt.Errorf("corrupt repo key %q: %w", key, err)
	}
	r.GroupKey, r.Key = gk, k
	r.CreatedAt = time.Unix(0, created)
	return &r, nil
}

func scanRecord(s scanner) (*RecordRow, error) {
	var (
		key          string
		seq, updated int64
		rec          RecordRow
	)
	if err := s.Scan(&key, &rec.Subkey, &rec.Value, &seq, &rec.Signature, &updated); err != nil {
		return nil, err
	}
	k, err := types.ParseKey(key)
	if err != nil {
		return nil, fmt.Errorf("corrupt record key %q: %w", key, err)
	}
	rec.Key = k
	rec.Seq = uint64(seq)
	rec.UpdatedAt = time.Unix(0, updated)
	return &rec, nil
}

func unixOrNow(t time.Time) int64 {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UnixNano()
}

func joinPeers(peers []string) string {
	return strings.Join(peers, ",")
}

func splitPeers(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func mergePeers(existing, extra []string) []string {
	seen := make(map[string]bool, len(existing))
	merged := append([]string(nil), existing...)
	for _, p := range existing {
		seen[p] = true
	}
	for _, p := range extra {
		if p != "" && !seen[p] {
			seen[p] = true
			merged = append(merged, p)
		}
	}
	return merged
}
