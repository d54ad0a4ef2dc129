// Package dht resolves and publishes signed records. Records are cached in
// the local registry and exchanged with peers; the highest valid sequence
// number wins.
package dht

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"snowbird/pkg/store"
	"snowbird/pkg/types"

	"go.uber.org/zap"
)

// Network queries and pushes records to remote peers.
type Network interface {
	GetRecord(ctx context.Context, key types.Key, subkey string) ([]Record, error)
	ListRecords(ctx context.Context, key types.Key, prefix string) ([]Record, error)
	PutRecord(ctx context.Context, rec Record) error
}

type Store struct {
	db      *store.DB
	network Network
	logger  *zap.Logger
}

// New returns a record store. network may be nil for a node without peers.
func New(db *store.DB, network Network, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, network: network, logger: logger}
}

// Publish signs value under (key, subkey), stores it and pushes it to peers.
// Push failures are logged; the record stays available locally.
func (s *Store) Publish(ctx context.Context, priv ed25519.PrivateKey, key types.Key, subkey string, value []byte) (Record, error) {
	seq := uint64(time.Now().UnixNano())
	if current, err := s.Local(ctx, key, subkey); err == nil && current.Seq >= seq {
		seq = current.Seq + 1
	}

	rec := Sign(priv, key, subkey, value, seq)
	if err := rec.Verify(); err != nil {
		return Record{}, fmt.Errorf("refusing to publish %s/%s: %w", key, subkey, err)
	}
	if _, err := s.db.PutRecord(ctx, toRow(rec)); err != nil {
		return Record{}, err
	}

	if s.network != nil {
		if err := s.network.PutRecord(ctx, rec); err != nil {
			s.logger.Debug("Failed to push record to peers",
				zap.String("key", key.String()),
				zap.String("subkey", subkey),
				zap.Error(err))
		}
	}
	return rec, nil
}

// Get performs a fresh read: peers are asked first, newer valid answers are
// cached, then the best known record is returned.
func (s *Store) Get(ctx context.Context, key types.Key, subkey string) (Record, error) {
	var netErr error
	if s.network != nil {
		var found []Record
		found, netErr = s.network.GetRecord(ctx, key, subkey)
		for _, rec := range found {
			s.accept(ctx, rec)
		}
	}

	rec, err := s.Local(ctx, key, subkey)
	if errors.Is(err, ErrRecordNotFound) && netErr != nil {
		return Record{}, fmt.Errorf("failed to resolve %s/%s: %w", key, subkey, netErr)
	}
	return rec, err
}

// Local returns the cached record without touching the network.
func (s *Store) Local(ctx context.Context, key types.Key, subkey string) (Record, error) {
	row, err := s.db.Record(ctx, key, subkey)
	if errors.Is(err, store.ErrNotFound) {
		return Record{}, fmt.Errorf("%w: %s/%s", ErrRecordNotFound, key, subkey)
	}
	if err != nil {
		return Record{}, err
	}
	return fromRow(*row), nil
}

// List returns all records under key whose subkey has prefix, merging what
// peers report into the local cache.
func (s *Store) List(ctx context.Context, key types.Key, prefix string) ([]Record, error) {
	if s.network != nil {
		found, err := s.network.ListRecords(ctx, key, prefix)
		if err != nil {
			s.logger.Debug("Failed to list records from peers",
				zap.String("key", key.String()),
				zap.String("prefix", prefix),
				zap.Error(err))
		}
		for _, rec := range found {
			s.accept(ctx, rec)
		}
	}
	return s.LocalList(ctx, key, prefix)
}

func (s *Store) LocalList(ctx context.Context, key types.Key, prefix string) ([]Record, error) {
	rows, err := s.db.Records(ctx, key, prefix)
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, fromRow(row))
	}
	return records, nil
}

// Accept verifies and stores a record received from a peer.
func (s *Store) Accept(ctx context.Context, rec Record) (bool, error) {
	if err := rec.Verify(); err != nil {
		return false, err
	}
	return s.db.PutRecord(ctx, toRow(rec))
}

func (s *Store) accept(ctx context.Context, rec Record) {
	if _, err := s.Accept(ctx, rec); err != nil {
		s.logger.Warn("Discarding record from peer",
			zap.String("key", rec.Key.String()),
			zap.String("subkey", rec.Subkey),
			zap.Error(err))
	}
}

func toRow(rec Record) store.RecordRow {
	return store.RecordRow{
		Key:       rec.Key,
		Subkey:    rec.Subkey,
		Value:     rec.Value,
		Seq:       rec.Seq,
		Signature: rec.Signature,
	}
}

func fromRow(row store.RecordRow) Record {
	return Record{
		Key:       row.Key,
		Subkey:    row.Subkey,
		Value:     row.Value,
		Seq:       row.Seq,
		Signature: row.Signature,
	}
}
