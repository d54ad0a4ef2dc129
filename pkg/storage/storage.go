package storage

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"snowbird/pkg/types"

	"go.uber.org/zap"
)

// ErrBlobNotFound is returned when a hash has no local copy.
var ErrBlobNotFound = errors.New("blob not found")

// ErrHashMismatch is returned when fetched bytes do not match their hash.
var ErrHashMismatch = errors.New("blob hash mismatch")

const compressedSuffix = ".gz"

// BlobStore is a content-addressed store on the local filesystem. Blobs are
// written once under <dir>/<hash[:2]>/<hash> and never modified; concurrent
// writers of the same hash race harmlessly through an atomic rename.
type BlobStore struct {
	dir               string
	enableCompression bool
	compressionLevel  int
	logger            *zap.Logger
}

func NewBlobStore(dir string, enableCompression bool, logger *zap.Logger) (*BlobStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	return &BlobStore{
		dir:               dir,
		enableCompression: enableCompression,
		compressionLevel:  gzip.DefaultCompression,
		logger:            logger,
	}, nil
}

// Put stores data and returns its hash.
func (s *BlobStore) Put(data []byte) (types.Hash, error) {
	h := types.HashOf(data)
	if err := s.write(h, data); err != nil {
		return h, err
	}
	return h, nil
}

// PutVerified stores data that is expected to hash to h.
func (s *BlobStore) PutVerified(h types.Hash, data []byte) error {
	if got := types.HashOf(data); got != h {
		return fmt.Errorf("%w: expected %s, got %s", ErrHashMismatch, h, got)
	}
	return s.write(h, data)
}

func (s *BlobStore) Has(h types.Hash) bool {
	if _, err := os.Stat(s.path(h)); err == nil {
		return true
	}
	_, err := os.Stat(s.path(h) + compressedSuffix)
	return err == nil
}

// Get returns the original bytes of a blob.
func (s *BlobStore) Get(h types.Hash) ([]byte, error) {
	data, err := os.ReadFile(s.path(h))
	if err == nil {
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read blob %s: %w", h, err)
	}

	compressed, err := os.ReadFile(s.path(h) + compressedSuffix)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, h)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", h, err)
	}
	return s.decompressData(compressed)
}

// Open streams a blob. Uncompressed blobs are served straight from disk.
func (s *BlobStore) Open(h types.Hash) (io.ReadCloser, int64, error) {
	f, err := os.Open(s.path(h))
	if err == nil {
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, 0, fmt.Errorf("failed to stat blob %s: %w", h, err)
		}
		return f, info.Size(), nil
	}
	if !os.IsNotExist(err) {
		return nil, 0, fmt.Errorf("failed to open blob %s: %w", h, err)
	}

	data, err := s.Get(h)
	if err != nil {
		return nil, 0, err
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (s *BlobStore) path(h types.Hash) string {
	name := h.String()
	return filepath.Join(s.dir, name[:2], name)
}

func (s *BlobStore) write(h types.Hash, data []byte) error {
	if s.Has(h) {
		return nil
	}

	target := s.path(h)
	payload := data
	if s.enableCompression {
		compressed, err := s.compressData(data)
		if err != nil {
			return err
		}
		// Only keep the compressed form when it actually saves space.
		if len(compressed) < len(data) {
			payload = compressed
			target += compressedSuffix
		}
	}

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to create blob directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp blob: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write blob %s: %w", h, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close blob %s: %w", h, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("failed to commit blob %s: %w", h, err)
	}

	s.logger.Debug("Stored blob",
		zap.String("hash", h.String()),
		zap.Int("size", len(data)),
		zap.Bool("compressed", filepath.Ext(target) == compressedSuffix))
	return nil
}

func (s *BlobStore) compressData(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer, err := gzip.NewWriterLevel(&buf, s.compressionLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip writer: %w", err)
	}
	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to write compressed data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close gzip writer: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *BlobStore) decompressData(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer reader.Close()

	decompressed, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read decompressed data: %w", err)
	}
	return decompressed, nil
}
