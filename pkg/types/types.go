package types

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"snowbird/pkg/apperr"
)

// KeySize is the length of group and repo capability keys.
const KeySize = 32

// Key is a 32-byte capability key. Its transport form is unpadded
// base64url.
type Key [KeySize]byte

// ParseKey decodes a base64url key. Trailing padding is tolerated, non-zero
// trailing bits are not.
func ParseKey(s string) (Key, error) {
	var k Key
	raw, err := base64.RawURLEncoding.Strict().DecodeString(strings.TrimRight(strings.TrimSpace(s), "="))
	if err != nil {
		return k, apperr.Wrap(apperr.InvalidArgument, err, "invalid key %q", s)
	}
	if len(raw) != KeySize {
		return k, apperr.New(apperr.InvalidArgument, "invalid key %q: expected %d bytes, got %d", s, KeySize, len(raw))
	}
	copy(k[:], raw)
	return k, nil
}

// KeyFromBytes copies b into a Key. b must be KeySize bytes long.
func KeyFromBytes(b []byte) (Key, error) {
	var k Key
	if len(b) != KeySize {
		return k, apperr.New(apperr.InvalidArgument, "invalid key length %d", len(b))
	}
	copy(k[:], b)
	return k, nil
}

func (k Key) String() string {
	return base64.RawURLEncoding.EncodeToString(k[:])
}

func (k Key) IsZero() bool {
	return k == Key{}
}

func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Key) UnmarshalText(text []byte) error {
	parsed, err := ParseKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Hash identifies a blob in the content store: the SHA-256 of its bytes.
type Hash [sha256.Size]byte

// HashOf computes the content hash of data.
func HashOf(data []byte) Hash {
	return Hash(sha256.Sum256(data))
}

// ParseHash decodes the lowercase hex form produced by Hash.String.
func ParseHash(s string) (Hash, error) {
	var h Hash
	raw, err := hex.DecodeString(s)
	if err != nil {
		return h, apperr.Wrap(apperr.InvalidArgument, err, "invalid hash %q", s)
	}
	if len(raw) != len(h) {
		return h, apperr.New(apperr.InvalidArgument, "invalid hash %q: expected %d bytes", s, len(h))
	}
	copy(h[:], raw)
	return h, nil
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// GroupInfo is the JSON view of a group.
type GroupInfo struct {
	Key  string `json:"key"`
	Name string `json:"name,omitempty"`
	URI  string `json:"uri"`
}

// RepoInfo is the JSON view of a repo.
type RepoInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	CanWrite bool   `json:"can_write"`
	RepoHash string `json:"repo_hash,omitempty"`
}

// FileEntry describes one manifest entry and whether its content is held
// locally.
type FileEntry struct {
	Name         string `json:"name"`
	Hash         string `json:"hash"`
	IsDownloaded bool   `json:"is_downloaded"`
}
