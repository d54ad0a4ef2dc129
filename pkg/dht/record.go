package dht

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"snowbird/pkg/types"
)

// Well-known subkeys.
const (
	SubkeyName     = "name"
	SubkeyManifest = "manifest"
	RepoPrefix     = "repo/"
)

var (
	ErrRecordNotFound   = errors.New("record not found")
	ErrInvalidSignature = errors.New("invalid record signature")
)

// Record is a small signed value published under (Key, Subkey). Newer
// records carry a higher Seq.
type Record struct {
	Key       types.Key
	Subkey    string
	Value     []byte
	Seq       uint64
	Signature []byte
}

// RepoSubkey is the subkey under a group key that announces a repo.
func RepoSubkey(repo types.Key) string {
	return RepoPrefix + repo.String()
}

// RepoFromSubkey reverses RepoSubkey.
func RepoFromSubkey(subkey string) (types.Key, bool) {
	if !strings.HasPrefix(subkey, RepoPrefix) {
		return types.Key{}, false
	}
	k, err := types.ParseKey(strings.TrimPrefix(subkey, RepoPrefix))
	return k, err == nil
}

// SignerOf returns the public key that must sign records at (key, subkey).
// Repo announcements are signed by the announced repo, everything else by
// the owner of key.
func SignerOf(key types.Key, subkey string) ed25519.PublicKey {
	if repo, ok := RepoFromSubkey(subkey); ok {
		return ed25519.PublicKey(repo[:])
	}
	return ed25519.PublicKey(key[:])
}

// Sign builds a record signed with priv.
func Sign(priv ed25519.PrivateKey, key types.Key, subkey string, value []byte, seq uint64) Record {
	rec := Record{Key: key, Subkey: subkey, Value: value, Seq: seq}
	rec.Signature = ed25519.Sign(priv, rec.payload())
	return rec
}

// Verify checks the record's signature against SignerOf.
func (r Record) Verify() error {
	if len(r.Signature) != ed25519.SignatureSize {
		return fmt.Errorf("%w: bad length %d", ErrInvalidSignature, len(r.Signature))
	}
	if !ed25519.Verify(SignerOf(r.Key, r.Subkey), r.payload(), r.Signature) {
		return fmt.Errorf("%w: %s/%s", ErrInvalidSignature, r.Key, r.Subkey)
	}
	return nil
}

func (r Record) payload() []byte {
	buf := make([]byte, 0, len(r.Key)+4+len(r.Subkey)+8+len(r.Value))
	buf = append(buf, r.Key[:]...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(r.Subkey)))
	buf = append(buf, r.Subkey...)
	buf = binary.BigEndian.AppendUint64(buf, r.Seq)
	return append(buf, r.Value...)
}
