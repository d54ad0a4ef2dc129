package storage

import (
	"fmt"
	"sort"

	"snowbird/pkg/types"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const manifestVersion = 1

// Manifest maps file names to content hashes. It is immutable: With and
// Without return modified copies, so a stored manifest never changes under
// its hash.
type Manifest struct {
	files map[string]types.Hash
}

func NewManifest() *Manifest {
	return &Manifest{files: make(map[string]types.Hash)}
}

// DecodeManifest parses the protobuf form written by Encode.
func DecodeManifest(data []byte) (*Manifest, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}

	if v := st.Fields["version"].GetNumberValue(); v != manifestVersion {
		return nil, fmt.Errorf("unsupported manifest version %v", v)
	}

	m := NewManifest()
	for name, value := range st.Fields["files"].GetStructValue().GetFields() {
		h, err := types.ParseHash(value.GetStringValue())
		if err != nil {
			return nil, fmt.Errorf("invalid hash for %q: %w", name, err)
		}
		m.files[name] = h
	}
	return m, nil
}

// Encode produces a deterministic encoding, so equal manifests share a hash.
func (m *Manifest) Encode() ([]byte, error) {
	files := make(map[string]interface{}, len(m.files))
	for name, h := range m.files {
		files[name] = h.String()
	}

	st, err := structpb.NewStruct(map[string]interface{}{
		"version": manifestVersion,
		"files":   files,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build manifest: %w", err)
	}

	data, err := proto.MarshalOptions{Deterministic: true}.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	return data, nil
}

func (m *Manifest) Lookup(name string) (types.Hash, bool) {
	h, ok := m.files[name]
	return h, ok
}

// Names returns the file names in sorted order.
func (m *Manifest) Names() []string {
	names := make([]string, 0, len(m.files))
	for name := range m.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manifest) Len() int {
	return len(m.files)
}

// With returns a copy of m with name pointing at h.
func (m *Manifest) With(name string, h types.Hash) *Manifest {
	next := m.clone()
	next.files[name] = h
	return next
}

// Without returns a copy of m lacking name, and whether name was present.
func (m *Manifest) Without(name string) (*Manifest, bool) {
	if _, ok := m.files[name]; !ok {
		return m, false
	}
	next := m.clone()
	delete(next.files, name)
	return next, true
}

func (m *Manifest) clone() *Manifest {
	next := &Manifest{files: make(map[string]types.Hash, len(m.files)+1)}
	for k, v := range m.files {
		next.files[k] = v
	}
	return next
}
