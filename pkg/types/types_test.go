package types

import (
	"encoding/json"
	"strings"
	"testing"

	"snowbird/pkg/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKey(t *testing.T) {
	var k Key
	for i := range k {
		k[i] = byte(i)
	}
	encoded := k.String()
	assert.NotContains(t, encoded, "=")

	// The last character carries two bits of the final byte; setting any of
	// its four unused bits spells the same bytes differently.
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"
	last := strings.IndexByte(alphabet, encoded[len(encoded)-1])
	require.GreaterOrEqual(t, last, 0)
	nonCanonical := encoded[:len(encoded)-1] + string(alphabet[last|1])

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"unpadded", encoded, false},
		{"padded", encoded + "=", false},
		{"empty", "", true},
		{"short", "AAAA", true},
		{"not base64", strings.Repeat("!", 43), true},
		{"too long", encoded + "AAAA", true},
		{"non-zero trailing bits", nonCanonical, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseKey(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, apperr.InvalidArgument, apperr.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, k, got)
		})
	}
}

func TestKeyJSON(t *testing.T) {
	var k Key
	k[0], k[31] = 0xfb, 0xff

	data, err := json.Marshal(map[string]Key{"k": k})
	require.NoError(t, err)

	var out map[string]Key
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, k, out["k"])
	assert.False(t, k.IsZero())
	assert.True(t, Key{}.IsZero())
}

func TestHash(t *testing.T) {
	h := HashOf([]byte("hello"))
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", h.String())

	parsed, err := ParseHash(h.String())
	require.NoError(t, err)
	assert.Equal(t, h, parsed)

	_, err = ParseHash("abcd")
	assert.True(t, apperr.Is(err, apperr.InvalidArgument))
}

func TestRepoReportSubset(t *testing.T) {
	var id Key
	r := NewRepoReport(id, "photos", false)
	r.AllFiles = []string{"a.jpg", "b.jpg"}

	r.MarkRefreshed("a.jpg")
	r.MarkRefreshed("unknown.jpg")

	assert.Equal(t, []string{"a.jpg"}, r.RefreshedFiles)
	assert.False(t, r.Failed())

	r.Annotate("first")
	r.Annotate("second")
	assert.Equal(t, "first; second", r.Error)
	assert.True(t, r.Failed())
}

func TestEmptyReportJSON(t *testing.T) {
	data, err := json.Marshal(NewReconciliationReport(nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"success","repos":[]}`, string(data))
}
