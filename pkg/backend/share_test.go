package backend

import (
	"testing"

	"snowbird/pkg/apperr"
	"snowbird/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShareURLRoundTrip(t *testing.T) {
	var key types.Key
	key[5] = 42

	link := ShareLink{Key: key, Name: "family photos", Peers: []string{"10.0.0.1:7070", "[::1]:7070"}}
	raw := FormatShareURL(link)
	assert.Contains(t, raw, "snowbird://group/"+key.String())

	parsed, err := ParseShareURL(raw)
	require.NoError(t, err)
	assert.Equal(t, link, parsed)
	assert.Equal(t, key.String()+" (2 peers)", parsed.String())
}

func TestParseShareURLRejects(t *testing.T) {
	var key types.Key
	tests := []struct {
		name string
		url  string
	}{
		{"wrong scheme", "https://group/" + key.String()},
		{"wrong host", "snowbird://repo/" + key.String()},
		{"short key", "snowbird://group/AAAA"},
		{"bad peer", "snowbird://group/" + key.String() + "?peer=nohost"},
		{"garbage", "::::"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseShareURL(tt.url)
			require.Error(t, err)
			assert.Equal(t, apperr.InvalidArgument, apperr.KindOf(err))
		})
	}
}
