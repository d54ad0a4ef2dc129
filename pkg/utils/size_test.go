package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDataSize(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
		wantErr  bool
	}{
		{"0", 0, false},
		{"1024", 1024, false},
		{"100B", 100, false},
		{"1KB", 1000, false},
		{"1K", 1024, false},
		{"1.5KiB", 1536, false},
		{"64MiB", 64 * MiB, false},
		{"64 mib", 64 * MiB, false},
		{"1MB", 1000000, false},
		{"2G", 2 * GiB, false},
		{"", 0, true},
		{"-5", 0, true},
		{"12XB", 0, true},
		{"MB", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseDataSize(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestFormatDataSize(t *testing.T) {
	assert.Equal(t, "512 B", FormatDataSize(512))
	assert.Equal(t, "1 KiB", FormatDataSize(1024))
	assert.Equal(t, "1.5 MiB", FormatDataSize(MiB+MiB/2))
	assert.Equal(t, "64 MiB", FormatDataSize(64*MiB))
	assert.Equal(t, "invalid", FormatDataSize(-1))
}
