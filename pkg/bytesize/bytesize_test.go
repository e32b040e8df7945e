package bytesize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected Size
		wantErr  bool
	}{
		{"bare number is bytes", "1048576", 1048576, false},
		{"bytes with B", "512B", 512, false},
		{"bytes word", "100 bytes", 100, false},

		{"kilobytes short", "5K", 5 * KB, false},
		{"kilobytes KB", "5KB", 5 * KB, false},
		{"kibibytes", "5KiB", 5 * KB, false},
		{"space before unit", "5 KB", 5 * KB, false},

		{"megabytes", "512MB", 512 * MB, false},
		{"gigabytes", "2GB", 2 * GB, false},
		{"terabytes", "1TiB", 1 * TB, false},

		{"float megabytes", "1.5MB", Size(1.5 * float64(MB)), false},
		{"float gigabytes", "2.5 GiB", Size(2.5 * float64(GB)), false},

		{"lowercase unit", "2gb", 2 * GB, false},
		{"mixed case unit", "2Gb", 2 * GB, false},

		{"empty", "", 0, true},
		{"unit only", "GB", 0, true},
		{"negative", "-5MB", 0, true},
		{"garbage", "lots", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		input    Size
		expected string
	}{
		{0, "0B"},
		{512, "512B"},
		{KB, "1KB"},
		{1536, "1.5KB"},
		{512 * MB, "512MB"},
		{2 * GB, "2GB"},
		{Size(2.5 * float64(GB)), "2.5GB"},
		{3 * TB, "3TB"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, Format(tt.input))
	}
}

func TestParseFormatRoundTrip(t *testing.T) {
	for _, s := range []string{"512MB", "2GB", "1TB", "100KB"} {
		parsed, err := Parse(s)
		require.NoError(t, err)
		assert.Equal(t, s, parsed.String())
	}
}

func TestMustParsePanics(t *testing.T) {
	assert.Panics(t, func() { MustParse("not a size") })
	assert.Equal(t, 512*MB, MustParse("512MB"))
}
