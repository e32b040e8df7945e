package format

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBytes(t *testing.T) {
	tests := []struct {
		input    int64
		expected string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1536, "1.5 KB"},
		{5 * 1024 * 1024, "5.0 MB"},
		{3 * 1024 * 1024 * 1024, "3.0 GB"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, Bytes(tt.input))
	}
}

func TestNumber(t *testing.T) {
	assert.Equal(t, "1,234,567", Number(1234567))
	assert.Equal(t, "42", Number(42))
}

func TestPercent(t *testing.T) {
	assert.Equal(t, "45.6%", Percent(0.456, 1))
	assert.Equal(t, "100%", Percent(1.0, 0))
	assert.Equal(t, "0.0%", Percent(0, 1))
}

func TestSeconds(t *testing.T) {
	assert.Equal(t, "1m31s", Seconds(90500*time.Millisecond))
	assert.Equal(t, "2s", Seconds(2200*time.Millisecond))
}

func TestRelativeTime(t *testing.T) {
	assert.Equal(t, "just now", RelativeTime(time.Now().Add(-10*time.Second)))
	assert.Equal(t, "5m ago", RelativeTime(time.Now().Add(-5*time.Minute)))
	assert.Equal(t, "3h ago", RelativeTime(time.Now().Add(-3*time.Hour)))
	assert.Equal(t, "2d ago", RelativeTime(time.Now().Add(-49*time.Hour)))
	assert.Equal(t, "soon", RelativeTime(time.Now().Add(time.Hour)))
}
