package config

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected time.Duration
		wantErr  bool
	}{
		// Standard Go format
		{"hours", "4h", 4 * time.Hour, false},
		{"minutes", "30m", 30 * time.Minute, false},
		{"seconds", "45s", 45 * time.Second, false},
		{"combined standard", "1h30m", 90 * time.Minute, false},

		// Extended format with days
		{"days", "30d", 30 * 24 * time.Hour, false},
		{"days and hours", "1d12h", 36 * time.Hour, false},

		// Word units
		{"word seconds", "90 seconds", 90 * time.Second, false},
		{"word minutes", "5 minutes", 5 * time.Minute, false},

		// Zero
		{"zero", "0s", 0, false},

		// Errors
		{"invalid", "invalid", 0, true},
		{"empty", "", 0, true},
		{"bare number", "90", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := ParseDuration(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, d.Std())
		})
	}
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	err := d.UnmarshalText([]byte("60s"))
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d.Std())
}

func TestDuration_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name     string
		json     string
		expected time.Duration
	}{
		{"string format", `"5s"`, 5 * time.Second},
		{"string with days", `"2d"`, 48 * time.Hour},
		{"word units", `"90 seconds"`, 90 * time.Second},
		{"nanoseconds int", `5000000000`, 5 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Duration
			err := json.Unmarshal([]byte(tt.json), &d)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, d.Std())
		})
	}
}

func TestDuration_UnmarshalJSON_Invalid(t *testing.T) {
	var d Duration
	err := json.Unmarshal([]byte(`"soon"`), &d)
	assert.Error(t, err)
}

func TestDuration_MarshalJSON(t *testing.T) {
	d := Duration(36 * time.Hour)
	data, err := json.Marshal(d)
	require.NoError(t, err)
	assert.Equal(t, `"1d12h"`, string(data))
}

func TestDuration_String(t *testing.T) {
	tests := []struct {
		name     string
		duration Duration
		expected string
	}{
		{"days", Duration(3 * 24 * time.Hour), "3d"},
		{"days and hours", Duration(36 * time.Hour), "1d12h"},
		{"hours only", Duration(12 * time.Hour), "12h"},
		{"seconds", Duration(90 * time.Second), "1m30s"},
		{"zero", Duration(0), "0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.duration.String())
		})
	}
}
