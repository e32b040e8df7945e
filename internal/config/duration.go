package config

import (
	"encoding/json"
	"time"

	"github.com/jmylchreest/vodarr/pkg/duration"
)

// Duration is a time.Duration accepting human-readable values in config
// files and environment variables: "60s", "90 seconds", "2h", "1d".
//
// It implements encoding.TextUnmarshaler for Viper and json.Unmarshaler
// for JSON configuration files.
type Duration time.Duration

// ParseDuration parses a human-readable duration into a config Duration.
func ParseDuration(s string) (Duration, error) {
	d, err := duration.Parse(s)
	if err != nil {
		return 0, err
	}
	return Duration(d), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// UnmarshalJSON implements json.Unmarshaler. Numbers are taken as
// nanoseconds, matching time.Duration.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var ns int64
		if err := json.Unmarshal(data, &ns); err != nil {
			return err
		}
		*d = Duration(ns)
		return nil
	}
	return d.UnmarshalText([]byte(s))
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String returns the compact human-readable form.
func (d Duration) String() string {
	return duration.Format(time.Duration(d))
}
