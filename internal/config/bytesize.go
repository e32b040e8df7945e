package config

import (
	"encoding/json"

	"github.com/jmylchreest/vodarr/pkg/bytesize"
)

// ByteSize is a byte count accepting human-readable values in config
// files and environment variables: "512MB", "2GiB", "1048576".
type ByteSize int64

// ParseByteSize parses a human-readable size into a config ByteSize.
func ParseByteSize(s string) (ByteSize, error) {
	n, err := bytesize.Parse(s)
	if err != nil {
		return 0, err
	}
	return ByteSize(n), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *ByteSize) UnmarshalText(text []byte) error {
	parsed, err := ParseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// UnmarshalJSON implements json.Unmarshaler. Numbers are taken as bytes.
func (b *ByteSize) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n int64
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		*b = ByteSize(n)
		return nil
	}
	return b.UnmarshalText([]byte(s))
}

// MarshalJSON implements json.Marshaler.
func (b ByteSize) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.String())
}

// MarshalText implements encoding.TextMarshaler.
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// Bytes returns the size as a plain int64 byte count.
func (b ByteSize) Bytes() int64 {
	return int64(b)
}

// String returns the compact human-readable form.
func (b ByteSize) String() string {
	return bytesize.Size(b).String()
}
