package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/docker/go-units"
	"github.com/pkg/errors"
)

// Duration is a time.Duration written as a string like "10s" in TOML.
type Duration struct {
	time.Duration
}

func NewDuration(d time.Duration) Duration {
	return Duration{Duration: d}
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return errors.WithStack(err)
}

// ByteSize is a size in bytes written as a human readable string like "64MiB" in TOML. Plain numbers are bytes.
type ByteSize uint64

func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(units.BytesSize(float64(b))), nil
}

func (b *ByteSize) UnmarshalText(text []byte) error {
	if v, err := strconv.ParseUint(string(text), 10, 64); err == nil {
		*b = ByteSize(v)
		return nil
	}

	v, err := units.RAMInBytes(string(text))
	if err != nil {
		return errors.WithStack(err)
	}
	if v < 0 {
		return fmt.Errorf("negative size %q", text)
	}
	*b = ByteSize(v)
	return nil
}
