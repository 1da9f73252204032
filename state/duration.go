package state

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration is a time.Duration that reads from YAML as integer milliseconds,
// matching the unit used by the topology files.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func Millis(ms uint64) Duration {
	return Duration(time.Duration(ms) * time.Millisecond)
}

func (d Duration) MarshalYAML() ([]byte, error) {
	return []byte(strconv.FormatInt(time.Duration(d).Milliseconds(), 10)), nil
}

func (d *Duration) UnmarshalYAML(b []byte) error {
	ms, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return fmt.Errorf("duration must be integer milliseconds: %w", err)
	}
	*d = Millis(ms)
	return nil
}
