package telemetry

import (
	"time"

	"github.com/sosodev/duration"
)

// Duration is an event duration serialized as ISO 8601 (e.g. "PT5M").
type Duration time.Duration

func (d Duration) String() string {
	return duration.Format(time.Duration(d))
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	parsed, err := duration.Parse(string(b))
	if err != nil {
		return err
	}
	*d = Duration(parsed.ToTimeDuration())
	return nil
}

// ParseDuration reads an ISO 8601 duration as stored by the resolution process.
func ParseDuration(s string) (*Duration, error) {
	var d Duration
	if err := d.UnmarshalText([]byte(s)); err != nil {
		return nil, err
	}
	return &d, nil
}
