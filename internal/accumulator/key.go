// Copyright The Telemetry Relay Authors
// SPDX-License-Identifier: Apache-2.0

package accumulator // import "github.com/telemetryrelay/relay/internal/accumulator"

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/telemetryrelay/relay/internal/entity"
)

// Granularity is the time window histogram samples are bucketed into.
type Granularity int

const (
	// Minute, Hour and Day truncate sample timestamps to the window start.
	Minute Granularity = iota
	Hour
	Day
	// Distribution uses a single open-ended bucket: digests are flushed
	// whenever the dispatcher runs, with no time truncation.
	Distribution
)

func (g Granularity) String() string {
	switch g {
	case Minute:
		return "minute"
	case Hour:
		return "hour"
	case Day:
		return "day"
	case Distribution:
		return "distribution"
	}
	return fmt.Sprintf("Granularity(%d)", int(g))
}

// ParseGranularity maps a config string to a Granularity.
func ParseGranularity(s string) (Granularity, error) {
	switch s {
	case "minute":
		return Minute, nil
	case "hour":
		return Hour, nil
	case "day":
		return Day, nil
	case "distribution", "dist":
		return Distribution, nil
	}
	return Minute, fmt.Errorf("unknown histogram granularity %q", s)
}

// Duration returns the bucket width; zero for Distribution.
func (g Granularity) Duration() time.Duration {
	switch g {
	case Minute:
		return time.Minute
	case Hour:
		return time.Hour
	case Day:
		return 24 * time.Hour
	}
	return 0
}

// Truncate aligns an epoch-millis timestamp to the bucket start. For
// Distribution every timestamp maps to the single global bucket.
func (g Granularity) Truncate(ms int64) int64 {
	d := g.Duration().Milliseconds()
	if d == 0 {
		return 0
	}
	return ms - ms%d
}

// Key identifies one digest in the store: the metric series plus the bucket
// its samples fall into. Tags must be in canonical order before encoding so
// equal series encode to equal bytes.
type Key struct {
	Metric      string       `cbor:"1,keyasint"`
	Source      string       `cbor:"2,keyasint"`
	Tags        []entity.Tag `cbor:"3,keyasint,omitempty"`
	BucketStart int64        `cbor:"4,keyasint"`
}

// KeyFor computes the histogram key for a point under this granularity.
func KeyFor(p *entity.ReportPoint, g Granularity) Key {
	tags := make([]entity.Tag, len(p.Tags))
	copy(tags, p.Tags)
	entity.SortTags(tags)
	return Key{
		Metric:      p.Metric,
		Source:      p.Source,
		Tags:        tags,
		BucketStart: g.Truncate(p.Timestamp),
	}
}

// Encode serializes the key for use as a store key.
func (k Key) Encode() ([]byte, error) {
	return cbor.Marshal(k)
}

// DecodeKey is the inverse of Encode.
func DecodeKey(data []byte) (Key, error) {
	var k Key
	err := cbor.Unmarshal(data, &k)
	return k, err
}
