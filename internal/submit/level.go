// Copyright The Telemetry Relay Authors
// SPDX-License-Identifier: Apache-2.0

package submit // import "github.com/telemetryrelay/relay/internal/submit"

import (
	"fmt"
	"strings"
)

// QueueLevel controls how eagerly delivery failures are converted into
// durable backlog persistence instead of transient in-memory retry.
type QueueLevel int

const (
	// LevelNever disables persistence entirely; every failure is retried in
	// memory.
	LevelNever QueueLevel = iota
	// LevelPushback persists on explicit backend pushback (throttling).
	LevelPushback
	// LevelAnyError persists on any delivery error.
	LevelAnyError
	// LevelAlways persists every batch before the first attempt.
	LevelAlways
)

// AtLeast reports whether the level is at or above the threshold.
func (l QueueLevel) AtLeast(threshold QueueLevel) bool {
	return l >= threshold
}

func (l QueueLevel) String() string {
	switch l {
	case LevelNever:
		return "never"
	case LevelPushback:
		return "pushback"
	case LevelAnyError:
		return "anyError"
	case LevelAlways:
		return "always"
	}
	return fmt.Sprintf("QueueLevel(%d)", int(l))
}

// ParseQueueLevel maps a config string to a QueueLevel. Matching is
// case-insensitive so both the documented NEVER/PUSHBACK/ANY_ERROR/ALWAYS
// spellings and their lowercase forms parse.
func ParseQueueLevel(s string) (QueueLevel, error) {
	switch strings.ToLower(s) {
	case "never", "none":
		return LevelNever, nil
	case "pushback", "":
		return LevelPushback, nil
	case "anyerror", "any_error":
		return LevelAnyError, nil
	case "always":
		return LevelAlways, nil
	}
	return LevelPushback, fmt.Errorf("unknown task queue level %q", s)
}
