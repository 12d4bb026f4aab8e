// Copyright The Telemetry Relay Authors
// SPDX-License-Identifier: Apache-2.0

package submit // import "github.com/telemetryrelay/relay/internal/submit"

// split partitions the task's ordered payload into contiguous chunks no
// smaller than minSize and no larger than target, preserving order. Each
// chunk becomes a fresh task with zero attempts and a new creation time.
// When the task cannot be shrunk without violating minSize, the task itself
// is returned unchanged as the single element.
func (t *Task) split(minSize, target int, nowMillis int64) []*Task {
	n := len(t.Payload)
	if n <= 1 {
		return []*Task{t}
	}
	if minSize < 1 {
		minSize = 1
	}
	if target < minSize {
		target = minSize
	}

	chunks := (n + target - 1) / target
	if chunks < 2 {
		// Splitting must shrink the batch, otherwise throttled tasks would
		// be re-persisted at the same size forever.
		chunks = 2
	}
	if n/chunks < minSize {
		chunks = n / minSize
		if chunks < 2 {
			return []*Task{t}
		}
	}

	out := make([]*Task, 0, chunks)
	base := n / chunks
	extra := n % chunks
	start := 0
	for i := 0; i < chunks; i++ {
		size := base
		if i < extra {
			size++
		}
		part := &Task{
			EntityType:    t.EntityType,
			Handle:        t.Handle,
			Payload:       t.Payload[start : start+size],
			CreatedMillis: nowMillis,
		}
		start += size
		out = append(out, part)
	}
	return out
}
