// Copyright The Telemetry Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package sketch implements a mergeable quantile sketch (a t-digest variant)
// and a disk-backed store of sketches keyed by serialized histogram keys.
package sketch // import "github.com/telemetryrelay/relay/internal/sketch"

import (
	"errors"
	"math"
	"sort"

	"github.com/fxamacker/cbor/v2"
)

const (
	// DefaultCompression bounds the centroid count of a digest. Higher values
	// trade memory for quantile accuracy.
	DefaultCompression = 32.0

	// bufferFactor controls how many unmerged samples accumulate before an
	// automatic compression pass.
	bufferFactor = 5
)

// Centroid is a (mean, weight) summary of a cluster of samples.
type Centroid struct {
	Mean   float64
	Weight float64
}

// Digest is a bounded-size mergeable summary of a numeric distribution.
// Merges are additive: merging the same input twice doubles its weight.
// Not safe for concurrent use; the Store serializes access per key.
type Digest struct {
	compression float64
	merged      []Centroid
	unmerged    []Centroid
	count       float64
}

// NewDigest creates an empty digest with the given compression factor.
func NewDigest(compression float64) *Digest {
	if compression <= 0 {
		compression = DefaultCompression
	}
	return &Digest{compression: compression}
}

// Add folds a single sample with the given weight into the digest.
func (d *Digest) Add(value float64, weight int) {
	if weight <= 0 {
		return
	}
	d.unmerged = append(d.unmerged, Centroid{Mean: value, Weight: float64(weight)})
	d.count += float64(weight)
	if len(d.unmerged) >= int(d.compression)*bufferFactor {
		d.compress()
	}
}

// Merge folds another digest into this one. The argument is not modified.
func (d *Digest) Merge(other *Digest) {
	if other == nil {
		return
	}
	for _, c := range other.merged {
		d.unmerged = append(d.unmerged, c)
		d.count += c.Weight
	}
	for _, c := range other.unmerged {
		d.unmerged = append(d.unmerged, c)
		d.count += c.Weight
	}
	if len(d.unmerged) >= int(d.compression)*bufferFactor {
		d.compress()
	}
}

// Count returns the total sample weight folded into the digest.
func (d *Digest) Count() int {
	return int(math.Round(d.count))
}

// Centroids returns the compressed centroid list in ascending mean order.
func (d *Digest) Centroids() []Centroid {
	d.compress()
	out := make([]Centroid, len(d.merged))
	copy(out, d.merged)
	return out
}

// Quantile estimates the value at quantile q in [0, 1].
func (d *Digest) Quantile(q float64) float64 {
	d.compress()
	if len(d.merged) == 0 {
		return math.NaN()
	}
	if q <= 0 {
		return d.merged[0].Mean
	}
	if q >= 1 {
		return d.merged[len(d.merged)-1].Mean
	}
	target := q * d.count
	cum := 0.0
	for i, c := range d.merged {
		if cum+c.Weight >= target {
			// Interpolate within the centroid against its neighbors.
			if i == 0 || i == len(d.merged)-1 {
				return c.Mean
			}
			prev := d.merged[i-1]
			frac := (target - cum) / c.Weight
			return prev.Mean + (c.Mean-prev.Mean)*frac
		}
		cum += c.Weight
	}
	return d.merged[len(d.merged)-1].Mean
}

// scale is the k1 scale function. Each cluster may span at most one unit of
// k, which keeps clusters near the tails small while letting the middle grow
// and bounds the cluster count by the compression factor.
func (d *Digest) scale(q float64) float64 {
	q = math.Min(math.Max(q, 0), 1)
	return d.compression / (2 * math.Pi) * math.Asin(2*q-1)
}

func (d *Digest) invScale(k float64) float64 {
	if bound := d.compression / 4; k >= bound {
		return 1
	} else if k <= -bound {
		return 0
	}
	return (math.Sin(2*math.Pi*k/d.compression) + 1) / 2
}

// compress merges buffered samples into the centroid list, keeping the list
// within the size bound implied by the compression factor.
func (d *Digest) compress() {
	if len(d.unmerged) == 0 {
		return
	}
	all := append(d.merged, d.unmerged...)
	sort.Slice(all, func(i, j int) bool { return all[i].Mean < all[j].Mean })
	d.unmerged = d.unmerged[:0]

	if len(all) <= 2 {
		d.merged = append([]Centroid(nil), all...)
		return
	}

	total := 0.0
	for _, c := range all {
		total += c.Weight
	}

	// The extreme centroids are kept as-is so the q=0 and q=1 quantiles
	// stay exact.
	lo, hi := all[0], all[len(all)-1]
	merged := make([]Centroid, 0, int(d.compression))
	merged = append(merged, lo)
	cum := lo.Weight
	qLimit := d.invScale(d.scale(cum/total) + 1)
	cur := all[1]
	for _, c := range all[2 : len(all)-1] {
		if (cum+cur.Weight+c.Weight)/total <= qLimit {
			w := cur.Weight + c.Weight
			cur.Mean = (cur.Mean*cur.Weight + c.Mean*c.Weight) / w
			cur.Weight = w
			continue
		}
		cum += cur.Weight
		merged = append(merged, cur)
		qLimit = d.invScale(d.scale(cum/total) + 1)
		cur = c
	}
	d.merged = append(merged, cur, hi)
}

type digestWire struct {
	Compression float64    `cbor:"1,keyasint"`
	Centroids   []Centroid `cbor:"2,keyasint"`
}

// MarshalBinary encodes the digest for the persisted store.
func (d *Digest) MarshalBinary() ([]byte, error) {
	d.compress()
	return cbor.Marshal(digestWire{
		Compression: d.compression,
		Centroids:   d.merged,
	})
}

// UnmarshalBinary restores a digest produced by MarshalBinary.
func (d *Digest) UnmarshalBinary(data []byte) error {
	var w digestWire
	if err := cbor.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Compression <= 0 {
		return errors.New("digest with non-positive compression")
	}
	d.compression = w.Compression
	d.merged = w.Centroids
	d.unmerged = nil
	d.count = 0
	for _, c := range w.Centroids {
		d.count += c.Weight
	}
	return nil
}
