// Package trail caches per-entity position histories, plans the fetches that
// keep them current, merges fetched batches incrementally and maintains the
// sub-range of each history that is materialised as an on-screen trail.
package trail

import (
	"sort"
	"time"
)

// Resolution is the smallest time step the planner uses when skipping fixes
// already held in the cache.
const Resolution = time.Millisecond

// Unset marks a window or aggregate index that has no value.
const Unset = -1

// EntityID identifies a tracked entity (a competitor, vehicle or boat).
type EntityID string

// Coordinate is a WGS84 position in degrees.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Velocity is speed over ground in metres per second and bearing in degrees.
type Velocity struct {
	Speed   float64 `json:"speed"`
	Bearing float64 `json:"bearing"`
}

// Fix is a single timestamped observation of an entity.
type Fix struct {
	Timestamp   time.Time  `json:"timestamp"`
	Position    Coordinate `json:"position"`
	Velocity    *Velocity  `json:"velocity,omitempty"`
	DetailValue *float64   `json:"detail_value,omitempty"`
	// Speculative marks a fix obtained by extrapolation rather than measurement.
	Speculative bool `json:"speculative,omitempty"`
}

// Clone returns a deep copy of f.
func (f Fix) Clone() Fix {
	c := f
	if f.Velocity != nil {
		v := *f.Velocity
		c.Velocity = &v
	}
	if f.DetailValue != nil {
		d := *f.DetailValue
		c.DetailValue = &d
	}
	return c
}

// Detail returns the detail value and whether it is present.
func (f Fix) Detail() (float64, bool) {
	if f.DetailValue == nil {
		return 0, false
	}
	return *f.DetailValue, true
}

// Float returns a pointer to v, for populating optional fix fields.
func Float(v float64) *float64 { return &v }

// cloneFixes deep-copies a fix slice.
func cloneFixes(fixes []Fix) []Fix {
	if fixes == nil {
		return nil
	}
	out := make([]Fix, len(fixes))
	for i, f := range fixes {
		out[i] = f.Clone()
	}
	return out
}

// searchFix returns the index of the fix with timestamp ts, or the index at
// which it would be inserted, and whether an exact match was found.
func searchFix(fixes []Fix, ts time.Time) (int, bool) {
	i := sort.Search(len(fixes), func(i int) bool {
		return !fixes[i].Timestamp.Before(ts)
	})
	return i, i < len(fixes) && fixes[i].Timestamp.Equal(ts)
}

// firstConfirmed returns the timestamp of the first non-speculative fix.
func firstConfirmed(fixes []Fix) (time.Time, bool) {
	for _, f := range fixes {
		if !f.Speculative {
			return f.Timestamp, true
		}
	}
	return time.Time{}, false
}

// lastConfirmed returns the timestamp of the last non-speculative fix.
func lastConfirmed(fixes []Fix) (time.Time, bool) {
	for i := len(fixes) - 1; i >= 0; i-- {
		if !fixes[i].Speculative {
			return fixes[i].Timestamp, true
		}
	}
	return time.Time{}, false
}
