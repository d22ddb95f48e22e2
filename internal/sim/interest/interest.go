// Package interest decides which cells fall inside a client's interest region.
//
// The test is an axis-aligned overlap of a cell's computed bounds with the
// region; rotation is ignored, so cell geometry must fit inside its
// axis-aligned envelope.
package interest

import "cellworld.ai/internal/sim/geom"

// IsVisible reports whether bounds and region overlap. Touching faces count.
func IsVisible(bounds, region geom.AABB) bool {
	return bounds.Intersects(region)
}

// Policy adds hysteresis at the region boundary. A cell becomes visible as
// soon as it overlaps the region, but stops being visible only after it has
// been outside the region grown by Margin for UnloadDwell consecutive
// revalidations.
type Policy struct {
	Margin      float64
	UnloadDwell int
}

// Exact is the policy without hysteresis.
var Exact = Policy{}

func DefaultPolicy() Policy { return Policy{Margin: 1, UnloadDwell: 2} }

// Decision is the outcome of one membership test.
type Decision int

const (
	Hidden Decision = iota
	Visible
	// Retain keeps a loaded cell that is outside the region but inside the
	// margin band, or still within its dwell window.
	Retain
)

// Decide evaluates one cell. loaded tells whether the client currently has the
// cell, outside is the number of consecutive revalidations it has already
// spent beyond the margin. It returns the decision and the updated counter.
func (p Policy) Decide(bounds, region geom.AABB, loaded bool, outside int) (Decision, int) {
	if IsVisible(bounds, region) {
		return Visible, 0
	}
	if !loaded {
		return Hidden, 0
	}
	if p.Margin > 0 && IsVisible(bounds, region.Expand(p.Margin)) {
		return Retain, 0
	}
	outside++
	if outside <= p.UnloadDwell {
		return Retain, outside
	}
	return Hidden, 0
}
