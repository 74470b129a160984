package trail

import "sync"

// PointTrail is an in-memory Trail. Renderers read snapshots of it from other
// goroutines, so it carries its own lock.
type PointTrail struct {
	mu     sync.RWMutex
	points []Fix
	ops    int
}

// NewPointTrail returns an empty PointTrail.
func NewPointTrail() *PointTrail { return &PointTrail{} }

// InsertAt inserts f before vertex i. Out-of-range indices are clamped.
func (p *PointTrail) InsertAt(i int, f Fix) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i = clamp(i, 0, len(p.points))
	p.points = append(p.points, Fix{})
	copy(p.points[i+1:], p.points[i:])
	p.points[i] = f.Clone()
	p.ops++
}

// RemoveAt removes vertex i. Out-of-range indices are ignored.
func (p *PointTrail) RemoveAt(i int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.points) {
		return
	}
	p.points = append(p.points[:i], p.points[i+1:]...)
	p.ops++
}

// SetAt replaces vertex i. Out-of-range indices are ignored.
func (p *PointTrail) SetAt(i int, f Fix) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.points) {
		return
	}
	p.points[i] = f.Clone()
	p.ops++
}

// Clear removes every vertex.
func (p *PointTrail) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.points = nil
	p.ops++
}

// Len returns the number of vertices.
func (p *PointTrail) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.points)
}

// Points returns a copy of the vertices.
func (p *PointTrail) Points() []Fix {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return cloneFixes(p.points)
}

// Ops returns the number of mutations applied so far.
func (p *PointTrail) Ops() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ops
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
