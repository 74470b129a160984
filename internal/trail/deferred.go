package trail

// Deferred holds a value that is either consistent or waiting on one or more
// repairs. Every accessor that needs a consistent value calls Get, which runs
// the outstanding repairs in registration order before returning.
type Deferred[T any] struct {
	value   T
	pending []*Repair[T]
}

// Repair is a registered fix-up for a Deferred value. It runs at most once,
// either when its timer fires or when the value is next read.
type Repair[T any] struct {
	fn   func(*T)
	done bool
}

// Consistent returns a Deferred holding v with no pending repairs.
func Consistent[T any](v T) Deferred[T] {
	return Deferred[T]{value: v}
}

// Defer registers fn to run against the value before it is next read.
func (d *Deferred[T]) Defer(fn func(*T)) *Repair[T] {
	r := &Repair[T]{fn: fn}
	d.pending = append(d.pending, r)
	return r
}

// Pending reports whether any repair is outstanding.
func (d *Deferred[T]) Pending() bool {
	return len(d.pending) > 0
}

// Get settles all outstanding repairs and returns the consistent value.
func (d *Deferred[T]) Get() *T {
	for len(d.pending) > 0 {
		r := d.pending[0]
		d.pending = d.pending[1:]
		d.apply(r)
	}
	d.pending = nil
	return &d.value
}

// Peek returns the value without settling. Only repairs and code that must
// not trigger repairs use it.
func (d *Deferred[T]) Peek() *T {
	return &d.value
}

// RunThrough settles the outstanding repairs up to and including r. Earlier
// repairs run first so repairs always apply in the order they were issued.
// It is a no-op if r already ran.
func (d *Deferred[T]) RunThrough(r *Repair[T]) {
	if r.done {
		return
	}
	for len(d.pending) > 0 {
		next := d.pending[0]
		d.pending = d.pending[1:]
		d.apply(next)
		if next == r {
			break
		}
	}
	if len(d.pending) == 0 {
		d.pending = nil
	}
}

// Reset replaces the value and discards outstanding repairs without running
// them.
func (d *Deferred[T]) Reset(v T) {
	for _, r := range d.pending {
		r.done = true
	}
	d.pending = nil
	d.value = v
}

func (d *Deferred[T]) apply(r *Repair[T]) {
	if r.done {
		return
	}
	r.done = true
	r.fn(&d.value)
}
