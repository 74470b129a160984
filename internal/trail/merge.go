package trail

import (
	"time"
)

// MergeResult summarises the effect of one Merge call.
type MergeResult struct {
	Replaced  bool `json:"replaced"`
	Inserted  int  `json:"inserted"`
	Updated   int  `json:"updated"`
	Retracted int  `json:"retracted"`
	Ignored   int  `json:"ignored"`
}

// Applied reports whether the merge changed anything.
func (r MergeResult) Applied() bool {
	return r.Replaced || r.Inserted+r.Updated+r.Retracted > 0
}

type trailOpKind int

const (
	opInsert trailOpKind = iota
	opRemove
	opSet
)

type trailOp struct {
	kind trailOpKind
	at   int
	fix  Fix
}

func (op trailOp) apply(t Trail) {
	switch op.kind {
	case opInsert:
		t.InsertAt(op.at, op.fix)
	case opRemove:
		t.RemoveAt(op.at)
	case opSet:
		t.SetAt(op.at, op.fix)
	}
}

// Merge folds a fetched batch into the entity's track.
//
// A replace merge (incremental false) swaps the track for the batch at once
// but only registers the trail reset as a deferred repair, so the window and
// trail are cleared on their next read. An incremental merge inserts, updates
// or retracts fixes one at a time, shifting the window and aggregate indices
// as it goes.
//
// Trail removals are delayed by deferMillis/2 to let the renderer animate;
// any trail operation issued after the first removal in the batch is delayed
// with it so operations always reach the trail in order. deferMillis == -1
// applies everything synchronously. An empty batch is ignored.
func (s *Store) Merge(entity EntityID, fixes []Fix, incremental bool, deferMillis int) MergeResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.attachLocked(entity)
	return s.mergeLocked(entity, st, fixes, incremental, deferMillis)
}

// MergeRange merges a batch fetched for r. It is a no-op when the entity was
// detached or re-attached after the range was planned.
func (s *Store) MergeRange(r FetchRange, fixes []Fix, deferMillis int) (MergeResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.entities[r.Entity]
	if !ok || st.generation != r.Generation {
		return MergeResult{}, false
	}
	return s.mergeLocked(r.Entity, st, fixes, r.Incremental, deferMillis), true
}

func (s *Store) mergeLocked(entity EntityID, st *entityState, fixes []Fix, incremental bool, deferMillis int) MergeResult {
	if len(fixes) == 0 {
		return MergeResult{}
	}
	if !incremental {
		return s.replaceLocked(entity, st, fixes)
	}

	v := st.view.Get()
	first, last := v.window.First, v.window.Last
	shown := func(i int) bool {
		return v.trail != nil && first != Unset && i >= first && i <= last
	}

	var (
		res      MergeResult
		ops      []trailOp
		earliest = Unset
	)
	lower := func(i int) {
		if earliest == Unset || i < earliest {
			earliest = i
		}
	}
	removeAt := func(i int) {
		if shown(i) {
			ops = append(ops, trailOp{kind: opRemove, at: i - first})
		}
		st.fixes = append(st.fixes[:i], st.fixes[i+1:]...)
		if i < first {
			first--
		}
		if i <= last {
			last--
		}
		st.agg.removed(i)
		lower(i)
		res.Retracted++
	}

	for _, f := range fixes {
		f = f.Clone()
		idx, found := searchFix(st.fixes, f.Timestamp)
		lower(idx)
		switch {
		case found && (!f.Speculative || idx == len(st.fixes)-1):
			st.fixes[idx] = f
			if shown(idx) {
				ops = append(ops, trailOp{kind: opSet, at: idx - first, fix: f})
			}
			st.agg.replaced(idx)
			res.Updated++
		case found:
			// A speculative fix never precedes confirmed data; the fix it
			// collides with is retracted instead.
			removeAt(idx)
		case !f.Speculative || idx == len(st.fixes):
			st.fixes = append(st.fixes, Fix{})
			copy(st.fixes[idx+1:], st.fixes[idx:])
			st.fixes[idx] = f
			if shown(idx) {
				ops = append(ops, trailOp{kind: opInsert, at: idx - first, fix: f})
			}
			if idx < first {
				first++
			}
			if idx <= last {
				last++
			}
			st.agg.inserted(idx)
			res.Inserted++
			if idx > 0 && st.fixes[idx-1].Speculative {
				removeAt(idx - 1)
			}
		default:
			res.Ignored++
		}
	}

	if first == Unset || last == Unset || last < first {
		v.window = UnsetWindow()
	} else {
		v.window = RenderWindow{First: first, Last: last}
	}
	st.agg.lowerWatermark(earliest - 1)
	s.applyTrailOps(entity, st, ops, deferMillis)
	s.publish(Event{Kind: EventMerged, Entity: entity, Detail: mergeDetail(res)})
	return res
}

// replaceLocked swaps the track wholesale. The batch is normalised through
// the incremental path against an empty track so the ordering and single
// speculative fix invariants hold even for malformed input.
func (s *Store) replaceLocked(entity EntityID, st *entityState, fixes []Fix) MergeResult {
	var res MergeResult
	st.fixes = make([]Fix, 0, len(fixes))
	for _, f := range fixes {
		f = f.Clone()
		idx, found := searchFix(st.fixes, f.Timestamp)
		switch {
		case found && (!f.Speculative || idx == len(st.fixes)-1):
			st.fixes[idx] = f
		case found:
			st.fixes = append(st.fixes[:idx], st.fixes[idx+1:]...)
		case !f.Speculative || idx == len(st.fixes):
			st.fixes = append(st.fixes, Fix{})
			copy(st.fixes[idx+1:], st.fixes[idx:])
			st.fixes[idx] = f
			if idx > 0 && st.fixes[idx-1].Speculative {
				st.fixes = append(st.fixes[:idx-1], st.fixes[idx:]...)
			}
		default:
			res.Ignored++
		}
	}
	res.Replaced = true
	res.Inserted = len(st.fixes)
	st.agg = unsetAggregate()
	if st.view.Peek().trail != nil || st.view.Peek().window.IsSet() {
		st.view.Defer(func(v *trailView) {
			if v.trail != nil {
				v.trail.Clear()
			}
			v.window = UnsetWindow()
		})
	}
	s.publish(Event{Kind: EventReplaced, Entity: entity, Detail: mergeDetail(res)})
	return res
}

// applyTrailOps applies ops up to the first removal immediately and defers
// the remainder by deferMillis/2.
func (s *Store) applyTrailOps(entity EntityID, st *entityState, ops []trailOp, deferMillis int) {
	if len(ops) == 0 {
		return
	}
	t := st.view.Peek().trail
	cut := len(ops)
	if deferMillis != -1 {
		for i, op := range ops {
			if op.kind == opRemove {
				cut = i
				break
			}
		}
	}
	for _, op := range ops[:cut] {
		op.apply(t)
	}
	if cut == len(ops) {
		return
	}
	later := ops[cut:]
	r := st.view.Defer(func(v *trailView) {
		for _, op := range later {
			op.apply(t)
		}
	})
	gen := st.generation
	delay := time.Duration(deferMillis/2) * time.Millisecond
	s.clock.AfterFunc(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if cur, ok := s.entities[entity]; ok && cur.generation == gen {
			cur.view.RunThrough(r)
		}
	})
}

func mergeDetail(r MergeResult) string {
	if r.Replaced {
		return "replace"
	}
	return "incremental"
}
