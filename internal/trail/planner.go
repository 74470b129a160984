package trail

import "time"

// FetchRange is one entity's share of a fetch request. From is inclusive and
// To is exclusive. Incremental tells the merger to extend the cached track
// rather than replace it.
type FetchRange struct {
	Entity      EntityID  `json:"entity"`
	From        time.Time `json:"from"`
	To          time.Time `json:"to"`
	Incremental bool      `json:"incremental"`
	Generation  uint64    `json:"generation"`
}

// PlanFetch computes, for each entity, the time range still missing from the
// cache for the window [now-windowLength, now]. Entities whose window is
// already covered are omitted. detailChanged forces every range to be a
// replace, because cached detail values no longer match what is shown.
func (s *Store) PlanFetch(now time.Time, entities []EntityID, windowLength time.Duration, detailChanged bool) []FetchRange {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := now.Add(-windowLength)
	plan := make([]FetchRange, 0, len(entities))
	for _, entity := range entities {
		st := s.attachLocked(entity)
		first, hasFirst := firstConfirmed(st.fixes)
		last, hasLast := lastConfirmed(st.fixes)
		known := hasFirst && hasLast

		incremental := !detailChanged && known &&
			!start.After(last) && !first.After(now) &&
			!(!first.Before(start) && !last.After(now))

		from := start
		if incremental && !start.Before(first) && !start.After(last) {
			from = last.Add(Resolution)
		}
		to := now
		if incremental && !now.Before(first) && !now.After(last) {
			to = first
		}
		if from.After(to) {
			continue
		}
		s.markMaterializing(st)
		plan = append(plan, FetchRange{
			Entity:      entity,
			From:        from,
			To:          to,
			Incremental: incremental,
			Generation:  st.generation,
		})
	}
	return plan
}

// SplitQuickSlow splits a plan into a quick request and a slow request.
// Incremental ranges go to the quick request whole. A replace range sends
// only its most recent tip to the quick request and the full range to the
// slow one, so the head of a new trail appears before its history loads. A
// replace range no longer than the tip goes to the quick request only.
func SplitQuickSlow(plan []FetchRange, tip time.Duration) (quick, slow []FetchRange) {
	for _, r := range plan {
		if r.Incremental || tip <= 0 {
			quick = append(quick, r)
			continue
		}
		tipStart := r.To.Add(-tip)
		if !tipStart.After(r.From) {
			// The tip already covers the whole range.
			quick = append(quick, r)
			continue
		}
		head := r
		head.From = tipStart
		quick = append(quick, head)
		slow = append(slow, r)
	}
	return quick, slow
}
