package trail

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/racetrail/internal/timeutil"
)

var epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return epoch.Add(time.Duration(sec) * time.Second) }

func fixAt(sec int, speculative bool) Fix {
	return Fix{
		Timestamp:   at(sec),
		Position:    Coordinate{Lat: 54.3 + float64(sec)/10000, Lng: 10.1},
		Speculative: speculative,
	}
}

func fixWithDetail(sec int, v float64) Fix {
	f := fixAt(sec, false)
	f.DetailValue = Float(v)
	return f
}

// series returns confirmed fixes from..to (inclusive) every step seconds.
func series(from, to, step int) []Fix {
	var out []Fix
	for s := from; s <= to; s += step {
		out = append(out, fixAt(s, false))
	}
	return out
}

func seconds(fixes []Fix) []int {
	out := make([]int, len(fixes))
	for i, f := range fixes {
		out[i] = int(f.Timestamp.Sub(epoch) / time.Second)
	}
	return out
}

// trailRecorder is a TrailFactory that keeps every PointTrail it hands out.
type trailRecorder struct {
	mu     sync.Mutex
	trails map[EntityID]*PointTrail
}

func newTrailRecorder() *trailRecorder {
	return &trailRecorder{trails: make(map[EntityID]*PointTrail)}
}

func (r *trailRecorder) factory(entity EntityID) Trail {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := NewPointTrail()
	r.trails[entity] = p
	return p
}

func (r *trailRecorder) get(entity EntityID) *PointTrail {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.trails[entity]
}

type testStore struct {
	*Store
	clock  *timeutil.MockClock
	trails *trailRecorder
	bus    *Bus
}

func newTestStore(t *testing.T) *testStore {
	t.Helper()
	clock := timeutil.NewMockClock(epoch)
	rec := newTrailRecorder()
	bus := NewBus(256)
	t.Cleanup(bus.Close)
	return &testStore{
		Store:  NewStore(WithClock(clock), WithTrailFactory(rec.factory), WithBus(bus)),
		clock:  clock,
		trails: rec,
		bus:    bus,
	}
}

// fixtureFetcher serves fixes from an in-memory backend, from inclusive and
// to exclusive, and counts calls.
type fixtureFetcher struct {
	mu    sync.Mutex
	data  map[EntityID][]Fix
	calls []FetchRange
}

func newFixtureFetcher() *fixtureFetcher {
	return &fixtureFetcher{data: make(map[EntityID][]Fix)}
}

func (f *fixtureFetcher) add(entity EntityID, fixes ...Fix) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[entity] = append(f.data[entity], fixes...)
	sort.Slice(f.data[entity], func(i, j int) bool {
		return f.data[entity][i].Timestamp.Before(f.data[entity][j].Timestamp)
	})
}

func (f *fixtureFetcher) FetchFixes(_ context.Context, entity EntityID, from, to time.Time) ([]Fix, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, FetchRange{Entity: entity, From: from, To: to})
	var out []Fix
	for _, fx := range f.data[entity] {
		if !fx.Timestamp.Before(from) && fx.Timestamp.Before(to) {
			out = append(out, fx.Clone())
		}
	}
	return out, nil
}

func (f *fixtureFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// drain returns every event currently buffered on ch.
func drain(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, e)
		default:
			return out
		}
	}
}

func kinds(events []Event) []EventKind {
	out := make([]EventKind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}
