package trail

import (
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func randomBatch(rng *rand.Rand) []Fix {
	n := 1 + rng.IntN(6)
	out := make([]Fix, n)
	for i := range out {
		f := fixWithDetail(rng.IntN(200), float64(rng.IntN(50)))
		if rng.IntN(5) == 0 {
			f.Speculative = true
		}
		if rng.IntN(4) == 0 {
			f.DetailValue = nil
		}
		out[i] = f
	}
	return out
}

func checkTrack(t *testing.T, fixes []Fix) {
	t.Helper()
	for i := 1; i < len(fixes); i++ {
		require.True(t, fixes[i-1].Timestamp.Before(fixes[i].Timestamp),
			"track not strictly ordered at %d: %v", i, seconds(fixes))
	}
	for i, f := range fixes {
		if f.Speculative {
			require.Equal(t, len(fixes)-1, i, "speculative fix not last: %v", fixes)
		}
	}
}

// TestStore_RandomOperationsKeepInvariants drives the store with random
// merges, slides and clock steps and checks after every step that the track
// is ordered with at most one trailing speculative fix, that the trail holds
// exactly the fixes in the window, and that the cached extremes match a full
// recomputation.
func TestStore_RandomOperationsKeepInvariants(t *testing.T) {
	t.Parallel()
	for seed := uint64(1); seed <= 25; seed++ {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			t.Parallel()
			rng := rand.New(rand.NewPCG(seed, seed*7919))
			s := newTestStore(t)
			const id EntityID = "boat"

			for step := 0; step < 200; step++ {
				switch op := rng.IntN(10); {
				case op == 0:
					s.Merge(id, randomBatch(rng), false, -1)
				case op <= 4:
					deferMillis := -1
					if rng.IntN(2) == 0 {
						deferMillis = rng.IntN(1000)
					}
					s.Merge(id, randomBatch(rng), true, deferMillis)
				case op <= 6:
					from := rng.IntN(200)
					to := from + rng.IntN(100)
					s.SlideWindow(id, at(from), at(to), -1)

					var want []int
					all, _ := s.Fixes(id)
					for _, f := range all {
						if !f.Timestamp.Before(at(from)) && !f.Timestamp.After(at(to)) {
							want = append(want, int(f.Timestamp.Sub(epoch)/time.Second))
						}
					}
					got := seconds(s.WindowFixes(id))
					if want == nil {
						want = []int{}
					}
					require.Equal(t, want, got, "window after slide to [%d, %d]", from, to)
				case op == 7:
					s.SlideWindow(id, at(rng.IntN(200)), at(200), rng.IntN(800))
				case op == 8:
					s.clock.Advance(time.Duration(rng.IntN(600)) * time.Millisecond)
				default:
					s.RefreshMinMax(id)
					lo, hi, ok := s.MinMax(id)
					wantLo, wantHi, wantOK := bruteMinMax(s.WindowFixes(id))
					require.Equal(t, wantOK, ok, "extremes known")
					if ok {
						require.Equal(t, wantLo, lo, "min")
						require.Equal(t, wantHi, hi, "max")
					}
				}

				fixes, _ := s.Fixes(id)
				checkTrack(t, fixes)
				if s.HasTrail(id) {
					want := seconds(s.WindowFixes(id))
					require.Equal(t, want, seconds(s.trails.get(id).Points()), "trail out of step with window at step %d", step)
				}
			}
		})
	}
}
