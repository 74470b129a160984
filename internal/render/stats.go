package render

import (
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/racetrail/internal/trail"
)

// Summary describes the detail values of one shown trail.
type Summary struct {
	Entity trail.EntityID `json:"entity"`
	Fixes  int            `json:"fixes"`
	Values int            `json:"values"`
	Mean   float64        `json:"mean"`
	StdDev float64        `json:"std_dev"`
	Min    float64        `json:"min"`
	Max    float64        `json:"max"`
	P50    float64        `json:"p50"`
	P90    float64        `json:"p90"`
}

// Summarize computes detail statistics per series. Series without detail
// values report only their fix count.
func Summarize(series []Series) []Summary {
	out := make([]Summary, 0, len(series))
	for _, s := range series {
		sum := Summary{Entity: s.Entity, Fixes: len(s.Fixes)}
		values := make([]float64, 0, len(s.Fixes))
		for _, f := range s.Fixes {
			if v, ok := f.Detail(); ok {
				values = append(values, v)
			}
		}
		sum.Values = len(values)
		if len(values) > 0 {
			sort.Float64s(values)
			sum.Mean, sum.StdDev = stat.MeanStdDev(values, nil)
			if len(values) == 1 {
				sum.StdDev = 0
			}
			sum.Min = floats.Min(values)
			sum.Max = floats.Max(values)
			sum.P50 = stat.Quantile(0.5, stat.Empirical, values, nil)
			sum.P90 = stat.Quantile(0.9, stat.Empirical, values, nil)
		}
		out = append(out, sum)
	}
	return out
}
