// Package units converts detail speeds and display times into the units a
// race is followed in.
package units

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/banshee-data/racetrail/internal/trail"
)

// Speed unit names.
const (
	MPS   = "mps"
	KPH   = "kph"
	MPH   = "mph"
	Knots = "knots"
)

// ValidUnits lists every accepted speed unit.
var ValidUnits = []string{MPS, KPH, MPH, Knots}

// IsValid reports whether unit is a known speed unit. Names are case
// sensitive.
func IsValid(unit string) bool {
	for _, u := range ValidUnits {
		if unit == u {
			return true
		}
	}
	return false
}

// GetValidUnitsString returns the accepted units for error messages.
func GetValidUnitsString() string {
	return strings.Join(ValidUnits, ", ")
}

// ConvertSpeed converts a speed in metres per second. Unknown units leave
// the value unchanged.
func ConvertSpeed(speedMPS float64, unit string) float64 {
	switch unit {
	case KPH:
		return speedMPS * 3.6
	case MPH:
		return speedMPS * 2.2369362920544
	case Knots:
		return speedMPS * 1.9438444924406
	default:
		return speedMPS
	}
}

// SpeedDetail wraps a fetcher whose fixes already carry detail values so
// speed details are expressed in unit. Details chosen by any other selector
// are left alone.
func SpeedDetail(f trail.Fetcher, unit string, sel func() trail.DetailSelector) (trail.Fetcher, error) {
	if !IsValid(unit) {
		return nil, fmt.Errorf("unknown speed unit %q (want one of %s)", unit, GetValidUnitsString())
	}
	if unit == MPS {
		return f, nil
	}
	return trail.FetcherFunc(func(ctx context.Context, entity trail.EntityID, from, to time.Time) ([]trail.Fix, error) {
		fixes, err := f.FetchFixes(ctx, entity, from, to)
		if err != nil || sel() != trail.DetailSpeed {
			return fixes, err
		}
		for i := range fixes {
			if v := fixes[i].DetailValue; v != nil {
				fixes[i].DetailValue = trail.Float(ConvertSpeed(*v, unit))
			}
		}
		return fixes, nil
	}), nil
}
