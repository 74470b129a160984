package trail

import (
	"context"
	"fmt"
	"time"
)

// DetailSelector names the scalar attached to each fix for colouring.
type DetailSelector string

const (
	// DetailSpeed uses the speed over ground.
	DetailSpeed DetailSelector = "speed"
	// DetailStored keeps whatever detail value the source supplied.
	DetailStored DetailSelector = "stored"
	// DetailNone strips detail values.
	DetailNone DetailSelector = "none"
)

// ParseDetailSelector validates a selector name.
func ParseDetailSelector(s string) (DetailSelector, error) {
	switch d := DetailSelector(s); d {
	case DetailSpeed, DetailStored, DetailNone:
		return d, nil
	default:
		return "", fmt.Errorf("unknown detail selector %q", s)
	}
}

// Apply sets f's detail value according to the selector.
func (d DetailSelector) Apply(f Fix) Fix {
	switch d {
	case DetailSpeed:
		if f.Velocity != nil {
			f.DetailValue = Float(f.Velocity.Speed)
		} else {
			f.DetailValue = nil
		}
	case DetailNone:
		f.DetailValue = nil
	}
	return f
}

// SelectDetail wraps a Fetcher so every fetched fix carries the detail value
// chosen by sel at the time of the fetch.
func SelectDetail(f Fetcher, sel func() DetailSelector) Fetcher {
	return FetcherFunc(func(ctx context.Context, entity EntityID, from, to time.Time) ([]Fix, error) {
		fixes, err := f.FetchFixes(ctx, entity, from, to)
		if err != nil {
			return nil, err
		}
		d := sel()
		for i := range fixes {
			fixes[i] = d.Apply(fixes[i])
		}
		return fixes, nil
	})
}
