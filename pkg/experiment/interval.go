package experiment

import "fmt"

type TimeUnit string

const (
	UnitDay   TimeUnit = "day"
	UnitMonth TimeUnit = "month"
	UnitYear  TimeUnit = "year"
)

const (
	daysPerMonth = 30
	daysPerYear  = 365
)

// TimeInterval bounds a day distance. A nil bound is unbounded.
type TimeInterval struct {
	MinT *int     `json:"min_t"`
	MaxT *int     `json:"max_t"`
	Unit TimeUnit `json:"unit,omitempty"`
}

func (t TimeInterval) multiplier() int {
	switch t.Unit {
	case UnitMonth:
		return daysPerMonth
	case UnitYear:
		return daysPerYear
	default:
		return 1
	}
}

// MinDays returns the lower bound in days, or nil when unbounded.
func (t TimeInterval) MinDays() *int {
	if t.MinT == nil {
		return nil
	}
	v := *t.MinT * t.multiplier()
	return &v
}

// MaxDays returns the upper bound in days, or nil when unbounded.
func (t TimeInterval) MaxDays() *int {
	if t.MaxT == nil {
		return nil
	}
	v := *t.MaxT * t.multiplier()
	return &v
}

func (t TimeInterval) String() string {
	return fmt.Sprintf("[%s, %s] %s", bound(t.MinT), bound(t.MaxT), t.unitOrDefault())
}

func (t TimeInterval) unitOrDefault() TimeUnit {
	if t.Unit == "" {
		return UnitDay
	}
	return t.Unit
}

func bound(v *int) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *v)
}

// Days builds a day interval; handy for tests and defaults.
func Days(minT, maxT int) *TimeInterval {
	return &TimeInterval{MinT: &minT, MaxT: &maxT, Unit: UnitDay}
}
