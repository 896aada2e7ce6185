// Package timeline holds the date/patient windows threaded between levels:
// which patients a query covers and the date range allowed for each of them.
package timeline

import (
	"sort"
	"strconv"
	"time"

	"github.com/synaptica-ai/eventchain/pkg/experiment"
)

// FarFutureDays stands in for an unbounded upper shift.
const FarFutureDays = 365000

// Window is a closed date range. A nil bound is open on that side.
type Window struct {
	Start *time.Time
	End   *time.Time
}

func (w Window) Unbounded() bool {
	return w.Start == nil && w.End == nil
}

// Contains reports whether d falls inside the window, bounds included.
func (w Window) Contains(d time.Time) bool {
	if w.Start != nil && d.Before(*w.Start) {
		return false
	}
	if w.End != nil && d.After(*w.End) {
		return false
	}
	return true
}

// Bucket applies one window to a set of patients. Anchor is the date of the
// previous-level event that produced the window, zero for the cohort window.
type Bucket struct {
	Window
	Anchor   time.Time
	Patients []string
}

// Windows is the ordered date/patient map of one level pass. A nil Windows
// means no restriction at all.
type Windows []Bucket

// PatientCount counts patient slots over all buckets.
func (ws Windows) PatientCount() int {
	n := 0
	for _, b := range ws {
		n += len(b.Patients)
	}
	return n
}

// Cohort builds the initial window: one bucket covering every patient, bounded
// by the time frame when there is one.
func Cohort(patients []string, tf *experiment.TimeFrame) (Windows, error) {
	minD, maxD, err := tf.Bounds()
	if err != nil {
		return nil, err
	}
	ids := append([]string(nil), patients...)
	sort.Strings(ids)
	return Windows{{Window: Window{Start: minD, End: maxD}, Patients: ids}}, nil
}

// Shift moves every bucket's start by minDays and end by maxDays. A nil
// minDays shifts by zero and a nil maxDays pushes the end to the far future.
// Open bounds stay open.
func (ws Windows) Shift(minDays, maxDays *int) Windows {
	if ws == nil {
		return nil
	}
	lo, hi := 0, FarFutureDays
	if minDays != nil {
		lo = *minDays
	}
	if maxDays != nil {
		hi = *maxDays
	}
	out := make(Windows, len(ws))
	for i, b := range ws {
		nb := b
		if b.Start != nil {
			s := AddDays(*b.Start, lo)
			nb.Start = &s
		}
		if b.End != nil {
			e := AddDays(*b.End, hi)
			nb.End = &e
		}
		out[i] = nb
	}
	return out
}

// Clamp narrows every bucket to [minD, maxD]. Nil limits leave that side alone;
// an open bound takes the limit.
func (ws Windows) Clamp(minD, maxD *time.Time) Windows {
	if ws == nil || (minD == nil && maxD == nil) {
		return ws
	}
	out := make(Windows, len(ws))
	for i, b := range ws {
		nb := b
		if minD != nil && (b.Start == nil || b.Start.Before(*minD)) {
			s := *minD
			nb.Start = &s
		}
		if maxD != nil && (b.End == nil || b.End.After(*maxD)) {
			e := *maxD
			nb.End = &e
		}
		out[i] = nb
	}
	return out
}

// Patients lists distinct patient ids over all buckets, sorted.
func (ws Windows) Patients() []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, b := range ws {
		for _, p := range b.Patients {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			ids = append(ids, p)
		}
	}
	sort.Strings(ids)
	return ids
}

// Day truncates t to midnight UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func AddDays(t time.Time, days int) time.Time {
	return t.AddDate(0, 0, days)
}

// DaysBetween returns to - from in whole days.
func DaysBetween(from, to time.Time) int {
	return int(Day(to).Sub(Day(from)).Hours() / 24)
}

// DateKey renders a date the way the store keeps it, as a YYYYMMDD integer.
func DateKey(t time.Time) int {
	y, m, d := t.UTC().Date()
	return y*10000 + int(m)*100 + d
}

// ParseDateKey reads a YYYYMMDD integer back into a UTC date.
func ParseDateKey(v int64) (time.Time, error) {
	return time.Parse("20060102", strconv.FormatInt(v, 10))
}
