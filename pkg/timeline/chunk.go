package timeline

import (
	"sort"
	"time"

	"github.com/synaptica-ai/eventchain/pkg/experiment"
)

// RequestGroupSize is the number of patients one store request covers.
const RequestGroupSize = 10000

// Chunk packs buckets into request groups of about size patients. A bucket
// larger than one and a half groups is cut into size-patient slices, each its
// own request; smaller buckets are packed together until a group reaches size.
func Chunk(ws Windows, size int) []Windows {
	if size <= 0 {
		size = RequestGroupSize
	}
	var groups []Windows
	var current Windows
	count := 0
	for _, b := range ws {
		if len(b.Patients) == 0 {
			continue
		}
		if len(b.Patients)*2 > size*3 {
			for i := 0; i < len(b.Patients); i += size {
				end := i + size
				if end > len(b.Patients) {
					end = len(b.Patients)
				}
				slice := b
				slice.Patients = b.Patients[i:end]
				groups = append(groups, Windows{slice})
			}
			continue
		}
		current = append(current, b)
		count += len(b.Patients)
		if count >= size {
			groups = append(groups, current)
			current = nil
			count = 0
		}
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}
	return groups
}

// Anchor is one previous-level occurrence a next-level window hangs off.
type Anchor struct {
	PatientID string
	Date      time.Time
}

// FromAnchors derives the next level's windows: one bucket per distinct anchor
// date, starting at date+min (date when min is open) and ending at date+max.
// An open max, or no period at all, ends the window at now. Both bounds are
// then clamped to the time frame; buckets left empty by the clamp are dropped.
func FromAnchors(anchors []Anchor, period *experiment.TimeInterval, tf *experiment.TimeFrame, now time.Time) (Windows, error) {
	minD, maxD, err := tf.Bounds()
	if err != nil {
		return nil, err
	}
	byDate := make(map[time.Time]map[string]struct{})
	for _, a := range anchors {
		d := Day(a.Date)
		set, ok := byDate[d]
		if !ok {
			set = make(map[string]struct{})
			byDate[d] = set
		}
		set[a.PatientID] = struct{}{}
	}
	dates := make([]time.Time, 0, len(byDate))
	for d := range byDate {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	today := Day(now)
	ws := make(Windows, 0, len(dates))
	for _, d := range dates {
		start := d
		end := today
		if period != nil {
			if lo := period.MinDays(); lo != nil {
				start = AddDays(d, *lo)
			}
			if hi := period.MaxDays(); hi != nil {
				end = AddDays(d, *hi)
			}
		}
		patients := make([]string, 0, len(byDate[d]))
		for p := range byDate[d] {
			patients = append(patients, p)
		}
		sort.Strings(patients)
		s, e := start, end
		ws = append(ws, Bucket{Window: Window{Start: &s, End: &e}, Anchor: d, Patients: patients})
	}
	ws = ws.Clamp(minD, maxD)

	kept := ws[:0]
	for _, b := range ws {
		if b.End.Before(*b.Start) {
			continue
		}
		kept = append(kept, b)
	}
	return kept, nil
}
