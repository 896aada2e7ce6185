package chain

import (
	"sort"
	"time"

	"github.com/synaptica-ai/eventchain/pkg/experiment"
	"github.com/synaptica-ai/eventchain/pkg/store"
	"github.com/synaptica-ai/eventchain/pkg/timeline"
)

// JoinBatchSize bounds how many patients one cross join covers.
const JoinBatchSize = 100

// Match pairs every index row with the target rows of the same patient whose
// distance target.Date - index.Date is admitted by the target event's period.
// index holds the level-(target.Level-1) events of the running chain. A nil
// result means nothing matched.
func Match(index, target []store.Record, targetLevel experiment.Level) []Row {
	if targetLevel.FirstMatch() {
		target = earliestPerEvent(target)
	}
	targets := groupByPatient(target)

	indexes := make(map[string][]store.Record)
	for _, r := range index {
		if _, ok := targets[r.PatientID]; ok {
			indexes[r.PatientID] = append(indexes[r.PatientID], r)
		}
	}
	patients := make([]string, 0, len(indexes))
	for p := range indexes {
		patients = append(patients, p)
	}
	sort.Strings(patients)

	admit := admission(targetLevel)
	var out []Row
	for _, batch := range Batches(patients, JoinBatchSize) {
		rows := crossJoin(batch, indexes, targets, targetLevel.Level-1, admit)
		if targetLevel.FirstMatch() {
			rows = earliestIndex(rows)
		}
		out = append(out, rows...)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Batches cuts ids into consecutive slices of at most size ids.
func Batches(ids []string, size int) [][]string {
	if size <= 0 {
		size = JoinBatchSize
	}
	var out [][]string
	for i := 0; i < len(ids); i += size {
		end := i + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[i:end])
	}
	return out
}

func groupByPatient(rows []store.Record) map[string][]store.Record {
	out := make(map[string][]store.Record)
	for _, r := range rows {
		out[r.PatientID] = append(out[r.PatientID], r)
	}
	return out
}

func crossJoin(batch []string, indexes, targets map[string][]store.Record, indexLevel int, admit func(store.Record, int) bool) []Row {
	var rows []Row
	seen := make(map[string]struct{})
	for _, p := range batch {
		for _, i := range indexes[p] {
			for _, t := range targets[p] {
				d := timeline.DaysBetween(i.Date, t.Date)
				row := Row{First: indexLevel, Cells: []store.Record{i, t}, Distances: []int{d}}
				k := row.key()
				if _, ok := seen[k]; ok {
					continue
				}
				seen[k] = struct{}{}
				if admit(t, d) {
					rows = append(rows, row)
				}
			}
		}
	}
	return rows
}

// admission returns the distance rule of the level's events. Without any
// period a positive target must not precede the index and a negative target
// never matches. With a period a positive target needs min <= d <= max (open
// min counts as 0) and a negative target is admitted only at d == max.
func admission(lvl experiment.Level) func(store.Record, int) bool {
	periods := make(map[string]*experiment.TimeInterval, len(lvl.Events))
	for _, ev := range lvl.Events {
		p := ev.Period
		if p == nil {
			p = lvl.Period
		}
		periods[ev.ID] = p
	}
	return func(t store.Record, d int) bool {
		period, ok := periods[t.EventID]
		if !ok {
			return false
		}
		negative := experiment.IsNegative(t.Code)
		if period == nil {
			return !negative && d >= 0
		}
		hi := period.MaxDays()
		if negative {
			return hi != nil && d == *hi
		}
		lo := 0
		if v := period.MinDays(); v != nil {
			lo = *v
		}
		return d >= lo && (hi == nil || d <= *hi)
	}
}

type patientEventCode struct {
	patient, event, code string
}

// earliestPerEvent keeps the earliest date per (patient, event, code) with
// attribute columns cleared.
func earliestPerEvent(rows []store.Record) []store.Record {
	earliest := make(map[patientEventCode]time.Time)
	for _, r := range rows {
		k := patientEventCode{r.PatientID, r.EventID, r.Code}
		if d, ok := earliest[k]; !ok || r.Date.Before(d) {
			earliest[k] = r.Date
		}
	}
	out := make([]store.Record, 0, len(earliest))
	for _, r := range rows {
		k := patientEventCode{r.PatientID, r.EventID, r.Code}
		if r.Date.Equal(earliest[k]) {
			out = append(out, store.Record{PatientID: r.PatientID, Code: r.Code, Date: r.Date, EventID: r.EventID})
		}
	}
	return store.Dedup(out)
}

type pairKey struct {
	patient                 string
	indexEvent, indexCode   string
	targetEvent, targetCode string
}

// earliestIndex keeps, per (patient, index event, index code, target event,
// target code), the pairs on the earliest index date.
func earliestIndex(rows []Row) []Row {
	key := func(r Row) pairKey {
		i, t := r.Cells[0], r.Cells[1]
		return pairKey{r.PatientID(), i.EventID, i.Code, t.EventID, t.Code}
	}
	earliest := make(map[pairKey]time.Time)
	for _, r := range rows {
		k := key(r)
		if d, ok := earliest[k]; !ok || r.Cells[0].Date.Before(d) {
			earliest[k] = r.Cells[0].Date
		}
	}
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		if r.Cells[0].Date.Equal(earliest[key(r)]) {
			out = append(out, r)
		}
	}
	return out
}
