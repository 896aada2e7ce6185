package events

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/synaptica-ai/eventchain/pkg/common/concurrent"
	"github.com/synaptica-ai/eventchain/pkg/common/logger"
	"github.com/synaptica-ai/eventchain/pkg/experiment"
	"github.com/synaptica-ai/eventchain/pkg/store"
	"github.com/synaptica-ai/eventchain/pkg/timeline"
)

func (r *Resolver) filterAttributes(ctx context.Context, ev experiment.Event, rows []store.Record) ([]store.Record, error) {
	if ev.Exclude != nil && len(ev.Exclude.Events) > 0 {
		sub, err := r.attributeRows(ctx, rows, ev.Exclude)
		if err != nil {
			return nil, err
		}
		before := len(rows)
		rows = Excluding(rows, sub, ev.Exclude)
		logger.Log.WithFields(map[string]interface{}{
			"event_id": ev.ID,
			"excluded": before - len(rows),
		}).Debug("Exclusion events applied")
		if len(rows) == 0 {
			return nil, nil
		}
	}
	if ev.Having != nil && len(ev.Having.Events) > 0 {
		sub, err := r.attributeRows(ctx, rows, ev.Having)
		if err != nil {
			return nil, err
		}
		before := len(rows)
		rows = Having(rows, sub, ev.Having)
		logger.Log.WithFields(map[string]interface{}{
			"event_id": ev.ID,
			"dropped":  before - len(rows),
		}).Debug("Having events applied")
	}
	return rows, nil
}

// attributeRows resolves the group's sub-events around every parent date. The
// group period gives [d+min, d+max]; without one the window is everything up
// to d. A sub-event's own period replaces the group window.
func (r *Resolver) attributeRows(ctx context.Context, parent []store.Record, group *experiment.AttributeEventGroup) ([]store.Record, error) {
	anchors := make([]timeline.Anchor, len(parent))
	for i, p := range parent {
		anchors[i] = timeline.Anchor{PatientID: p.PatientID, Date: p.Date}
	}
	common := correlatedWindows(anchors, group.Period)

	parts, err := concurrent.Map(ctx, r.workers, group.Events, func(ctx context.Context, sub experiment.Event) ([]store.Record, error) {
		ws := common
		if sub.Period != nil {
			ws = correlatedWindows(anchors, sub.Period)
		}
		return r.fetch(ctx, sub, ws, true, false)
	})
	if err != nil {
		return nil, err
	}
	var out []store.Record
	for _, p := range parts {
		out = append(out, p...)
	}
	return out, nil
}

func correlatedWindows(anchors []timeline.Anchor, period *experiment.TimeInterval) timeline.Windows {
	byDate := make(map[time.Time][]string)
	seen := make(map[timeline.Anchor]struct{})
	for _, a := range anchors {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		byDate[a.Date] = append(byDate[a.Date], a.PatientID)
	}
	dates := make([]time.Time, 0, len(byDate))
	for d := range byDate {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	ws := make(timeline.Windows, 0, len(dates))
	for _, d := range dates {
		var w timeline.Window
		if period == nil {
			end := d
			w.End = &end
		} else {
			if lo := period.MinDays(); lo != nil {
				s := timeline.AddDays(d, *lo)
				w.Start = &s
			}
			if hi := period.MaxDays(); hi != nil {
				e := timeline.AddDays(d, *hi)
				w.End = &e
			}
		}
		patients := byDate[d]
		sort.Strings(patients)
		ws = append(ws, timeline.Bucket{Window: w, Anchor: d, Patients: patients})
	}
	return ws
}

// distanceRange is the admitted sub.date - parent.date range for one
// attribute event: its own period, else the group's, else strictly before.
func distanceRange(sub experiment.Event, group *experiment.AttributeEventGroup) (lo, hi int) {
	period := sub.Period
	if period == nil {
		period = group.Period
	}
	if period == nil {
		return math.MinInt, -1
	}
	lo, hi = math.MinInt, math.MaxInt
	if v := period.MinDays(); v != nil {
		lo = *v
	}
	if v := period.MaxDays(); v != nil {
		hi = *v
	}
	return lo, hi
}

type patientDate struct {
	patient string
	date    time.Time
}

// correlated returns the parent (patient, date) pairs that have a sub row of
// sub's event inside its distance range.
func correlated(subByPatient map[string][]store.Record, parent []store.Record, sub experiment.Event, group *experiment.AttributeEventGroup) map[patientDate]struct{} {
	lo, hi := distanceRange(sub, group)
	hits := make(map[patientDate]struct{})
	for _, p := range parent {
		k := patientDate{patient: p.PatientID, date: p.Date}
		if _, ok := hits[k]; ok {
			continue
		}
		for _, s := range subByPatient[p.PatientID] {
			if s.EventID != sub.ID {
				continue
			}
			diff := timeline.DaysBetween(p.Date, s.Date)
			if diff >= lo && diff <= hi {
				hits[k] = struct{}{}
				break
			}
		}
	}
	return hits
}

func byPatient(rows []store.Record) map[string][]store.Record {
	out := make(map[string][]store.Record)
	for _, r := range rows {
		out[r.PatientID] = append(out[r.PatientID], r)
	}
	return out
}

// Excluding drops parent rows whose (patient, date) has a correlated
// exclusion row. Parent rows of patients with no exclusion rows at all are
// kept as they are.
func Excluding(parent, sub []store.Record, group *experiment.AttributeEventGroup) []store.Record {
	if len(sub) == 0 {
		return parent
	}
	subs := byPatient(sub)
	var untouched, candidates []store.Record
	for _, p := range parent {
		if _, ok := subs[p.PatientID]; ok {
			candidates = append(candidates, p)
		} else {
			untouched = append(untouched, p)
		}
	}
	for _, e := range group.Events {
		if len(candidates) == 0 {
			break
		}
		hits := correlated(subs, candidates, e, group)
		kept := make([]store.Record, 0, len(candidates))
		for _, c := range candidates {
			if _, hit := hits[patientDate{patient: c.PatientID, date: c.Date}]; !hit {
				kept = append(kept, c)
			}
		}
		candidates = kept
	}
	return store.Dedup(append(candidates, untouched...))
}

// Having keeps only parent rows whose (patient, date) has a correlated row
// for every having event. No having rows at all drops everything.
func Having(parent, sub []store.Record, group *experiment.AttributeEventGroup) []store.Record {
	if len(sub) == 0 {
		return nil
	}
	subs := byPatient(sub)
	var rows []store.Record
	for _, p := range parent {
		if _, ok := subs[p.PatientID]; ok {
			rows = append(rows, p)
		}
	}
	for _, e := range group.Events {
		if len(rows) == 0 {
			break
		}
		hits := correlated(subs, rows, e, group)
		kept := make([]store.Record, 0, len(rows))
		for _, r := range rows {
			if _, hit := hits[patientDate{patient: r.PatientID, date: r.Date}]; hit {
				kept = append(kept, r)
			}
		}
		rows = kept
	}
	if len(rows) == 0 {
		return nil
	}
	return store.Dedup(rows)
}
