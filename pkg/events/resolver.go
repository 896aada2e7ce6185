// Package events resolves the events of one experiment level: per-event window
// adjustment, dispatch by category and the having/excluding sub-filters.
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/synaptica-ai/eventchain/pkg/codes"
	"github.com/synaptica-ai/eventchain/pkg/common/concurrent"
	"github.com/synaptica-ai/eventchain/pkg/common/logger"
	"github.com/synaptica-ai/eventchain/pkg/experiment"
	"github.com/synaptica-ai/eventchain/pkg/store"
	"github.com/synaptica-ai/eventchain/pkg/terminology"
	"github.com/synaptica-ai/eventchain/pkg/timeline"
)

type Resolver struct {
	gateway store.Gateway
	codes   *codes.Resolver
	catalog terminology.Catalog
	workers int
}

func NewResolver(gateway store.Gateway, catalog terminology.Catalog, workers int) *Resolver {
	if workers <= 0 {
		workers = concurrent.DefaultWorkers
	}
	return &Resolver{
		gateway: gateway,
		codes:   codes.NewResolver(gateway, workers),
		catalog: catalog,
		workers: workers,
	}
}

// Options are the per-level switches.
type Options struct {
	TimeFrame   *experiment.TimeFrame
	IncludeICD9 bool
	FirstMatch  bool
}

// ResolveLevel resolves every event of level concurrently against windows and
// concatenates the rows. Rows are not deduplicated across events. A nil result
// means no event matched anything.
func (r *Resolver) ResolveLevel(ctx context.Context, level experiment.Level, windows timeline.Windows, opts Options) ([]store.Record, error) {
	minD, maxD, err := opts.TimeFrame.Bounds()
	if err != nil {
		return nil, err
	}
	parts, err := concurrent.Map(ctx, r.workers, level.Events, func(ctx context.Context, ev experiment.Event) ([]store.Record, error) {
		ws := AdjustWindows(ev, windows, minD, maxD)
		rows, err := r.fetch(ctx, ev, ws, opts.IncludeICD9, opts.FirstMatch)
		if err != nil {
			return nil, fmt.Errorf("event %s: %w", ev.ID, err)
		}
		return rows, nil
	})
	if err != nil {
		return nil, err
	}
	var out []store.Record
	for _, p := range parts {
		out = append(out, p...)
	}
	if len(out) == 0 {
		logger.Log.WithField("chain_level", level.Level).Warn("Nothing from events was found")
		return nil, nil
	}
	return out, nil
}

// AdjustWindows shifts the prior windows by the event's own period and clamps
// them to the time frame. Events without a period and buckets with an
// unbounded window pass through untouched.
func AdjustWindows(ev experiment.Event, ws timeline.Windows, minD, maxD *time.Time) timeline.Windows {
	if ws == nil || ev.Period == nil {
		return ws
	}
	out := make(timeline.Windows, 0, len(ws))
	for _, b := range ws {
		if b.Unbounded() {
			out = append(out, b)
			continue
		}
		single := timeline.Windows{b}.Shift(ev.Period.MinDays(), ev.Period.MaxDays())
		out = append(out, single.Clamp(minD, maxD)...)
	}
	return out
}

// source is the closed set of places an event's rows come from.
type source interface {
	fetch(ctx context.Context, r *Resolver, ws timeline.Windows, includeICD9, firstMatch bool) ([]store.Record, error)
}

type patientSource struct {
	event experiment.Event
}

type clinicalSource struct {
	event experiment.Event
	table string
}

func (r *Resolver) sourceFor(ev experiment.Event) (source, error) {
	if ev.IsPatient() {
		return patientSource{event: ev}, nil
	}
	src, ok := r.catalog.Lookup(ev.Category)
	if !ok {
		return nil, fmt.Errorf("no table for category %q", ev.Category)
	}
	return clinicalSource{event: ev, table: src.Table}, nil
}

func (s patientSource) fetch(ctx context.Context, r *Resolver, ws timeline.Windows, _, _ bool) ([]store.Record, error) {
	if !s.event.HasCode(experiment.DeathCode) {
		logger.Log.WithField("event_id", s.event.ID).Warn("Patient event without a supported code")
		return nil, nil
	}
	groups := []timeline.Windows{nil}
	if ws != nil {
		groups = timeline.Chunk(ws, timeline.RequestGroupSize)
	}
	parts, err := concurrent.Map(ctx, r.workers, groups, func(ctx context.Context, g timeline.Windows) ([]store.Record, error) {
		return r.gateway.QueryDeadPatients(ctx, g)
	})
	if err != nil {
		return nil, err
	}
	var out []store.Record
	for _, p := range parts {
		for _, rec := range p {
			rec.Code = experiment.DeathCode
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s clinicalSource) fetch(ctx context.Context, r *Resolver, ws timeline.Windows, includeICD9, firstMatch bool) ([]store.Record, error) {
	ev := s.event
	return r.codes.Resolve(ctx, codes.Query{
		Codes:           ev.Codes,
		Table:           s.table,
		Columns:         r.catalog.Columns(ev),
		IncludeSubcodes: ev.IncludeSubcodes,
		IncludeICD9:     includeICD9 && ev.Category == experiment.CategoryDiagnosis,
		FirstMatch:      firstMatch,
		Negation:        ev.Negation,
		NumValue:        ev.NumValue,
		TextValue:       ev.TextValue,
		Windows:         ws,
	})
}

// fetch reads one event's rows under already adjusted windows, tags them with
// the event id and applies its attribute filters.
func (r *Resolver) fetch(ctx context.Context, ev experiment.Event, ws timeline.Windows, includeICD9, firstMatch bool) ([]store.Record, error) {
	src, err := r.sourceFor(ev)
	if err != nil {
		return nil, err
	}
	rows, err := src.fetch(ctx, r, ws, includeICD9, firstMatch)
	if err != nil {
		return nil, err
	}
	for i := range rows {
		rows[i].EventID = ev.ID
	}
	if len(rows) > 0 && ev.HasAttributeEvents() {
		rows, err = r.filterAttributes(ctx, ev, rows)
		if err != nil {
			return nil, err
		}
	}
	logger.Log.WithFields(map[string]interface{}{
		"event_id": ev.ID,
		"rows":     len(rows),
	}).Debug("Event info resolved")
	return rows, nil
}
