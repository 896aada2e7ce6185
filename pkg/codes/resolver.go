// Package codes turns an event's configured codes into fact rows: prefix
// expansion, ICD-9 crosswalk merge, base-code classification and synthetic
// absence rows for negated events.
package codes

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/synaptica-ai/eventchain/pkg/common/concurrent"
	"github.com/synaptica-ai/eventchain/pkg/common/logger"
	"github.com/synaptica-ai/eventchain/pkg/experiment"
	"github.com/synaptica-ai/eventchain/pkg/store"
	"github.com/synaptica-ai/eventchain/pkg/timeline"
)

// Query describes one code resolution.
type Query struct {
	Codes           []string
	Table           string
	Columns         []string
	IncludeSubcodes bool
	IncludeICD9     bool
	FirstMatch      bool
	Negation        bool
	NumValue        string
	TextValue       string
	// Windows nil means no patient or date restriction.
	Windows timeline.Windows
}

type Resolver struct {
	gateway store.Gateway
	workers int
}

func NewResolver(gateway store.Gateway, workers int) *Resolver {
	if workers <= 0 {
		workers = concurrent.DefaultWorkers
	}
	return &Resolver{gateway: gateway, workers: workers}
}

// Resolve splits the windows into request groups, resolves them concurrently
// and concatenates the results. Empty results are not errors.
func (r *Resolver) Resolve(ctx context.Context, q Query) ([]store.Record, error) {
	groups := requestGroups(q.Windows)
	if len(groups) == 0 {
		return nil, nil
	}
	parts, err := concurrent.Map(ctx, r.workers, groups, func(ctx context.Context, ws timeline.Windows) ([]store.Record, error) {
		return r.resolveGroup(ctx, q, ws)
	})
	if err != nil {
		return nil, err
	}
	var out []store.Record
	for _, p := range parts {
		out = append(out, p...)
	}
	logger.Log.WithFields(map[string]interface{}{
		"table":    q.Table,
		"codes":    strings.Join(q.Codes, ","),
		"groups":   len(groups),
		"negation": q.Negation,
		"rows":     len(out),
	}).Debug("Codes resolved")
	return out, nil
}

func requestGroups(ws timeline.Windows) []timeline.Windows {
	if ws == nil {
		return []timeline.Windows{nil}
	}
	return timeline.Chunk(ws, timeline.RequestGroupSize)
}

// baseQuery builds the positive fact query. A negated event needs every
// positive row of every window to decide absence, so it never asks the store
// for first matches only.
func (r *Resolver) baseQuery(q Query, ws timeline.Windows) store.CodeQuery {
	return store.CodeQuery{
		Table:           q.Table,
		Columns:         q.Columns,
		Codes:           q.Codes,
		IncludeSubcodes: q.IncludeSubcodes,
		Windows:         ws,
		FirstMatch:      q.FirstMatch && !q.Negation,
		NumValue:        q.NumValue,
		TextValue:       q.TextValue,
	}
}

func (r *Resolver) resolveGroup(ctx context.Context, q Query, ws timeline.Windows) ([]store.Record, error) {
	if len(q.Codes) == 0 {
		return r.gateway.QueryCodeInfo(ctx, r.baseQuery(q, ws))
	}

	records, err := r.gateway.QueryCodeInfo(ctx, r.baseQuery(q, ws))
	if err != nil {
		return nil, err
	}
	if q.IncludeICD9 {
		mapped, err := r.icd9Records(ctx, q, ws)
		if err != nil {
			return nil, err
		}
		records = store.Dedup(append(records, mapped...))
	}
	if q.IncludeSubcodes {
		records = Classify(records, q.Codes)
	}
	if q.Negation {
		return Absent(records, ws, q.Codes), nil
	}
	return records, nil
}

// icd9Records fetches rows recorded under the ICD-9 equivalents of the
// requested ICD-10 codes and rewrites them to their ICD-10 form. One ICD-9
// code mapped to several ICD-10 codes yields one row per mapping.
func (r *Resolver) icd9Records(ctx context.Context, q Query, ws timeline.Windows) ([]store.Record, error) {
	icd10 := q.Codes
	if q.IncludeSubcodes {
		subcodes, err := r.gateway.QuerySubcodes(ctx, q.Codes, q.Table)
		if err != nil {
			return nil, err
		}
		if len(subcodes) > 0 {
			icd10 = subcodes
		}
	}
	mappings, err := r.gateway.QueryIcd9Icd10Map(ctx, icd10, store.ColICD10Code)
	if err != nil {
		return nil, err
	}
	if len(mappings) == 0 {
		return nil, nil
	}

	toICD10 := make(map[string][]string)
	for _, m := range mappings {
		toICD10[m.ICD9Code] = append(toICD10[m.ICD9Code], m.ICD10Code)
	}
	icd9 := make([]string, 0, len(toICD10))
	for c := range toICD10 {
		icd9 = append(icd9, c)
	}
	sort.Strings(icd9)

	cq := r.baseQuery(q, ws)
	cq.Codes = icd9
	cq.IncludeSubcodes = false
	rows, err := r.gateway.QueryCodeInfo(ctx, cq)
	if err != nil {
		return nil, err
	}
	var out []store.Record
	for _, row := range rows {
		for _, c := range toICD10[row.Code] {
			mapped := row
			mapped.Code = c
			out = append(out, mapped)
		}
	}
	return store.Dedup(out), nil
}

// Classify rewrites every row's code to the longest configured base code that
// prefixes it and drops rows no base code prefixes.
func Classify(records []store.Record, bases []string) []store.Record {
	ordered := append([]string(nil), bases...)
	sort.SliceStable(ordered, func(i, j int) bool { return len(ordered[i]) > len(ordered[j]) })

	out := make([]store.Record, 0, len(records))
	for _, rec := range records {
		for _, b := range ordered {
			if strings.HasPrefix(rec.Code, b) {
				rec.Code = b
				out = append(out, rec)
				break
			}
		}
	}
	return store.Dedup(out)
}

// Absent builds the synthetic rows of a negated event: one row dated at the
// window end for every (patient, window) without a positive row inside it.
// Windows without an end cannot pin the row and are skipped.
func Absent(positive []store.Record, ws timeline.Windows, bases []string) []store.Record {
	byPatient := make(map[string][]time.Time)
	for _, rec := range positive {
		byPatient[rec.PatientID] = append(byPatient[rec.PatientID], rec.Date)
	}
	code := experiment.NegativeCode(bases)

	type slot struct {
		patient string
		end     time.Time
	}
	seen := make(map[slot]struct{})
	var out []store.Record
	for _, b := range ws {
		if b.End == nil {
			continue
		}
		for _, p := range b.Patients {
			if hasDateIn(byPatient[p], b.Window) {
				continue
			}
			k := slot{patient: p, end: *b.End}
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, store.Record{PatientID: p, Code: code, Date: *b.End})
		}
	}
	return out
}

func hasDateIn(dates []time.Time, w timeline.Window) bool {
	for _, d := range dates {
		if w.Contains(d) {
			return true
		}
	}
	return false
}
