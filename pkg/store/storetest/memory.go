// Package storetest provides an in-memory store.Gateway with the same filter
// semantics as the SQL gateway.
package storetest

import (
	"context"
	"strings"
	"sync"

	"github.com/synaptica-ai/eventchain/pkg/store"
	"github.com/synaptica-ai/eventchain/pkg/terminology"
	"github.com/synaptica-ai/eventchain/pkg/timeline"
)

type Gateway struct {
	mu           sync.Mutex
	tables       map[string][]store.Record
	patients     map[string]store.Patient
	crosswalk    []store.CodeMapping
	descriptions []store.CodeDescription
	calls        map[string]int
	failTables   map[string]error
}

func New() *Gateway {
	return &Gateway{
		tables:     make(map[string][]store.Record),
		patients:   make(map[string]store.Patient),
		calls:      make(map[string]int),
		failTables: make(map[string]error),
	}
}

var _ store.Gateway = (*Gateway)(nil)

func (g *Gateway) AddRecords(table string, records ...store.Record) *Gateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tables[table] = append(g.tables[table], records...)
	return g
}

func (g *Gateway) AddPatients(patients ...store.Patient) *Gateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, p := range patients {
		g.patients[p.PatientID] = p
	}
	return g
}

func (g *Gateway) AddMappings(mappings ...store.CodeMapping) *Gateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.crosswalk = append(g.crosswalk, mappings...)
	return g
}

func (g *Gateway) AddDescriptions(descriptions ...store.CodeDescription) *Gateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.descriptions = append(g.descriptions, descriptions...)
	return g
}

// FailTable makes every code query against table return err.
func (g *Gateway) FailTable(table string, err error) *Gateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failTables[table] = err
	return g
}

// Calls reports how often a method ran, keyed by method name.
func (g *Gateway) Calls(method string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[method]
}

func (g *Gateway) count(method string) {
	g.calls[method]++
}

func inWindows(ws timeline.Windows, r store.Record) bool {
	if ws == nil {
		return true
	}
	restricted := false
	for _, b := range ws {
		if len(b.Patients) == 0 {
			continue
		}
		restricted = true
		for _, p := range b.Patients {
			if p == r.PatientID && b.Contains(r.Date) {
				return true
			}
		}
	}
	return !restricted
}

func matchCode(q store.CodeQuery, code string) bool {
	if len(q.Codes) == 0 {
		return true
	}
	for _, c := range q.Codes {
		if q.IncludeSubcodes && strings.HasPrefix(code, c) {
			return true
		}
		if !q.IncludeSubcodes && code == c {
			return true
		}
	}
	return false
}

func project(r store.Record, columns []string) store.Record {
	out := store.Record{PatientID: r.PatientID, Code: r.Code, Date: r.Date}
	for _, c := range columns {
		switch c {
		case terminology.ColNumValue:
			out.NumValue = r.NumValue
		case terminology.ColTextValue:
			out.TextValue = r.TextValue
		case terminology.ColStrength:
			out.Strength = r.Strength
		case terminology.ColRoute:
			out.Route = r.Route
		case terminology.ColBrand:
			out.Brand = r.Brand
		}
	}
	return out
}

func (g *Gateway) QueryCodeInfo(ctx context.Context, q store.CodeQuery) ([]store.Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.count("QueryCodeInfo")
	if err := g.failTables[q.Table]; err != nil {
		return nil, err
	}
	var num *store.NumFilter
	if q.NumValue != "" {
		f, err := store.ParseNumFilter(q.NumValue)
		if err != nil {
			return nil, err
		}
		num = &f
	}
	var out []store.Record
	for _, r := range g.tables[q.Table] {
		if !matchCode(q, r.Code) || !inWindows(q.Windows, r) {
			continue
		}
		if num != nil && (r.NumValue == nil || !num.Match(*r.NumValue)) {
			continue
		}
		if q.TextValue != "" && r.TextValue != q.TextValue {
			continue
		}
		out = append(out, project(r, q.Columns))
	}
	if q.FirstMatch {
		out = store.FirstPerPatientCode(out)
	}
	return out, nil
}

func (g *Gateway) QuerySubcodes(ctx context.Context, codes []string, table string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.count("QuerySubcodes")
	seen := make(map[string]struct{})
	var out []string
	for _, r := range g.tables[table] {
		for _, c := range codes {
			if strings.HasPrefix(r.Code, c) {
				if _, ok := seen[r.Code]; !ok {
					seen[r.Code] = struct{}{}
					out = append(out, r.Code)
				}
				break
			}
		}
	}
	return out, nil
}

func (g *Gateway) QueryIcd9Icd10Map(ctx context.Context, codes []string, searchColumn string) ([]store.CodeMapping, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.count("QueryIcd9Icd10Map")
	want := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		want[c] = struct{}{}
	}
	var out []store.CodeMapping
	for _, m := range g.crosswalk {
		key := m.ICD10Code
		if searchColumn == store.ColICD9Code {
			key = m.ICD9Code
		}
		if _, ok := want[key]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (g *Gateway) QueryDeadPatients(ctx context.Context, windows timeline.Windows) ([]store.Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.count("QueryDeadPatients")
	var out []store.Record
	for _, p := range g.patients {
		if p.DateOfDeath == nil {
			continue
		}
		r := store.Record{PatientID: p.PatientID, Date: *p.DateOfDeath}
		if inWindows(windows, r) {
			out = append(out, r)
		}
	}
	store.SortByPatient(out)
	return out, nil
}

func (g *Gateway) QueryPatientInfo(ctx context.Context, patientIDs []string) ([]store.Patient, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.count("QueryPatientInfo")
	var out []store.Patient
	for _, id := range patientIDs {
		if p, ok := g.patients[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (g *Gateway) QueryCodeDescriptions(ctx context.Context, codes []string, systems []string) ([]store.CodeDescription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.count("QueryCodeDescriptions")
	var out []store.CodeDescription
	for _, d := range g.descriptions {
		if contains(codes, d.Code) && (len(systems) == 0 || contains(systems, d.CodeSystem)) {
			out = append(out, d)
		}
	}
	return out, nil
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}
