package store

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Record is one clinical fact row: a code observed for a patient on a date.
// Optional attributes are empty when the query did not select them.
type Record struct {
	PatientID string
	Code      string
	Date      time.Time
	EventID   string
	NumValue  *float64
	TextValue string
	Strength  string
	Route     string
	Brand     string
}

// Key identifies a record by every column, for exact-duplicate removal.
func (r Record) Key() string {
	var b strings.Builder
	b.WriteString(r.PatientID)
	b.WriteByte(0)
	b.WriteString(r.Code)
	b.WriteByte(0)
	b.WriteString(r.Date.Format("20060102"))
	b.WriteByte(0)
	b.WriteString(r.EventID)
	b.WriteByte(0)
	if r.NumValue != nil {
		b.WriteString(strconv.FormatFloat(*r.NumValue, 'g', -1, 64))
	}
	for _, s := range []string{r.TextValue, r.Strength, r.Route, r.Brand} {
		b.WriteByte(0)
		b.WriteString(s)
	}
	return b.String()
}

// Dedup drops exact duplicates, keeping first occurrences in order.
func Dedup(records []Record) []Record {
	if len(records) == 0 {
		return records
	}
	seen := make(map[string]struct{}, len(records))
	out := make([]Record, 0, len(records))
	for _, r := range records {
		k := r.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, r)
	}
	return out
}

// FirstPerPatientCode keeps, for every (patient, code), the rows on the
// earliest date.
func FirstPerPatientCode(records []Record) []Record {
	earliest := make(map[string]time.Time)
	key := func(r Record) string { return r.PatientID + "\x00" + r.Code }
	for _, r := range records {
		k := key(r)
		if d, ok := earliest[k]; !ok || r.Date.Before(d) {
			earliest[k] = r.Date
		}
	}
	out := make([]Record, 0, len(earliest))
	for _, r := range records {
		if r.Date.Equal(earliest[key(r)]) {
			out = append(out, r)
		}
	}
	return out
}

// SortByPatient orders records by patient, date, then code.
func SortByPatient(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.PatientID != b.PatientID {
			return a.PatientID < b.PatientID
		}
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		return a.Code < b.Code
	})
}

// Patient is the demographic row of the patient table.
type Patient struct {
	PatientID   string
	Sex         string
	Race        string
	Ethnicity   string
	DateOfBirth *time.Time
	DateOfDeath *time.Time
}

// CodeMapping is one crosswalk pair.
type CodeMapping struct {
	ICD9Code  string
	ICD10Code string
}

type CodeDescription struct {
	Code        string
	CodeSystem  string
	Description string
}
