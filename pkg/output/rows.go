package output

import (
	"time"

	"github.com/synaptica-ai/eventchain/pkg/cohort"
	"github.com/synaptica-ai/eventchain/pkg/store"
)

// PatientRow mirrors the patients table: one row per index patient.
type PatientRow struct {
	PatientID   string  `parquet:"patient_id"`
	Sex         *string `parquet:"sex,optional"`
	Race        *string `parquet:"race,optional"`
	Ethnicity   *string `parquet:"ethnicity,optional"`
	DateOfBirth *string `parquet:"date_of_birth,optional"`
	DateOfDeath *string `parquet:"date_of_death,optional"`
}

// EventCodeRow mirrors the events metadata table.
type EventCodeRow struct {
	Code            string  `parquet:"code"`
	Category        string  `parquet:"category"`
	CodeDescription string  `parquet:"code_description"`
	EventName       *string `parquet:"event_name,optional"`
	EventID         string  `parquet:"event_id"`
	Level           string  `parquet:"level"`
}

func PatientRows(patients []store.Patient) []PatientRow {
	rows := make([]PatientRow, len(patients))
	for i, p := range patients {
		rows[i] = PatientRow{
			PatientID:   p.PatientID,
			Sex:         optional(p.Sex),
			Race:        optional(p.Race),
			Ethnicity:   optional(p.Ethnicity),
			DateOfBirth: optionalDate(p.DateOfBirth),
			DateOfDeath: optionalDate(p.DateOfDeath),
		}
	}
	return rows
}

func EventCodeRows(codes []cohort.EventCode) []EventCodeRow {
	rows := make([]EventCodeRow, len(codes))
	for i, c := range codes {
		rows[i] = EventCodeRow{
			Code:            c.Code,
			Category:        c.Category,
			CodeDescription: c.Description,
			EventName:       optional(c.EventName),
			EventID:         c.EventID,
			Level:           c.Level,
		}
	}
	return rows
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func optionalDate(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format("2006-01-02")
	return &s
}
