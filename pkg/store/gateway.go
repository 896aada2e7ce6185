// Package store is the read side of the clinical events database: the Gateway
// contract the resolvers query through, its gorm implementation and a Redis
// read-through cache for the terminology lookups.
package store

import (
	"context"
	"errors"

	"github.com/synaptica-ai/eventchain/pkg/timeline"
)

// ErrMissingColumn means a query result lacks a column the caller selected.
var ErrMissingColumn = errors.New("query result is missing a column")

// Crosswalk search columns.
const (
	ColICD9Code  = "icd9_code"
	ColICD10Code = "icd10_code"
)

// CodeQuery selects fact rows from one table for one request group.
type CodeQuery struct {
	Table   string
	Columns []string
	// Codes empty means any code.
	Codes           []string
	IncludeSubcodes bool
	// Windows nil means every patient at any date.
	Windows    timeline.Windows
	FirstMatch bool
	NumValue   string
	TextValue  string
}

// Gateway runs read-only queries against the clinical store. Implementations
// must be safe for concurrent use.
type Gateway interface {
	QueryCodeInfo(ctx context.Context, q CodeQuery) ([]Record, error)
	QuerySubcodes(ctx context.Context, codes []string, table string) ([]string, error)
	QueryIcd9Icd10Map(ctx context.Context, codes []string, searchColumn string) ([]CodeMapping, error)
	// QueryDeadPatients returns rows with Code empty and Date the date of death.
	QueryDeadPatients(ctx context.Context, windows timeline.Windows) ([]Record, error)
	QueryPatientInfo(ctx context.Context, patientIDs []string) ([]Patient, error)
	QueryCodeDescriptions(ctx context.Context, codes []string, systems []string) ([]CodeDescription, error)
}
