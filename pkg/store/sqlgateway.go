package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/synaptica-ai/eventchain/pkg/common/logger"
	"github.com/synaptica-ai/eventchain/pkg/terminology"
	"github.com/synaptica-ai/eventchain/pkg/timeline"
	"gorm.io/gorm"
)

// SQLGateway reads the clinical store through gorm raw queries.
type SQLGateway struct {
	db      *gorm.DB
	catalog terminology.Catalog
}

func NewSQLGateway(db *gorm.DB, catalog terminology.Catalog) *SQLGateway {
	return &SQLGateway{db: db, catalog: catalog}
}

type factRow struct {
	PatientID string   `gorm:"column:patient_id"`
	Code      string   `gorm:"column:code"`
	Date      int64    `gorm:"column:date"`
	NumValue  *float64 `gorm:"column:num_value"`
	TextValue *string  `gorm:"column:text_value"`
	Strength  *string  `gorm:"column:strength"`
	Route     *string  `gorm:"column:route"`
	Brand     *string  `gorm:"column:brand"`
}

type patientRow struct {
	PatientID   string  `gorm:"column:patient_id"`
	Sex         *string `gorm:"column:sex"`
	Race        *string `gorm:"column:race"`
	Ethnicity   *string `gorm:"column:ethnicity"`
	DateOfBirth *int64  `gorm:"column:date_of_birth"`
	DateOfDeath *int64  `gorm:"column:date_of_death"`
}

type mappingRow struct {
	ICD9Code  string `gorm:"column:icd9_code"`
	ICD10Code string `gorm:"column:icd10_code"`
}

type descriptionRow struct {
	Code        string  `gorm:"column:code"`
	CodeSystem  string  `gorm:"column:code_system"`
	Description *string `gorm:"column:code_description"`
}

func str(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// scanAll runs query and scans every row into T after checking that the
// result carries each of the wanted columns.
func scanAll[T any](ctx context.Context, db *gorm.DB, query string, wanted []string) ([]T, error) {
	rows, err := db.WithContext(ctx).Raw(query).Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if err := checkColumns(rows, wanted); err != nil {
		return nil, err
	}
	var out []T
	for rows.Next() {
		var item T
		if err := db.ScanRows(rows, &item); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func checkColumns(rows *sql.Rows, wanted []string) error {
	got, err := rows.Columns()
	if err != nil {
		return err
	}
	have := make(map[string]struct{}, len(got))
	for _, c := range got {
		have[c] = struct{}{}
	}
	for _, c := range wanted {
		if _, ok := have[c]; !ok {
			return fmt.Errorf("%w: %s", ErrMissingColumn, c)
		}
	}
	return nil
}

func dateFromKey(v int64) (time.Time, error) {
	d, err := timeline.ParseDateKey(v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid store date %d: %w", v, err)
	}
	return d, nil
}

func optionalDate(v *int64) *time.Time {
	if v == nil || *v == 0 {
		return nil
	}
	d, err := timeline.ParseDateKey(*v)
	if err != nil {
		return nil
	}
	return &d
}

func (g *SQLGateway) QueryCodeInfo(ctx context.Context, q CodeQuery) ([]Record, error) {
	query, err := BuildCodeInfoQuery(q)
	if err != nil {
		return nil, err
	}
	rows, err := scanAll[factRow](ctx, g.db, query, q.Columns)
	if err != nil {
		logger.Log.WithError(err).WithField("table", q.Table).Error("Code info query failed")
		return nil, fmt.Errorf("querying %s: %w", q.Table, err)
	}
	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		d, err := dateFromKey(row.Date)
		if err != nil {
			return nil, err
		}
		records = append(records, Record{
			PatientID: row.PatientID,
			Code:      row.Code,
			Date:      d,
			NumValue:  row.NumValue,
			TextValue: str(row.TextValue),
			Strength:  str(row.Strength),
			Route:     str(row.Route),
			Brand:     str(row.Brand),
		})
	}
	if q.FirstMatch {
		records = FirstPerPatientCode(records)
	}
	logger.Log.WithFields(map[string]interface{}{
		"table": q.Table,
		"codes": len(q.Codes),
		"rows":  len(records),
	}).Debug("Code info fetched")
	return records, nil
}

func (g *SQLGateway) QuerySubcodes(ctx context.Context, codes []string, table string) ([]string, error) {
	if len(codes) == 0 {
		return nil, nil
	}
	var subcodes []string
	err := g.db.WithContext(ctx).Raw(BuildSubcodesQuery(sortedCopy(codes), table)).Scan(&subcodes).Error
	if err != nil {
		return nil, fmt.Errorf("querying subcodes of %s: %w", table, err)
	}
	return subcodes, nil
}

func (g *SQLGateway) QueryIcd9Icd10Map(ctx context.Context, codes []string, searchColumn string) ([]CodeMapping, error) {
	if len(codes) == 0 {
		return nil, nil
	}
	query, err := BuildCrosswalkQuery(g.catalog.CrosswalkTable, sortedCopy(codes), searchColumn)
	if err != nil {
		return nil, err
	}
	rows, err := scanAll[mappingRow](ctx, g.db, query, []string{ColICD9Code, ColICD10Code})
	if err != nil {
		return nil, fmt.Errorf("querying crosswalk: %w", err)
	}
	out := make([]CodeMapping, len(rows))
	for i, r := range rows {
		out[i] = CodeMapping{ICD9Code: r.ICD9Code, ICD10Code: r.ICD10Code}
	}
	return out, nil
}

func (g *SQLGateway) QueryDeadPatients(ctx context.Context, windows timeline.Windows) ([]Record, error) {
	query := BuildDeadPatientsQuery(g.catalog.PatientTable, windows)
	rows, err := scanAll[patientRow](ctx, g.db, query, []string{terminology.ColPatientID, ColDateOfDeath})
	if err != nil {
		return nil, fmt.Errorf("querying dead patients: %w", err)
	}
	var out []Record
	for _, r := range rows {
		if d := optionalDate(r.DateOfDeath); d != nil {
			out = append(out, Record{PatientID: r.PatientID, Date: *d})
		}
	}
	return out, nil
}

func (g *SQLGateway) QueryPatientInfo(ctx context.Context, patientIDs []string) ([]Patient, error) {
	var out []Patient
	wanted := []string{terminology.ColPatientID, ColSex, ColRace, ColEthnicity, ColDateOfBirth, ColDateOfDeath}
	for start := 0; start < len(patientIDs); start += timeline.RequestGroupSize {
		end := start + timeline.RequestGroupSize
		if end > len(patientIDs) {
			end = len(patientIDs)
		}
		query := BuildPatientInfoQuery(g.catalog.PatientTable, patientIDs[start:end])
		rows, err := scanAll[patientRow](ctx, g.db, query, wanted)
		if err != nil {
			return nil, fmt.Errorf("querying patient info: %w", err)
		}
		for _, r := range rows {
			out = append(out, Patient{
				PatientID:   r.PatientID,
				Sex:         str(r.Sex),
				Race:        str(r.Race),
				Ethnicity:   str(r.Ethnicity),
				DateOfBirth: optionalDate(r.DateOfBirth),
				DateOfDeath: optionalDate(r.DateOfDeath),
			})
		}
	}
	return out, nil
}

func (g *SQLGateway) QueryCodeDescriptions(ctx context.Context, codes []string, systems []string) ([]CodeDescription, error) {
	if len(codes) == 0 {
		return nil, nil
	}
	query := BuildDescriptionsQuery(g.catalog.DescriptionsTable, sortedCopy(codes), systems)
	rows, err := scanAll[descriptionRow](ctx, g.db, query, []string{terminology.ColCode, ColCodeSystem, ColDescription})
	if err != nil {
		return nil, fmt.Errorf("querying code descriptions: %w", err)
	}
	out := make([]CodeDescription, len(rows))
	for i, r := range rows {
		out[i] = CodeDescription{Code: r.Code, CodeSystem: r.CodeSystem, Description: str(r.Description)}
	}
	return out, nil
}
