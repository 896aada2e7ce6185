package store

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/synaptica-ai/eventchain/pkg/terminology"
	"github.com/synaptica-ai/eventchain/pkg/timeline"
)

// Patient table columns.
const (
	ColSex         = "sex"
	ColRace        = "race"
	ColEthnicity   = "ethnicity"
	ColDateOfBirth = "date_of_birth"
	ColDateOfDeath = "date_of_death"
	ColCodeSystem  = "code_system"
	ColDescription = "code_description"
)

// numFilterPattern is the whole num_value grammar: an optional comparison and
// one number. The value is spliced into raw SQL, so anything else is refused
// instead of passed through.
var numFilterPattern = regexp.MustCompile(`^\s*(<=|>=|!=|<|>|=)?\s*(-?\d+(?:\.\d+)?)\s*$`)

// NumFilter is a parsed num_value constraint such as ">10" or "<= 5.5".
type NumFilter struct {
	Op    string
	Value float64
}

// ParseNumFilter reads an optional comparison operator and a number. A bare
// number means equality.
func ParseNumFilter(expr string) (NumFilter, error) {
	m := numFilterPattern.FindStringSubmatch(expr)
	if m == nil {
		return NumFilter{}, fmt.Errorf("invalid num_value filter %q", expr)
	}
	op := m[1]
	if op == "" {
		op = "="
	}
	v, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return NumFilter{}, fmt.Errorf("invalid num_value filter %q: %w", expr, err)
	}
	return NumFilter{Op: op, Value: v}, nil
}

func (f NumFilter) Match(v float64) bool {
	switch f.Op {
	case "<":
		return v < f.Value
	case "<=":
		return v <= f.Value
	case ">":
		return v > f.Value
	case ">=":
		return v >= f.Value
	case "!=":
		return v != f.Value
	default:
		return v == f.Value
	}
}

func (f NumFilter) SQL(column string) string {
	op := f.Op
	if op == "!=" {
		op = "<>"
	}
	return fmt.Sprintf("%s %s %s", column, op, strconv.FormatFloat(f.Value, 'f', -1, 64))
}

// quote renders a string literal. Backslashes are dropped: codes and patient
// ids never carry them and MySQL and PostgreSQL disagree on escaping them.
func quote(v string) string {
	v = strings.ReplaceAll(v, `\`, "")
	v = strings.ReplaceAll(v, `'`, `''`)
	return "'" + v + "'"
}

func inExpr(column string, values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = quote(v)
	}
	return fmt.Sprintf("%s IN (%s)", column, strings.Join(quoted, ","))
}

func likeExpr(column string, prefixes []string) string {
	parts := make([]string, len(prefixes))
	for i, p := range prefixes {
		parts[i] = fmt.Sprintf("%s LIKE %s", column, quote(p+"%"))
	}
	return "(" + strings.Join(parts, " OR ") + ")"
}

// windowExpr restricts dateColumn per bucket. Empty buckets are skipped; an
// empty result means no restriction was requested.
func windowExpr(dateColumn string, ws timeline.Windows) string {
	var parts []string
	for _, b := range ws {
		if len(b.Patients) == 0 {
			continue
		}
		conds := []string{inExpr(terminology.ColPatientID, b.Patients)}
		if b.Start != nil {
			conds = append(conds, fmt.Sprintf("%s >= %d", dateColumn, timeline.DateKey(*b.Start)))
		}
		if b.End != nil {
			conds = append(conds, fmt.Sprintf("%s <= %d", dateColumn, timeline.DateKey(*b.End)))
		}
		parts = append(parts, "("+strings.Join(conds, " AND ")+")")
	}
	if len(parts) == 0 {
		return ""
	}
	return "(" + strings.Join(parts, " OR ") + ")"
}

func selectList(columns []string) string {
	if len(columns) == 0 {
		return "*"
	}
	return strings.Join(columns, ",")
}

func where(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

// BuildCodeInfoQuery renders the fact query for one request group.
func BuildCodeInfoQuery(q CodeQuery) (string, error) {
	if q.Table == "" {
		return "", fmt.Errorf("code info query without table")
	}
	var conds []string
	if len(q.Codes) > 0 {
		if q.IncludeSubcodes {
			conds = append(conds, likeExpr(terminology.ColCode, q.Codes))
		} else {
			conds = append(conds, inExpr(terminology.ColCode, q.Codes))
		}
	}
	if w := windowExpr(terminology.ColDate, q.Windows); w != "" {
		conds = append(conds, w)
	}
	if q.NumValue != "" {
		f, err := ParseNumFilter(q.NumValue)
		if err != nil {
			return "", err
		}
		conds = append(conds, f.SQL(terminology.ColNumValue))
	}
	if q.TextValue != "" {
		conds = append(conds, fmt.Sprintf("%s = %s", terminology.ColTextValue, quote(q.TextValue)))
	}
	return fmt.Sprintf("SELECT %s FROM %s%s", selectList(q.Columns), q.Table, where(conds)), nil
}

func BuildSubcodesQuery(codes []string, table string) string {
	return fmt.Sprintf("SELECT DISTINCT %s FROM %s WHERE %s", terminology.ColCode, table, likeExpr(terminology.ColCode, codes))
}

func BuildCrosswalkQuery(table string, codes []string, searchColumn string) (string, error) {
	if searchColumn != ColICD9Code && searchColumn != ColICD10Code {
		return "", fmt.Errorf("invalid crosswalk search column %q", searchColumn)
	}
	return fmt.Sprintf("SELECT %s,%s FROM %s WHERE %s", ColICD9Code, ColICD10Code, table, inExpr(searchColumn, codes)), nil
}

func BuildDeadPatientsQuery(table string, ws timeline.Windows) string {
	conds := []string{ColDateOfDeath + " IS NOT NULL"}
	if w := windowExpr(ColDateOfDeath, ws); w != "" {
		conds = append(conds, w)
	}
	return fmt.Sprintf("SELECT %s,%s FROM %s%s", terminology.ColPatientID, ColDateOfDeath, table, where(conds))
}

func BuildPatientInfoQuery(table string, ids []string) string {
	cols := []string{terminology.ColPatientID, ColSex, ColRace, ColEthnicity, ColDateOfBirth, ColDateOfDeath}
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s", selectList(cols), table, inExpr(terminology.ColPatientID, ids))
}

func BuildDescriptionsQuery(table string, codes []string, systems []string) string {
	conds := []string{inExpr(terminology.ColCode, codes)}
	if len(systems) > 0 {
		conds = append(conds, inExpr(ColCodeSystem, systems))
	}
	cols := []string{terminology.ColCode, ColCodeSystem, ColDescription}
	return fmt.Sprintf("SELECT %s FROM %s%s", selectList(cols), table, where(conds))
}

// sortedCopy is used for cache keys and stable SQL text.
func sortedCopy(values []string) []string {
	out := append([]string(nil), values...)
	sort.Strings(out)
	return out
}
