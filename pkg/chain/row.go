package chain

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/synaptica-ai/eventchain/pkg/experiment"
	"github.com/synaptica-ai/eventchain/pkg/output"
	"github.com/synaptica-ai/eventchain/pkg/store"
	"github.com/synaptica-ai/eventchain/pkg/terminology"
)

const (
	ColPatientID = terminology.ColPatientID
	ColTotalTime = "total_time"
)

// Row is one path through consecutive levels. Cells[i] is the event at level
// First+i; Distances[i] is the day count between Cells[i] and Cells[i+1].
type Row struct {
	First     int
	Cells     []store.Record
	Distances []int
}

func (r Row) PatientID() string {
	if len(r.Cells) == 0 {
		return ""
	}
	return r.Cells[0].PatientID
}

// Last is the event at the deepest level of the row.
func (r Row) Last() store.Record {
	return r.Cells[len(r.Cells)-1]
}

// TotalTime sums every distance of the row.
func (r Row) TotalTime() int {
	n := 0
	for _, d := range r.Distances {
		n += d
	}
	return n
}

func (r Row) key() string {
	var b strings.Builder
	for _, c := range r.Cells {
		b.WriteString(c.Key())
		b.WriteByte(1)
	}
	for _, d := range r.Distances {
		b.WriteString(strconv.Itoa(d))
		b.WriteByte(1)
	}
	return b.String()
}

func dedupRows(rows []Row) []Row {
	seen := make(map[string]struct{}, len(rows))
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		k := r.key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, r)
	}
	return out
}

func single(level int, records []store.Record) []Row {
	rows := make([]Row, len(records))
	for i, r := range records {
		rows[i] = Row{First: level, Cells: []store.Record{r}}
	}
	return rows
}

// Suffixed names a per-level column the way every chain table does.
func Suffixed(column string, level int) string {
	return fmt.Sprintf("%s_%d", column, level)
}

// DistanceColumn is the day count from level to level+1.
func DistanceColumn(level int) string {
	return Suffixed("t", level)
}

var attributeOrder = []string{
	terminology.ColNumValue,
	terminology.ColTextValue,
	terminology.ColStrength,
	terminology.ColRoute,
	terminology.ColBrand,
}

// layout is the column set one level contributes to a chain table.
type layout struct {
	level      int
	attributes []string
}

func layoutFor(catalog terminology.Catalog, lvl experiment.Level) layout {
	present := make(map[string]bool)
	for _, ev := range lvl.Events {
		for _, c := range catalog.Columns(ev) {
			present[c] = true
		}
	}
	l := layout{level: lvl.Level}
	for _, c := range attributeOrder {
		if present[c] {
			l.attributes = append(l.attributes, c)
		}
	}
	return l
}

func (l layout) columns() []output.Column {
	cols := []output.Column{
		{Name: Suffixed(terminology.ColCode, l.level), Kind: output.KindString},
		{Name: Suffixed(terminology.ColDate, l.level), Kind: output.KindDate},
		{Name: Suffixed(terminology.ColEventID, l.level), Kind: output.KindString},
	}
	for _, a := range l.attributes {
		kind := output.KindString
		if a == terminology.ColNumValue {
			kind = output.KindDouble
		}
		cols = append(cols, output.Column{Name: Suffixed(a, l.level), Kind: kind})
	}
	return cols
}

func (l layout) cells(r store.Record) []interface{} {
	cells := []interface{}{r.Code, r.Date, r.EventID}
	for _, a := range l.attributes {
		cells = append(cells, attribute(r, a))
	}
	return cells
}

func attribute(r store.Record, column string) interface{} {
	var s string
	switch column {
	case terminology.ColNumValue:
		if r.NumValue == nil {
			return nil
		}
		return *r.NumValue
	case terminology.ColTextValue:
		s = r.TextValue
	case terminology.ColStrength:
		s = r.Strength
	case terminology.ColRoute:
		s = r.Route
	case terminology.ColBrand:
		s = r.Brand
	}
	if s == "" {
		return nil
	}
	return s
}

// toTable renders rows covering layouts[0..] in level order: each level's
// columns followed by the distance to the next. withTotal adds total_time.
func toTable(rows []Row, layouts []layout, withTotal bool) (*output.Table, error) {
	cols := []output.Column{{Name: ColPatientID, Kind: output.KindString}}
	for i, l := range layouts {
		cols = append(cols, l.columns()...)
		if i < len(layouts)-1 {
			cols = append(cols, output.Column{Name: DistanceColumn(l.level), Kind: output.KindInt64})
		}
	}
	if withTotal {
		cols = append(cols, output.Column{Name: ColTotalTime, Kind: output.KindInt64})
	}

	t := output.NewTable(cols...)
	for _, r := range rows {
		if len(r.Cells) != len(layouts) {
			return nil, fmt.Errorf("row spans %d levels, table has %d", len(r.Cells), len(layouts))
		}
		cells := []interface{}{r.PatientID()}
		for i, l := range layouts {
			cells = append(cells, l.cells(r.Cells[i])...)
			if i < len(layouts)-1 {
				cells = append(cells, int64(r.Distances[i]))
			}
		}
		if withTotal {
			cells = append(cells, int64(r.TotalTime()))
		}
		if err := t.Append(cells...); err != nil {
			return nil, err
		}
	}
	t.SortBy(ColPatientID)
	return t, nil
}
