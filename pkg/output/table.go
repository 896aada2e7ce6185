// Package output lays out a study's result directory and writes its tables
// as parquet files.
package output

import (
	"fmt"
	"sort"
	"time"
)

type Kind int

const (
	KindString Kind = iota
	KindInt64
	KindDouble
	KindDate
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt64:
		return "int64"
	case KindDouble:
		return "double"
	case KindDate:
		return "date"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

type Column struct {
	Name string
	Kind Kind
}

// Table is a column-typed row set. A nil cell is null; other cells hold a
// string, int64, float64 or time.Time matching the column kind.
type Table struct {
	Columns []Column
	Rows    [][]interface{}
}

func NewTable(columns ...Column) *Table {
	return &Table{Columns: columns}
}

// Index returns the position of the named column, -1 when absent.
func (t *Table) Index(name string) int {
	for i, c := range t.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Append adds one row. The row must have one cell per column.
func (t *Table) Append(cells ...interface{}) error {
	if len(cells) != len(t.Columns) {
		return fmt.Errorf("row has %d cells, table has %d columns", len(cells), len(t.Columns))
	}
	for i, v := range cells {
		if v == nil {
			continue
		}
		if err := checkKind(t.Columns[i], v); err != nil {
			return err
		}
	}
	t.Rows = append(t.Rows, cells)
	return nil
}

func checkKind(c Column, v interface{}) error {
	ok := false
	switch v.(type) {
	case string:
		ok = c.Kind == KindString
	case int64:
		ok = c.Kind == KindInt64
	case float64:
		ok = c.Kind == KindDouble
	case time.Time:
		ok = c.Kind == KindDate
	}
	if !ok {
		return fmt.Errorf("column %s: %T does not fit %s", c.Name, v, c.Kind)
	}
	return nil
}

// Column returns every cell of the named column in row order.
func (t *Table) Column(name string) []interface{} {
	i := t.Index(name)
	if i < 0 {
		return nil
	}
	out := make([]interface{}, len(t.Rows))
	for r, row := range t.Rows {
		out[r] = row[i]
	}
	return out
}

// SortBy orders rows by the named string column, stable on ties.
func (t *Table) SortBy(name string) {
	i := t.Index(name)
	if i < 0 {
		return
	}
	sort.SliceStable(t.Rows, func(a, b int) bool {
		x, _ := t.Rows[a][i].(string)
		y, _ := t.Rows[b][i].(string)
		return x < y
	})
}
