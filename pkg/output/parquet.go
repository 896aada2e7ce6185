package output

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"
)

// Writer persists one table at a path.
type Writer interface {
	WriteTable(path string, t *Table) error
}

var epoch = time.Unix(0, 0).UTC()

type ParquetWriter struct{}

func NewParquetWriter() ParquetWriter {
	return ParquetWriter{}
}

// WriteTable writes t as a parquet file with one optional leaf per column.
// Dates use the DATE logical type.
func (ParquetWriter) WriteTable(path string, t *Table) error {
	schema := t.schema(filepath.Base(path))
	index := make([]int, len(t.Columns))
	for i, c := range t.Columns {
		leaf, ok := schema.Lookup(c.Name)
		if !ok {
			return fmt.Errorf("column %s missing from schema", c.Name)
		}
		index[i] = leaf.ColumnIndex
	}

	rows := make([]parquet.Row, len(t.Rows))
	for r, cells := range t.Rows {
		row := make(parquet.Row, len(cells))
		for i, v := range cells {
			col := index[i]
			if v == nil {
				row[col] = parquet.NullValue().Level(0, 0, col)
				continue
			}
			row[col] = toValue(v).Level(0, 1, col)
		}
		rows[r] = row
	}

	return writeAtomic(path, func(f *os.File) error {
		w := parquet.NewWriter(f, schema)
		if _, err := w.WriteRows(rows); err != nil {
			return err
		}
		return w.Close()
	})
}

func (t *Table) schema(name string) *parquet.Schema {
	group := make(parquet.Group, len(t.Columns))
	for _, c := range t.Columns {
		group[c.Name] = parquet.Optional(leafNode(c.Kind))
	}
	return parquet.NewSchema(name, group)
}

func leafNode(k Kind) parquet.Node {
	switch k {
	case KindInt64:
		return parquet.Int(64)
	case KindDouble:
		return parquet.Leaf(parquet.DoubleType)
	case KindDate:
		return parquet.Date()
	default:
		return parquet.String()
	}
}

func toValue(v interface{}) parquet.Value {
	switch x := v.(type) {
	case string:
		return parquet.ByteArrayValue([]byte(x))
	case int64:
		return parquet.Int64Value(x)
	case float64:
		return parquet.DoubleValue(x)
	case time.Time:
		return parquet.Int32Value(int32(daysSinceEpoch(x)))
	}
	return parquet.NullValue()
}

func daysSinceEpoch(t time.Time) int {
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return int(d.Sub(epoch).Hours() / 24)
}

// WriteRows writes a fixed-schema table from tagged structs.
func WriteRows[T any](path string, rows []T) error {
	return writeAtomic(path, func(f *os.File) error {
		w := parquet.NewGenericWriter[T](f)
		if _, err := w.Write(rows); err != nil {
			return err
		}
		return w.Close()
	})
}

// writeAtomic writes through a temporary file renamed into place, so readers
// never see a partial table.
func writeAtomic(path string, write func(f *os.File) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	if err := write(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// ReadTable loads a file written by WriteTable. Columns come back in
// schema order, which is sorted by name.
func ReadTable(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := parquet.NewReader(f)
	defer r.Close()

	schema := r.Schema()
	t := &Table{}
	for _, p := range schema.Columns() {
		leaf, ok := schema.Lookup(p...)
		if !ok {
			return nil, fmt.Errorf("column %v missing from schema", p)
		}
		t.Columns = append(t.Columns, Column{Name: p[len(p)-1], Kind: kindOf(leaf.Node)})
	}

	buf := make([]parquet.Row, 128)
	for {
		n, err := r.ReadRows(buf)
		for _, row := range buf[:n] {
			cells := make([]interface{}, len(t.Columns))
			for _, v := range row {
				col := v.Column()
				if col < 0 || col >= len(cells) || v.IsNull() {
					continue
				}
				cells[col] = fromValue(v, t.Columns[col].Kind)
			}
			t.Rows = append(t.Rows, cells)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		if n == 0 {
			break
		}
	}
	return t, nil
}

func kindOf(n parquet.Node) Kind {
	switch n.Type().Kind() {
	case parquet.Int32:
		return KindDate
	case parquet.Int64:
		return KindInt64
	case parquet.Double:
		return KindDouble
	default:
		return KindString
	}
}

func fromValue(v parquet.Value, k Kind) interface{} {
	switch k {
	case KindDate:
		return epoch.AddDate(0, 0, int(v.Int32()))
	case KindInt64:
		return v.Int64()
	case KindDouble:
		return v.Double()
	default:
		return string(v.ByteArray())
	}
}

// MemoryWriter keeps tables in memory, keyed by path.
type MemoryWriter struct {
	mu     sync.Mutex
	tables map[string]*Table
}

func NewMemoryWriter() *MemoryWriter {
	return &MemoryWriter{tables: make(map[string]*Table)}
}

func (m *MemoryWriter) WriteTable(path string, t *Table) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[path] = t
	return nil
}

func (m *MemoryWriter) Table(path string) (*Table, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[path]
	return t, ok
}

// Paths lists written paths, sorted.
func (m *MemoryWriter) Paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.tables))
	for p := range m.tables {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
