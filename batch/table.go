package batch

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/url"

	"github.com/kwv/batchfit/fit"
)

// RowHeader is the first header cell of an RMS table.
const RowHeader = "group"

// Table is the shared RMS table: one column per subject (or sweep run), one
// row per group plus the total row. Missing cells are empty, not zero.
type Table struct {
	columns []string
	rows    map[string]bool
	cells   map[string]map[string]float64 // column -> row -> value
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{
		rows:  make(map[string]bool),
		cells: make(map[string]map[string]float64),
	}
}

// Set replaces column with values. A new column is appended after the
// existing ones.
func (t *Table) Set(column string, values map[string]float64) {
	if _, ok := t.cells[column]; !ok {
		t.columns = append(t.columns, column)
	}
	col := make(map[string]float64, len(values))
	for row, v := range values {
		col[row] = v
		t.rows[row] = true
	}
	t.cells[column] = col
}

// SetReport stores a report as column, total row included.
func (t *Table) SetReport(column string, r fit.Report) {
	t.Set(column, r.Column())
}

// Merge outer-joins other into t. Columns present in both take other's values.
func (t *Table) Merge(other *Table) {
	for row := range other.rows {
		t.rows[row] = true
	}
	for _, c := range other.columns {
		t.Set(c, other.cells[c])
	}
}

// Columns returns the column names in insertion order.
func (t *Table) Columns() []string {
	return append([]string(nil), t.columns...)
}

// Rows returns the row names sorted, with the total row last.
func (t *Table) Rows() []string {
	rows := make([]string, 0, len(t.rows))
	hasTotal := false
	for r := range t.rows {
		if r == fit.TotalKey {
			hasTotal = true
			continue
		}
		rows = append(rows, r)
	}
	sort.Strings(rows)
	if hasTotal {
		rows = append(rows, fit.TotalKey)
	}
	return rows
}

// Get returns the cell at (row, column).
func (t *Table) Get(row, column string) (float64, bool) {
	v, ok := t.cells[column][row]
	return v, ok
}

// Column returns a copy of one column.
func (t *Table) Column(column string) (map[string]float64, bool) {
	col, ok := t.cells[column]
	if !ok {
		return nil, false
	}
	out := make(map[string]float64, len(col))
	for k, v := range col {
		out[k] = v
	}
	return out, true
}

// Len returns the number of columns.
func (t *Table) Len() int {
	return len(t.columns)
}

// WriteCSV encodes the table with a "group" header cell followed by the
// column names.
func (t *Table) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(append([]string{RowHeader}, t.columns...)); err != nil {
		return err
	}
	for _, row := range t.Rows() {
		record := make([]string, 0, len(t.columns)+1)
		record = append(record, row)
		for _, c := range t.columns {
			if v, ok := t.cells[c][row]; ok {
				record = append(record, strconv.FormatFloat(v, 'g', -1, 64))
			} else {
				record = append(record, "")
			}
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV decodes a table written by WriteCSV.
func ReadCSV(r io.Reader) (*Table, error) {
	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing RMS table: %w", err)
	}
	t := NewTable()
	if len(records) == 0 {
		return t, nil
	}
	header := records[0]
	if len(header) == 0 {
		return nil, fmt.Errorf("parsing RMS table: empty header")
	}
	columns := header[1:]
	for _, c := range columns {
		t.Set(c, nil)
	}
	for i, rec := range records[1:] {
		if len(rec) != len(header) {
			return nil, fmt.Errorf("parsing RMS table: row %d has %d cells, want %d", i+1, len(rec), len(header))
		}
		row := rec[0]
		t.rows[row] = true
		for j, cell := range rec[1:] {
			if cell == "" {
				continue
			}
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return nil, fmt.Errorf("parsing RMS table: row %q column %q: %w", row, columns[j], err)
			}
			t.cells[columns[j]][row] = v
		}
	}
	return t, nil
}

// ReadTable loads the table at location. A missing resource reads as an
// empty table.
func ReadTable(ctx context.Context, fs afs.Service, location string) (*Table, error) {
	location = url.Normalize(location, file.Scheme)
	exists, err := fs.Exists(ctx, location)
	if err != nil {
		return nil, err
	}
	if !exists {
		return NewTable(), nil
	}
	data, err := fs.DownloadWithURL(ctx, location)
	if err != nil {
		return nil, err
	}
	return ReadCSV(bytes.NewReader(data))
}

// WriteTable stores t at location, replacing any previous content.
func WriteTable(ctx context.Context, fs afs.Service, location string, t *Table) error {
	var buf bytes.Buffer
	if err := t.WriteCSV(&buf); err != nil {
		return &fit.OutputWriteError{Path: location, Err: err}
	}
	if err := fs.Upload(ctx, url.Normalize(location, file.Scheme), file.DefaultFileOsMode, &buf); err != nil {
		return &fit.OutputWriteError{Path: location, Err: err}
	}
	return nil
}

// MergeIntoFile reads the table at location, merges update into it and
// writes the result back.
func MergeIntoFile(ctx context.Context, fs afs.Service, location string, update *Table) (*Table, error) {
	t, err := ReadTable(ctx, fs, location)
	if err != nil {
		return nil, err
	}
	t.Merge(update)
	if err := WriteTable(ctx, fs, location, t); err != nil {
		return nil, err
	}
	return t, nil
}
