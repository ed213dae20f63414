package stage

import (
	"errors"
	"fmt"
	"io"

	"github.com/parquet-go/parquet-go"
)

// RowSource yields the rows of one table file. Next returns io.EOF after
// the last row.
type RowSource interface {
	Columns() []string
	Next() ([]any, error)
	Close() error
}

// parquetRows streams rows out of a parquet file by iterating row groups,
// so a large table file never has to be fully decoded in memory.
type parquetRows struct {
	file    *parquet.File
	columns []string
	closer  io.Closer // underlying temp file, if any

	rowGroups    []parquet.RowGroup
	currentRGIdx int
	currentRows  parquet.Rows
	rowBuf       []parquet.Row
	bufIdx       int
	bufLen       int
}

// NewParquetRows opens a parquet file over r and exposes its rows. The
// optional closer is closed along with the reader (used for the downloaded
// temp file).
func NewParquetRows(r io.ReaderAt, size int64, closer io.Closer) (RowSource, error) {
	file, err := parquet.OpenFile(r, size)
	if err != nil {
		return nil, fmt.Errorf("open parquet file: %w", err)
	}

	fields := file.Schema().Fields()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = f.Name()
	}

	return &parquetRows{
		file:         file,
		columns:      columns,
		closer:       closer,
		rowGroups:    file.RowGroups(),
		currentRGIdx: -1,
		rowBuf:       make([]parquet.Row, 1024),
	}, nil
}

// Columns returns the column names in schema order.
func (p *parquetRows) Columns() []string {
	return p.columns
}

// Next returns the next row as one value per column.
func (p *parquetRows) Next() ([]any, error) {
	for {
		if p.bufIdx < p.bufLen {
			row := p.rowBuf[p.bufIdx]
			p.bufIdx++
			return p.convertRow(row), nil
		}

		if p.currentRows != nil {
			n, err := p.currentRows.ReadRows(p.rowBuf)
			if n > 0 {
				p.bufIdx = 0
				p.bufLen = n
				continue
			}
			if err != nil && !errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("read parquet rows: %w", err)
			}
			p.currentRows.Close()
			p.currentRows = nil
		}

		p.currentRGIdx++
		if p.currentRGIdx >= len(p.rowGroups) {
			return nil, io.EOF
		}
		p.currentRows = p.rowGroups[p.currentRGIdx].Rows()
	}
}

// convertRow maps parquet leaf values onto one slot per column.
func (p *parquetRows) convertRow(row parquet.Row) []any {
	vals := make([]any, len(p.columns))
	for _, v := range row {
		idx := v.Column()
		if idx < 0 || idx >= len(vals) || v.IsNull() {
			continue
		}
		switch v.Kind() {
		case parquet.Boolean:
			vals[idx] = v.Boolean()
		case parquet.Int32:
			vals[idx] = v.Int32()
		case parquet.Int64:
			vals[idx] = v.Int64()
		case parquet.Float:
			vals[idx] = v.Float()
		case parquet.Double:
			vals[idx] = v.Double()
		default:
			vals[idx] = v.String()
		}
	}
	return vals
}

// Close releases the parquet cursors and the underlying file.
func (p *parquetRows) Close() error {
	if p.currentRows != nil {
		p.currentRows.Close()
		p.currentRows = nil
	}
	if p.closer != nil {
		return p.closer.Close()
	}
	return nil
}
