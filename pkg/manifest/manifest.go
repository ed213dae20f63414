// Package manifest parses the per-chunk manifest that enumerates the
// tables and row counts a staging job has to load.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
)

// TableData describes one logical table inside a chunk.
type TableData struct {
	RowCount int64 `json:"row_count"`
}

// Manifest is the per-chunk metadata file. One manifest exists per chunk,
// located deterministically from the chunk id (see ObjectKey).
type Manifest struct {
	TableData map[string]TableData `json:"table_data"`
}

// Parse reads and validates a manifest. A manifest without table data is
// rejected: the staging job has nothing to act on and the chunk upload was
// incomplete or corrupt.
func Parse(r io.Reader) (*Manifest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	if len(m.TableData) == 0 {
		return nil, errors.New("manifest is missing 'table_data' or it is empty")
	}
	return &m, nil
}

// Tables returns the table names in deterministic order.
func (m *Manifest) Tables() []string {
	names := make([]string, 0, len(m.TableData))
	for name := range m.TableData {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ObjectKey returns the object key of the manifest for a chunk, relative
// to the chunk folder prefix.
func ObjectKey(prefix string, chunkID int64) string {
	return fmt.Sprintf("%s/chunk_%d.manifest.json", prefix, chunkID)
}

// TableFileKey returns the object key of a table's columnar file, relative
// to the chunk folder prefix.
func TableFileKey(prefix, table string) string {
	return fmt.Sprintf("%s/%s.parquet", prefix, table)
}

// StagingTableName returns the staging variant of a production table name.
// The convention is a leading underscore and a "_staging" suffix.
func StagingTableName(table string) string {
	return fmt.Sprintf("_%s_staging", table)
}
