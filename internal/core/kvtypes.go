package core

import (
	"encoding/base64"
	"strconv"
)

// KVValueWithMetadata holds a value and its associated metadata.
type KVValueWithMetadata struct {
	Value    string
	Metadata *string
}

// KVListResult holds the result of a List operation with pagination info.
type KVListResult struct {
	Keys         []map[string]interface{}
	ListComplete bool
	Cursor       string // base64-encoded offset, empty when list is complete
}

// D1ExecResult holds the result of executing a SQL statement.
type D1ExecResult struct {
	Columns []string        `json:"columns"`
	Rows    [][]interface{} `json:"rows"`
	Meta    D1Meta          `json:"meta"`
}

// D1Meta holds metadata about a D1 query execution.
type D1Meta struct {
	ChangedDB   bool    `json:"changed_db"`
	Changes     int64   `json:"changes"`
	LastRowID   int64   `json:"last_row_id"`
	RowsRead    int     `json:"rows_read"`
	RowsWritten int     `json:"rows_written"`
	Duration    float64 `json:"duration"`
}

// MaxKVValueSize is the maximum size of a KV value (1 MB).
const MaxKVValueSize = 1 << 20

// MaxKVListLimit caps a single List page.
const MaxKVListLimit = 1000

// DecodeCursor decodes a base64-encoded cursor to an integer offset.
func DecodeCursor(cursor string) int {
	if cursor == "" {
		return 0
	}
	data, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return 0
	}
	offset, err := strconv.Atoi(string(data))
	if err != nil || offset < 0 {
		return 0
	}
	return offset
}

// EncodeCursor encodes an integer offset to a base64 cursor string.
func EncodeCursor(offset int) string {
	return base64.StdEncoding.EncodeToString([]byte(strconv.Itoa(offset)))
}
