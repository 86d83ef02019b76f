package emulator

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cryguy/workerdev/internal/core"
)

// D1Database is an emulated D1 binding backed by its own sqlite database.
type D1Database struct {
	DB         *sql.DB
	DatabaseID string
}

var _ core.D1Store = (*D1Database)(nil)

// OpenD1Database opens (or creates) the sqlite database for databaseID under
// {dataDir}/d1/{databaseID}.sqlite3.
func OpenD1Database(dataDir, databaseID string) (*D1Database, error) {
	if err := ValidateDatabaseID(databaseID); err != nil {
		return nil, err
	}
	d1Dir := filepath.Join(dataDir, "d1")
	if err := os.MkdirAll(d1Dir, 0755); err != nil {
		return nil, fmt.Errorf("creating D1 directory: %w", err)
	}
	db, err := openSQLite(filepath.Join(d1Dir, databaseID+".sqlite3"))
	if err != nil {
		return nil, fmt.Errorf("opening D1 database %q: %w", databaseID, err)
	}
	return &D1Database{DB: db, DatabaseID: databaseID}, nil
}

// NewD1DatabaseMemory creates an in-memory D1 database.
func NewD1DatabaseMemory(databaseID string) (*D1Database, error) {
	db, err := openSQLite("")
	if err != nil {
		return nil, fmt.Errorf("opening in-memory D1 database %q: %w", databaseID, err)
	}
	return &D1Database{DB: db, DatabaseID: databaseID}, nil
}

// Close closes the underlying database connection.
func (d *D1Database) Close() error {
	if d.DB != nil {
		return d.DB.Close()
	}
	return nil
}

var allowedPragmas = []string{
	"PRAGMA TABLE_INFO", "PRAGMA TABLE_LIST", "PRAGMA INDEX_LIST",
	"PRAGMA INDEX_INFO", "PRAGMA FOREIGN_KEY_LIST", "PRAGMA JOURNAL_MODE",
}

func checkStatement(upperSQL string) error {
	for _, blocked := range []string{"ATTACH", "DETACH"} {
		if strings.HasPrefix(upperSQL, blocked) {
			return fmt.Errorf("D1: %s statements are not allowed", blocked)
		}
	}
	if !strings.HasPrefix(upperSQL, "PRAGMA") {
		return nil
	}
	for _, a := range allowedPragmas {
		if strings.HasPrefix(upperSQL, a) {
			return nil
		}
	}
	return fmt.Errorf("D1: this PRAGMA is not allowed")
}

func isQuery(upperSQL string) bool {
	if strings.Contains(upperSQL, " RETURNING ") {
		return true
	}
	for _, p := range []string{"SELECT", "PRAGMA", "WITH", "VALUES", "EXPLAIN"} {
		if strings.HasPrefix(upperSQL, p) {
			return true
		}
	}
	return false
}

// Exec runs one SQL statement with positional bindings.
func (d *D1Database) Exec(sqlStr string, bindings []interface{}) (*core.D1ExecResult, error) {
	upperSQL := strings.TrimSpace(strings.ToUpper(sqlStr))
	if err := checkStatement(upperSQL); err != nil {
		return nil, err
	}

	start := time.Now()
	if isQuery(upperSQL) {
		result, err := d.query(sqlStr, bindings)
		if err != nil {
			return nil, err
		}
		result.Meta.Duration = float64(time.Since(start).Microseconds()) / 1000
		return result, nil
	}

	res, err := d.DB.Exec(sqlStr, bindings...)
	if err != nil {
		return nil, fmt.Errorf("D1: exec error: %w", err)
	}
	changes, _ := res.RowsAffected()
	lastID, _ := res.LastInsertId()

	return &core.D1ExecResult{
		Columns: []string{},
		Rows:    [][]interface{}{},
		Meta: core.D1Meta{
			ChangedDB:   changes > 0,
			Changes:     changes,
			LastRowID:   lastID,
			RowsWritten: int(changes),
			Duration:    float64(time.Since(start).Microseconds()) / 1000,
		},
	}, nil
}

func (d *D1Database) query(sqlStr string, bindings []interface{}) (*core.D1ExecResult, error) {
	rows, err := d.DB.Query(sqlStr, bindings...)
	if err != nil {
		return nil, fmt.Errorf("D1: query error: %w", err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("D1: columns error: %w", err)
	}

	resultRows := [][]interface{}{}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("D1: scan error: %w", err)
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		resultRows = append(resultRows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("D1: rows iteration error: %w", err)
	}

	return &core.D1ExecResult{
		Columns: columns,
		Rows:    resultRows,
		Meta:    core.D1Meta{RowsRead: len(resultRows)},
	}, nil
}
