package emulator

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/cryguy/workerdev/internal/core"
)

const kvSchema = `CREATE TABLE IF NOT EXISTS kv (
	namespace  TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	metadata   TEXT,
	expires_at INTEGER,
	PRIMARY KEY (namespace, key)
)`

// MaxKVKeySize is the maximum length of a KV key in bytes.
const MaxKVKeySize = 512

// KVNamespace is one emulated KV namespace stored in a shared sqlite table.
type KVNamespace struct {
	db        *sql.DB
	namespace string
	now       func() time.Time
}

var _ core.KVStore = (*KVNamespace)(nil)

func newKVNamespace(db *sql.DB, namespace string) *KVNamespace {
	return &KVNamespace{db: db, namespace: namespace, now: time.Now}
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("KV key must not be empty")
	}
	if len(key) > MaxKVKeySize {
		return fmt.Errorf("KV key exceeds maximum size of %d bytes", MaxKVKeySize)
	}
	return nil
}

// Get returns the value for key, or nil when it is missing or expired.
func (kv *KVNamespace) Get(key string) (*string, error) {
	v, err := kv.GetWithMetadata(key)
	if err != nil || v == nil {
		return nil, err
	}
	return &v.Value, nil
}

// GetWithMetadata returns the value and metadata for key, or nil when it is
// missing or expired.
func (kv *KVNamespace) GetWithMetadata(key string) (*core.KVValueWithMetadata, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	var value string
	var metadata sql.NullString
	var expiresAt sql.NullInt64
	err := kv.db.QueryRow(
		`SELECT value, metadata, expires_at FROM kv WHERE namespace = ? AND key = ?`,
		kv.namespace, key,
	).Scan(&value, &metadata, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("KV get %q: %w", key, err)
	}

	if expiresAt.Valid && expiresAt.Int64 <= kv.now().Unix() {
		if _, err := kv.db.Exec(`DELETE FROM kv WHERE namespace = ? AND key = ?`, kv.namespace, key); err != nil {
			return nil, fmt.Errorf("KV expire %q: %w", key, err)
		}
		return nil, nil
	}

	result := &core.KVValueWithMetadata{Value: value}
	if metadata.Valid {
		result.Metadata = &metadata.String
	}
	return result, nil
}

// Put stores value under key. A positive ttl expires the entry after ttl
// seconds.
func (kv *KVNamespace) Put(key, value string, metadata *string, ttl *int) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if len(value) > core.MaxKVValueSize {
		return fmt.Errorf("value exceeds maximum size of %d bytes", core.MaxKVValueSize)
	}

	var expiresAt sql.NullInt64
	if ttl != nil && *ttl > 0 {
		expiresAt = sql.NullInt64{Int64: kv.now().Add(time.Duration(*ttl) * time.Second).Unix(), Valid: true}
	}
	var meta sql.NullString
	if metadata != nil {
		meta = sql.NullString{String: *metadata, Valid: true}
	}

	_, err := kv.db.Exec(
		`INSERT INTO kv (namespace, key, value, metadata, expires_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (namespace, key) DO UPDATE SET value = excluded.value, metadata = excluded.metadata, expires_at = excluded.expires_at`,
		kv.namespace, key, value, meta, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("KV put %q: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (kv *KVNamespace) Delete(key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if _, err := kv.db.Exec(`DELETE FROM kv WHERE namespace = ? AND key = ?`, kv.namespace, key); err != nil {
		return fmt.Errorf("KV delete %q: %w", key, err)
	}
	return nil
}

// List returns live keys with the given prefix in key order, paginated by an
// opaque cursor.
func (kv *KVNamespace) List(prefix string, limit int, cursor string) (*core.KVListResult, error) {
	if limit <= 0 || limit > core.MaxKVListLimit {
		limit = core.MaxKVListLimit
	}
	offset := core.DecodeCursor(cursor)
	now := kv.now().Unix()

	if _, err := kv.db.Exec(
		`DELETE FROM kv WHERE namespace = ? AND expires_at IS NOT NULL AND expires_at <= ?`,
		kv.namespace, now,
	); err != nil {
		return nil, fmt.Errorf("KV list: %w", err)
	}

	// One extra row tells whether another page exists. substr counts
	// characters, not bytes.
	rows, err := kv.db.Query(
		`SELECT key, metadata, expires_at FROM kv
		WHERE namespace = ? AND substr(key, 1, ?) = ?
		ORDER BY key LIMIT ? OFFSET ?`,
		kv.namespace, utf8.RuneCountInString(prefix), prefix, limit+1, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("KV list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	keys := make([]map[string]interface{}, 0, limit)
	for rows.Next() {
		var key string
		var metadata sql.NullString
		var expiresAt sql.NullInt64
		if err := rows.Scan(&key, &metadata, &expiresAt); err != nil {
			return nil, fmt.Errorf("KV list: %w", err)
		}
		entry := map[string]interface{}{"name": key}
		if expiresAt.Valid {
			entry["expiration"] = expiresAt.Int64
		}
		if metadata.Valid {
			if json.Valid([]byte(metadata.String)) {
				entry["metadata"] = json.RawMessage(metadata.String)
			} else {
				entry["metadata"] = metadata.String
			}
		}
		keys = append(keys, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("KV list: %w", err)
	}

	result := &core.KVListResult{ListComplete: len(keys) <= limit}
	if !result.ListComplete {
		keys = keys[:limit]
		result.Cursor = core.EncodeCursor(offset + limit)
	}
	result.Keys = keys
	return result, nil
}
