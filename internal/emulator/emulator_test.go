package emulator

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/cryguy/workerdev/internal/core"
)

func newTestEmulator(t *testing.T, cfg *Config) *Emulator {
	t.Helper()
	e, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, e.Close()) })
	return e
}

func intPtr(i int) *int       { return &i }
func strPtr(s string) *string { return &s }

func TestBindingsSnapshot(t *testing.T) {
	e := newTestEmulator(t, &Config{
		Vars:         map[string]string{"API_URL": "http://localhost"},
		KVNamespaces: []string{"CACHE"},
		D1Databases:  []string{"DB"},
	})

	env, err := e.Bindings(context.Background())
	require.NoError(t, err)
	require.Len(t, env, 3)
	require.Equal(t, "http://localhost", env["API_URL"])
	require.Implements(t, (*core.KVStore)(nil), env["CACHE"])
	require.Implements(t, (*core.D1Store)(nil), env["DB"])

	env["API_URL"] = "mutated"
	again, err := e.Bindings(context.Background())
	require.NoError(t, err)
	require.Equal(t, "http://localhost", again["API_URL"])
}

func TestBindingsCancelledContext(t *testing.T) {
	e := newTestEmulator(t, &Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Bindings(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestNilConfig(t *testing.T) {
	e := newTestEmulator(t, nil)
	env, err := e.Bindings(context.Background())
	require.NoError(t, err)
	require.Empty(t, env)
}

func TestWithLogger(t *testing.T) {
	log, hook := test.NewNullLogger()
	e, err := New(context.Background(), &Config{KVNamespaces: []string{"A"}}, WithLogger(log))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, e.Close()) })

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	require.Equal(t, "bindings emulator started", entry.Message)
	require.Equal(t, 1, entry.Data["kv"])
}

func TestConfigValidation(t *testing.T) {
	tests := map[string]*Config{
		"duplicate across kinds": {Vars: map[string]string{"X": "1"}, KVNamespaces: []string{"X"}},
		"duplicate KV":           {KVNamespaces: []string{"A", "A"}},
		"empty KV name":          {KVNamespaces: []string{" "}},
		"D1 path traversal":      {D1Databases: []string{"../etc"}},
		"D1 separator":           {D1Databases: []string{"a/b"}},
	}

	for name, cfg := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := New(context.Background(), cfg)
			require.Error(t, err)
		})
	}
}

func TestKVGetPutDelete(t *testing.T) {
	e := newTestEmulator(t, &Config{KVNamespaces: []string{"A", "B"}})
	a, _ := e.KV("A")
	b, _ := e.KV("B")

	v, err := a.Get("missing")
	require.NoError(t, err)
	require.Nil(t, v)

	require.NoError(t, a.Put("greeting", "hello", strPtr(`{"lang":"en"}`), nil))
	v, err = a.Get("greeting")
	require.NoError(t, err)
	require.Equal(t, "hello", *v)

	vm, err := a.GetWithMetadata("greeting")
	require.NoError(t, err)
	require.Equal(t, "hello", vm.Value)
	require.Equal(t, `{"lang":"en"}`, *vm.Metadata)

	// namespaces are isolated
	v, err = b.Get("greeting")
	require.NoError(t, err)
	require.Nil(t, v)

	require.NoError(t, a.Put("greeting", "bonjour", nil, nil))
	vm, err = a.GetWithMetadata("greeting")
	require.NoError(t, err)
	require.Equal(t, "bonjour", vm.Value)
	require.Nil(t, vm.Metadata)

	require.NoError(t, a.Delete("greeting"))
	require.NoError(t, a.Delete("greeting"))
	v, err = a.Get("greeting")
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestKVRejectsBadInput(t *testing.T) {
	e := newTestEmulator(t, &Config{KVNamespaces: []string{"A"}})
	a, _ := e.KV("A")

	require.Error(t, a.Put("", "v", nil, nil))
	require.Error(t, a.Put(string(make([]byte, MaxKVKeySize+1)), "v", nil, nil))
	require.Error(t, a.Put("k", string(make([]byte, core.MaxKVValueSize+1)), nil, nil))
}

func TestKVExpiration(t *testing.T) {
	e := newTestEmulator(t, &Config{KVNamespaces: []string{"A"}})
	a, _ := e.KV("A")

	now := time.Unix(1700000000, 0)
	a.now = func() time.Time { return now }

	require.NoError(t, a.Put("session", "abc", nil, intPtr(60)))
	v, err := a.Get("session")
	require.NoError(t, err)
	require.Equal(t, "abc", *v)

	list, err := a.List("", 0, "")
	require.NoError(t, err)
	require.Len(t, list.Keys, 1)
	require.Equal(t, now.Unix()+60, list.Keys[0]["expiration"])

	now = now.Add(61 * time.Second)
	v, err = a.Get("session")
	require.NoError(t, err)
	require.Nil(t, v)

	list, err = a.List("", 0, "")
	require.NoError(t, err)
	require.Empty(t, list.Keys)
}

func TestKVListPagination(t *testing.T) {
	e := newTestEmulator(t, &Config{KVNamespaces: []string{"A"}})
	a, _ := e.KV("A")

	for _, k := range []string{"user:3", "user:1", "user:2", "post:1"} {
		require.NoError(t, a.Put(k, "v", nil, nil))
	}

	page, err := a.List("user:", 2, "")
	require.NoError(t, err)
	require.False(t, page.ListComplete)
	require.NotEmpty(t, page.Cursor)
	require.Equal(t, "user:1", page.Keys[0]["name"])
	require.Equal(t, "user:2", page.Keys[1]["name"])

	page, err = a.List("user:", 2, page.Cursor)
	require.NoError(t, err)
	require.True(t, page.ListComplete)
	require.Empty(t, page.Cursor)
	require.Len(t, page.Keys, 1)
	require.Equal(t, "user:3", page.Keys[0]["name"])

	all, err := a.List("", 0, "")
	require.NoError(t, err)
	require.Len(t, all.Keys, 4)
	require.True(t, all.ListComplete)
}

func TestKVListNonASCIIPrefix(t *testing.T) {
	e := newTestEmulator(t, &Config{KVNamespaces: []string{"A"}})
	a, _ := e.KV("A")

	for _, k := range []string{"日本", "日曜", "月曜", "día:1", "dia:2"} {
		require.NoError(t, a.Put(k, "v", nil, nil))
	}

	list, err := a.List("日", 0, "")
	require.NoError(t, err)
	require.Len(t, list.Keys, 2)
	require.Equal(t, "日曜", list.Keys[0]["name"])
	require.Equal(t, "日本", list.Keys[1]["name"])

	list, err = a.List("día:", 0, "")
	require.NoError(t, err)
	require.Len(t, list.Keys, 1)
	require.Equal(t, "día:1", list.Keys[0]["name"])
}

func TestD1ExecAndQuery(t *testing.T) {
	e := newTestEmulator(t, &Config{D1Databases: []string{"DB"}})
	db, ok := e.D1("DB")
	require.True(t, ok)

	_, err := db.Exec("CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT)", nil)
	require.NoError(t, err)

	res, err := db.Exec("INSERT INTO users (name) VALUES (?)", []interface{}{"ada"})
	require.NoError(t, err)
	require.Equal(t, int64(1), res.Meta.Changes)
	require.Equal(t, int64(1), res.Meta.LastRowID)
	require.True(t, res.Meta.ChangedDB)

	res, err = db.Exec("SELECT id, name FROM users WHERE name = ?", []interface{}{"ada"})
	require.NoError(t, err)
	require.Equal(t, []string{"id", "name"}, res.Columns)
	require.Len(t, res.Rows, 1)
	require.Equal(t, "ada", res.Rows[0][1])
	require.Equal(t, 1, res.Meta.RowsRead)

	res, err = db.Exec("SELECT id FROM users WHERE name = ?", []interface{}{"nobody"})
	require.NoError(t, err)
	require.NotNil(t, res.Rows)
	require.Empty(t, res.Rows)
}

func TestD1BlocksDangerousStatements(t *testing.T) {
	db, err := NewD1DatabaseMemory("test")
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec("ATTACH DATABASE '/tmp/x.db' AS x", nil)
	require.Error(t, err)
	_, err = db.Exec("PRAGMA writable_schema = ON", nil)
	require.Error(t, err)
	_, err = db.Exec("PRAGMA table_info(users)", nil)
	require.NoError(t, err)
}

func TestPersistence(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{KVNamespaces: []string{"A"}, D1Databases: []string{"DB"}, PersistDir: dir}

	first, err := New(context.Background(), cfg)
	require.NoError(t, err)
	a, _ := first.KV("A")
	require.NoError(t, a.Put("k", "persisted", nil, nil))
	db, _ := first.D1("DB")
	_, err = db.Exec("CREATE TABLE t (v TEXT)", nil)
	require.NoError(t, err)
	_, err = db.Exec("INSERT INTO t (v) VALUES ('row')", nil)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second := newTestEmulator(t, cfg)
	a, _ = second.KV("A")
	v, err := a.Get("k")
	require.NoError(t, err)
	require.Equal(t, "persisted", *v)

	db, _ = second.D1("DB")
	res, err := db.Exec("SELECT v FROM t", nil)
	require.NoError(t, err)
	require.Equal(t, "row", res.Rows[0][0])
}

func TestCloseIsIdempotent(t *testing.T) {
	e, err := New(context.Background(), &Config{KVNamespaces: []string{"A"}, D1Databases: []string{"DB"}})
	require.NoError(t, err)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
}
