// Package emulator provides local stand-ins for platform bindings: plain
// vars, KV namespaces and D1 databases, all backed by sqlite.
package emulator

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/cryguy/workerdev/internal/core"

	// Pure-Go SQLite driver for database/sql.
	_ "github.com/glebarez/sqlite"
)

// Emulator owns the binding stores for the lifetime of a dev server.
type Emulator struct {
	vars map[string]string
	kvDB *sql.DB
	kv   map[string]*KVNamespace
	d1   map[string]*D1Database
	log  logrus.FieldLogger
}

// Option customizes an Emulator.
type Option func(*Emulator)

// WithLogger sets the logger for lifecycle messages. The default is the
// logrus standard logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(e *Emulator) {
		if log != nil {
			e.log = log
		}
	}
}

var _ core.Emulator = (*Emulator)(nil)

// openSQLite opens path, or a private in-memory database when path is empty.
func openSQLite(path string) (*sql.DB, error) {
	dsn := path
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if path == "" {
		// Every pooled connection to :memory: would see its own database.
		db.SetMaxOpenConns(1)
	} else {
		_, _ = db.Exec("PRAGMA journal_mode=WAL")
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// New validates cfg and opens every configured store.
func New(ctx context.Context, cfg *Config, opts ...Option) (*Emulator, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid bindings configuration: %w", err)
	}

	e := &Emulator{
		vars: make(map[string]string, len(cfg.Vars)),
		kv:   make(map[string]*KVNamespace, len(cfg.KVNamespaces)),
		d1:   make(map[string]*D1Database, len(cfg.D1Databases)),
		log:  logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	for k, v := range cfg.Vars {
		e.vars[k] = v
	}

	if err := e.open(ctx, cfg); err != nil {
		if cerr := e.Close(); cerr != nil {
			err = multierror.Append(err, cerr)
		}
		return nil, err
	}

	e.log.WithFields(logrus.Fields{
		"vars":    len(e.vars),
		"kv":      len(e.kv),
		"d1":      len(e.d1),
		"persist": cfg.PersistDir,
	}).Info("bindings emulator started")
	return e, nil
}

func (e *Emulator) open(ctx context.Context, cfg *Config) error {
	if len(cfg.KVNamespaces) > 0 {
		path := ""
		if cfg.PersistDir != "" {
			if err := os.MkdirAll(cfg.PersistDir, 0755); err != nil {
				return fmt.Errorf("creating persist directory: %w", err)
			}
			path = filepath.Join(cfg.PersistDir, "kv.sqlite3")
		}
		db, err := openSQLite(path)
		if err != nil {
			return fmt.Errorf("opening KV store: %w", err)
		}
		e.kvDB = db
		if _, err := db.ExecContext(ctx, kvSchema); err != nil {
			return fmt.Errorf("creating KV schema: %w", err)
		}
		for _, name := range cfg.KVNamespaces {
			e.kv[name] = newKVNamespace(db, name)
		}
	}

	for _, name := range cfg.D1Databases {
		var d *D1Database
		var err error
		if cfg.PersistDir != "" {
			d, err = OpenD1Database(cfg.PersistDir, name)
		} else {
			d, err = NewD1DatabaseMemory(name)
		}
		if err != nil {
			return err
		}
		e.d1[name] = d
	}
	return nil
}

// Bindings returns a fresh bindings map: vars as strings, KV namespaces as
// core.KVStore and D1 databases as core.D1Store.
func (e *Emulator) Bindings(ctx context.Context) (core.Bindings, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	env := make(core.Bindings, len(e.vars)+len(e.kv)+len(e.d1))
	for k, v := range e.vars {
		env[k] = v
	}
	for name, ns := range e.kv {
		env[name] = ns
	}
	for name, db := range e.d1 {
		env[name] = db
	}
	return env, nil
}

// KV returns the named KV namespace.
func (e *Emulator) KV(name string) (*KVNamespace, bool) {
	ns, ok := e.kv[name]
	return ns, ok
}

// D1 returns the named D1 database.
func (e *Emulator) D1(name string) (*D1Database, bool) {
	db, ok := e.d1[name]
	return db, ok
}

// Close closes every store and reports all failures.
func (e *Emulator) Close() error {
	var result *multierror.Error
	for name, db := range e.d1 {
		if err := db.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing D1 %q: %w", name, err))
		}
	}
	e.d1 = map[string]*D1Database{}
	if e.kvDB != nil {
		if err := e.kvDB.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing KV store: %w", err))
		}
		e.kvDB = nil
	}
	e.kv = map[string]*KVNamespace{}
	return result.ErrorOrNil()
}
