package core

import (
	"context"
	"net/http"
)

// ModuleLoader loads or reloads a module by specifier. Every call must reflect
// the module's current source; caching and invalidation are owned by the
// implementation, never by the caller.
type ModuleLoader interface {
	LoadModule(ctx context.Context, specifier string) (Module, error)
}

// Module is a loaded entry module. Modules that hold resources (a JS VM, for
// example) also implement io.Closer and are closed once the request is done.
type Module interface {
	Export(name string) (any, bool)
}

// Handler is the fetch-shaped default export of an entry module.
type Handler interface {
	Fetch(req *http.Request, env Bindings, ec ExecutionContext) (*http.Response, error)
}

// HandlerFunc adapts an ordinary function to Handler.
type HandlerFunc func(req *http.Request, env Bindings, ec ExecutionContext) (*http.Response, error)

// Fetch calls f(req, env, ec).
func (f HandlerFunc) Fetch(req *http.Request, env Bindings, ec ExecutionContext) (*http.Response, error) {
	return f(req, env, ec)
}

// Emulator is a long-lived platform emulation instance producing a bindings
// snapshot per request.
type Emulator interface {
	Bindings(ctx context.Context) (Bindings, error)
	Close() error
}

// KVStore backs a single emulated KV namespace.
type KVStore interface {
	Get(key string) (*string, error)
	GetWithMetadata(key string) (*KVValueWithMetadata, error)
	Put(key, value string, metadata *string, ttl *int) error
	Delete(key string) error
	List(prefix string, limit int, cursor string) (*KVListResult, error)
}

// D1Store backs a single emulated D1 database.
type D1Store interface {
	Exec(sql string, bindings []interface{}) (*D1ExecResult, error)
	Close() error
}
