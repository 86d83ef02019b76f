// Package loader reloads the entry module on every request and extracts its
// fetch handler.
package loader

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/cryguy/workerdev/internal/core"
)

// DefaultExport is the export name the handler is read from.
const DefaultExport = "default"

// ErrNoHandler is returned when the entry module has no fetch-shaped default
// export.
var ErrNoHandler = errors.New(`failed to find a named export "default"`)

// Loader loads one entry module through a core.ModuleLoader.
type Loader struct {
	modules core.ModuleLoader
	entry   string
}

// New returns a Loader for entry.
func New(modules core.ModuleLoader, entry string) *Loader {
	return &Loader{modules: modules, entry: entry}
}

// Entry returns the module specifier this Loader loads.
func (l *Loader) Entry() string {
	return l.entry
}

// Load asks the module loader for a fresh copy of the entry module and
// returns its default handler. The returned release func must be called once
// the request is done; it closes modules that hold resources.
func (l *Loader) Load(ctx context.Context) (core.Handler, func(), error) {
	mod, err := l.modules.LoadModule(ctx, l.entry)
	if err != nil {
		return nil, nil, fmt.Errorf("loading %s: %w", l.entry, err)
	}
	if mod == nil {
		return nil, nil, fmt.Errorf("%w from %s", ErrNoHandler, l.entry)
	}
	release := releaseFunc(mod)

	v, ok := mod.Export(DefaultExport)
	if !ok || v == nil {
		release()
		return nil, nil, fmt.Errorf("%w from %s", ErrNoHandler, l.entry)
	}
	h, ok := v.(core.Handler)
	if !ok {
		release()
		return nil, nil, fmt.Errorf("%w from %s: export is %T", ErrNoHandler, l.entry, v)
	}
	return h, release, nil
}

func releaseFunc(mod core.Module) func() {
	c, ok := mod.(io.Closer)
	if !ok {
		return func() {}
	}
	return func() { _ = c.Close() }
}
