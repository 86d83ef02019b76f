package workerdev

import (
	"github.com/cryguy/workerdev/internal/core"
	"github.com/cryguy/workerdev/internal/emulator"
	"github.com/cryguy/workerdev/internal/exclude"
)

// Type aliases re-exporting internal types so downstream code can implement
// loaders and handlers without importing internal packages.

type ModuleLoader = core.ModuleLoader
type Module = core.Module
type Exports = core.Exports
type Handler = core.Handler
type HandlerFunc = core.HandlerFunc
type Emulator = core.Emulator
type Bindings = core.Bindings
type ExecutionContext = core.ExecutionContext
type KVStore = core.KVStore
type D1Store = core.D1Store
type EmulatorConfig = emulator.Config
type ExcludePattern = exclude.Pattern

// ErrPassThroughUnsupported is returned by ExecutionContext.PassThroughOnException.
var ErrPassThroughUnsupported = core.ErrPassThroughUnsupported

// Exclude pattern constructors.
var (
	Literal         = exclude.Literal
	Source          = exclude.Source
	DefaultExcludes = exclude.Defaults
)
