package workerdev

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/cryguy/workerdev/internal/core"
	"github.com/cryguy/workerdev/internal/emulator"
	"github.com/cryguy/workerdev/internal/exclude"
	"github.com/cryguy/workerdev/internal/inject"
)

// DefaultEntry is the entry module loaded when Options.Entry is empty.
const DefaultEntry = "./src/index.ts"

// EmulatorFactory starts a bindings emulator from its configuration.
type EmulatorFactory func(ctx context.Context, cfg *emulator.Config) (core.Emulator, error)

// ErrorHandler answers a request whose module load, bindings snapshot,
// handler invocation or response rewrite failed.
type ErrorHandler func(w http.ResponseWriter, r *http.Request, err error)

// Options configures a DevServer. Options are read once by New.
type Options struct {
	// Entry is the module specifier passed to Loader on every request.
	Entry string

	// InjectClientScript controls live-reload script injection into HTML
	// responses. Nil means enabled; only an explicit false disables it.
	InjectClientScript *bool

	// ClientScriptPath is the src of the injected script tag.
	ClientScriptPath string

	// Exclude lists paths that bypass the handler. Nil selects
	// exclude.Defaults(); an empty non-nil slice excludes nothing.
	Exclude []exclude.Pattern

	// Bindings configures the bindings emulator. Nil disables emulation and
	// handlers receive empty bindings.
	Bindings *emulator.Config

	// Loader loads or reloads the entry module. Required.
	Loader core.ModuleLoader

	// NewEmulator starts the emulator when Bindings is set.
	NewEmulator EmulatorFactory

	Logger       logrus.FieldLogger
	ErrorHandler ErrorHandler

	// Registerer receives the middleware metrics. Nil disables registration.
	Registerer prometheus.Registerer
}

// Bool returns a pointer to b, for Options.InjectClientScript.
func Bool(b bool) *bool {
	return &b
}

func (o Options) withDefaults() Options {
	if o.Entry == "" {
		o.Entry = DefaultEntry
	}
	if o.InjectClientScript == nil {
		o.InjectClientScript = Bool(true)
	}
	if o.ClientScriptPath == "" {
		o.ClientScriptPath = inject.DefaultClientScriptPath
	}
	if o.Exclude == nil {
		o.Exclude = exclude.Defaults()
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	if o.NewEmulator == nil {
		log := o.Logger
		o.NewEmulator = func(ctx context.Context, cfg *emulator.Config) (core.Emulator, error) {
			return emulator.New(ctx, cfg, emulator.WithLogger(log))
		}
	}
	if o.ErrorHandler == nil {
		o.ErrorHandler = defaultErrorHandler(o.Logger)
	}
	return o
}

func defaultErrorHandler(log logrus.FieldLogger) ErrorHandler {
	return func(w http.ResponseWriter, r *http.Request, err error) {
		requestLogger(log, r).WithError(err).Error("worker request failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func requestLogger(log logrus.FieldLogger, r *http.Request) logrus.FieldLogger {
	return log.WithFields(logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"host":   r.Host,
	})
}
