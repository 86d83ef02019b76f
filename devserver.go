package workerdev

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cryguy/workerdev/internal/bindings"
	"github.com/cryguy/workerdev/internal/bridge"
	"github.com/cryguy/workerdev/internal/core"
	"github.com/cryguy/workerdev/internal/exclude"
	"github.com/cryguy/workerdev/internal/inject"
	"github.com/cryguy/workerdev/internal/loader"
	"github.com/cryguy/workerdev/internal/metrics"
)

// ErrNoLoader is returned by New when Options.Loader is nil.
var ErrNoLoader = errors.New("workerdev: a module loader is required")

// DevServer is the request adapter. It is safe for concurrent use.
type DevServer struct {
	entry    string
	exclude  *exclude.Matcher
	loader   *loader.Loader
	bindings *bindings.Provider
	injector inject.Injector
	metrics  *metrics.Metrics
	log      logrus.FieldLogger
	onError  ErrorHandler
}

// New validates opts, compiles the exclude list and, when bindings are
// configured, starts the emulator. Any failure aborts construction.
func New(ctx context.Context, opts Options) (*DevServer, error) {
	opts = opts.withDefaults()

	if opts.Loader == nil {
		return nil, ErrNoLoader
	}

	matcher, err := exclude.Compile(opts.Exclude)
	if err != nil {
		return nil, fmt.Errorf("compiling exclude patterns: %w", err)
	}

	m, err := metrics.New(opts.Registerer)
	if err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}

	var factory bindings.Factory
	if opts.Bindings != nil {
		cfg, newEmulator := opts.Bindings, opts.NewEmulator
		factory = func(ctx context.Context) (core.Emulator, error) {
			return newEmulator(ctx, cfg)
		}
	}
	provider, err := bindings.New(ctx, factory)
	if err != nil {
		return nil, err
	}

	opts.Logger.WithFields(logrus.Fields{
		"entry":    opts.Entry,
		"exclude":  matcher.Len(),
		"bindings": provider.Enabled(),
		"inject":   *opts.InjectClientScript,
	}).Debug("dev server configured")

	return &DevServer{
		entry:    opts.Entry,
		exclude:  matcher,
		loader:   loader.New(opts.Loader, opts.Entry),
		bindings: provider,
		injector: inject.Injector{
			Enabled:          *opts.InjectClientScript,
			ClientScriptPath: opts.ClientScriptPath,
		},
		metrics: m,
		log:     opts.Logger,
		onError: opts.ErrorHandler,
	}, nil
}

// Entry returns the entry module specifier.
func (s *DevServer) Entry() string {
	return s.entry
}

// ClientScriptTag returns the live-reload tag appended to HTML responses.
func (s *DevServer) ClientScriptTag() string {
	return s.injector.ScriptTag()
}

// Close shuts down the bindings emulator.
func (s *DevServer) Close() error {
	return s.bindings.Close()
}

// Middleware returns an http.Handler that serves non-excluded requests from
// the entry module's handler and passes the rest to next.
func (s *DevServer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.serve(w, r, next)
	})
}

func (s *DevServer) serve(w http.ResponseWriter, r *http.Request, next http.Handler) {
	if s.exclude.Match(r.URL.Path) {
		s.metrics.ObserveRequest(metrics.OutcomeBypassed)
		next.ServeHTTP(w, r)
		return
	}

	log := requestLogger(s.log, r)

	start := time.Now()
	handler, release, err := s.loader.Load(r.Context())
	s.metrics.ObserveLoad(time.Since(start))
	if errors.Is(err, loader.ErrNoHandler) {
		log.WithError(err).WithField("entry", s.entry).
			Errorf(`Failed to find a named export "default" from %s`, s.entry)
		s.metrics.ObserveRequest(metrics.OutcomeNoHandler)
		next.ServeHTTP(w, r)
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer release()

	env, err := s.bindings.Snapshot(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}

	start = time.Now()
	resp, err := handler.Fetch(bridge.NewRequest(r), env, core.NewExecutionContext(log))
	if err != nil {
		s.fail(w, r, fmt.Errorf("fetch handler: %w", err))
		return
	}
	if resp == nil {
		s.fail(w, r, errors.New("fetch handler returned no response"))
		return
	}
	s.metrics.ObserveHandler(strconv.Itoa(resp.StatusCode), time.Since(start))

	resp, injected, err := s.injector.Apply(resp)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if injected {
		s.metrics.ObserveInjection()
	}

	if err := bridge.WriteResponse(w, resp); err != nil {
		log.WithError(err).Warn("writing worker response")
	}
	s.metrics.ObserveRequest(metrics.OutcomeHandled)
	log.WithFields(logrus.Fields{
		"status":   resp.StatusCode,
		"duration": time.Since(start),
	}).Debug("worker request served")
}

func (s *DevServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	s.metrics.ObserveRequest(metrics.OutcomeError)
	s.onError(w, r, err)
}
