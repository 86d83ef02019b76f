package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/cryguy/workerdev"
	"github.com/cryguy/workerdev/internal/inject"
	"github.com/cryguy/workerdev/internal/quickjs"
)

const (
	metricsPath     = "/__workerdev/metrics"
	shutdownTimeout = 5 * time.Second
)

// newDevServer wires the QuickJS module host and the emulator into a
// DevServer. reg receives both the middleware and the process metrics.
func newDevServer(ctx context.Context, cfg *config, log logrus.FieldLogger, reg prometheus.Registerer) (*workerdev.DevServer, error) {
	host := quickjs.NewHost(quickjs.Config{
		Root:          cfg.Root,
		MemoryLimitMB: cfg.MemoryLimitMB,
		Logger:        log,
	})
	tag := inject.Injector{ClientScriptPath: cfg.ClientScriptPath}.ScriptTag()

	return workerdev.New(ctx, workerdev.Options{
		Entry:              cfg.Entry,
		InjectClientScript: workerdev.Bool(cfg.InjectClientScript),
		ClientScriptPath:   cfg.ClientScriptPath,
		Exclude:            cfg.excludePatterns(),
		Bindings:           cfg.Bindings,
		Loader:             host,
		Logger:             log,
		ErrorHandler:       errorPage(log, tag, cfg.InjectClientScript),
		Registerer:         reg,
	})
}

// newRouter serves metrics directly and everything else through the dev
// server middleware, falling back to static files under root.
func newRouter(ds *workerdev.DevServer, root string, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle(metricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Group(func(r chi.Router) {
		r.Use(ds.Middleware)
		r.Handle("/*", http.FileServer(http.Dir(root)))
	})
	return r
}

func run(ctx context.Context, cfg *config, log *logrus.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	ds, err := newDevServer(ctx, cfg, log, reg)
	if err != nil {
		return err
	}
	defer func() {
		if err := ds.Close(); err != nil {
			log.WithError(err).Warn("closing dev server")
		}
	}()

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           newRouter(ds, cfg.Root, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.WithFields(logrus.Fields{
		"addr":  "http://" + ln.Addr().String(),
		"entry": cfg.Entry,
		"root":  cfg.Root,
	}).Info("workerdev listening")

	return serve(ctx, srv, ln)
}

// serve runs srv on ln until ctx is done, then shuts it down gracefully.
func serve(ctx context.Context, srv *http.Server, ln net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
