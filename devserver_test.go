package workerdev

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/cryguy/workerdev/internal/core"
	"github.com/cryguy/workerdev/internal/emulator"
	"github.com/cryguy/workerdev/internal/exclude"
)

const clientTag = `<script type="module" src="/@vite/client"></script>`

type mockLoader struct {
	mu      sync.Mutex
	loads   int
	modules func() core.Module
	err     error
}

func (m *mockLoader) LoadModule(_ context.Context, specifier string) (core.Module, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	if m.err != nil {
		return nil, m.err
	}
	return m.modules(), nil
}

func (m *mockLoader) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loads
}

type mockHandler struct {
	mu    sync.Mutex
	calls int
	env   core.Bindings
	req   *http.Request
	fetch func(req *http.Request, env core.Bindings, ec core.ExecutionContext) (*http.Response, error)
}

func (h *mockHandler) Fetch(req *http.Request, env core.Bindings, ec core.ExecutionContext) (*http.Response, error) {
	h.mu.Lock()
	h.calls++
	h.env = env
	h.req = req
	h.mu.Unlock()
	return h.fetch(req, env, ec)
}

func respond(status int, header http.Header, body string) func(*http.Request, core.Bindings, core.ExecutionContext) (*http.Response, error) {
	return func(*http.Request, core.Bindings, core.ExecutionContext) (*http.Response, error) {
		return &http.Response{
			StatusCode:    status,
			Header:        header.Clone(),
			ContentLength: int64(len(body)),
			Body:          io.NopCloser(strings.NewReader(body)),
		}, nil
	}
}

type mockEmulator struct {
	env    core.Bindings
	closed bool
}

func (m *mockEmulator) Bindings(context.Context) (core.Bindings, error) { return m.env, nil }
func (m *mockEmulator) Close() error {
	m.closed = true
	return nil
}

type nextRecorder struct {
	calls int
}

func (n *nextRecorder) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	n.calls++
	w.WriteHeader(http.StatusTeapot)
	_, _ = w.Write([]byte("from next"))
}

func newTestServer(t *testing.T, opts Options, h *mockHandler) (*DevServer, *mockLoader) {
	t.Helper()

	ml := &mockLoader{modules: func() core.Module { return core.Exports{"default": h} }}
	if opts.Loader == nil {
		opts.Loader = ml
	}
	if opts.Logger == nil {
		logger, _ := test.NewNullLogger()
		opts.Logger = logger
	}
	ds, err := New(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, ds.Close()) })
	return ds, ml
}

func serve(ds *DevServer, next http.Handler, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ds.Middleware(next).ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestExcludedPathsCallNext(t *testing.T) {
	h := &mockHandler{fetch: respond(http.StatusOK, http.Header{}, "worker")}
	ds, ml := newTestServer(t, Options{}, h)

	for _, path := range []string{"/src/index.ts", "/@vite/client", "/node_modules/x/y.js", "/favicon.ico", "/robots.txt", "/inc/a", "/App.tsx"} {
		next := &nextRecorder{}
		rec := serve(ds, next, http.MethodGet, path)

		require.Equal(t, 1, next.calls, path)
		require.Equal(t, http.StatusTeapot, rec.Code, path)
		require.Equal(t, "from next", rec.Body.String(), path)
	}
	require.Zero(t, ml.count())
	require.Zero(t, h.calls)
}

func TestCustomExcludeList(t *testing.T) {
	h := &mockHandler{fetch: respond(http.StatusOK, http.Header{}, "worker")}
	ds, _ := newTestServer(t, Options{Exclude: []exclude.Pattern{Literal("/static.css"), Source(`/assets/.*`)}}, h)

	next := &nextRecorder{}
	serve(ds, next, http.MethodGet, "/assets/logo.png")
	serve(ds, next, http.MethodGet, "/static.css")
	require.Equal(t, 2, next.calls)

	rec := serve(ds, next, http.MethodGet, "/favicon.ico")
	require.Equal(t, 2, next.calls)
	require.Equal(t, "worker", rec.Body.String())
}

func TestEmptyExcludeListBypassesNothing(t *testing.T) {
	h := &mockHandler{fetch: respond(http.StatusOK, http.Header{}, "worker")}
	ds, _ := newTestServer(t, Options{Exclude: []exclude.Pattern{}}, h)

	next := &nextRecorder{}
	rec := serve(ds, next, http.MethodGet, "/src/index.ts")
	require.Zero(t, next.calls)
	require.Equal(t, "worker", rec.Body.String())
}

func TestHandlerInvokedOncePerRequestWithFreshLoad(t *testing.T) {
	h := &mockHandler{fetch: respond(http.StatusOK, http.Header{"Content-Type": {"text/plain"}}, "hello")}
	ds, ml := newTestServer(t, Options{}, h)
	next := &nextRecorder{}

	rec := serve(ds, next, http.MethodGet, "/")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "hello", rec.Body.String())
	require.Equal(t, 1, ml.count())
	require.Equal(t, 1, h.calls)

	serve(ds, next, http.MethodGet, "/")
	require.Equal(t, 2, ml.count())
	require.Equal(t, 2, h.calls)
	require.Zero(t, next.calls)
}

func TestHandlerSeesAbsoluteRequest(t *testing.T) {
	h := &mockHandler{fetch: respond(http.StatusOK, http.Header{}, "")}
	ds, _ := newTestServer(t, Options{}, h)

	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/items?x=1", bytes.NewBufferString(`{"a":1}`))
	r.Host = "localhost:5173"
	r.Header.Set("X-Trace", "abc")
	ds.Middleware(&nextRecorder{}).ServeHTTP(rec, r)

	require.Equal(t, "http://localhost:5173/api/items?x=1", h.req.URL.String())
	require.Equal(t, http.MethodPost, h.req.Method)
	require.Equal(t, "abc", h.req.Header.Get("X-Trace"))
}

func TestMissingDefaultExportLogsAndCallsNext(t *testing.T) {
	logger, hook := test.NewNullLogger()
	ml := &mockLoader{modules: func() core.Module { return core.Exports{"app": "not a handler"} }}
	ds, _ := newTestServer(t, Options{Loader: ml, Logger: logger}, nil)

	next := &nextRecorder{}
	rec := serve(ds, next, http.MethodGet, "/")

	require.Equal(t, 1, next.calls)
	require.Equal(t, "from next", rec.Body.String())

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	require.Equal(t, logrus.ErrorLevel, entry.Level)
	require.Equal(t, `Failed to find a named export "default" from ./src/index.ts`, entry.Message)
}

func TestInjectsClientScriptIntoHTML(t *testing.T) {
	header := http.Header{
		"Content-Type":   {"text/html; charset=UTF-8"},
		"Content-Length": {"11"},
		"X-Powered-By":   {"workerdev"},
	}
	h := &mockHandler{fetch: respond(http.StatusAccepted, header, "<p>hi</p>")}
	ds, _ := newTestServer(t, Options{}, h)

	rec := serve(ds, &nextRecorder{}, http.MethodGet, "/")

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "<p>hi</p>"+clientTag, rec.Body.String())
	require.Empty(t, rec.Header().Values("Content-Length"))
	require.Equal(t, "text/html; charset=UTF-8", rec.Header().Get("Content-Type"))
	require.Equal(t, "workerdev", rec.Header().Get("X-Powered-By"))
}

func TestChunkedHTMLIsNotRewritten(t *testing.T) {
	header := http.Header{
		"Content-Type":      {"text/html"},
		"Transfer-Encoding": {"chunked"},
		"X-Powered-By":      {"workerdev"},
	}
	h := &mockHandler{fetch: respond(http.StatusOK, header, "<p>stream</p>")}
	ds, _ := newTestServer(t, Options{}, h)

	rec := serve(ds, &nextRecorder{}, http.MethodGet, "/")

	require.Equal(t, "<p>stream</p>", rec.Body.String())
	require.Equal(t, header, rec.Header())
}

func TestInjectionDisabled(t *testing.T) {
	header := http.Header{"Content-Type": {"text/html"}, "Content-Length": {"9"}}
	h := &mockHandler{fetch: respond(http.StatusOK, header, "<p>hi</p>")}
	ds, _ := newTestServer(t, Options{InjectClientScript: Bool(false)}, h)

	rec := serve(ds, &nextRecorder{}, http.MethodGet, "/")

	require.Equal(t, "<p>hi</p>", rec.Body.String())
	require.Equal(t, "9", rec.Header().Get("Content-Length"))
}

func TestNonHTMLIsNotRewritten(t *testing.T) {
	header := http.Header{"Content-Type": {"application/json"}}
	h := &mockHandler{fetch: respond(http.StatusOK, header, `{"ok":true}`)}
	ds, _ := newTestServer(t, Options{}, h)

	rec := serve(ds, &nextRecorder{}, http.MethodGet, "/api")
	require.Equal(t, `{"ok":true}`, rec.Body.String())
}

func TestEmptyBindingsWithoutConfig(t *testing.T) {
	h := &mockHandler{fetch: respond(http.StatusOK, http.Header{}, "")}
	ds, _ := newTestServer(t, Options{}, h)

	serve(ds, &nextRecorder{}, http.MethodGet, "/")

	require.NotNil(t, h.env)
	require.Empty(t, h.env)
}

func TestBindingsFromEmulator(t *testing.T) {
	em := &mockEmulator{env: core.Bindings{"API_KEY": "secret"}}
	h := &mockHandler{fetch: respond(http.StatusOK, http.Header{}, "")}

	var gotCfg *emulator.Config
	cfg := &emulator.Config{Vars: map[string]string{"API_KEY": "secret"}}
	ds, _ := newTestServer(t, Options{
		Bindings: cfg,
		NewEmulator: func(_ context.Context, c *emulator.Config) (core.Emulator, error) {
			gotCfg = c
			return em, nil
		},
	}, h)

	serve(ds, &nextRecorder{}, http.MethodGet, "/")

	require.Same(t, cfg, gotCfg)
	require.Equal(t, core.Bindings{"API_KEY": "secret"}, h.env)

	require.NoError(t, ds.Close())
	require.True(t, em.closed)
}

func TestDefaultEmulatorUsesServerLogger(t *testing.T) {
	logger, hook := test.NewNullLogger()
	h := &mockHandler{fetch: respond(http.StatusOK, http.Header{}, "ok")}
	newTestServer(t, Options{
		Logger:   logger,
		Bindings: &emulator.Config{Vars: map[string]string{"A": "1"}},
	}, h)

	var started bool
	for _, entry := range hook.AllEntries() {
		if entry.Message == "bindings emulator started" {
			started = true
			require.Equal(t, 1, entry.Data["vars"])
		}
	}
	require.True(t, started)
}

func TestEmulatorFailureAbortsNew(t *testing.T) {
	boom := errors.New("emulator exploded")
	_, err := New(context.Background(), Options{
		Loader:   &mockLoader{},
		Bindings: &emulator.Config{},
		NewEmulator: func(context.Context, *emulator.Config) (core.Emulator, error) {
			return nil, boom
		},
	})
	require.ErrorIs(t, err, boom)
}

func TestPassThroughOnExceptionFails(t *testing.T) {
	var got error
	h := &mockHandler{fetch: func(_ *http.Request, _ core.Bindings, ec core.ExecutionContext) (*http.Response, error) {
		got = ec.PassThroughOnException()
		return &http.Response{StatusCode: http.StatusOK, Header: http.Header{}}, nil
	}}
	ds, _ := newTestServer(t, Options{}, h)

	serve(ds, &nextRecorder{}, http.MethodGet, "/")

	require.ErrorIs(t, got, ErrPassThroughUnsupported)
	require.Equal(t, "`passThroughOnException` is not supported", got.Error())
}

func TestWaitUntilDoesNotBlockResponse(t *testing.T) {
	release := make(chan struct{})
	done := make(chan struct{})
	h := &mockHandler{fetch: func(_ *http.Request, _ core.Bindings, ec core.ExecutionContext) (*http.Response, error) {
		ec.WaitUntil(func() {
			<-release
			close(done)
		})
		return &http.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: io.NopCloser(strings.NewReader("ok"))}, nil
	}}
	ds, _ := newTestServer(t, Options{}, h)

	rec := serve(ds, &nextRecorder{}, http.MethodGet, "/")
	require.Equal(t, "ok", rec.Body.String())

	close(release)
	<-done
}

func TestHandlerErrorGoesToErrorHandler(t *testing.T) {
	boom := errors.New("handler blew up")
	h := &mockHandler{fetch: func(*http.Request, core.Bindings, core.ExecutionContext) (*http.Response, error) {
		return nil, boom
	}}

	var handled error
	ds, _ := newTestServer(t, Options{
		ErrorHandler: func(w http.ResponseWriter, _ *http.Request, err error) {
			handled = err
			w.WriteHeader(http.StatusBadGateway)
		},
	}, h)

	next := &nextRecorder{}
	rec := serve(ds, next, http.MethodGet, "/")

	require.ErrorIs(t, handled, boom)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Zero(t, next.calls)
}

func TestDefaultErrorHandler(t *testing.T) {
	ml := &mockLoader{err: errors.New("Transform failed with 1 error")}
	ds, _ := newTestServer(t, Options{Loader: ml}, nil)

	rec := serve(ds, &nextRecorder{}, http.MethodGet, "/")

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "Transform failed with 1 error")
}

func TestNilResponseIsAnError(t *testing.T) {
	h := &mockHandler{fetch: func(*http.Request, core.Bindings, core.ExecutionContext) (*http.Response, error) {
		return nil, nil
	}}
	ds, _ := newTestServer(t, Options{}, h)

	rec := serve(ds, &nextRecorder{}, http.MethodGet, "/")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestInvalidExcludeAbortsNew(t *testing.T) {
	_, err := New(context.Background(), Options{
		Loader:  &mockLoader{},
		Exclude: []exclude.Pattern{Source(`/(`)},
	})
	require.ErrorIs(t, err, exclude.ErrInvalidPattern)
}

func TestMissingLoader(t *testing.T) {
	_, err := New(context.Background(), Options{})
	require.ErrorIs(t, err, ErrNoLoader)
}

func TestMetricsRecordOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := &mockHandler{fetch: respond(http.StatusOK, http.Header{"Content-Type": {"text/html"}}, "<b>x</b>")}
	ds, _ := newTestServer(t, Options{Registerer: reg}, h)

	serve(ds, &nextRecorder{}, http.MethodGet, "/")
	serve(ds, &nextRecorder{}, http.MethodGet, "/favicon.ico")

	require.Equal(t, float64(1), testutil.ToFloat64(ds.metrics.Requests.WithLabelValues("handled")))
	require.Equal(t, float64(1), testutil.ToFloat64(ds.metrics.Requests.WithLabelValues("bypassed")))
	require.Equal(t, float64(1), testutil.ToFloat64(ds.metrics.Injections))
}
