// Package quickjs loads JS and TS entry modules into QuickJS VMs and exposes
// their default export as a core.Handler.
package quickjs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"modernc.org/quickjs"

	"github.com/cryguy/workerdev/internal/core"
	"github.com/cryguy/workerdev/internal/eventloop"
	"github.com/cryguy/workerdev/internal/webapi"
)

// DefaultWaitUntilTimeout bounds how long ctx.waitUntil() work may run after
// the response has been sent.
const DefaultWaitUntilTimeout = 30 * time.Second

var errModuleClosed = errors.New("module is closed")

// Config configures a Host.
type Config struct {
	// Root is the directory module specifiers resolve against.
	Root string
	// MemoryLimitMB caps each VM's heap. Zero means no limit.
	MemoryLimitMB int
	// WaitUntilTimeout defaults to DefaultWaitUntilTimeout.
	WaitUntilTimeout time.Duration
	// Logger defaults to logrus.StandardLogger().
	Logger logrus.FieldLogger
}

// Host is a core.ModuleLoader. Every LoadModule call bundles the entry from
// disk and evaluates it in a new VM, so edits show up on the next request.
type Host struct {
	cfg Config
}

var _ core.ModuleLoader = (*Host)(nil)

// NewHost returns a Host for cfg.
func NewHost(cfg Config) *Host {
	if cfg.Root == "" {
		cfg.Root = "."
	}
	if cfg.WaitUntilTimeout <= 0 {
		cfg.WaitUntilTimeout = DefaultWaitUntilTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Host{cfg: cfg}
}

// LoadModule bundles and evaluates specifier. The returned module owns a VM
// and must be closed.
func (h *Host) LoadModule(ctx context.Context, specifier string) (core.Module, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	log := h.cfg.Logger.WithField("entry", specifier)

	source, warnings, err := Bundle(h.cfg.Root, specifier)
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		log.Warn(w)
	}
	wrapped, err := webapi.WrapESModule(source)
	if err != nil {
		return nil, err
	}

	vm, rt, el, err := newVM(h.cfg.MemoryLimitMB)
	if err != nil {
		return nil, err
	}
	if err := rt.Eval(wrapped); err != nil {
		vm.Close()
		return nil, fmt.Errorf("evaluating %s: %w", specifier, err)
	}
	rt.RunMicrotasks()

	log.WithField("duration", time.Since(start)).Debug("module loaded")
	return &Module{
		entry:            specifier,
		vm:               vm,
		rt:               rt,
		el:               el,
		log:              log,
		waitUntilTimeout: h.cfg.WaitUntilTimeout,
	}, nil
}

// Module is one evaluated entry module and the VM it lives in.
type Module struct {
	entry            string
	vm               *quickjs.VM
	rt               *qjsRuntime
	el               *eventloop.EventLoop
	log              logrus.FieldLogger
	waitUntilTimeout time.Duration

	// vmMu serializes all use of vm, rt and el.
	vmMu   sync.Mutex
	reqIDs []uint64

	stateMu        sync.Mutex
	draining       bool
	closeRequested bool
	closed         bool
}

var _ core.Module = (*Module)(nil)

// Export is a module export that is not a fetch handler. Its value stays in
// the VM.
type Export struct {
	Module string
	Name   string
}

// Export returns the named export. The default export is a core.Handler
// when it has a fetch method.
func (m *Module) Export(name string) (any, bool) {
	m.vmMu.Lock()
	defer m.vmMu.Unlock()
	if m.isClosed() {
		return nil, false
	}

	ref := fmt.Sprintf("globalThis.%s[%s]", webapi.ModuleGlobal, core.JsEscape(name))
	present, err := m.rt.EvalBool(fmt.Sprintf(
		"!!globalThis.%s && %s !== undefined && %s !== null", webapi.ModuleGlobal, ref, ref))
	if err != nil || !present {
		return nil, false
	}
	if name == "default" {
		if ok, _ := m.rt.EvalBool(fmt.Sprintf("typeof %s.fetch === 'function'", ref)); ok {
			return &handler{m: m}, true
		}
	}
	return Export{Module: m.entry, Name: name}, true
}

func (m *Module) isClosed() bool {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.closed || m.closeRequested
}

// Close releases the VM. If waitUntil work is still running, the VM is
// released when it finishes.
func (m *Module) Close() error {
	m.stateMu.Lock()
	if m.closed || m.closeRequested {
		m.stateMu.Unlock()
		return nil
	}
	if m.draining {
		m.closeRequested = true
		m.stateMu.Unlock()
		return nil
	}
	m.closed = true
	m.stateMu.Unlock()

	m.vmMu.Lock()
	defer m.vmMu.Unlock()
	m.dispose()
	return nil
}

// dispose must be called with vmMu held.
func (m *Module) dispose() {
	for _, id := range m.reqIDs {
		core.ClearRequestState(id)
	}
	m.reqIDs = nil
	m.el.Reset()
	m.vm.Close()
}

// drainWaitUntil settles ctx.waitUntil() promises, then closes the VM if
// Close was called meanwhile.
func (m *Module) drainWaitUntil() {
	m.vmMu.Lock()
	defer m.vmMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.waitUntilTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, m.vm.Interrupt)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("worker panic: %v", r)
			}
		}()
		return webapi.DrainWaitUntil(ctx, m.rt, m.el)
	}()
	stop()
	if err != nil {
		m.log.WithError(err).Warn("waitUntil tasks did not finish")
	}

	m.stateMu.Lock()
	m.draining = false
	closeNow := m.closeRequested
	if closeNow {
		m.closed = true
	}
	m.stateMu.Unlock()
	if closeNow {
		m.dispose()
	}
}

// handler is the default export of a Module.
type handler struct {
	m *Module
}

// Fetch calls the module's fetch(request, env, ctx). Cancelling the request
// context interrupts the VM.
func (h *handler) Fetch(req *http.Request, env core.Bindings, ec core.ExecutionContext) (*http.Response, error) {
	m := h.m
	m.vmMu.Lock()
	defer m.vmMu.Unlock()
	if m.isClosed() {
		return nil, errModuleClosed
	}

	log := m.log.WithFields(logrus.Fields{"method": req.Method, "path": req.URL.Path})
	if ec == nil {
		ec = core.NewExecutionContext(log)
	}
	reqID := core.NewRequestState(env, log)
	m.reqIDs = append(m.reqIDs, reqID)

	ctx := req.Context()
	var interrupted atomic.Bool
	stop := context.AfterFunc(ctx, func() {
		interrupted.Store(true)
		m.vm.Interrupt()
	})
	var body *streamBody
	openStream := func() io.ReadCloser {
		body = &streamBody{m: m, ctx: ctx}
		return body
	}
	resp, err := m.safeFetch(ctx, req, env, reqID, openStream)
	stop()
	if err != nil {
		if interrupted.Load() {
			return nil, fmt.Errorf("fetch interrupted: %w", context.Cause(ctx))
		}
		return nil, err
	}

	// waitUntil work shares the VM with a streamed body, so it starts once
	// the stream is done.
	scheduleDrain := func() {
		if webapi.HasWaitUntil(m.rt) {
			m.stateMu.Lock()
			m.draining = true
			m.stateMu.Unlock()
			ec.WaitUntil(m.drainWaitUntil)
		}
	}
	if body != nil {
		body.onFinish = scheduleDrain
	} else {
		scheduleDrain()
	}
	return resp, nil
}

// safeFetch converts a VM panic, which an interrupt can cause, into an error.
func (m *Module) safeFetch(ctx context.Context, req *http.Request, env core.Bindings, reqID uint64, openStream func() io.ReadCloser) (resp *http.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp, err = nil, fmt.Errorf("worker panic: %v", r)
		}
	}()
	return m.fetch(ctx, req, env, reqID, openStream)
}

func (m *Module) fetch(ctx context.Context, req *http.Request, env core.Bindings, reqID uint64, openStream func() io.ReadCloser) (*http.Response, error) {
	rt := m.rt
	if err := rt.SetGlobal("__requestID", strconv.FormatUint(reqID, 10)); err != nil {
		return nil, fmt.Errorf("setting request ID: %w", err)
	}
	if err := webapi.GoRequestToJS(rt, req, reqID); err != nil {
		return nil, fmt.Errorf("building JS request: %w", err)
	}
	if err := webapi.BuildEnvObject(rt, env); err != nil {
		return nil, fmt.Errorf("building JS env: %w", err)
	}
	if err := webapi.BuildExecContext(rt); err != nil {
		return nil, fmt.Errorf("building JS context: %w", err)
	}

	callResult, err := m.vm.EvalValue(fmt.Sprintf(`(function() {
		var mod = globalThis.%s.default;
		return mod.fetch(globalThis.__req, globalThis.__env, globalThis.__ctx);
	})()`, webapi.ModuleGlobal), quickjs.EvalGlobal)
	if err != nil {
		return nil, fmt.Errorf("invoking fetch: %w", err)
	}
	err = rt.SetGlobal("__call_result", callResult)
	callResult.Free()
	if err != nil {
		return nil, fmt.Errorf("storing call result: %w", err)
	}

	if err := webapi.AwaitValue(ctx, rt, "__call_result", m.el); err != nil {
		return nil, fmt.Errorf("awaiting fetch response: %w", err)
	}
	if err := rt.Eval("globalThis.__result = globalThis.__call_result; delete globalThis.__call_result;"); err != nil {
		return nil, err
	}

	resp, err := webapi.JsResponseToGo(rt, openStream)
	if err != nil {
		return nil, err
	}
	resp.Request = req
	return resp, nil
}
