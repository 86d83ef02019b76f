package webapi

import (
	"context"
	"errors"
	"fmt"

	"github.com/cryguy/workerdev/internal/core"
	"github.com/cryguy/workerdev/internal/eventloop"
)

// ErrPromiseStalled is returned when a promise is still pending and no timer
// is left that could settle it.
var ErrPromiseStalled = errors.New("promise never settled: no pending timers")

// AwaitValue resolves a possibly-promise value stored in globalThis[globalVar]
// by pumping microtasks and firing timers from el one at a time. On success
// the global holds the settled value. ctx bounds the wait.
func AwaitValue(ctx context.Context, rt core.JSRuntime, globalVar string, el *eventloop.EventLoop) error {
	isPromise, err := rt.EvalBool(fmt.Sprintf("globalThis.%s instanceof Promise", globalVar))
	if err != nil {
		return fmt.Errorf("inspecting %s: %w", globalVar, err)
	}
	if !isPromise {
		return nil
	}

	if err := rt.Eval(fmt.Sprintf(`
		delete globalThis.__awaited_result;
		delete globalThis.__awaited_state;
		globalThis.%s.then(
			function(r) { globalThis.__awaited_result = r; globalThis.__awaited_state = 'fulfilled'; },
			function(e) { globalThis.__awaited_result = e; globalThis.__awaited_state = 'rejected'; }
		);
	`, globalVar)); err != nil {
		return fmt.Errorf("setting up promise await: %w", err)
	}
	defer func() {
		_ = rt.Eval("delete globalThis.__awaited_result; delete globalThis.__awaited_state;")
	}()

	for {
		rt.RunMicrotasks()

		state, err := rt.EvalString("String(globalThis.__awaited_state)")
		if err != nil {
			return fmt.Errorf("checking promise state: %w", err)
		}
		switch state {
		case "fulfilled":
			return rt.Eval(fmt.Sprintf("globalThis.%s = globalThis.__awaited_result;", globalVar))
		case "rejected":
			msg, _ := rt.EvalString(`(function(e) {
				if (e instanceof Error && e.stack) return String(e) + '\n' + e.stack;
				return String(e);
			})(globalThis.__awaited_result)`)
			return fmt.Errorf("promise rejected: %s", msg)
		}

		if el == nil {
			return ErrPromiseStalled
		}
		fired, err := el.RunNext(ctx, rt)
		if err != nil {
			return err
		}
		if !fired {
			return ErrPromiseStalled
		}
	}
}

// HasWaitUntil reports whether ctx.waitUntil() registered any promise that
// DrainWaitUntil has not taken yet.
func HasWaitUntil(rt core.JSRuntime) bool {
	pending, err := rt.EvalBool("!!(globalThis.__waitUntilPromises && globalThis.__waitUntilPromises.length > 0)")
	return err == nil && pending
}

// DrainWaitUntil waits for every promise registered via ctx.waitUntil() to
// settle. Rejections are logged by the promise itself and never returned.
func DrainWaitUntil(ctx context.Context, rt core.JSRuntime, el *eventloop.EventLoop) error {
	if !HasWaitUntil(rt) {
		return nil
	}
	if err := rt.Eval(`
		globalThis.__wait_until_all = Promise.allSettled(globalThis.__waitUntilPromises);
		globalThis.__waitUntilPromises = [];
	`); err != nil {
		return fmt.Errorf("collecting waitUntil promises: %w", err)
	}
	defer func() { _ = rt.Eval("delete globalThis.__wait_until_all;") }()
	return AwaitValue(ctx, rt, "__wait_until_all", el)
}
