package core

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// ErrPassThroughUnsupported is returned by ExecutionContext.PassThroughOnException.
// A single-handler dev setup has nothing to pass through to.
var ErrPassThroughUnsupported = errors.New("`passThroughOnException` is not supported")

// Bindings is the env object handed to a handler. Values are whatever the
// emulator produced (strings, KVStore, D1Store, JSON-able values); the
// middleware never looks inside.
type Bindings map[string]any

// ExecutionContext is the per-request lifecycle object passed to a handler.
type ExecutionContext interface {
	// WaitUntil starts task in the background. The response does not wait for it.
	WaitUntil(task func())
	// PassThroughOnException always returns ErrPassThroughUnsupported.
	PassThroughOnException() error
}

type execContext struct {
	log logrus.FieldLogger
}

// NewExecutionContext returns a fresh ExecutionContext for one request.
func NewExecutionContext(log logrus.FieldLogger) ExecutionContext {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &execContext{log: log}
}

func (c *execContext) WaitUntil(task func()) {
	if task == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.log.WithError(fmt.Errorf("%v", r)).Error("waitUntil task panicked")
			}
		}()
		task()
	}()
}

func (c *execContext) PassThroughOnException() error {
	return ErrPassThroughUnsupported
}

// Exports is a static Module backed by a map, for handlers written in Go.
type Exports map[string]any

// Export returns the named export.
func (e Exports) Export(name string) (any, bool) {
	v, ok := e[name]
	return v, ok
}
