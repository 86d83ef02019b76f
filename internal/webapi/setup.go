package webapi

import (
	"github.com/cryguy/workerdev/internal/core"
	"github.com/cryguy/workerdev/internal/eventloop"
)

// SetupFunc installs one part of the Web API surface on a runtime.
type SetupFunc func(rt core.JSRuntime, el *eventloop.EventLoop) error

// Setups lists every SetupFunc in the order they must run. atob/btoa come
// first because the body helpers in SetupWebAPIs use them, and
// TextEncoderStream in SetupStreams needs TextEncoder.
var Setups = []SetupFunc{
	SetupEncoding,
	SetupWebAPIs,
	SetupStreams,
	SetupConsole,
	SetupTimers,
	SetupKV,
	SetupD1,
}
