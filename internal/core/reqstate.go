package core

import (
	"encoding/json"
	"io"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// RequestState holds per-request state that Go callbacks registered on a JS
// runtime look up by request ID. The host sets it before calling into JS and
// clears it after.
type RequestState struct {
	Env Bindings
	Log logrus.FieldLogger
	// Body is the unread rest of the request body, nil once exhausted.
	Body io.Reader

	mu       sync.Mutex
	cleanups []func()
}

// RegisterCleanup adds a function to run when the state is cleared.
// Cleanups run in reverse registration order.
func (rs *RequestState) RegisterCleanup(fn func()) {
	rs.mu.Lock()
	rs.cleanups = append(rs.cleanups, fn)
	rs.mu.Unlock()
}

var (
	requestCounter atomic.Uint64
	requestStates  sync.Map // uint64 -> *RequestState
)

// NewRequestState creates a new request state and returns its unique ID.
func NewRequestState(env Bindings, log logrus.FieldLogger) uint64 {
	if env == nil {
		env = Bindings{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	id := requestCounter.Add(1)
	requestStates.Store(id, &RequestState{Env: env, Log: log})
	return id
}

// GetRequestState returns the state for the given request ID, or nil.
func GetRequestState(id uint64) *RequestState {
	v, ok := requestStates.Load(id)
	if !ok {
		return nil
	}
	return v.(*RequestState)
}

// ClearRequestState removes the state for the given request ID, runs its
// cleanups and returns it.
func ClearRequestState(id uint64) *RequestState {
	v, ok := requestStates.LoadAndDelete(id)
	if !ok {
		return nil
	}
	state := v.(*RequestState)

	state.mu.Lock()
	cleanups := state.cleanups
	state.cleanups = nil
	state.mu.Unlock()
	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}
	return state
}

// ParseReqID parses a request ID string to uint64. Invalid input yields 0.
func ParseReqID(s string) uint64 {
	if s == "" || s == "undefined" {
		return 0
	}
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// JsEscape returns s as a double-quoted JavaScript string literal. JSON
// string syntax is valid JS, including U+2028 and U+2029, which JSON encoding
// escapes. Invalid UTF-8 becomes U+FFFD.
func JsEscape(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
