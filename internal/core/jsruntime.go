package core

// JSRuntime is the engine surface that internal/webapi installs globals on
// and internal/eventloop fires timers through. One JSRuntime belongs to one VM
// and is not safe for concurrent use.
type JSRuntime interface {
	// Eval runs source in the global scope.
	Eval(js string) error

	// EvalString runs source and stringifies the completion value.
	EvalString(js string) (string, error)

	// EvalBool runs source whose completion value must be a boolean.
	EvalBool(js string) (bool, error)

	// RegisterFunc exposes fn as a global. A non-nil error returned by fn
	// surfaces in JS as a thrown TypeError.
	RegisterFunc(name string, fn any) error

	// SetGlobal assigns value to a global property.
	SetGlobal(name string, value any) error

	// RunMicrotasks drains pending promise jobs.
	RunMicrotasks()
}
