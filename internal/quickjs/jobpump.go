package quickjs

import (
	"errors"
	"reflect"
	"unsafe"

	"modernc.org/libc"
	lib "modernc.org/libquickjs"
	"modernc.org/quickjs"
)

// jobQueue drives JS_ExecutePendingJob for one VM. modernc.org/quickjs never
// runs the job queue itself, so promise reactions stay queued until pumped.
type jobQueue struct {
	cRuntime uintptr
	tls      *libc.TLS
}

// newJobQueue reads the VM's unexported runtime handle through reflection.
//
// Layout relied on (modernc.org/quickjs v0.17):
//
//	type VM struct {
//	    ...
//	    runtime *runtime
//	    ...
//	}
//
//	type runtime struct {
//	    cRuntime uintptr
//	    tls      *libc.TLS
//	}
func newJobQueue(vm *quickjs.VM) (*jobQueue, error) {
	rtField := reflect.ValueOf(vm).Elem().FieldByName("runtime")
	if !rtField.IsValid() || rtField.IsNil() {
		return nil, errors.New("quickjs.VM has no runtime field")
	}
	rtVal := reflect.NewAt(rtField.Type().Elem(), unsafe.Pointer(rtField.Pointer())).Elem()

	cRuntime := rtVal.FieldByName("cRuntime")
	tls := rtVal.FieldByName("tls")
	if !cRuntime.IsValid() || !tls.IsValid() || tls.IsNil() {
		return nil, errors.New("quickjs runtime layout changed")
	}
	return &jobQueue{
		cRuntime: uintptr(cRuntime.Uint()),
		tls:      (*libc.TLS)(unsafe.Pointer(tls.Pointer())),
	}, nil
}

// drain runs queued jobs until the queue is empty or a job throws, and
// returns how many ran.
func (q *jobQueue) drain() int {
	n := 0
	for lib.XJS_ExecutePendingJob(q.tls, q.cRuntime, 0) > 0 {
		n++
	}
	return n
}
