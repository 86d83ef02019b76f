package quickjs

import (
	"fmt"

	"modernc.org/quickjs"

	"github.com/cryguy/workerdev/internal/eventloop"
	"github.com/cryguy/workerdev/internal/webapi"
)

// newVM creates a QuickJS VM with the Web API surface installed.
func newVM(memoryLimitMB int) (*quickjs.VM, *qjsRuntime, *eventloop.EventLoop, error) {
	vm, err := quickjs.NewVM()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("creating QuickJS VM: %w", err)
	}
	if memoryLimitMB > 0 {
		vm.SetMemoryLimit(uintptr(memoryLimitMB) * 1024 * 1024)
	}

	jobs, err := newJobQueue(vm)
	if err != nil {
		vm.Close()
		return nil, nil, nil, fmt.Errorf("attaching job queue: %w", err)
	}

	rt := &qjsRuntime{vm: vm, jobs: jobs}
	el := eventloop.New()
	for _, setup := range webapi.Setups {
		if err := setup(rt, el); err != nil {
			vm.Close()
			return nil, nil, nil, fmt.Errorf("setup: %w", err)
		}
	}
	return vm, rt, el, nil
}
