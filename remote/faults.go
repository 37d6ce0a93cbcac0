package remote

import (
	"sync"
)

// Op names a store operation for failure injection.
type Op string

const (
	OpCreate Op = "create"
	OpGet    Op = "get"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	OpQuery  Op = "query"
	OpPut    Op = "put"
)

type fault struct {
	err       error
	remaining int
}

// Faults injects errors into store operations. It is how tests and the demo
// simulate an unreachable store.
type Faults struct {
	mutex  sync.Mutex
	faults map[Op]*fault
}

// NewFaults creates an empty injector.
func NewFaults() *Faults {
	return &Faults{faults: make(map[Op]*fault)}
}

// Inject makes the next times calls of op fail with err. times <= 0 fails
// every call until Clear.
func (f *Faults) Inject(op Op, err error, times int) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.faults[op] = &fault{err: err, remaining: times}
}

// Clear removes the fault for op.
func (f *Faults) Clear(op Op) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	delete(f.faults, op)
}

func (f *Faults) take(op Op) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	ft, ok := f.faults[op]
	if !ok {
		return nil
	}
	if ft.remaining > 0 {
		ft.remaining--
		if ft.remaining == 0 {
			delete(f.faults, op)
		}
	}
	return ft.err
}
