package sync

import (
	"gophermm/kernel"
	"sync/atomic"
)

// OneShot guards an initialization phase that must run at most once. A
// second call to Enter panics with the error supplied by the caller.
type OneShot struct {
	state uint32
}

// Enter marks the guarded phase as started. It panics with err if Enter has
// already been called.
func (o *OneShot) Enter(err *kernel.Error) {
	if !atomic.CompareAndSwapUint32(&o.state, 0, 1) {
		panic(err)
	}
}

// Done returns true if Enter has been called.
func (o *OneShot) Done() bool {
	return atomic.LoadUint32(&o.state) == 1
}

// Reset re-arms the guard. It only exists so tests can run an initialization
// phase more than once.
func (o *OneShot) Reset() {
	atomic.StoreUint32(&o.state, 0)
}
