// Package hostsim is a small simulated interpreter host. It owns the objects
// a real host would own (promises, functions, contexts) and drives a trace
// engine from a line-based event script.
package hostsim

import "github.com/chazu/shadowtrace/trace"

// Promise is a host promise. It starts deferred and fresh.
type Promise struct {
	addr   uintptr
	value  trace.Value
	forced bool
	fresh  bool
}

// NewPromise creates a deferred promise identified by addr.
func NewPromise(addr uintptr) *Promise {
	return &Promise{addr: addr, fresh: true}
}

func (p *Promise) Addr() uintptr { return p.addr }

func (p *Promise) Value() (trace.Value, bool) { return p.value, p.forced }

func (p *Promise) TakeFresh() bool {
	fresh := p.fresh
	p.fresh = false
	return fresh
}

// Force stores the promise's value. Forcing twice keeps the first value.
func (p *Promise) Force(v trace.Value) {
	if p.forced {
		return
	}
	p.value = v
	p.forced = true
}
