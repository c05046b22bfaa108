package common

import (
	"errors"
	"sync/atomic"
)

var (
	ErrModulePaused = errors.New("module paused")
	// ErrReentrancy is returned when a mutating entry point is invoked while
	// another one, or the external reward source, is still in flight.
	ErrReentrancy = errors.New("reentrant call rejected")
)

type PauseView interface {
	IsPaused(module string) bool
}

func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// BusyView reports whether an external collaborator is mid-operation.
type BusyView interface {
	MidOperation() bool
}

// EntryGuard admits a single mutating caller at a time. A second caller fails
// immediately instead of queueing.
type EntryGuard struct {
	entered atomic.Bool
}

// Enter claims the guard. The returned release function must be called exactly
// once when the caller leaves the protected section.
func (g *EntryGuard) Enter(busy BusyView) (func(), error) {
	if busy != nil && busy.MidOperation() {
		return nil, ErrReentrancy
	}
	if !g.entered.CompareAndSwap(false, true) {
		return nil, ErrReentrancy
	}
	if busy != nil && busy.MidOperation() {
		g.entered.Store(false)
		return nil, ErrReentrancy
	}
	var released atomic.Bool
	return func() {
		if released.CompareAndSwap(false, true) {
			g.entered.Store(false)
		}
	}, nil
}

// Entered reports whether a caller currently holds the guard.
func (g *EntryGuard) Entered() bool {
	return g.entered.Load()
}
