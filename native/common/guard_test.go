package common

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

type stubPauseView struct {
	modules map[string]bool
}

func (s stubPauseView) IsPaused(module string) bool {
	return s.modules[module]
}

type stubBusy struct {
	busy atomic.Bool
}

func (s *stubBusy) MidOperation() bool { return s.busy.Load() }

func TestGuardPaused(t *testing.T) {
	view := stubPauseView{modules: map[string]bool{"rewards": true}}
	if err := Guard(view, "rewards"); !errors.Is(err, ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if err := Guard(view, "other"); err != nil {
		t.Fatalf("unexpected error for unpaused module: %v", err)
	}
	if err := Guard(nil, "rewards"); err != nil {
		t.Fatalf("nil view must not block: %v", err)
	}
}

func TestEntryGuardRejectsSecondCaller(t *testing.T) {
	var guard EntryGuard
	release, err := guard.Enter(nil)
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	if _, err := guard.Enter(nil); !errors.Is(err, ErrReentrancy) {
		t.Fatalf("expected ErrReentrancy, got %v", err)
	}
	release()
	release()
	if guard.Entered() {
		t.Fatalf("guard should be free after release")
	}
	again, err := guard.Enter(nil)
	if err != nil {
		t.Fatalf("re-enter after release: %v", err)
	}
	again()
}

func TestEntryGuardRejectsWhileSourceBusy(t *testing.T) {
	var guard EntryGuard
	busy := &stubBusy{}
	busy.busy.Store(true)
	if _, err := guard.Enter(busy); !errors.Is(err, ErrReentrancy) {
		t.Fatalf("expected ErrReentrancy, got %v", err)
	}
	if guard.Entered() {
		t.Fatalf("rejected entry must not hold the guard")
	}
	busy.busy.Store(false)
	release, err := guard.Enter(busy)
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	release()
}

func TestEntryGuardSingleWinnerUnderContention(t *testing.T) {
	var (
		guard    EntryGuard
		wg       sync.WaitGroup
		admitted atomic.Int32
		start    = make(chan struct{})
		hold     = make(chan struct{})
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			release, err := guard.Enter(nil)
			if err != nil {
				return
			}
			admitted.Add(1)
			<-hold
			release()
		}()
	}
	close(start)
	for admitted.Load() == 0 {
	}
	if got := admitted.Load(); got != 1 {
		t.Fatalf("expected exactly one caller inside the guard, got %d", got)
	}
	close(hold)
	wg.Wait()
}
