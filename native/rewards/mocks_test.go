package rewards

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"rewardpool/core/events"
	"rewardpool/crypto"
	"rewardpool/storage"
)

func makeAddress(b byte) crypto.Address {
	return crypto.NewAddress(crypto.AccountPrefix, bytes.Repeat([]byte{b}, 20))
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(seconds int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Duration(seconds) * time.Second)
}

type fakeWeights struct {
	mu      sync.Mutex
	weights map[string]*big.Int
	err     error
}

func newFakeWeights() *fakeWeights {
	return &fakeWeights{weights: make(map[string]*big.Int)}
}

func (f *fakeWeights) CurrentWeight(addr crypto.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return cloneBig(f.weights[addr.Key()]), nil
}

func (f *fakeWeights) TotalWeight() (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	total := big.NewInt(0)
	for _, w := range f.weights {
		total.Add(total, w)
	}
	return total, nil
}

func (f *fakeWeights) add(addr crypto.Address, delta *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.weights[addr.Key()] = new(big.Int).Add(cloneBig(f.weights[addr.Key()]), delta)
}

type fakeSource struct {
	mu       sync.Mutex
	tokens   []string
	held     map[string]*big.Int
	pending  map[string]*big.Int
	busy     bool
	harvests int
	err      error
	heldErr  error
}

func newFakeSource(tokens ...string) *fakeSource {
	return &fakeSource{
		tokens:  tokens,
		held:    make(map[string]*big.Int),
		pending: make(map[string]*big.Int),
	}
}

func (f *fakeSource) RewardTokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tokens...)
}

func (f *fakeSource) HarvestPending(context.Context) (map[string]*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.harvests++
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]*big.Int, len(f.pending))
	for token, amount := range f.pending {
		out[token] = amount
		f.held[token] = new(big.Int).Add(cloneBig(f.held[token]), amount)
	}
	f.pending = make(map[string]*big.Int)
	return out, nil
}

func (f *fakeSource) HeldBalance(token string) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.heldErr != nil {
		return nil, f.heldErr
	}
	return cloneBig(f.held[token]), nil
}

func (f *fakeSource) setHeldErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heldErr = err
}

func (f *fakeSource) MidOperation() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.busy
}

func (f *fakeSource) accrue(token string, amount int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[token] = new(big.Int).Add(cloneBig(f.pending[token]), big.NewInt(amount))
}

func (f *fakeSource) setBusy(busy bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.busy = busy
}

func (f *fakeSource) debit(token string, amount *big.Int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	held := cloneBig(f.held[token])
	if held.Cmp(amount) < 0 {
		return errors.New("insufficient custody balance")
	}
	f.held[token] = held.Sub(held, amount)
	return nil
}

type sent struct {
	token  string
	to     crypto.Address
	amount *big.Int
}

type fakeTransfer struct {
	mu     sync.Mutex
	source *fakeSource
	fail   map[string]error
	sent   []sent
	hook   func()
}

func newFakeTransfer(source *fakeSource) *fakeTransfer {
	return &fakeTransfer{source: source, fail: make(map[string]error)}
}

func (f *fakeTransfer) Send(_ context.Context, token string, to crypto.Address, amount *big.Int) error {
	if f.hook != nil {
		f.hook()
	}
	f.mu.Lock()
	err := f.fail[token]
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if err := f.source.debit(token, amount); err != nil {
		return err
	}
	f.mu.Lock()
	f.sent = append(f.sent, sent{token: token, to: to, amount: new(big.Int).Set(amount)})
	f.mu.Unlock()
	return nil
}

func (f *fakeTransfer) setFailure(token string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, token)
		return
	}
	f.fail[token] = err
}

func (f *fakeTransfer) total(token string, to crypto.Address) *big.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := big.NewInt(0)
	for _, s := range f.sent {
		if s.token == token && s.to.Equal(to) {
			total.Add(total, s.amount)
		}
	}
	return total
}

type fakeVault struct {
	weights *fakeWeights
	err     error
}

func (v *fakeVault) Deposit(_ context.Context, addr crypto.Address, amount *big.Int) error {
	if v.err != nil {
		return v.err
	}
	v.weights.add(addr, amount)
	return nil
}

func (v *fakeVault) Withdraw(_ context.Context, addr crypto.Address, amount *big.Int) error {
	if v.err != nil {
		return v.err
	}
	current, _ := v.weights.CurrentWeight(addr)
	if current.Cmp(amount) < 0 {
		return errors.New("withdraw exceeds stake")
	}
	v.weights.add(addr, new(big.Int).Neg(amount))
	return nil
}

// faultyState wraps the store and fails selected calls.
type faultyState struct {
	*Store
	owedErr  error
	applyErr error
}

func (s *faultyState) Owed(addr crypto.Address, token string) (*big.Int, error) {
	if s.owedErr != nil {
		return nil, s.owedErr
	}
	return s.Store.Owed(addr, token)
}

func (s *faultyState) Apply(changes Changes) error {
	if s.applyErr != nil {
		return s.applyErr
	}
	return s.Store.Apply(changes)
}

type stubPauseView struct {
	modules map[string]bool
}

func (s stubPauseView) IsPaused(module string) bool {
	return s.modules[module]
}

type harness struct {
	engine    *Engine
	store     *Store
	clock     *testClock
	weights   *fakeWeights
	source    *fakeSource
	transfer  *fakeTransfer
	vault     *fakeVault
	collector *events.Collector
}

func newHarness(t *testing.T, fees FeeSchedule, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		store:     NewStore(storage.NewMemDB()),
		clock:     newTestClock(),
		weights:   newFakeWeights(),
		source:    newFakeSource("X"),
		collector: &events.Collector{},
	}
	h.transfer = newFakeTransfer(h.source)
	h.vault = &fakeVault{weights: h.weights}
	base := []Option{
		WithClock(h.clock.Now),
		WithEmitter(h.collector),
		WithVault(h.vault),
	}
	engine, err := NewEngine(h.store, h.weights, h.source, h.transfer, fees, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	h.engine = engine
	return h
}

func (h *harness) deposit(t *testing.T, addr crypto.Address, amount int64) {
	t.Helper()
	if err := h.engine.Deposit(context.Background(), addr, big.NewInt(amount)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

func (h *harness) global(t *testing.T) *GlobalAccrual {
	t.Helper()
	g, err := h.store.Global()
	if err != nil {
		t.Fatalf("global: %v", err)
	}
	return g
}

func (h *harness) account(t *testing.T, addr crypto.Address) *AccountAccrual {
	t.Helper()
	acc, err := h.store.Account(addr)
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if acc == nil {
		return &AccountAccrual{Address: addr, Points: big.NewInt(0)}
	}
	return acc
}

func requireBig(t *testing.T, label string, got *big.Int, want int64) {
	t.Helper()
	if got == nil || got.Cmp(big.NewInt(want)) != 0 {
		t.Fatalf("%s: expected %d, got %v", label, want, got)
	}
}
