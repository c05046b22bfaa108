package custody

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/holiman/uint256"

	"rewardpool/crypto"
	"rewardpool/storage"
)

var (
	errInvalidAmount  = errors.New("custody: amount must be positive")
	errAmountOverflow = errors.New("custody: amount exceeds 256 bits")
	// ErrInsufficientStake is returned when a withdrawal exceeds the deposit.
	ErrInsufficientStake = errors.New("custody: insufficient stake")
	// ErrInsufficientBalance is returned when custody cannot cover a transfer.
	ErrInsufficientBalance = errors.New("custody: insufficient held balance")
	// ErrTokenFrozen is returned for transfers of a frozen token.
	ErrTokenFrozen = errors.New("custody: token transfers frozen")
	// ErrUnknownToken is returned for tokens the pool does not pay out.
	ErrUnknownToken = errors.New("custody: unknown reward token")
)

var poolKey = []byte("custody/pool")

// Pool is the in-process reward source: it holds stake deposits, accrues
// funded rewards as pending until harvested, and keeps payee balances for
// delivered rewards.
type Pool struct {
	mu sync.Mutex
	db storage.Database

	tokens     []string
	stakes     map[string]*uint256.Int
	totalStake *uint256.Int
	pending    map[string]*uint256.Int
	held       map[string]*uint256.Int
	balances   map[string]map[string]*uint256.Int
	frozen     map[string]bool

	busy atomic.Int32
}

// NewPool loads the pool persisted in db, or starts an empty one paying out
// the supplied tokens.
func NewPool(db storage.Database, tokens ...string) (*Pool, error) {
	if db == nil {
		return nil, fmt.Errorf("custody: database required")
	}
	p := &Pool{
		db:         db,
		stakes:     make(map[string]*uint256.Int),
		totalStake: new(uint256.Int),
		pending:    make(map[string]*uint256.Int),
		held:       make(map[string]*uint256.Int),
		balances:   make(map[string]map[string]*uint256.Int),
		frozen:     make(map[string]bool),
	}
	if err := p.load(); err != nil {
		return nil, err
	}
	for _, token := range tokens {
		p.addToken(token)
	}
	return p, nil
}

func normalizeToken(token string) string {
	return strings.ToUpper(strings.TrimSpace(token))
}

func (p *Pool) addToken(token string) {
	token = normalizeToken(token)
	if token == "" {
		return
	}
	for _, existing := range p.tokens {
		if existing == token {
			return
		}
	}
	p.tokens = append(p.tokens, token)
	sort.Strings(p.tokens)
}

func (p *Pool) knownToken(token string) bool {
	for _, existing := range p.tokens {
		if existing == token {
			return true
		}
	}
	return false
}

func toUint256(amount *big.Int) (*uint256.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, errInvalidAmount
	}
	value, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, errAmountOverflow
	}
	return value, nil
}

func amountOf(m map[string]*uint256.Int, key string) *uint256.Int {
	if v, ok := m[key]; ok && v != nil {
		return new(uint256.Int).Set(v)
	}
	return new(uint256.Int)
}

// CurrentWeight returns the stake deposited by addr.
func (p *Pool) CurrentWeight(addr crypto.Address) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return amountOf(p.stakes, addr.Key()).ToBig(), nil
}

// TotalWeight returns the stake deposited across all accounts.
func (p *Pool) TotalWeight() (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totalStake.ToBig(), nil
}

// Deposit adds amount to the stake of addr.
func (p *Pool) Deposit(_ context.Context, addr crypto.Address, amount *big.Int) error {
	value, err := toUint256(amount)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	stake := amountOf(p.stakes, addr.Key())
	stake.Add(stake, value)
	p.stakes[addr.Key()] = stake
	p.totalStake = new(uint256.Int).Add(p.totalStake, value)
	return p.persist()
}

// Withdraw releases amount from the stake of addr.
func (p *Pool) Withdraw(_ context.Context, addr crypto.Address, amount *big.Int) error {
	value, err := toUint256(amount)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	stake := amountOf(p.stakes, addr.Key())
	if stake.Lt(value) {
		return fmt.Errorf("%w: have %s, want %s", ErrInsufficientStake, stake.Dec(), value.Dec())
	}
	stake.Sub(stake, value)
	if stake.IsZero() {
		delete(p.stakes, addr.Key())
	} else {
		p.stakes[addr.Key()] = stake
	}
	p.totalStake = new(uint256.Int).Sub(p.totalStake, value)
	return p.persist()
}

// Fund credits amount of token as pending rewards. Pending rewards become
// distributable once harvested.
func (p *Pool) Fund(token string, amount *big.Int) error {
	value, err := toUint256(amount)
	if err != nil {
		return err
	}
	token = normalizeToken(token)
	if token == "" {
		return ErrUnknownToken
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.addToken(token)
	pending := amountOf(p.pending, token)
	p.pending[token] = pending.Add(pending, value)
	return p.persist()
}

// RewardTokens lists every token the pool pays out.
func (p *Pool) RewardTokens() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.tokens...)
}

// HarvestPending moves every pending reward into held custody.
func (p *Pool) HarvestPending(_ context.Context) (map[string]*big.Int, error) {
	release := p.BeginExternal()
	defer release()

	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]*big.Int, len(p.pending))
	for token, amount := range p.pending {
		if amount == nil || amount.IsZero() {
			continue
		}
		held := amountOf(p.held, token)
		p.held[token] = held.Add(held, amount)
		out[token] = amount.ToBig()
	}
	p.pending = make(map[string]*uint256.Int)
	if err := p.persist(); err != nil {
		return nil, err
	}
	return out, nil
}

// HeldBalance returns the amount of token in custody.
func (p *Pool) HeldBalance(token string) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return amountOf(p.held, normalizeToken(token)).ToBig(), nil
}

// PendingBalance returns the funded but not yet harvested amount of token.
func (p *Pool) PendingBalance(token string) *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return amountOf(p.pending, normalizeToken(token)).ToBig()
}

// MidOperation reports whether an external pool operation is in flight.
func (p *Pool) MidOperation() bool {
	return p.busy.Load() > 0
}

// BeginExternal marks the pool as mid-operation until the returned function
// is called.
func (p *Pool) BeginExternal() func() {
	p.busy.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() { p.busy.Add(-1) })
	}
}

// Send moves amount of token from custody to the payee balance of to.
func (p *Pool) Send(_ context.Context, token string, to crypto.Address, amount *big.Int) error {
	value, err := toUint256(amount)
	if err != nil {
		return err
	}
	if to.IsZero() {
		return fmt.Errorf("custody: recipient required")
	}
	token = normalizeToken(token)
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.knownToken(token) {
		return fmt.Errorf("%w: %s", ErrUnknownToken, token)
	}
	if p.frozen[token] {
		return fmt.Errorf("%w: %s", ErrTokenFrozen, token)
	}
	held := amountOf(p.held, token)
	if held.Lt(value) {
		return fmt.Errorf("%w: %s has %s, want %s", ErrInsufficientBalance, token, held.Dec(), value.Dec())
	}
	p.held[token] = held.Sub(held, value)
	wallet, ok := p.balances[to.Key()]
	if !ok {
		wallet = make(map[string]*uint256.Int)
		p.balances[to.Key()] = wallet
	}
	balance := amountOf(wallet, token)
	wallet[token] = balance.Add(balance, value)
	return p.persist()
}

// Freeze toggles whether transfers of token are rejected.
func (p *Pool) Freeze(token string, frozen bool) error {
	token = normalizeToken(token)
	p.mu.Lock()
	defer p.mu.Unlock()
	if frozen {
		p.frozen[token] = true
	} else {
		delete(p.frozen, token)
	}
	return p.persist()
}

// Balance returns the delivered rewards of token held for addr.
func (p *Pool) Balance(addr crypto.Address, token string) *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	wallet := p.balances[addr.Key()]
	if wallet == nil {
		return big.NewInt(0)
	}
	return amountOf(wallet, normalizeToken(token)).ToBig()
}
