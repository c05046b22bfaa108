package rewards

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"rewardpool/core/events"
	"rewardpool/crypto"
	nativecommon "rewardpool/native/common"
	"rewardpool/observability"
)

var (
	errNilState          = errors.New("rewards engine: state not configured")
	errNilCollaborator   = errors.New("rewards engine: collaborator not configured")
	errNegativeWeight    = errors.New("rewards engine: stake weight must not be negative")
	errVaultNotAvailable = errors.New("rewards engine: stake vault not configured")

	// ErrInvalidAmount is returned for non-positive stake changes.
	ErrInvalidAmount = errors.New("rewards engine: amount must be positive")
	// ErrInvalidDestination is returned when a sweep has no destination.
	ErrInvalidDestination = errors.New("rewards engine: destination required")
	// ErrInvariantViolation is returned when an account holds more points than
	// the global total. The claim is aborted before any state is written.
	ErrInvariantViolation = errors.New("rewards engine: account points exceed global total")
	// ErrTransferFailed wraps failures reported by the asset transfer.
	ErrTransferFailed = errors.New("rewards engine: reward transfer failed")
	// ErrReentrancy is returned when a mutating call overlaps another one or an
	// in-flight reward source operation.
	ErrReentrancy = nativecommon.ErrReentrancy
)

const moduleName = "rewards"

// StakeWeightSource reports the claim rate of accounts. Values must reflect
// the weight in effect before the current operation's own stake change.
type StakeWeightSource interface {
	CurrentWeight(addr crypto.Address) (*big.Int, error)
	TotalWeight() (*big.Int, error)
}

// RewardSource is the external custodian that accrues reward tokens.
type RewardSource interface {
	RewardTokens() []string
	// HarvestPending moves all pending rewards into local custody and reports
	// the harvested amount per token.
	HarvestPending(ctx context.Context) (map[string]*big.Int, error)
	HeldBalance(token string) (*big.Int, error)
	MidOperation() bool
}

// AssetTransfer delivers reward tokens. Failures must be reported, never
// swallowed.
type AssetTransfer interface {
	Send(ctx context.Context, token string, to crypto.Address, amount *big.Int) error
}

// StakeVault moves stake in and out of the reward source. Calls change the
// weights reported by the StakeWeightSource.
type StakeVault interface {
	Deposit(ctx context.Context, addr crypto.Address, amount *big.Int) error
	Withdraw(ctx context.Context, addr crypto.Address, amount *big.Int) error
}

// ClaimResult describes the outcome of ClaimFor.
type ClaimResult struct {
	Account     crypto.Address
	Points      *big.Int
	TotalBefore *big.Int
	Paid        map[string]*big.Int
	Deferred    map[string]*big.Int
}

// Engine is the rewards accrual ledger. It owns the points state exclusively
// and serialises every mutating entry point.
type Engine struct {
	state    engineState
	weights  StakeWeightSource
	source   RewardSource
	transfer AssetTransfer
	fees     FeeSchedule
	vault    StakeVault
	tokens   []string
	pauses   nativecommon.PauseView
	emitter  events.Emitter
	logger   *slog.Logger
	metrics  *observability.RewardsMetrics
	now      func() time.Time

	guard nativecommon.EntryGuard
	mu    sync.RWMutex
}

// Option customises the engine instance.
type Option func(*Engine)

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.now = clock }
}

// WithEmitter routes ledger events to the supplied emitter.
func WithEmitter(emitter events.Emitter) Option {
	return func(e *Engine) { e.emitter = emitter }
}

// WithLogger overrides the default slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *observability.RewardsMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithPauses wires the module pause switch.
func WithPauses(p nativecommon.PauseView) Option {
	return func(e *Engine) { e.pauses = p }
}

// WithVault enables Deposit and Withdraw.
func WithVault(v StakeVault) Option {
	return func(e *Engine) { e.vault = v }
}

// WithTokens adds reward tokens settled on every claim in addition to the ones
// the reward source reports.
func WithTokens(tokens ...string) Option {
	return func(e *Engine) { e.tokens = append(e.tokens, tokens...) }
}

// NewEngine wires the ledger to its collaborators and records the genesis
// checkpoint when the state is empty.
func NewEngine(state engineState, weights StakeWeightSource, source RewardSource, transfer AssetTransfer, fees FeeSchedule, opts ...Option) (*Engine, error) {
	if state == nil {
		return nil, errNilState
	}
	if weights == nil || source == nil || transfer == nil {
		return nil, errNilCollaborator
	}
	e := &Engine{
		state:    state,
		weights:  weights,
		source:   source,
		transfer: transfer,
		fees:     fees,
		emitter:  events.NoopEmitter{},
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.fees == nil {
		e.fees = FixedFee{}
	}
	if e.emitter == nil {
		e.emitter = events.NoopEmitter{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.metrics == nil {
		e.metrics = observability.Rewards()
	}

	global, err := state.Global()
	if err != nil {
		return nil, err
	}
	if global == nil {
		genesis := &GlobalAccrual{TotalPoints: big.NewInt(0), LastUpdateTime: e.timestamp()}
		if err := state.Apply(Changes{Global: genesis}); err != nil {
			return nil, fmt.Errorf("rewards engine: record genesis: %w", err)
		}
		e.logger.Info("rewards ledger initialised", slog.Uint64("genesis", genesis.LastUpdateTime))
	}
	return e, nil
}

func (e *Engine) timestamp() uint64 {
	return unixSeconds(e.now())
}

func unixSeconds(at time.Time) uint64 {
	unix := at.Unix()
	if unix < 0 {
		return 0
	}
	return uint64(unix)
}

// enter applies the pause switch and the reentrancy boundary, then takes the
// write lock. The returned function releases both.
func (e *Engine) enter(op string) (func(), error) {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	release, err := e.guard.Enter(e.source)
	if err != nil {
		e.metrics.RecordReentrancy(op)
		e.logger.Warn("rewards call rejected", slog.String("op", op), slog.String("error", err.Error()))
		return nil, err
	}
	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		release()
	}, nil
}

// txn carries the working copy of every value touched by one entry point.
type txn struct {
	state   engineState
	now     uint64
	at      time.Time
	global  *GlobalAccrual
	changes *changeset
	pending []events.Event
}

func (e *Engine) begin() (*txn, error) {
	at := e.now()
	t := &txn{state: e.state, now: unixSeconds(at), at: at, changes: newChangeset()}
	global, err := e.state.Global()
	if err != nil {
		return nil, err
	}
	if global == nil {
		global = &GlobalAccrual{TotalPoints: big.NewInt(0), LastUpdateTime: t.now}
		t.changes.global = global
	} else {
		global = global.Clone()
	}
	t.global = global
	return t, nil
}

func (t *txn) account(addr crypto.Address) (*AccountAccrual, error) {
	if acc, ok := t.changes.accounts[addr.Key()]; ok {
		return acc, nil
	}
	acc, err := t.state.Account(addr)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return &AccountAccrual{Address: addr, Points: big.NewInt(0)}, nil
	}
	return acc.Clone(), nil
}

func (t *txn) putAccount(acc *AccountAccrual) {
	t.changes.accounts[acc.Address.Key()] = acc
}

func (t *txn) putGlobal() {
	t.changes.global = t.global
}

func (t *txn) reserve(token string) (*big.Int, error) {
	if v, ok := t.changes.reserves[token]; ok {
		return v, nil
	}
	v, err := t.state.Reserve(token)
	if err != nil {
		return nil, err
	}
	return cloneBig(v), nil
}

func (t *txn) earmarked(token string) (*big.Int, error) {
	if v, ok := t.changes.earmarked[token]; ok {
		return v, nil
	}
	v, err := t.state.Earmarked(token)
	if err != nil {
		return nil, err
	}
	return cloneBig(v), nil
}

func (t *txn) emit(evt events.Event) {
	t.pending = append(t.pending, evt)
}

// commit persists the working copy in one batch and only then releases the
// collected events.
func (e *Engine) commit(t *txn) error {
	if !t.changes.empty() {
		if err := e.state.Apply(t.changes.export()); err != nil {
			return fmt.Errorf("rewards engine: persist: %w", err)
		}
	}
	for _, evt := range t.pending {
		e.emitter.Emit(evt)
	}
	t.changes = newChangeset()
	t.pending = nil
	e.metrics.SetTotalPoints(t.global.TotalPoints)
	return nil
}

func (e *Engine) totalWeight() (*big.Int, error) {
	total, err := e.weights.TotalWeight()
	if err != nil {
		return nil, fmt.Errorf("rewards engine: total weight: %w", err)
	}
	if total == nil {
		return big.NewInt(0), nil
	}
	if total.Sign() < 0 {
		return nil, errNegativeWeight
	}
	return total, nil
}

func (e *Engine) accountWeight(addr crypto.Address) (*big.Int, error) {
	weight, err := e.weights.CurrentWeight(addr)
	if err != nil {
		return nil, fmt.Errorf("rewards engine: account weight: %w", err)
	}
	if weight == nil {
		return big.NewInt(0), nil
	}
	if weight.Sign() < 0 {
		return nil, errNegativeWeight
	}
	return weight, nil
}

// projectGlobal integrates the total weight over the interval since the last
// update. A clock reading at or before LastUpdateTime leaves it unchanged.
func projectGlobal(g *GlobalAccrual, totalWeight *big.Int, now uint64) *GlobalAccrual {
	out := g.Clone()
	dt := elapsed(now, g.LastUpdateTime)
	if dt == 0 {
		return out
	}
	out.TotalPoints = accrue(g.TotalPoints, totalWeight, dt)
	out.LastUpdateTime = now
	return out
}

// projectAccount integrates the account weight since its last checkpoint. The
// first checkpoint only sets the baseline.
func projectAccount(acc *AccountAccrual, weight *big.Int, now uint64) *AccountAccrual {
	out := acc.Clone()
	if acc.LastUpdateTime != 0 {
		if dt := elapsed(now, acc.LastUpdateTime); dt > 0 {
			out.Points = accrue(acc.Points, weight, dt)
		}
	}
	if now > out.LastUpdateTime {
		out.LastUpdateTime = now
	}
	return out
}

func (e *Engine) checkpointGlobal(t *txn) error {
	if elapsed(t.now, t.global.LastUpdateTime) == 0 {
		return nil
	}
	total, err := e.totalWeight()
	if err != nil {
		return err
	}
	t.global = projectGlobal(t.global, total, t.now)
	t.putGlobal()
	return nil
}

func (e *Engine) checkpointAccount(t *txn, addr crypto.Address) (*AccountAccrual, error) {
	acc, err := t.account(addr)
	if err != nil {
		return nil, err
	}
	weight := big.NewInt(0)
	if acc.LastUpdateTime != 0 && elapsed(t.now, acc.LastUpdateTime) > 0 {
		if weight, err = e.accountWeight(addr); err != nil {
			return nil, err
		}
	}
	acc = projectAccount(acc, weight, t.now)
	t.putAccount(acc)
	return acc, nil
}

// checkpoint brings the global and account points up to now. It must run
// before anything that changes stake weight.
func (e *Engine) checkpoint(t *txn, addr crypto.Address) (*AccountAccrual, error) {
	if err := e.checkpointGlobal(t); err != nil {
		return nil, err
	}
	return e.checkpointAccount(t, addr)
}

// Checkpoint brings the ledger and addr up to date and returns the account's
// accrual.
func (e *Engine) Checkpoint(addr crypto.Address) (*AccountAccrual, error) {
	release, err := e.enter("checkpoint")
	if err != nil {
		return nil, err
	}
	defer release()

	t, err := e.begin()
	if err != nil {
		return nil, err
	}
	acc, err := e.checkpoint(t, addr)
	if err != nil {
		return nil, err
	}
	if err := e.commit(t); err != nil {
		return nil, err
	}
	return acc.Clone(), nil
}

// Deposit checkpoints addr with its pre-deposit weight and then moves amount
// into the stake vault. Nothing is committed when the vault rejects the call.
func (e *Engine) Deposit(ctx context.Context, addr crypto.Address, amount *big.Int) error {
	return e.changeStake(ctx, "deposit", addr, amount, func(v StakeVault) error {
		return v.Deposit(ctx, addr, amount)
	})
}

// Withdraw checkpoints addr with its pre-withdrawal weight and then releases
// amount from the stake vault.
func (e *Engine) Withdraw(ctx context.Context, addr crypto.Address, amount *big.Int) error {
	return e.changeStake(ctx, "withdraw", addr, amount, func(v StakeVault) error {
		return v.Withdraw(ctx, addr, amount)
	})
}

func (e *Engine) changeStake(ctx context.Context, op string, addr crypto.Address, amount *big.Int, apply func(StakeVault) error) error {
	if e.vault == nil {
		return errVaultNotAvailable
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	release, err := e.enter(op)
	if err != nil {
		return err
	}
	defer release()

	start := e.now()
	t, err := e.begin()
	if err != nil {
		return err
	}
	if _, err := e.checkpoint(t, addr); err != nil {
		return err
	}
	// The interval up to now accrues at the old weight whatever the vault does.
	if err := e.commit(t); err != nil {
		return err
	}
	var vaultErr error
	e.unlocked(func() {
		vaultErr = apply(e.vault)
	})
	if vaultErr != nil {
		return fmt.Errorf("rewards engine: %s: %w", op, vaultErr)
	}
	e.metrics.ObserveOperation(op, e.now().Sub(start))
	return nil
}

// currentFee reads and validates the externally supplied fee fraction.
func (e *Engine) currentFee() (*big.Int, error) {
	fraction, err := e.fees.FeeFraction()
	if err != nil {
		return nil, fmt.Errorf("rewards engine: fee fraction: %w", err)
	}
	if fraction == nil {
		return big.NewInt(0), nil
	}
	if fraction.Sign() < 0 || fraction.Cmp(Scale) > 0 {
		return nil, errFeeOutOfRange
	}
	return fraction, nil
}

// harvest pulls pending rewards and withholds the protocol share of each
// token. It is the only place reserves grow.
func (e *Engine) harvest(ctx context.Context, t *txn, fraction *big.Int) (map[string]*big.Int, error) {
	pending, err := e.source.HarvestPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("rewards engine: harvest: %w", err)
	}
	tokens := make([]string, 0, len(pending))
	for token := range pending {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)

	skimmed := make(map[string]*big.Int, len(tokens))
	for _, raw := range tokens {
		amount := pending[raw]
		if amount == nil || amount.Sign() <= 0 {
			continue
		}
		token := normalizeToken(raw)
		fee := mulDivFloor(amount, fraction, Scale)
		reserve, err := t.reserve(token)
		if err != nil {
			return nil, err
		}
		reserve = new(big.Int).Add(reserve, fee)
		t.changes.reserves[token] = reserve
		skimmed[token] = fee
		t.emit(events.FeeSkimmed{
			Token:       token,
			Harvested:   new(big.Int).Set(amount),
			Fee:         new(big.Int).Set(fee),
			FeeFraction: new(big.Int).Set(fraction),
			At:          t.at,
		})
		e.metrics.RecordHarvest(token, amount, fee)
	}
	return skimmed, nil
}

// HarvestAndSkim pulls pending rewards into custody and withholds the
// protocol fee. The returned map holds the fee withheld per token.
func (e *Engine) HarvestAndSkim(ctx context.Context) (map[string]*big.Int, error) {
	release, err := e.enter("harvest")
	if err != nil {
		return nil, err
	}
	defer release()

	t, err := e.begin()
	if err != nil {
		return nil, err
	}
	if err := e.checkpointGlobal(t); err != nil {
		return nil, err
	}
	fraction, err := e.currentFee()
	if err != nil {
		return nil, err
	}
	skimmed, err := e.harvest(ctx, t, fraction)
	if err != nil {
		return nil, err
	}
	if err := e.commit(t); err != nil {
		e.logger.Error("rewards harvest not persisted", slog.String("error", err.Error()))
		return nil, err
	}
	for token := range skimmed {
		e.reportReserve(token)
	}
	return skimmed, nil
}

func (e *Engine) reportReserve(token string) {
	if reserve, err := e.state.Reserve(token); err == nil {
		e.metrics.SetReserve(token, reserve)
	}
}

// rewardTokens returns the configured and source-reported tokens.
func (e *Engine) rewardTokens() []string {
	seen := make(map[string]struct{})
	var tokens []string
	add := func(list []string) {
		for _, token := range list {
			token = normalizeToken(token)
			if token == "" {
				continue
			}
			if _, ok := seen[token]; ok {
				continue
			}
			seen[token] = struct{}{}
			tokens = append(tokens, token)
		}
	}
	add(e.tokens)
	add(e.source.RewardTokens())
	sort.Strings(tokens)
	return tokens
}

// distributable is held - reserve - earmarked, floored at zero.
func (e *Engine) distributable(token string, reserve, earmarked *big.Int) (*big.Int, error) {
	held, err := e.source.HeldBalance(token)
	if err != nil {
		return nil, fmt.Errorf("rewards engine: held balance %s: %w", token, err)
	}
	out := subFloor(held, reserve)
	return subFloor(out, earmarked), nil
}

// ClaimFor settles the accrued points of addr against every reward token.
//
// The harvest commits first, then the points reset, both before any
// transfer. Transfers run without the write lock, so collaborators may read
// the ledger while a claim is in flight. A token whose transfer fails
// is recorded as owed to addr and earmarked out of the distributable balance;
// the call then returns an error wrapping ErrTransferFailed together with the
// partial result. Owed payouts are retried on the account's next claim.
func (e *Engine) ClaimFor(ctx context.Context, addr crypto.Address) (*ClaimResult, error) {
	release, err := e.enter("claim")
	if err != nil {
		e.metrics.RecordClaim("rejected")
		return nil, err
	}
	defer release()

	start := e.now()
	t, err := e.begin()
	if err != nil {
		return nil, err
	}
	acc, err := e.checkpoint(t, addr)
	if err != nil {
		return nil, err
	}
	claimed := cloneBig(acc.Points)
	if t.global.TotalPoints.Cmp(claimed) < 0 {
		e.metrics.RecordInvariantViolation()
		e.metrics.RecordClaim("invariant")
		e.logger.Error("rewards invariant violated: account points exceed total",
			slog.String("account", addr.String()),
			slog.String("claimed", claimed.String()),
			slog.String("total_points", t.global.TotalPoints.String()))
		e.emitter.Emit(events.InvariantViolation{
			Account:     addr,
			Claimed:     claimed,
			TotalPoints: cloneBig(t.global.TotalPoints),
			At:          t.at,
		})
		return nil, fmt.Errorf("%w: account %s holds %s points, total %s", ErrInvariantViolation, addr, claimed, t.global.TotalPoints)
	}

	fraction, err := e.currentFee()
	if err != nil {
		return nil, err
	}
	if _, err := e.harvest(ctx, t, fraction); err != nil {
		return nil, err
	}
	// Harvested tokens are already held, so the skim persists before any
	// later step can fail.
	if err := e.commit(t); err != nil {
		e.logger.Error("rewards harvest not persisted",
			slog.String("account", addr.String()),
			slog.String("error", err.Error()))
		return nil, err
	}

	totalBefore := cloneBig(t.global.TotalPoints)
	acc.Points = big.NewInt(0)
	t.putAccount(acc)
	t.global.TotalPoints = new(big.Int).Sub(t.global.TotalPoints, claimed)
	t.putGlobal()

	result := &ClaimResult{
		Account:     addr,
		Points:      claimed,
		TotalBefore: totalBefore,
		Paid:        make(map[string]*big.Int),
		Deferred:    make(map[string]*big.Int),
	}
	var payouts []payout
	for _, token := range e.rewardTokens() {
		reserve, err := t.reserve(token)
		if err != nil {
			return nil, err
		}
		earmarked, err := t.earmarked(token)
		if err != nil {
			return nil, err
		}
		available, err := e.distributable(token, reserve, earmarked)
		if err != nil {
			return nil, err
		}
		amount := mulDivFloor(claimed, available, totalBefore)
		if amount.Sign() > 0 {
			payouts = append(payouts, payout{token: token, amount: amount})
		}
	}
	owed, err := e.state.OwedPayouts(addr)
	if err != nil {
		return nil, err
	}

	t.emit(events.ClaimSettled{
		Account:     addr,
		Points:      cloneBig(claimed),
		TotalBefore: cloneBig(totalBefore),
		Tokens:      len(payouts),
		At:          t.at,
	})
	if err := e.commit(t); err != nil {
		return nil, err
	}

	var failures []error
	e.unlocked(func() {
		failures = e.settle(ctx, t, addr, owed, payouts, claimed, result)
	})
	if err := e.commit(t); err != nil {
		e.logger.Error("rewards payout bookkeeping not persisted",
			slog.String("account", addr.String()),
			slog.String("error", err.Error()))
		return result, err
	}
	e.metrics.ObserveOperation("claim", e.now().Sub(start))
	if len(failures) > 0 {
		e.metrics.RecordClaim("deferred")
		return result, errors.Join(failures...)
	}
	e.metrics.RecordClaim("settled")
	return result, nil
}

type payout struct {
	token  string
	amount *big.Int
}

// unlocked runs fn with the write lock dropped so collaborators may read the
// ledger. The entry guard stays held, so no other mutation can interleave.
func (e *Engine) unlocked(fn func()) {
	e.mu.Unlock()
	defer e.mu.Lock()
	fn()
}

// settle retries the owed payouts of addr and sends the new ones. It runs
// without the write lock and only stages bookkeeping on t.
func (e *Engine) settle(ctx context.Context, t *txn, addr crypto.Address, owed []OwedPayout, payouts []payout, claimed *big.Int, result *ClaimResult) []error {
	var failures []error
	for _, o := range owed {
		token := normalizeToken(o.Token)
		if err := e.transfer.Send(ctx, token, addr, o.Amount); err != nil {
			failures = append(failures, fmt.Errorf("%w: owed %s: %v", ErrTransferFailed, token, err))
			continue
		}
		t.changes.owed[owedKey{account: addr.Key(), token: token}] = big.NewInt(0)
		if earmarked, err := t.earmarked(token); err != nil {
			// The stale earmark only withholds funds until the next settlement.
			failures = append(failures, fmt.Errorf("rewards engine: release earmark %s: %w", token, err))
		} else {
			t.changes.earmarked[token] = subFloor(earmarked, o.Amount)
		}
		e.recordPaid(t, addr, token, o.Amount, big.NewInt(0))
		result.Paid[token] = new(big.Int).Set(o.Amount)
	}
	for _, p := range payouts {
		if err := e.transfer.Send(ctx, p.token, addr, p.amount); err != nil {
			failures = append(failures, fmt.Errorf("%w: %s: %v", ErrTransferFailed, p.token, err))
			if derr := e.deferPayout(t, addr, p.token, p.amount, err); derr != nil {
				failures = append(failures, derr)
				continue
			}
			result.Deferred[p.token] = new(big.Int).Set(p.amount)
			continue
		}
		if prev, ok := result.Paid[p.token]; ok {
			result.Paid[p.token] = new(big.Int).Add(prev, p.amount)
		} else {
			result.Paid[p.token] = new(big.Int).Set(p.amount)
		}
		e.recordPaid(t, addr, p.token, p.amount, claimed)
	}
	return failures
}

func (e *Engine) recordPaid(t *txn, addr crypto.Address, token string, amount, points *big.Int) {
	t.emit(events.RewardPaid{
		Account: addr,
		Token:   token,
		Amount:  new(big.Int).Set(amount),
		Points:  cloneBig(points),
		At:      t.at,
	})
	e.metrics.RecordPaid(token, amount)
}

// deferPayout records amount as owed to addr and earmarks it. Nothing is
// staged when the current owed or earmarked value cannot be read.
func (e *Engine) deferPayout(t *txn, addr crypto.Address, token string, amount *big.Int, cause error) error {
	key := owedKey{account: addr.Key(), token: token}
	owed, ok := t.changes.owed[key]
	if !ok {
		stored, err := e.state.Owed(addr, token)
		if err != nil {
			return fmt.Errorf("rewards engine: read owed %s: %w", token, err)
		}
		owed = cloneBig(stored)
	}
	earmarked, err := t.earmarked(token)
	if err != nil {
		return fmt.Errorf("rewards engine: read earmark %s: %w", token, err)
	}
	t.changes.owed[key] = new(big.Int).Add(owed, amount)
	t.changes.earmarked[token] = new(big.Int).Add(earmarked, amount)
	t.emit(events.RewardDeferred{
		Account: addr,
		Token:   token,
		Amount:  new(big.Int).Set(amount),
		Reason:  cause.Error(),
		At:      t.at,
	})
	e.metrics.RecordDeferred(token)
	e.logger.Warn("rewards payout deferred",
		slog.String("account", addr.String()),
		slog.String("token", token),
		slog.String("amount", amount.String()),
		slog.String("error", cause.Error()))
	return nil
}

// SweepReserve transfers the protocol reserve of token to destination and
// zeroes it. A zero reserve is a no-op. Callers are responsible for
// authorising the request.
func (e *Engine) SweepReserve(ctx context.Context, token string, destination crypto.Address) (*big.Int, error) {
	token = normalizeToken(token)
	if token == "" {
		return nil, fmt.Errorf("rewards engine: token required")
	}
	if destination.IsZero() {
		return nil, ErrInvalidDestination
	}
	release, err := e.enter("sweep")
	if err != nil {
		return nil, err
	}
	defer release()

	t, err := e.begin()
	if err != nil {
		return nil, err
	}
	if err := e.checkpointGlobal(t); err != nil {
		return nil, err
	}
	reserve, err := t.reserve(token)
	if err != nil {
		return nil, err
	}
	if reserve.Sign() == 0 {
		return big.NewInt(0), e.commit(t)
	}
	var sendErr error
	e.unlocked(func() {
		sendErr = e.transfer.Send(ctx, token, destination, reserve)
	})
	if sendErr != nil {
		return nil, fmt.Errorf("%w: sweep %s: %v", ErrTransferFailed, token, sendErr)
	}
	t.changes.reserves[token] = big.NewInt(0)
	t.emit(events.ReserveSwept{
		Token:       token,
		Destination: destination,
		Amount:      new(big.Int).Set(reserve),
		At:          t.at,
	})
	if err := e.commit(t); err != nil {
		return nil, err
	}
	e.metrics.SetReserve(token, big.NewInt(0))
	e.logger.Info("rewards reserve swept",
		slog.String("token", token),
		slog.String("destination", destination.String()),
		slog.String("amount", reserve.String()))
	return reserve, nil
}

// projection is the dry-run of a checkpoint for one account.
type projection struct {
	global  *GlobalAccrual
	account *AccountAccrual
}

func (e *Engine) project(addr crypto.Address) (*projection, error) {
	now := e.timestamp()
	global, err := e.state.Global()
	if err != nil {
		return nil, err
	}
	if global == nil {
		global = &GlobalAccrual{TotalPoints: big.NewInt(0), LastUpdateTime: now}
	}
	total := big.NewInt(0)
	if elapsed(now, global.LastUpdateTime) > 0 {
		if total, err = e.totalWeight(); err != nil {
			return nil, err
		}
	}
	acc, err := e.state.Account(addr)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		acc = &AccountAccrual{Address: addr, Points: big.NewInt(0)}
	}
	weight := big.NewInt(0)
	if acc.LastUpdateTime != 0 && elapsed(now, acc.LastUpdateTime) > 0 {
		if weight, err = e.accountWeight(addr); err != nil {
			return nil, err
		}
	}
	return &projection{
		global:  projectGlobal(global, total, now),
		account: projectAccount(acc, weight, now),
	}, nil
}

// ShareOf returns the account's share of all points as a fraction of Scale,
// using the same projection a checkpoint at this instant would produce.
func (e *Engine) ShareOf(addr crypto.Address) (*big.Int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	p, err := e.project(addr)
	if err != nil {
		return nil, err
	}
	if p.global.TotalPoints.Sign() == 0 {
		return big.NewInt(0), nil
	}
	return mulDivFloor(p.account.Points, Scale, p.global.TotalPoints), nil
}

// Earned previews the per-token amounts a claim would pay against current
// balances, without harvesting or mutating state.
func (e *Engine) Earned(addr crypto.Address) (map[string]*big.Int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	p, err := e.project(addr)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*big.Int)
	for _, token := range e.rewardTokens() {
		if p.global.TotalPoints.Sign() == 0 {
			out[token] = big.NewInt(0)
			continue
		}
		reserve, err := e.state.Reserve(token)
		if err != nil {
			return nil, err
		}
		earmarked, err := e.state.Earmarked(token)
		if err != nil {
			return nil, err
		}
		available, err := e.distributable(token, reserve, earmarked)
		if err != nil {
			return nil, err
		}
		out[token] = mulDivFloor(p.account.Points, available, p.global.TotalPoints)
	}
	return out, nil
}

// Snapshot returns the projected global state and per-token balances.
func (e *Engine) Snapshot() (*Snapshot, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	now := e.timestamp()
	global, err := e.state.Global()
	if err != nil {
		return nil, err
	}
	if global == nil {
		global = &GlobalAccrual{TotalPoints: big.NewInt(0), LastUpdateTime: now}
	}
	total, err := e.totalWeight()
	if err != nil {
		return nil, err
	}
	projected := projectGlobal(global, total, now)
	snap := &Snapshot{
		TotalPoints:    projected.TotalPoints,
		LastUpdateTime: projected.LastUpdateTime,
		TotalWeight:    cloneBig(total),
		Reserves:       make(map[string]*big.Int),
		Earmarked:      make(map[string]*big.Int),
		Distributable:  make(map[string]*big.Int),
		Tokens:         e.rewardTokens(),
	}
	for _, token := range snap.Tokens {
		reserve, err := e.state.Reserve(token)
		if err != nil {
			return nil, err
		}
		earmarked, err := e.state.Earmarked(token)
		if err != nil {
			return nil, err
		}
		available, err := e.distributable(token, reserve, earmarked)
		if err != nil {
			return nil, err
		}
		snap.Reserves[token] = reserve
		snap.Earmarked[token] = earmarked
		snap.Distributable[token] = available
	}
	return snap, nil
}

// Accounts returns the stored accrual of every account that has ever been
// checkpointed.
func (e *Engine) Accounts() ([]*AccountAccrual, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.Accounts()
}

// Reserve returns the protocol reserve of token.
func (e *Engine) Reserve(token string) (*big.Int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.Reserve(normalizeToken(token))
}

// OwedPayouts lists amounts owed to addr from earlier failed transfers.
func (e *Engine) OwedPayouts(addr crypto.Address) ([]OwedPayout, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.OwedPayouts(addr)
}
