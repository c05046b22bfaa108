package rewards

import (
	"math/big"
	"sort"

	"rewardpool/crypto"
)

// GlobalAccrual captures the ledger-wide points integral.
type GlobalAccrual struct {
	// TotalPoints is the integral of total stake weight over time, net of
	// points removed by claims.
	TotalPoints *big.Int
	// LastUpdateTime is the unix second through which TotalPoints has been
	// integrated.
	LastUpdateTime uint64
}

// AccountAccrual maintains the unclaimed points of an individual account.
type AccountAccrual struct {
	Address crypto.Address
	// Points is the accrued, unclaimed integral of the account's stake weight.
	Points *big.Int
	// LastUpdateTime is zero until the account's first checkpoint.
	LastUpdateTime uint64
}

// Clone returns a deep copy of the global accrual.
func (g *GlobalAccrual) Clone() *GlobalAccrual {
	if g == nil {
		return nil
	}
	return &GlobalAccrual{TotalPoints: cloneBig(g.TotalPoints), LastUpdateTime: g.LastUpdateTime}
}

// Clone returns a deep copy of the account accrual.
func (a *AccountAccrual) Clone() *AccountAccrual {
	if a == nil {
		return nil
	}
	return &AccountAccrual{Address: a.Address, Points: cloneBig(a.Points), LastUpdateTime: a.LastUpdateTime}
}

// Snapshot is a read-only view of the ledger suitable for APIs.
type Snapshot struct {
	TotalPoints    *big.Int
	LastUpdateTime uint64
	TotalWeight    *big.Int
	Reserves       map[string]*big.Int
	Earmarked      map[string]*big.Int
	Distributable  map[string]*big.Int
	Tokens         []string
}

// changeset accumulates every write produced by one entry point so the store
// can apply them in a single atomic batch.
type changeset struct {
	global    *GlobalAccrual
	accounts  map[string]*AccountAccrual
	reserves  map[string]*big.Int
	earmarked map[string]*big.Int
	owed      map[owedKey]*big.Int
}

type owedKey struct {
	account string
	token   string
}

func newChangeset() *changeset {
	return &changeset{
		accounts:  make(map[string]*AccountAccrual),
		reserves:  make(map[string]*big.Int),
		earmarked: make(map[string]*big.Int),
		owed:      make(map[owedKey]*big.Int),
	}
}

func (c *changeset) empty() bool {
	return c.global == nil && len(c.accounts) == 0 && len(c.reserves) == 0 &&
		len(c.earmarked) == 0 && len(c.owed) == 0
}

// Changes is the exported view of a changeset handed to engineState
// implementations.
type Changes struct {
	Global    *GlobalAccrual
	Accounts  []*AccountAccrual
	Reserves  map[string]*big.Int
	Earmarked map[string]*big.Int
	Owed      []OwedPayout
}

// OwedPayout is an amount owed to an account whose transfer previously
// failed.
type OwedPayout struct {
	Account crypto.Address
	Token   string
	Amount  *big.Int
}

func (c *changeset) export() Changes {
	out := Changes{
		Global:    c.global,
		Reserves:  c.reserves,
		Earmarked: c.earmarked,
	}
	keys := make([]string, 0, len(c.accounts))
	for key := range c.accounts {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		out.Accounts = append(out.Accounts, c.accounts[key])
	}
	owedKeys := make([]owedKey, 0, len(c.owed))
	for key := range c.owed {
		owedKeys = append(owedKeys, key)
	}
	sort.Slice(owedKeys, func(i, j int) bool {
		if owedKeys[i].account != owedKeys[j].account {
			return owedKeys[i].account < owedKeys[j].account
		}
		return owedKeys[i].token < owedKeys[j].token
	})
	for _, key := range owedKeys {
		addr, err := crypto.AddressFromKey(crypto.AccountPrefix, key.account)
		if err != nil {
			continue
		}
		out.Owed = append(out.Owed, OwedPayout{Account: addr, Token: key.token, Amount: c.owed[key]})
	}
	return out
}
