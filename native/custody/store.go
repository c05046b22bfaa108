package custody

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"rewardpool/storage"
)

type storedAmount struct {
	Key    []byte
	Token  string
	Amount []byte
}

type storedPool struct {
	Tokens   []string
	Stakes   []storedAmount
	Pending  []storedAmount
	Held     []storedAmount
	Balances []storedAmount
	Frozen   []string
}

func flatten(m map[string]*uint256.Int, key []byte) []storedAmount {
	out := make([]storedAmount, 0, len(m))
	for name, amount := range m {
		if amount == nil || amount.IsZero() {
			continue
		}
		entry := storedAmount{Amount: amount.Bytes()}
		if key == nil {
			entry.Key = []byte(name)
		} else {
			entry.Key = append([]byte(nil), key...)
			entry.Token = name
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := string(out[i].Key); c != string(out[j].Key) {
			return c < string(out[j].Key)
		}
		return out[i].Token < out[j].Token
	})
	return out
}

// persist writes the full pool snapshot. Callers hold p.mu.
func (p *Pool) persist() error {
	snapshot := storedPool{Tokens: append([]string(nil), p.tokens...)}
	snapshot.Stakes = flatten(p.stakes, nil)
	snapshot.Pending = flatten(p.pending, nil)
	snapshot.Held = flatten(p.held, nil)
	for addr, wallet := range p.balances {
		snapshot.Balances = append(snapshot.Balances, flatten(wallet, []byte(addr))...)
	}
	sort.Slice(snapshot.Balances, func(i, j int) bool {
		a, b := snapshot.Balances[i], snapshot.Balances[j]
		if string(a.Key) != string(b.Key) {
			return string(a.Key) < string(b.Key)
		}
		return a.Token < b.Token
	})
	for token := range p.frozen {
		snapshot.Frozen = append(snapshot.Frozen, token)
	}
	sort.Strings(snapshot.Frozen)

	encoded, err := rlp.EncodeToBytes(snapshot)
	if err != nil {
		return fmt.Errorf("custody: encode pool: %w", err)
	}
	return p.db.Put(poolKey, encoded)
}

func (p *Pool) load() error {
	raw, err := p.db.Get(poolKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var snapshot storedPool
	if err := rlp.DecodeBytes(raw, &snapshot); err != nil {
		return fmt.Errorf("custody: decode pool: %w", err)
	}
	p.tokens = append([]string(nil), snapshot.Tokens...)
	restore := func(entries []storedAmount, into map[string]*uint256.Int) {
		for _, entry := range entries {
			into[string(entry.Key)] = new(uint256.Int).SetBytes(entry.Amount)
		}
	}
	restore(snapshot.Stakes, p.stakes)
	restore(snapshot.Pending, p.pending)
	restore(snapshot.Held, p.held)
	total := new(uint256.Int)
	for _, stake := range p.stakes {
		total.Add(total, stake)
	}
	p.totalStake = total
	for _, entry := range snapshot.Balances {
		wallet, ok := p.balances[string(entry.Key)]
		if !ok {
			wallet = make(map[string]*uint256.Int)
			p.balances[string(entry.Key)] = wallet
		}
		wallet[entry.Token] = new(uint256.Int).SetBytes(entry.Amount)
	}
	for _, token := range snapshot.Frozen {
		p.frozen[token] = true
	}
	return nil
}
