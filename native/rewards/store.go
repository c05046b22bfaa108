package rewards

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/rlp"

	"rewardpool/crypto"
	"rewardpool/storage"
)

const (
	globalKey        = "rewards/global"
	accountKeyPrefix = "rewards/account/"
	reserveKeyPrefix = "rewards/reserve/"
	earmarkKeyPrefix = "rewards/earmark/"
	owedKeyPrefix    = "rewards/owed/"
)

type engineState interface {
	Global() (*GlobalAccrual, error)
	Account(addr crypto.Address) (*AccountAccrual, error)
	Accounts() ([]*AccountAccrual, error)
	Reserve(token string) (*big.Int, error)
	Earmarked(token string) (*big.Int, error)
	Owed(addr crypto.Address, token string) (*big.Int, error)
	OwedPayouts(addr crypto.Address) ([]OwedPayout, error)
	Apply(changes Changes) error
}

// Store persists ledger state into a key-value database using RLP encoding.
type Store struct {
	db storage.Database
}

// NewStore constructs a ledger store backed by the supplied database.
func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

type storedGlobal struct {
	TotalPoints    []byte
	LastUpdateTime uint64
}

type storedAccount struct {
	Address        []byte
	Points         []byte
	LastUpdateTime uint64
}

func accountKey(addr crypto.Address) []byte {
	return []byte(accountKeyPrefix + hex.EncodeToString(addr.Bytes()))
}

func tokenKey(prefix, token string) []byte {
	return []byte(prefix + normalizeToken(token))
}

func owedKeyFor(addr crypto.Address, token string) []byte {
	return []byte(owedKeyPrefix + hex.EncodeToString(addr.Bytes()) + "/" + normalizeToken(token))
}

// Global returns the global accrual or nil when the ledger is uninitialised.
func (s *Store) Global() (*GlobalAccrual, error) {
	raw, err := s.db.Get([]byte(globalKey))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var stored storedGlobal
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, fmt.Errorf("rewards store: decode global: %w", err)
	}
	return &GlobalAccrual{
		TotalPoints:    new(big.Int).SetBytes(stored.TotalPoints),
		LastUpdateTime: stored.LastUpdateTime,
	}, nil
}

// Account returns the accrual for addr or nil when none has been recorded.
func (s *Store) Account(addr crypto.Address) (*AccountAccrual, error) {
	raw, err := s.db.Get(accountKey(addr))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeAccount(raw)
}

func decodeAccount(raw []byte) (*AccountAccrual, error) {
	var stored storedAccount
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, fmt.Errorf("rewards store: decode account: %w", err)
	}
	addr, err := crypto.AddressFromKey(crypto.AccountPrefix, string(stored.Address))
	if err != nil {
		return nil, fmt.Errorf("rewards store: %w", err)
	}
	return &AccountAccrual{
		Address:        addr,
		Points:         new(big.Int).SetBytes(stored.Points),
		LastUpdateTime: stored.LastUpdateTime,
	}, nil
}

// Accounts returns every recorded account accrual ordered by address bytes.
func (s *Store) Accounts() ([]*AccountAccrual, error) {
	var out []*AccountAccrual
	err := s.db.Iterate([]byte(accountKeyPrefix), func(_, value []byte) error {
		acc, err := decodeAccount(value)
		if err != nil {
			return err
		}
		out = append(out, acc)
		return nil
	})
	return out, err
}

func (s *Store) amount(key []byte) (*big.Int, error) {
	raw, err := s.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	var value []byte
	if err := rlp.DecodeBytes(raw, &value); err != nil {
		return nil, fmt.Errorf("rewards store: decode amount: %w", err)
	}
	return new(big.Int).SetBytes(value), nil
}

// Reserve returns the protocol reserve for token.
func (s *Store) Reserve(token string) (*big.Int, error) {
	return s.amount(tokenKey(reserveKeyPrefix, token))
}

// Earmarked returns the amount of token set aside for owed payouts.
func (s *Store) Earmarked(token string) (*big.Int, error) {
	return s.amount(tokenKey(earmarkKeyPrefix, token))
}

// Owed returns the undelivered amount of token owed to addr.
func (s *Store) Owed(addr crypto.Address, token string) (*big.Int, error) {
	return s.amount(owedKeyFor(addr, token))
}

// OwedPayouts lists every outstanding payout for addr.
func (s *Store) OwedPayouts(addr crypto.Address) ([]OwedPayout, error) {
	prefix := owedKeyPrefix + hex.EncodeToString(addr.Bytes()) + "/"
	var out []OwedPayout
	err := s.db.Iterate([]byte(prefix), func(key, value []byte) error {
		var raw []byte
		if err := rlp.DecodeBytes(value, &raw); err != nil {
			return fmt.Errorf("rewards store: decode owed: %w", err)
		}
		amount := new(big.Int).SetBytes(raw)
		if amount.Sign() == 0 {
			return nil
		}
		out = append(out, OwedPayout{
			Account: addr,
			Token:   strings.TrimPrefix(string(key), prefix),
			Amount:  amount,
		})
		return nil
	})
	return out, err
}

// Apply writes the changes in one atomic batch.
func (s *Store) Apply(changes Changes) error {
	batch := s.db.NewBatch()
	if g := changes.Global; g != nil {
		encoded, err := rlp.EncodeToBytes(storedGlobal{
			TotalPoints:    cloneBig(g.TotalPoints).Bytes(),
			LastUpdateTime: g.LastUpdateTime,
		})
		if err != nil {
			return err
		}
		batch.Put([]byte(globalKey), encoded)
	}
	for _, acc := range changes.Accounts {
		encoded, err := rlp.EncodeToBytes(storedAccount{
			Address:        append([]byte(nil), acc.Address.Bytes()...),
			Points:         cloneBig(acc.Points).Bytes(),
			LastUpdateTime: acc.LastUpdateTime,
		})
		if err != nil {
			return err
		}
		batch.Put(accountKey(acc.Address), encoded)
	}
	if err := putAmounts(batch, reserveKeyPrefix, changes.Reserves); err != nil {
		return err
	}
	if err := putAmounts(batch, earmarkKeyPrefix, changes.Earmarked); err != nil {
		return err
	}
	for _, owed := range changes.Owed {
		key := owedKeyFor(owed.Account, owed.Token)
		if owed.Amount == nil || owed.Amount.Sign() == 0 {
			batch.Delete(key)
			continue
		}
		encoded, err := rlp.EncodeToBytes(owed.Amount.Bytes())
		if err != nil {
			return err
		}
		batch.Put(key, encoded)
	}
	if batch.Len() == 0 {
		return nil
	}
	return batch.Write()
}

func putAmounts(batch storage.Batch, prefix string, amounts map[string]*big.Int) error {
	for token, amount := range amounts {
		encoded, err := rlp.EncodeToBytes(cloneBig(amount).Bytes())
		if err != nil {
			return err
		}
		batch.Put(tokenKey(prefix, token), encoded)
	}
	return nil
}
