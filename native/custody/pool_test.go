package custody

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"rewardpool/crypto"
	"rewardpool/storage"
)

func makeAddress(b byte) crypto.Address {
	return crypto.NewAddress(crypto.AccountPrefix, bytes.Repeat([]byte{b}, 20))
}

func TestPoolStakeWeights(t *testing.T) {
	pool, err := NewPool(storage.NewMemDB(), "znhb")
	require.NoError(t, err)
	ctx := context.Background()
	a, b := makeAddress(0x01), makeAddress(0x02)

	require.NoError(t, pool.Deposit(ctx, a, big.NewInt(100)))
	require.NoError(t, pool.Deposit(ctx, b, big.NewInt(300)))
	require.NoError(t, pool.Withdraw(ctx, a, big.NewInt(40)))

	weight, err := pool.CurrentWeight(a)
	require.NoError(t, err)
	require.Zero(t, weight.Cmp(big.NewInt(60)))
	total, err := pool.TotalWeight()
	require.NoError(t, err)
	require.Zero(t, total.Cmp(big.NewInt(360)))

	err = pool.Withdraw(ctx, a, big.NewInt(61))
	require.True(t, errors.Is(err, ErrInsufficientStake), "got %v", err)
	require.Error(t, pool.Deposit(ctx, a, big.NewInt(0)))
	huge := new(big.Int).Lsh(big.NewInt(1), 256)
	require.Error(t, pool.Deposit(ctx, a, huge))
}

func TestPoolHarvestAndSend(t *testing.T) {
	pool, err := NewPool(storage.NewMemDB(), "ZNHB")
	require.NoError(t, err)
	ctx := context.Background()
	payee := makeAddress(0x09)

	require.NoError(t, pool.Fund("znhb", big.NewInt(1000)))
	require.Zero(t, pool.PendingBalance("ZNHB").Cmp(big.NewInt(1000)))

	harvested, err := pool.HarvestPending(ctx)
	require.NoError(t, err)
	require.Zero(t, harvested["ZNHB"].Cmp(big.NewInt(1000)))
	require.Zero(t, pool.PendingBalance("ZNHB").Sign())
	require.False(t, pool.MidOperation())

	again, err := pool.HarvestPending(ctx)
	require.NoError(t, err)
	require.Empty(t, again)

	require.NoError(t, pool.Send(ctx, "ZNHB", payee, big.NewInt(250)))
	held, err := pool.HeldBalance("znhb")
	require.NoError(t, err)
	require.Zero(t, held.Cmp(big.NewInt(750)))
	require.Zero(t, pool.Balance(payee, "ZNHB").Cmp(big.NewInt(250)))

	err = pool.Send(ctx, "ZNHB", payee, big.NewInt(751))
	require.True(t, errors.Is(err, ErrInsufficientBalance), "got %v", err)
	err = pool.Send(ctx, "NHB", payee, big.NewInt(1))
	require.True(t, errors.Is(err, ErrUnknownToken), "got %v", err)

	require.NoError(t, pool.Freeze("ZNHB", true))
	err = pool.Send(ctx, "ZNHB", payee, big.NewInt(1))
	require.True(t, errors.Is(err, ErrTokenFrozen), "got %v", err)
	require.NoError(t, pool.Freeze("ZNHB", false))
	require.NoError(t, pool.Send(ctx, "ZNHB", payee, big.NewInt(1)))
}

func TestPoolMidOperation(t *testing.T) {
	pool, err := NewPool(storage.NewMemDB())
	require.NoError(t, err)

	release := pool.BeginExternal()
	require.True(t, pool.MidOperation())
	release()
	release()
	require.False(t, pool.MidOperation())
}

func TestPoolPersistsAcrossReload(t *testing.T) {
	db := storage.NewMemDB()
	pool, err := NewPool(db, "ZNHB")
	require.NoError(t, err)
	ctx := context.Background()
	a := makeAddress(0x03)

	require.NoError(t, pool.Deposit(ctx, a, big.NewInt(55)))
	require.NoError(t, pool.Fund("ZNHB", big.NewInt(10)))
	_, err = pool.HarvestPending(ctx)
	require.NoError(t, err)
	require.NoError(t, pool.Fund("NHB", big.NewInt(7)))
	require.NoError(t, pool.Send(ctx, "ZNHB", a, big.NewInt(4)))
	require.NoError(t, pool.Freeze("NHB", true))

	reloaded, err := NewPool(db)
	require.NoError(t, err)
	require.Equal(t, []string{"NHB", "ZNHB"}, reloaded.RewardTokens())
	weight, _ := reloaded.CurrentWeight(a)
	require.Zero(t, weight.Cmp(big.NewInt(55)))
	total, _ := reloaded.TotalWeight()
	require.Zero(t, total.Cmp(big.NewInt(55)))
	held, _ := reloaded.HeldBalance("ZNHB")
	require.Zero(t, held.Cmp(big.NewInt(6)))
	require.Zero(t, reloaded.PendingBalance("NHB").Cmp(big.NewInt(7)))
	require.Zero(t, reloaded.Balance(a, "ZNHB").Cmp(big.NewInt(4)))
	err = reloaded.Send(ctx, "NHB", a, big.NewInt(1))
	require.True(t, errors.Is(err, ErrTokenFrozen), "got %v", err)
}
