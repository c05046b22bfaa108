package rewards

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"rewardpool/storage"
)

func TestStoreRoundTrip(t *testing.T) {
	store := NewStore(storage.NewMemDB())
	a, b := makeAddress(0x02), makeAddress(0x01)

	global, err := store.Global()
	require.NoError(t, err)
	require.Nil(t, global)

	err = store.Apply(Changes{
		Global: &GlobalAccrual{TotalPoints: big.NewInt(4000), LastUpdateTime: 77},
		Accounts: []*AccountAccrual{
			{Address: a, Points: big.NewInt(1000), LastUpdateTime: 70},
			{Address: b, Points: big.NewInt(3000), LastUpdateTime: 77},
		},
		Reserves:  map[string]*big.Int{"X": big.NewInt(100)},
		Earmarked: map[string]*big.Int{"X": big.NewInt(25)},
		Owed:      []OwedPayout{{Account: a, Token: "X", Amount: big.NewInt(25)}},
	})
	require.NoError(t, err)

	global, err = store.Global()
	require.NoError(t, err)
	require.Zero(t, global.TotalPoints.Cmp(big.NewInt(4000)))
	require.Equal(t, uint64(77), global.LastUpdateTime)

	acc, err := store.Account(a)
	require.NoError(t, err)
	require.True(t, acc.Address.Equal(a))
	require.Zero(t, acc.Points.Cmp(big.NewInt(1000)))
	require.Equal(t, uint64(70), acc.LastUpdateTime)

	accounts, err := store.Accounts()
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	require.True(t, accounts[0].Address.Equal(b), "accounts ordered by address bytes")

	reserve, err := store.Reserve("x")
	require.NoError(t, err)
	require.Zero(t, reserve.Cmp(big.NewInt(100)))

	missing, err := store.Reserve("Y")
	require.NoError(t, err)
	require.Zero(t, missing.Sign())

	owed, err := store.OwedPayouts(a)
	require.NoError(t, err)
	require.Len(t, owed, 1)
	require.Equal(t, "X", owed[0].Token)

	require.NoError(t, store.Apply(Changes{Owed: []OwedPayout{{Account: a, Token: "X", Amount: big.NewInt(0)}}}))
	owed, err = store.OwedPayouts(a)
	require.NoError(t, err)
	require.Empty(t, owed)
}

func TestStoreSkipsEmptyChanges(t *testing.T) {
	db := storage.NewMemDB()
	store := NewStore(db)
	require.NoError(t, store.Apply(Changes{}))

	has, err := db.Has([]byte(globalKey))
	require.NoError(t, err)
	require.False(t, has, "empty change set must not write")
}
