package journal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"
	"gorm.io/gorm"

	"rewardpool/core/events"
	"rewardpool/crypto"
)

func setupJournal(t *testing.T) *Journal {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	j, err := New(db, nil)
	if err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func makeAddress(b byte) crypto.Address {
	return crypto.NewAddress(crypto.AccountPrefix, bytes.Repeat([]byte{b}, 20))
}

type unrecordable struct{}

func (unrecordable) EventType() string { return "test.unrecordable" }

func seed(t *testing.T, j *Journal) (crypto.Address, crypto.Address) {
	t.Helper()
	alice, bob := makeAddress(0x01), makeAddress(0x02)
	base := time.Unix(1_700_000_000, 0)
	j.Emit(events.FeeSkimmed{Token: "znhb", Harvested: big.NewInt(1000), Fee: big.NewInt(100), FeeFraction: big.NewInt(1), At: base})
	j.Emit(events.RewardPaid{Account: alice, Token: "ZNHB", Amount: big.NewInt(225), Points: big.NewInt(1000), At: base.Add(time.Second)})
	j.Emit(events.RewardDeferred{Account: bob, Token: "ZNHB", Amount: big.NewInt(675), Reason: "frozen", At: base.Add(2 * time.Second)})
	j.Emit(unrecordable{})
	return alice, bob
}

func TestJournalRecordsAndFilters(t *testing.T) {
	j := setupJournal(t)
	alice, bob := seed(t, j)
	ctx := context.Background()

	all, err := j.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, events.TypeFeeSkimmed, all[0].Type)
	require.Equal(t, "100", all[0].Amount)
	require.Equal(t, "ZNHB", all[0].Token)

	paid, err := j.List(ctx, Filter{Account: alice.String()})
	require.NoError(t, err)
	require.Len(t, paid, 1)
	require.Equal(t, events.TypeRewardPaid, paid[0].Type)
	require.Equal(t, "225", paid[0].Amount)

	deferred, err := j.List(ctx, Filter{Type: events.TypeRewardDeferred})
	require.NoError(t, err)
	require.Len(t, deferred, 1)
	require.Equal(t, bob.String(), deferred[0].Account)

	window, err := j.List(ctx, Filter{Since: time.Unix(1_700_000_001, 0), Until: time.Unix(1_700_000_002, 0)})
	require.NoError(t, err)
	require.Len(t, window, 1)

	limited, err := j.List(ctx, Filter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)

	for _, entry := range all {
		require.NoError(t, Verify(entry))
	}
}

func TestJournalDetectsTampering(t *testing.T) {
	j := setupJournal(t)
	seed(t, j)
	ctx := context.Background()

	entries, err := j.List(ctx, Filter{Type: events.TypeRewardPaid})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	tampered := entries[0]
	tampered.Attributes = `{"account":"x","amount":"999999","token":"ZNHB"}`
	require.True(t, errors.Is(Verify(tampered), ErrChecksumMismatch))
}

func TestJournalExportParquet(t *testing.T) {
	j := setupJournal(t)
	seed(t, j)
	path := filepath.Join(t.TempDir(), "exports", "journal.parquet")

	rows, err := j.ExportParquet(context.Background(), path, Filter{Token: "znhb"})
	require.NoError(t, err)
	require.Equal(t, 3, rows)

	fr, err := local.NewLocalFileReader(path)
	require.NoError(t, err)
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, new(parquetRow), 1)
	require.NoError(t, err)
	defer pr.ReadStop()
	require.Equal(t, int64(3), pr.GetNumRows())

	out := make([]parquetRow, 3)
	require.NoError(t, pr.Read(&out))
	require.Equal(t, events.TypeRewardPaid, out[1].Type)
	require.Equal(t, "225", out[1].Amount)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("mysql", "dsn", nil)
	require.Error(t, err)
}
