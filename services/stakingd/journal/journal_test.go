package journal

import (
	"context"
	"math/big"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	"stakepool/core/events"
	"stakepool/crypto"
)

func testAddress(suffix byte) crypto.Address {
	raw := make([]byte, crypto.AddressLength)
	raw[len(raw)-1] = suffix
	return crypto.MustNewAddress(crypto.StakePrefix, raw)
}

func TestJournalHistoryFiltersByAddress(t *testing.T) {
	j, err := Open(DriverSQLite, "", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	alice, bob := testAddress(1), testAddress(2)
	j.Emit(events.Staked{Account: alice, Amount: big.NewInt(10), NewAmount: big.NewInt(10), At: 100})
	j.Emit(events.Staked{Account: bob, Amount: big.NewInt(5), NewAmount: big.NewInt(5), At: 101})
	j.Emit(events.RewardsClaimed{Account: alice, Reward: big.NewInt(3), Shortfall: big.NewInt(1), At: 102})

	entries, err := j.History(context.Background(), alice.String(), 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, events.TypeRewardsClaimed, entries[0].Type)
	require.Equal(t, events.TypeStaked, entries[1].Type)
	attrs, err := entries[0].Attrs()
	require.NoError(t, err)
	require.Equal(t, "3", attrs["reward"])
	require.Equal(t, "1", attrs["shortfall"])
	require.Equal(t, int64(102), entries[0].OccurredAt.Unix())

	all, err := j.History(context.Background(), "", 1)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, alice.String(), all[0].Address)

	forBob, err := j.History(context.Background(), bob.String(), 10)
	require.NoError(t, err)
	require.Len(t, forBob, 1)
	bobAttrs, err := forBob[0].Attrs()
	require.NoError(t, err)
	require.Equal(t, "5", bobAttrs["amount"])
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("mysql", "dsn", nil)
	require.ErrorIs(t, err, ErrDriverUnsupported)
}

func TestFileDSN(t *testing.T) {
	dsn, err := FileDSN("file:already?mode=memory")
	require.NoError(t, err)
	require.Equal(t, "file:already?mode=memory", dsn)

	path := filepath.Join(t.TempDir(), "journal.sqlite")
	dsn, err = FileDSN(path)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(dsn, "file:"+path+"?"))

	j, err := Open(DriverSQLite, path, nil)
	require.NoError(t, err)
	defer j.Close()
	j.Emit(events.PauseToggled{Owner: testAddress(9), Paused: true, At: 5})
	entries, err := j.History(context.Background(), testAddress(9).String(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	attrs, err := entries[0].Attrs()
	require.NoError(t, err)
	require.Equal(t, "true", attrs["paused"])
}

func TestVerifyDetectsTampering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.sqlite")
	j, err := Open(DriverSQLite, path, nil)
	require.NoError(t, err)
	alice := testAddress(1)
	for i := int64(1); i <= 3; i++ {
		j.Emit(events.Staked{Account: alice, Amount: big.NewInt(i), NewAmount: big.NewInt(i), At: uint64(100 + i)})
	}
	checked, err := j.Verify(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, checked)
	require.NoError(t, j.Close())

	reopened, err := Open(DriverSQLite, path, nil)
	require.NoError(t, err)
	defer reopened.Close()
	reopened.Emit(events.RewardsClaimed{Account: alice, Reward: big.NewInt(9), At: 200})
	checked, err = reopened.Verify(context.Background())
	require.NoError(t, err, "the chain continues across restarts")
	require.Equal(t, 4, checked)

	require.NoError(t, reopened.db.Model(&Entry{}).Where("seq = ?", 2).Update("attributes", `{"amount":"999"}`).Error)
	checked, err = reopened.Verify(context.Background())
	require.ErrorIs(t, err, ErrChainBroken)
	require.Equal(t, 1, checked)

	err = reopened.Record(context.Background(), events.Staked{Account: alice, Amount: big.NewInt(1), NewAmount: big.NewInt(1), At: 300})
	require.ErrorIs(t, err, ErrChainBroken, "a broken chain refuses further writes")
	var count int64
	require.NoError(t, reopened.db.Model(&Entry{}).Count(&count).Error)
	require.Equal(t, int64(4), count)
}

func TestEntryAttrsRejectsCorruptPayload(t *testing.T) {
	attrs, err := Entry{}.Attrs()
	require.NoError(t, err)
	require.Empty(t, attrs)

	_, err = Entry{Seq: 7, Attributes: "{not json"}.Attrs()
	require.Error(t, err)
	require.Contains(t, err.Error(), "entry 7")
}

func TestExportParquetFailsOnCorruptAttributes(t *testing.T) {
	j, err := Open(DriverSQLite, "", nil)
	require.NoError(t, err)
	defer j.Close()
	alice := testAddress(1)
	j.Emit(events.Staked{Account: alice, Amount: big.NewInt(4), NewAmount: big.NewInt(4), At: 100})
	require.NoError(t, j.db.Model(&Entry{}).Where("seq = ?", 1).Update("attributes", "{broken").Error)

	_, err = j.ExportParquet(context.Background(), filepath.Join(t.TempDir(), "bad.parquet"), "")
	require.Error(t, err)
}

func TestExportParquet(t *testing.T) {
	j, err := Open(DriverSQLite, "", nil)
	require.NoError(t, err)
	defer j.Close()
	alice, bob := testAddress(1), testAddress(2)
	j.Emit(events.Staked{Account: alice, Amount: big.NewInt(10), NewAmount: big.NewInt(10), At: 100})
	j.Emit(events.Staked{Account: bob, Amount: big.NewInt(4), NewAmount: big.NewInt(4), At: 101})
	j.Emit(events.Unstaked{Account: alice, Amount: big.NewInt(10), NewAmount: big.NewInt(0), Reward: big.NewInt(2), Shortfall: big.NewInt(1), At: 150})

	path := filepath.Join(t.TempDir(), "alice.parquet")
	rows, err := j.ExportParquet(context.Background(), path, alice.String())
	require.NoError(t, err)
	require.Equal(t, 2, rows)

	fr, err := local.NewLocalFileReader(path)
	require.NoError(t, err)
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, new(exportRow), 1)
	require.NoError(t, err)
	defer pr.ReadStop()
	require.Equal(t, int64(2), pr.GetNumRows())
	out := make([]exportRow, 2)
	require.NoError(t, pr.Read(&out))
	require.Equal(t, events.TypeStaked, out[0].Type)
	require.Equal(t, "2", out[1].Reward)
	require.Equal(t, "1", out[1].Shortfall)
}
