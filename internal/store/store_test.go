package store

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/peerbet/agent/internal/codec"
	"github.com/peerbet/agent/internal/tradeset"
)

func testStore(t *testing.T, threshold int) *Store {
	t.Helper()
	s, err := New(t.TempDir(), threshold)
	require.NoError(t, err)
	return s
}

func makeSet(t *testing.T, n int) *tradeset.TradeSet {
	t.Helper()
	assets := make([]tradeset.Asset, n)
	for i := range assets {
		assets[i] = tradeset.Asset{Ticker: "T", Source: "spot", Price: big.NewInt(int64(i + 1))}
	}
	ts, err := tradeset.Build("snap", assets, "up:0", tradeset.DefaultFastHashThreshold)
	require.NoError(t, err)
	return ts
}

func TestRoundTripPlain(t *testing.T) {
	s := testStore(t, 1000)
	ts := makeSet(t, 4)

	require.NoError(t, s.Store(7, ts))
	require.True(t, s.Has(7))
	require.FileExists(t, filepath.Join(s.dir, "bet-7.json"))

	back, err := s.Load(7)
	require.NoError(t, err)
	require.Equal(t, ts.Root, back.Root)
	require.Equal(t, ts.SnapshotID, back.SnapshotID)
	require.Len(t, back.Trades, 4)
	require.Zero(t, back.Trades[2].EntryPrice.Cmp(ts.Trades[2].EntryPrice))
}

func TestRoundTripCompressed(t *testing.T) {
	s := testStore(t, 10)
	ts := makeSet(t, 25)

	require.NoError(t, s.Store(9, ts))
	require.FileExists(t, filepath.Join(s.dir, "bet-9.json.gz"))
	require.NoFileExists(t, filepath.Join(s.dir, "bet-9.json"))

	back, err := s.Load(9)
	require.NoError(t, err)
	require.Equal(t, ts.Root, back.Root)
	require.Len(t, back.Trades, 25)
}

func TestLoadUnknown(t *testing.T) {
	s := testStore(t, 1000)
	_, err := s.Load(404)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteAndList(t *testing.T) {
	s := testStore(t, 1000)
	require.NoError(t, s.Store(1, makeSet(t, 2)))
	require.NoError(t, s.Store(2, makeSet(t, 2)))

	ids, err := s.List()
	require.NoError(t, err)
	require.ElementsMatch(t, []uint64{1, 2}, ids)

	require.NoError(t, s.Delete(1))
	require.False(t, s.Has(1))
	ids, err = s.List()
	require.NoError(t, err)
	require.ElementsMatch(t, []uint64{2}, ids)
}

func TestNoTempFilesLeftBehind(t *testing.T) {
	s := testStore(t, 1000)
	require.NoError(t, s.Store(3, makeSet(t, 2)))

	entries, err := os.ReadDir(s.dir)
	require.NoError(t, err)
	for _, e := range entries {
		require.NotContains(t, e.Name(), ".tmp")
	}
}

func TestCleanupOlderThan(t *testing.T) {
	s := testStore(t, 1000)
	require.NoError(t, s.Store(1, makeSet(t, 2)))
	require.NoError(t, s.Store(2, makeSet(t, 2)))

	// Age bet 1 by pushing its mtime into the past.
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(s.dir, "bet-1.json"), old, old))

	removed, err := s.CleanupOlderThan(time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	require.False(t, s.Has(1))
	require.True(t, s.Has(2))
}

func TestStats(t *testing.T) {
	s := testStore(t, 5)
	require.NoError(t, s.Store(1, makeSet(t, 2)))  // plain
	require.NoError(t, s.Store(2, makeSet(t, 10))) // compressed
	require.NoError(t, s.StoreResolution(&ResolutionRecord{BetID: 1}))

	st, err := s.Stats()
	require.NoError(t, err)
	require.Equal(t, 2, st.TradeFiles)
	require.Equal(t, 1, st.CompressedFiles)
	require.Equal(t, 1, st.ResolutionFiles)
	require.Positive(t, st.TotalBytes)
}

func TestResolutionRoundTrip(t *testing.T) {
	s := testStore(t, 1000)
	rec := &ResolutionRecord{
		BetID:       11,
		Winner:      common.HexToAddress("0x1111111111111111111111111111111111111111"),
		WinsCount:   3,
		ValidTrades: 4,
		TradeCount:  4,
		ExitPrices:  []*codec.BigInt{codec.NewBigIntFromUint64(5), codec.NewBigIntFromUint64(0)},
		MakerWon:    []bool{true, false},
		ResolvedAt:  time.Now().Unix(),
	}
	require.NoError(t, s.StoreResolution(rec))

	back, err := s.LoadResolution(11)
	require.NoError(t, err)
	require.Equal(t, rec.Winner, back.Winner)
	require.Equal(t, rec.WinsCount, back.WinsCount)
	require.Len(t, back.ExitPrices, 2)

	_, err = s.LoadResolution(999)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStoreAsyncEventuallyLands(t *testing.T) {
	s := testStore(t, 1000)
	s.StoreAsync(21, makeSet(t, 2))
	require.Eventually(t, func() bool { return s.Has(21) }, 2*time.Second, 10*time.Millisecond)
}
