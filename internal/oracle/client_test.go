package oracle

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "spot", r.URL.Query().Get("source"))
		require.Equal(t, "2", r.URL.Query().Get("limit"))
		w.Write([]byte(`[{"ticker":"BTC","price":"65000000000000000000000"},{"ticker":"ETH","price":"3000000000000000000000"}]`))
	}))
	defer srv.Close()

	c := New(srv.URL, "spot")
	id, assets, err := c.Snapshot(context.Background(), 2)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.Len(t, assets, 2)
	require.Equal(t, "BTC", assets[0].Ticker)
	require.Equal(t, "spot", assets[0].Source)
	want, ok := new(big.Int).SetString("65000000000000000000000", 10)
	require.True(t, ok)
	require.Zero(t, assets[0].Price.Cmp(want))

	// A second snapshot gets a distinct id.
	id2, _, err := c.Snapshot(context.Background(), 2)
	require.NoError(t, err)
	require.NotEqual(t, id, id2)
}

func TestSnapshotSkipsMalformedQuotes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"ticker":"","price":"1"},{"ticker":"ETH"},{"ticker":"BTC","price":"5"}]`))
	}))
	defer srv.Close()

	_, assets, err := New(srv.URL, "spot").Snapshot(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, assets, 1)
	require.Equal(t, "BTC", assets[0].Ticker)
}

func TestExitPrices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.ElementsMatch(t, []string{"BTC", "ETH"}, r.URL.Query()["ticker"])
		w.Write([]byte(`[{"ticker":"BTC","price":"70000000000000000000000"}]`))
	}))
	defer srv.Close()

	prices, err := New(srv.URL, "spot").ExitPrices(context.Background(), []string{"BTC", "ETH"})
	require.NoError(t, err)
	require.Len(t, prices, 1)
	require.Contains(t, prices, "BTC")
	require.NotContains(t, prices, "ETH")
}

func TestServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, _, err := New(srv.URL, "spot").Snapshot(context.Background(), 1)
	require.ErrorIs(t, err, ErrOracleUnavailable)

	srv.Close()
	_, _, err = New(srv.URL, "spot").Snapshot(context.Background(), 1)
	require.ErrorIs(t, err, ErrOracleUnavailable)
}
