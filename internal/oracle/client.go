// Package oracle is a narrow HTTP client for the external price oracle. The
// oracle is consumed through two calls only: a bulk quote snapshot at bet
// creation and a targeted quote lookup at settlement.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/peerbet/agent/internal/codec"
	"github.com/peerbet/agent/internal/tradeset"
)

// ErrOracleUnavailable covers transport failures and non-200 responses.
// Callers skip the current tick on it rather than retrying.
var ErrOracleUnavailable = errors.New("oracle: unavailable")

const (
	requestTimeout  = 10 * time.Second
	maxResponseSize = 8 << 20
)

// quote is the oracle's wire representation of one asset.
type quote struct {
	Ticker string        `json:"ticker"`
	Price  *codec.BigInt `json:"price"` // fixed-point 1e18
}

// Client fetches market quotes from the configured oracle endpoint.
type Client struct {
	baseURL string
	source  string
	httpc   *http.Client
	logger  log.Logger
}

// New builds a Client against baseURL, tagging all quotes with source.
func New(baseURL, source string) *Client {
	return &Client{
		baseURL: baseURL,
		source:  source,
		httpc:   &http.Client{Timeout: requestTimeout},
		logger:  log.New("component", "oracle"),
	}
}

// Snapshot fetches up to limit quotes and returns them as assets under a
// fresh snapshot id. The id ties every trade built from this call to one
// pricing instant.
func (c *Client) Snapshot(ctx context.Context, limit int) (string, []tradeset.Asset, error) {
	q := url.Values{"source": {c.source}, "limit": {strconv.Itoa(limit)}}
	quotes, err := c.fetch(ctx, "/prices?"+q.Encode())
	if err != nil {
		return "", nil, err
	}
	snapshotID := uuid.NewString()
	assets := make([]tradeset.Asset, 0, len(quotes))
	for _, qt := range quotes {
		if qt.Ticker == "" || qt.Price == nil {
			continue
		}
		assets = append(assets, tradeset.Asset{Ticker: qt.Ticker, Source: c.source, Price: qt.Price.Int()})
	}
	c.logger.Debug("Fetched price snapshot", "id", snapshotID, "assets", len(assets))
	return snapshotID, assets, nil
}

// ExitPrices fetches current quotes for the given tickers. Tickers the
// oracle no longer quotes are absent from the result; resolution treats
// their exit price as zero and cancels the trade.
func (c *Client) ExitPrices(ctx context.Context, tickers []string) (map[string]*codec.BigInt, error) {
	q := url.Values{"source": {c.source}}
	for _, t := range tickers {
		q.Add("ticker", t)
	}
	quotes, err := c.fetch(ctx, "/prices?"+q.Encode())
	if err != nil {
		return nil, err
	}
	out := make(map[string]*codec.BigInt, len(quotes))
	for _, qt := range quotes {
		if qt.Ticker != "" && qt.Price != nil {
			out[qt.Ticker] = qt.Price
		}
	}
	return out, nil
}

func (c *Client) fetch(ctx context.Context, path string) ([]quote, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, errors.Join(ErrOracleUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: status %d", ErrOracleUnavailable, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, errors.Join(ErrOracleUnavailable, err)
	}
	var quotes []quote
	if err := json.Unmarshal(body, &quotes); err != nil {
		return nil, fmt.Errorf("oracle: bad response: %w", err)
	}
	return quotes, nil
}
