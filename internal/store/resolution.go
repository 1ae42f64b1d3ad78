package store

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"

	"github.com/peerbet/agent/internal/codec"
)

// ResolutionRecord is the per-bet settlement artifact written alongside the
// trade file.
type ResolutionRecord struct {
	BetID       uint64          `json:"betId"`
	Winner      common.Address  `json:"winner"`
	WinsCount   uint64          `json:"winsCount"`
	ValidTrades uint64          `json:"validTrades"`
	TradeCount  int             `json:"tradeCount"`
	IsTie       bool            `json:"isTie"`
	ExitPrices  []*codec.BigInt `json:"exitPrices"`
	MakerWon    []bool          `json:"makerWon"`
	ResolvedAt  int64           `json:"resolvedAt"`
}

// StoreResolution atomically writes the resolution record for rec.BetID.
func (s *Store) StoreResolution(rec *ResolutionRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal resolution %d: %w", rec.BetID, err)
	}
	return writeAtomic(s.resolutionPath(rec.BetID), raw)
}

// LoadResolution reads the resolution record for betID.
func (s *Store) LoadResolution(betID uint64) (*ResolutionRecord, error) {
	raw, err := os.ReadFile(s.resolutionPath(betID))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec ResolutionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("store: decode resolution %d: %w", betID, err)
	}
	return &rec, nil
}
