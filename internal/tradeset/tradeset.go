// Package tradeset holds a bet's portfolio: the ordered trade list, the two
// commitment schemes over it (Merkle and fast-hash), and the resolution rule
// that turns exit prices into a bet outcome. Ordering is load-bearing; both
// commitments are position-sensitive and a TradeSet is immutable after
// construction except for the three outcome fields written at resolution.
package tradeset

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/peerbet/agent/internal/codec"
)

// DefaultFastHashThreshold is the trade count at or above which the
// fast-hash commitment replaces the Merkle tree.
const DefaultFastHashThreshold = 1000

var (
	// ErrTooManyTrades is returned when a Merkle build exceeds the tree cap.
	ErrTooManyTrades = errors.New("tradeset: trade count exceeds merkle cap")

	// ErrBadMethod is returned for method strings outside {up|down|flat}:K.
	ErrBadMethod = errors.New("tradeset: unrecognized method")
)

// Method kinds. A method string is "<kind>:<K>" with K an integer
// percentage threshold in [0,100].
const (
	MethodUp   = "up"
	MethodDown = "down"
	MethodFlat = "flat"
)

// Trade is one element of a bet's portfolio.
type Trade struct {
	TradeID    common.Hash  `json:"tradeId"`
	Ticker     string       `json:"ticker"`
	Source     string       `json:"source"`
	Method     string       `json:"method"`
	EntryPrice *codec.BigInt `json:"entryPrice"`
	ExitPrice  *codec.BigInt `json:"exitPrice"`
	Won        bool         `json:"won"`
	Cancelled  bool         `json:"cancelled"`
}

// TradeSet is an ordered trade list with its snapshot id and commitment root.
type TradeSet struct {
	SnapshotID string      `json:"snapshotId"`
	Root       common.Hash `json:"root"`
	Trades     []Trade     `json:"trades"`
}

// ParseMethod splits "up:5" into ("up", 5). The threshold must be an
// integer in [0,100].
func ParseMethod(s string) (kind string, threshold int, err error) {
	kind, num, ok := strings.Cut(s, ":")
	if !ok {
		return "", 0, fmt.Errorf("%w: %q", ErrBadMethod, s)
	}
	switch kind {
	case MethodUp, MethodDown, MethodFlat:
	default:
		return "", 0, fmt.Errorf("%w: %q", ErrBadMethod, s)
	}
	threshold, err = strconv.Atoi(num)
	if err != nil || threshold < 0 || threshold > 100 {
		return "", 0, fmt.Errorf("%w: %q", ErrBadMethod, s)
	}
	return kind, threshold, nil
}

// TradeID derives the deterministic per-trade identifier from the snapshot
// id and the trade's position.
func TradeID(snapshotID string, index uint64) common.Hash {
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], index)
	return crypto.Keccak256Hash([]byte(snapshotID), idx[:])
}

// Asset is one priced asset from the oracle, the input to Build.
type Asset struct {
	Ticker string
	Source string
	Price  *big.Int
}

// Build constructs a TradeSet from priced assets, applying method to every
// trade and computing the commitment in the mode implied by the trade count
// and threshold. Exit prices start at zero.
func Build(snapshotID string, assets []Asset, method string, threshold int) (*TradeSet, error) {
	if _, _, err := ParseMethod(method); err != nil {
		return nil, err
	}
	if threshold <= 0 {
		threshold = DefaultFastHashThreshold
	}
	trades := make([]Trade, len(assets))
	for i, a := range assets {
		trades[i] = Trade{
			TradeID:    TradeID(snapshotID, uint64(i)),
			Ticker:     a.Ticker,
			Source:     a.Source,
			Method:     method,
			EntryPrice: codec.NewBigInt(a.Price),
			ExitPrice:  codec.NewBigInt(nil),
		}
	}
	ts := &TradeSet{SnapshotID: snapshotID, Trades: trades}
	root, err := Commit(ts, threshold)
	if err != nil {
		return nil, err
	}
	ts.Root = root
	return ts, nil
}

// Commit computes the commitment root for ts in the mode chosen by the
// trade count: Merkle below threshold, fast-hash at or above it.
func Commit(ts *TradeSet, threshold int) (common.Hash, error) {
	if threshold <= 0 {
		threshold = DefaultFastHashThreshold
	}
	if len(ts.Trades) >= threshold {
		return FastHash(ts.SnapshotID, ts.Trades), nil
	}
	tree, err := BuildTree(ts.Trades)
	if err != nil {
		return common.Hash{}, err
	}
	return tree.Root, nil
}

// Verify recomputes the commitment for ts and constant-time-compares it to
// the recorded root.
func Verify(ts *TradeSet, threshold int) (bool, error) {
	root, err := Commit(ts, threshold)
	if err != nil {
		return false, err
	}
	return hashEqualConstantTime(root, ts.Root), nil
}
