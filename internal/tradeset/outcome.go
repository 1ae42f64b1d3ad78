package tradeset

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/peerbet/agent/internal/codec"
)

// Outcome is the tally both sides must compute identically from the same
// trades and exit prices.
type Outcome struct {
	Winner      common.Address `json:"winner"`
	WinsCount   uint64         `json:"winsCount"`
	ValidTrades uint64         `json:"validTrades"`
	IsTie       bool           `json:"isTie"`
}

// ResolveTrade fills the outcome fields of one trade from its exit price. A
// zero entry, zero exit, or unrecognized method cancels the trade. The
// creator wins an "up:K" trade iff exit > entry*(1+K/100), a "down:K" iff
// exit <= entry*(1-K/100), and a "flat:K" iff |exit-entry| <= entry*K/100.
// All comparisons are exact integer math scaled by 100.
func ResolveTrade(t *Trade, exit *big.Int) {
	t.ExitPrice = codec.NewBigInt(exit)
	entry := t.EntryPrice.Int()
	if entry.Sign() == 0 || exit == nil || exit.Sign() == 0 {
		t.Cancelled = true
		t.Won = false
		return
	}
	kind, k, err := ParseMethod(t.Method)
	if err != nil {
		t.Cancelled = true
		t.Won = false
		return
	}

	kBig := big.NewInt(int64(k))
	hundred := big.NewInt(100)
	exit100 := new(big.Int).Mul(exit, hundred)

	switch kind {
	case MethodUp:
		// exit*100 > entry*(100+K); equal is not a win, so an up:0 trade
		// whose exit lands exactly on entry loses.
		bound := new(big.Int).Mul(entry, new(big.Int).Add(hundred, kBig))
		t.Won = exit100.Cmp(bound) > 0
	case MethodDown:
		// exit*100 <= entry*(100-K)
		bound := new(big.Int).Mul(entry, new(big.Int).Sub(hundred, kBig))
		t.Won = exit100.Cmp(bound) <= 0
	case MethodFlat:
		// |exit-entry|*100 <= entry*K
		diff := new(big.Int).Sub(exit, entry)
		diff.Abs(diff).Mul(diff, hundred)
		bound := new(big.Int).Mul(entry, kBig)
		t.Won = diff.Cmp(bound) <= 0
	}
}

// Resolve applies exits (by position) to the trade set and tallies the bet
// outcome. The creator wins with strictly more won trades among the valid
// ones; a tie goes to the filler.
func Resolve(ts *TradeSet, exits []*big.Int, creator, filler common.Address) Outcome {
	var wins, valid uint64
	for i := range ts.Trades {
		var exit *big.Int
		if i < len(exits) {
			exit = exits[i]
		}
		ResolveTrade(&ts.Trades[i], exit)
		if ts.Trades[i].Cancelled {
			continue
		}
		valid++
		if ts.Trades[i].Won {
			wins++
		}
	}

	out := Outcome{WinsCount: wins, ValidTrades: valid}
	fillerWins := valid - wins
	switch {
	case wins > fillerWins:
		out.Winner = creator
	case wins == fillerWins && valid > 0:
		out.Winner = filler
		out.IsTie = true
	default:
		out.Winner = filler
	}
	return out
}
