package tradeset

import (
	"crypto/sha256"

	"github.com/ethereum/go-ethereum/common"
)

// FastHash is the proof-free commitment used above the threshold: one
// streaming SHA-256 over the snapshot id followed by a compact record per
// trade (ticker || method || entry:32). Disputes in this mode require
// revealing the full trade list.
func FastHash(snapshotID string, trades []Trade) common.Hash {
	h := sha256.New()
	h.Write([]byte(snapshotID))
	for i := range trades {
		entry := trades[i].EntryPrice.Bytes32()
		h.Write([]byte(trades[i].Ticker))
		h.Write([]byte(trades[i].Method))
		h.Write(entry[:])
	}
	var out common.Hash
	h.Sum(out[:0])
	return out
}
