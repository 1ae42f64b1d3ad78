package tradeset

import (
	"crypto/subtle"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// MaxTreeTrades caps the Merkle tree at 2^20 leaves. Larger bets must use
// the fast-hash commitment.
const MaxTreeTrades = 1 << 20

// EmptyLeaf pads the leaf array up to the next power of two.
var EmptyLeaf = crypto.Keccak256Hash(nil)

// ErrBadProofIndex is returned by GenerateProof for an out-of-range index.
var ErrBadProofIndex = errors.New("tradeset: proof index out of range")

// Tree is a balanced binary Merkle tree over a trade list.
type Tree struct {
	Leaves []common.Hash
	Root   common.Hash
}

// Proof is an inclusion proof for one leaf. Sibling order is bottom-up.
type Proof struct {
	Index    int           `json:"index"`
	Siblings []common.Hash `json:"siblings"`
}

// Leaf hashes one trade:
// keccak256(tradeId || ticker || source || method || entry:32 || exit:32 || won || cancelled).
func Leaf(t *Trade) common.Hash {
	entry := t.EntryPrice.Bytes32()
	exit := t.ExitPrice.Bytes32()
	return crypto.Keccak256Hash(
		t.TradeID.Bytes(),
		[]byte(t.Ticker),
		[]byte(t.Source),
		[]byte(t.Method),
		entry[:],
		exit[:],
		boolByte(t.Won),
		boolByte(t.Cancelled),
	)
}

// BuildTree hashes the trades into leaves and folds them into a root. The
// leaf array is right-padded with EmptyLeaf to the next power of two; an
// empty input commits to EmptyLeaf itself.
func BuildTree(trades []Trade) (*Tree, error) {
	if len(trades) > MaxTreeTrades {
		return nil, ErrTooManyTrades
	}
	leaves := make([]common.Hash, len(trades))
	for i := range trades {
		leaves[i] = Leaf(&trades[i])
	}
	return &Tree{Leaves: leaves, Root: fold(leaves)}, nil
}

// GenerateProof returns the sibling path for the leaf at index.
func GenerateProof(leaves []common.Hash, index int) (*Proof, error) {
	if index < 0 || index >= len(leaves) {
		return nil, ErrBadProofIndex
	}
	level := padLeaves(leaves)
	proof := &Proof{Index: index}
	for len(level) > 1 {
		sib := index ^ 1
		proof.Siblings = append(proof.Siblings, level[sib])
		next := make([]common.Hash, len(level)/2)
		for i := 0; i < len(next); i++ {
			next[i] = hashPair(level[2*i], level[2*i+1])
		}
		level = next
		index /= 2
	}
	return proof, nil
}

// VerifyProof recomputes the root from leaf and proof and compares it to
// root in constant time.
func VerifyProof(leaf common.Hash, proof *Proof, root common.Hash) bool {
	if proof == nil || proof.Index < 0 {
		return false
	}
	acc := leaf
	index := proof.Index
	for _, sib := range proof.Siblings {
		if index%2 == 0 {
			acc = hashPair(acc, sib)
		} else {
			acc = hashPair(sib, acc)
		}
		index /= 2
	}
	return hashEqualConstantTime(acc, root)
}

func fold(leaves []common.Hash) common.Hash {
	level := padLeaves(leaves)
	for len(level) > 1 {
		next := make([]common.Hash, len(level)/2)
		for i := 0; i < len(next); i++ {
			next[i] = hashPair(level[2*i], level[2*i+1])
		}
		level = next
	}
	return level[0]
}

// padLeaves copies leaves and right-pads with EmptyLeaf to a power of two.
func padLeaves(leaves []common.Hash) []common.Hash {
	n := 1
	for n < len(leaves) {
		n *= 2
	}
	padded := make([]common.Hash, n)
	copy(padded, leaves)
	for i := len(leaves); i < n; i++ {
		padded[i] = EmptyLeaf
	}
	return padded
}

func hashPair(left, right common.Hash) common.Hash {
	return crypto.Keccak256Hash(left.Bytes(), right.Bytes())
}

func hashEqualConstantTime(a, b common.Hash) bool {
	return subtle.ConstantTimeCompare(a.Bytes(), b.Bytes()) == 1
}

func boolByte(b bool) []byte {
	if b {
		return []byte{1}
	}
	return []byte{0}
}
