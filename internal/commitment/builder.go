package commitment

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/peerbet/agent/internal/codec"
)

// BilateralBetBuilder is a chainable construction API for a commitment and
// its two signatures. Build refuses to produce a commitment until every
// required field has been set.
type BilateralBetBuilder struct {
	tradesRoot    *common.Hash
	creator       *common.Address
	filler        *common.Address
	creatorAmount *big.Int
	fillerAmount  *big.Int
	deadline      uint64
	nonce         *big.Int
	expiry        uint64

	creatorSig []byte
	fillerSig  []byte
}

// NewBuilder returns an empty builder.
func NewBuilder() *BilateralBetBuilder {
	return &BilateralBetBuilder{}
}

// WithTradesRoot sets the trade-set commitment.
func (b *BilateralBetBuilder) WithTradesRoot(root common.Hash) *BilateralBetBuilder {
	b.tradesRoot = &root
	return b
}

// WithParties sets the two agent addresses.
func (b *BilateralBetBuilder) WithParties(creator, filler common.Address) *BilateralBetBuilder {
	b.creator = &creator
	b.filler = &filler
	return b
}

// WithAmounts sets both stakes.
func (b *BilateralBetBuilder) WithAmounts(creatorAmount, fillerAmount *big.Int) *BilateralBetBuilder {
	b.creatorAmount = creatorAmount
	b.fillerAmount = fillerAmount
	return b
}

// WithDeadline sets the earliest settle time (unix seconds).
func (b *BilateralBetBuilder) WithDeadline(deadline uint64) *BilateralBetBuilder {
	b.deadline = deadline
	return b
}

// WithNonce sets the vault replay nonce.
func (b *BilateralBetBuilder) WithNonce(nonce *big.Int) *BilateralBetBuilder {
	b.nonce = nonce
	return b
}

// WithExpiry sets the latest submission time (unix seconds).
func (b *BilateralBetBuilder) WithExpiry(expiry uint64) *BilateralBetBuilder {
	b.expiry = expiry
	return b
}

// WithCreatorSignature records the creator's signature.
func (b *BilateralBetBuilder) WithCreatorSignature(sig []byte) *BilateralBetBuilder {
	b.creatorSig = sig
	return b
}

// WithFillerSignature records the filler's signature.
func (b *BilateralBetBuilder) WithFillerSignature(sig []byte) *BilateralBetBuilder {
	b.fillerSig = sig
	return b
}

// IsFullySigned reports whether both signatures have been recorded.
func (b *BilateralBetBuilder) IsFullySigned() bool {
	return len(b.creatorSig) == 65 && len(b.fillerSig) == 65
}

// Signatures returns the recorded creator and filler signatures.
func (b *BilateralBetBuilder) Signatures() (creator, filler []byte) {
	return b.creatorSig, b.fillerSig
}

// Build validates required fields and assembles the commitment.
func (b *BilateralBetBuilder) Build() (*BetCommitment, error) {
	switch {
	case b.tradesRoot == nil:
		return nil, fmt.Errorf("%w: tradesRoot", ErrMissingField)
	case b.creator == nil || b.filler == nil:
		return nil, fmt.Errorf("%w: parties", ErrMissingField)
	case b.creatorAmount == nil || b.creatorAmount.Sign() <= 0:
		return nil, fmt.Errorf("%w: creatorAmount", ErrMissingField)
	case b.fillerAmount == nil || b.fillerAmount.Sign() <= 0:
		return nil, fmt.Errorf("%w: fillerAmount", ErrMissingField)
	case b.deadline == 0:
		return nil, fmt.Errorf("%w: deadline", ErrMissingField)
	case b.nonce == nil:
		return nil, fmt.Errorf("%w: nonce", ErrMissingField)
	case b.expiry == 0:
		return nil, fmt.Errorf("%w: expiry", ErrMissingField)
	}
	return &BetCommitment{
		TradesRoot:    *b.tradesRoot,
		Creator:       *b.creator,
		Filler:        *b.filler,
		CreatorAmount: codec.NewBigInt(b.creatorAmount),
		FillerAmount:  codec.NewBigInt(b.fillerAmount),
		Deadline:      codec.NewBigIntFromUint64(b.deadline),
		Nonce:         codec.NewBigInt(b.nonce),
		Expiry:        codec.NewBigIntFromUint64(b.expiry),
	}, nil
}
