// Package commitment builds, signs, and verifies the two typed structs both
// agents co-sign: the BetCommitment posted at commit time and the
// SettlementAgreement exchanged at settlement. Hashing is EIP-712 under the
// CollateralVault domain; field order in the schemas is normative and must
// match the settlement contract byte for byte.
package commitment

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/peerbet/agent/internal/codec"
	"github.com/peerbet/agent/internal/wallet"
)

// DefaultExpiryWindow bounds how long a signed commitment may wait before
// on-chain submission when the caller does not set an expiry.
const DefaultExpiryWindow = 5 * time.Minute

var (
	// ErrMissingField is returned by builders when a required field is unset.
	ErrMissingField = errors.New("commitment: missing required field")

	// ErrBadOdds is returned for odds strings that do not parse as a
	// positive rational.
	ErrBadOdds = errors.New("commitment: bad odds")
)

// BetCommitment is the bilateral contract. JSON field order follows the
// typed-data schema.
type BetCommitment struct {
	TradesRoot    common.Hash   `json:"tradesRoot"`
	Creator       common.Address `json:"creator"`
	Filler        common.Address `json:"filler"`
	CreatorAmount *codec.BigInt  `json:"creatorAmount"`
	FillerAmount  *codec.BigInt  `json:"fillerAmount"`
	Deadline      *codec.BigInt  `json:"deadline"`
	Nonce         *codec.BigInt  `json:"nonce"`
	Expiry        *codec.BigInt  `json:"expiry"`
}

// SettlementAgreement is the co-signed outcome record.
type SettlementAgreement struct {
	BetID           *codec.BigInt  `json:"betId"`
	Winner          common.Address `json:"winner"`
	WinsCount       *codec.BigInt  `json:"winsCount"`
	ValidTrades     *codec.BigInt  `json:"validTrades"`
	IsTie           bool           `json:"isTie"`
	Expiry          *codec.BigInt  `json:"expiry"`
	SettlementNonce *codec.BigInt  `json:"settlementNonce"`
}

// Params are the inputs to Build. FillerAmount may be given directly or
// derived from CreatorAmount and Odds ("3/2" or "1.5"); Expiry defaults to
// now + DefaultExpiryWindow.
type Params struct {
	TradesRoot    common.Hash
	Creator       common.Address
	Filler        common.Address
	CreatorAmount *big.Int
	FillerAmount  *big.Int
	Odds          string
	Deadline      uint64
	Nonce         *big.Int
	Expiry        uint64
}

// Build assembles a BetCommitment from params.
func Build(p Params) (*BetCommitment, error) {
	if p.CreatorAmount == nil || p.CreatorAmount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: creatorAmount", ErrMissingField)
	}
	filler := p.FillerAmount
	if filler == nil {
		if p.Odds == "" {
			filler = new(big.Int).Set(p.CreatorAmount)
		} else {
			odds, ok := new(big.Rat).SetString(p.Odds)
			if !ok || odds.Sign() <= 0 {
				return nil, fmt.Errorf("%w: %q", ErrBadOdds, p.Odds)
			}
			v := new(big.Rat).Mul(odds, new(big.Rat).SetInt(p.CreatorAmount))
			filler = new(big.Int).Quo(v.Num(), v.Denom())
		}
	}
	expiry := p.Expiry
	if expiry == 0 {
		expiry = uint64(time.Now().Add(DefaultExpiryWindow).Unix())
	}
	if p.Deadline == 0 {
		return nil, fmt.Errorf("%w: deadline", ErrMissingField)
	}
	return &BetCommitment{
		TradesRoot:    p.TradesRoot,
		Creator:       p.Creator,
		Filler:        p.Filler,
		CreatorAmount: codec.NewBigInt(p.CreatorAmount),
		FillerAmount:  codec.NewBigInt(filler),
		Deadline:      codec.NewBigIntFromUint64(p.Deadline),
		Nonce:         codec.NewBigInt(p.Nonce),
		Expiry:        codec.NewBigIntFromUint64(expiry),
	}, nil
}

// Domain identifies the verifying vault contract on one chain.
type Domain struct {
	ChainID uint64
	Vault   common.Address
}

func (d Domain) typedDomain() apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              "CollateralVault",
		Version:           "1",
		ChainId:           math.NewHexOrDecimal256(int64(d.ChainID)),
		VerifyingContract: d.Vault.Hex(),
	}
}

var domainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

var betCommitmentType = []apitypes.Type{
	{Name: "tradesRoot", Type: "bytes32"},
	{Name: "creator", Type: "address"},
	{Name: "filler", Type: "address"},
	{Name: "creatorAmount", Type: "uint256"},
	{Name: "fillerAmount", Type: "uint256"},
	{Name: "deadline", Type: "uint256"},
	{Name: "nonce", Type: "uint256"},
	{Name: "expiry", Type: "uint256"},
}

var settlementAgreementType = []apitypes.Type{
	{Name: "betId", Type: "uint256"},
	{Name: "winner", Type: "address"},
	{Name: "winsCount", Type: "uint256"},
	{Name: "validTrades", Type: "uint256"},
	{Name: "isTie", Type: "bool"},
	{Name: "expiry", Type: "uint256"},
	{Name: "settlementNonce", Type: "uint256"},
}

// Digest returns the EIP-712 digest of the commitment under domain.
func (c *BetCommitment) Digest(d Domain) ([]byte, error) {
	td := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain":  domainType,
			"BetCommitment": betCommitmentType,
		},
		PrimaryType: "BetCommitment",
		Domain:      d.typedDomain(),
		Message: apitypes.TypedDataMessage{
			"tradesRoot":    hexutil.Encode(c.TradesRoot.Bytes()),
			"creator":       c.Creator.Hex(),
			"filler":        c.Filler.Hex(),
			"creatorAmount": c.CreatorAmount.String(),
			"fillerAmount":  c.FillerAmount.String(),
			"deadline":      c.Deadline.String(),
			"nonce":         c.Nonce.String(),
			"expiry":        c.Expiry.String(),
		},
	}
	digest, _, err := apitypes.TypedDataAndHash(td)
	return digest, err
}

// Sign produces the typed-data signature over the commitment.
func (c *BetCommitment) Sign(w *wallet.Wallet, d Domain) ([]byte, error) {
	digest, err := c.Digest(d)
	if err != nil {
		return nil, err
	}
	return w.SignDigest(digest)
}

// VerifySignature checks that sig over the commitment recovers expected.
func (c *BetCommitment) VerifySignature(sig []byte, expected common.Address, d Domain) bool {
	digest, err := c.Digest(d)
	if err != nil {
		return false
	}
	got, err := wallet.RecoverAddress(digest, sig)
	if err != nil {
		return false
	}
	return got == expected
}

// Digest returns the EIP-712 digest of the agreement under domain.
func (a *SettlementAgreement) Digest(d Domain) ([]byte, error) {
	td := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain":        domainType,
			"SettlementAgreement": settlementAgreementType,
		},
		PrimaryType: "SettlementAgreement",
		Domain:      d.typedDomain(),
		Message: apitypes.TypedDataMessage{
			"betId":           a.BetID.String(),
			"winner":          a.Winner.Hex(),
			"winsCount":       a.WinsCount.String(),
			"validTrades":     a.ValidTrades.String(),
			"isTie":           a.IsTie,
			"expiry":          a.Expiry.String(),
			"settlementNonce": a.SettlementNonce.String(),
		},
	}
	digest, _, err := apitypes.TypedDataAndHash(td)
	return digest, err
}

// Sign produces the typed-data signature over the agreement.
func (a *SettlementAgreement) Sign(w *wallet.Wallet, d Domain) ([]byte, error) {
	digest, err := a.Digest(d)
	if err != nil {
		return nil, err
	}
	return w.SignDigest(digest)
}

// VerifySignature checks that sig over the agreement recovers expected.
func (a *SettlementAgreement) VerifySignature(sig []byte, expected common.Address, d Domain) bool {
	digest, err := a.Digest(d)
	if err != nil {
		return false
	}
	got, err := wallet.RecoverAddress(digest, sig)
	if err != nil {
		return false
	}
	return got == expected
}
