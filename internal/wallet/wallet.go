// Package wallet wraps the agent's signing key behind an opaque handle. The
// private key never leaves the package; callers sign 32-byte digests and
// recover addresses through free functions on the handle.
package wallet

import (
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	// ErrBadKeystore covers unparseable or undecryptable keystore files.
	ErrBadKeystore = errors.New("wallet: bad keystore")

	// ErrBadSignature covers malformed or unverifiable signatures.
	ErrBadSignature = errors.New("wallet: bad signature")

	// ErrBadCurvePoint covers public keys that are not on secp256k1.
	ErrBadCurvePoint = errors.New("wallet: bad curve point")
)

// Wallet is an opaque handle around a secp256k1 private key.
type Wallet struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// FromHex builds a Wallet from a 0x-optional hex private key.
func FromHex(hexkey string) (*Wallet, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexkey, "0x"))
	if err != nil {
		return nil, errors.Join(ErrBadCurvePoint, err)
	}
	return &Wallet{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address returns the address derived from the wallet's public key.
func (w *Wallet) Address() common.Address {
	return w.addr
}

// PublicKeyHash returns keccak256 of the uncompressed public key, used as the
// agent's advertised pubkey fingerprint.
func (w *Wallet) PublicKeyHash() common.Hash {
	pub := crypto.FromECDSAPub(&w.key.PublicKey)
	return crypto.Keccak256Hash(pub[1:])
}

// SignDigest signs a 32-byte digest, returning a 65-byte r||s||v signature
// with v normalized to {27,28} as the settlement contract expects.
func (w *Wallet) SignDigest(digest []byte) ([]byte, error) {
	if w.key == nil || len(digest) != 32 {
		return nil, ErrBadSignature
	}
	sig, err := crypto.Sign(digest, w.key)
	if err != nil {
		return nil, errors.Join(ErrBadSignature, err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

// SignTx signs an on-chain transaction for the given chain.
func (w *Wallet) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if w.key == nil {
		return nil, ErrBadSignature
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), w.key)
}

// Close zeroes the private key material. The handle is unusable afterwards.
func (w *Wallet) Close() {
	if w.key != nil {
		b := w.key.D.Bits()
		for i := range b {
			b[i] = 0
		}
		w.key = nil
	}
}

// RecoverAddress recovers the signer of digest from a 65-byte r||s||v
// signature, accepting v in {0,1} or {27,28}.
func RecoverAddress(digest, sig []byte) (common.Address, error) {
	if len(digest) != 32 || len(sig) != 65 {
		return common.Address{}, ErrBadSignature
	}
	norm := make([]byte, 65)
	copy(norm, sig)
	if norm[64] >= 27 {
		norm[64] -= 27
	}
	pub, err := crypto.SigToPub(digest, norm)
	if err != nil {
		return common.Address{}, errors.Join(ErrBadSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
