// Package codec implements the agent's wire encoding: canonical JSON with
// 256-bit integers as decimal strings, byte slices as 0x-prefixed hex, and
// level-1 gzip for trade blobs. Canonical key order is struct field order,
// which encoding/json preserves; payload structs must therefore declare
// fields in wire order.
package codec

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

var (
	// ErrNotInteger is returned when a BigInt field holds something that is
	// neither a JSON number nor a decimal string.
	ErrNotInteger = errors.New("codec: value is not an integer")

	// ErrNegative is returned for negative values in uint256 positions.
	ErrNegative = errors.New("codec: negative value in unsigned field")

	maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

// BigInt is a 256-bit unsigned integer that marshals to a decimal string and
// unmarshals from either a decimal string or a bare JSON number. The
// round-trip is lossless for the full uint256 range, which float64-backed
// JSON numbers are not.
type BigInt struct {
	i big.Int
}

// NewBigInt copies v into a BigInt. A nil v yields zero.
func NewBigInt(v *big.Int) *BigInt {
	b := new(BigInt)
	if v != nil {
		b.i.Set(v)
	}
	return b
}

// NewBigIntFromUint64 returns a BigInt holding v.
func NewBigIntFromUint64(v uint64) *BigInt {
	b := new(BigInt)
	b.i.SetUint64(v)
	return b
}

// Int returns a copy of the underlying value. Never nil.
func (b *BigInt) Int() *big.Int {
	if b == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(&b.i)
}

// Sign reports the sign of the value, 0 for a nil receiver.
func (b *BigInt) Sign() int {
	if b == nil {
		return 0
	}
	return b.i.Sign()
}

// Cmp compares b to other, treating nil as zero.
func (b *BigInt) Cmp(other *BigInt) int {
	return b.Int().Cmp(other.Int())
}

// String returns the decimal representation.
func (b *BigInt) String() string {
	if b == nil {
		return "0"
	}
	return b.i.String()
}

// MarshalJSON emits the value as a decimal string.
func (b *BigInt) MarshalJSON() ([]byte, error) {
	return []byte(`"` + b.String() + `"`), nil
}

// UnmarshalJSON accepts either "123" or 123.
func (b *BigInt) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		return nil
	}
	s = strings.Trim(s, `"`)
	if s == "" {
		b.i.SetInt64(0)
		return nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotInteger, s)
	}
	if v.Sign() < 0 {
		return fmt.Errorf("%w: %q", ErrNegative, s)
	}
	if v.Cmp(maxUint256) > 0 {
		return fmt.Errorf("codec: value %q overflows uint256", s)
	}
	b.i.Set(v)
	return nil
}

// Bytes32 returns the value as a 32-byte big-endian array.
func (b *BigInt) Bytes32() [32]byte {
	var out [32]byte
	raw := b.Int().Bytes()
	copy(out[32-len(raw):], raw)
	return out
}
