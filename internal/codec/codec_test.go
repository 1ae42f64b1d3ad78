package codec

import (
	"bytes"
	"encoding/json"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBigIntRoundTrip(t *testing.T) {
	cases := []string{
		"0",
		"1",
		"1000000000000000000",
		"115792089237316195423570985008687907853269984665640564039457584007913129639935", // 2^256-1
	}
	for _, c := range cases {
		v, ok := new(big.Int).SetString(c, 10)
		require.True(t, ok)

		data, err := json.Marshal(NewBigInt(v))
		require.NoError(t, err)
		require.Equal(t, `"`+c+`"`, string(data))

		var back BigInt
		require.NoError(t, json.Unmarshal(data, &back))
		require.Zero(t, back.Int().Cmp(v), "round trip mismatch for %s", c)
	}
}

func TestBigIntAcceptsBareNumber(t *testing.T) {
	var b BigInt
	require.NoError(t, json.Unmarshal([]byte(`12345`), &b))
	require.Equal(t, "12345", b.String())
}

func TestBigIntRejectsJunk(t *testing.T) {
	var b BigInt
	require.Error(t, json.Unmarshal([]byte(`"0x10"`), &b))
	require.Error(t, json.Unmarshal([]byte(`"-5"`), &b))
	require.Error(t, json.Unmarshal([]byte(`"1.5"`), &b))
	// 2^256 overflows.
	require.Error(t, json.Unmarshal([]byte(`"115792089237316195423570985008687907853269984665640564039457584007913129639936"`), &b))
}

func TestBigIntFieldOrderPreserved(t *testing.T) {
	// Canonical JSON requires keys in struct declaration order.
	type payload struct {
		B *BigInt `json:"b"`
		A *BigInt `json:"a"`
	}
	data, err := json.Marshal(payload{B: NewBigIntFromUint64(2), A: NewBigIntFromUint64(1)})
	require.NoError(t, err)
	require.Equal(t, `{"b":"2","a":"1"}`, string(data))
}

func TestGzipRoundTrip(t *testing.T) {
	blob := bytes.Repeat([]byte(`{"ticker":"BTC","method":"up:0"}`), 4096)
	packed, err := Compress(blob)
	require.NoError(t, err)
	require.Less(t, len(packed), len(blob))

	back, err := Decompress(packed)
	require.NoError(t, err)
	require.Equal(t, blob, back)
}

func TestGzipRejectsGarbage(t *testing.T) {
	_, err := Decompress([]byte("definitely not gzip"))
	require.Error(t, err)
}
