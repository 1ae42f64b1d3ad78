package wallet

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/scrypt"
)

const testKeyHex = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

func TestFromHex(t *testing.T) {
	w, err := FromHex("0x" + testKeyHex)
	require.NoError(t, err)
	require.Equal(t, "0x71562b71999873DB5b286dF957af199Ec94617F7", w.Address().Hex())

	_, err = FromHex("not hex")
	require.ErrorIs(t, err, ErrBadCurvePoint)
}

func TestSignRecoverRoundTrip(t *testing.T) {
	w, err := FromHex(testKeyHex)
	require.NoError(t, err)

	digest := crypto.Keccak256([]byte("hello"))
	sig, err := w.SignDigest(digest)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	require.GreaterOrEqual(t, sig[64], byte(27))

	addr, err := RecoverAddress(digest, sig)
	require.NoError(t, err)
	require.Equal(t, w.Address(), addr)

	// A flipped bit must not recover the same signer.
	bad := make([]byte, 65)
	copy(bad, sig)
	bad[3] ^= 0x01
	got, err := RecoverAddress(digest, bad)
	if err == nil {
		require.NotEqual(t, w.Address(), got)
	}
}

func TestSignRejectsShortDigest(t *testing.T) {
	w, err := FromHex(testKeyHex)
	require.NoError(t, err)
	_, err = w.SignDigest([]byte("short"))
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestCloseZeroesKey(t *testing.T) {
	w, err := FromHex(testKeyHex)
	require.NoError(t, err)
	w.Close()
	_, err = w.SignDigest(crypto.Keccak256([]byte("x")))
	require.Error(t, err)
}

// encryptTestKeystore builds a v3 keystore blob with weak scrypt parameters
// so the test stays fast; DecryptKeystore must honor them.
func encryptTestKeystore(t *testing.T, keyHex, passphrase string) []byte {
	t.Helper()

	priv, err := crypto.HexToECDSA(keyHex)
	require.NoError(t, err)

	salt := make([]byte, 32)
	_, err = rand.Read(salt)
	require.NoError(t, err)
	iv := make([]byte, 16)
	_, err = rand.Read(iv)
	require.NoError(t, err)

	const n, r, p = 1 << 12, 8, 1
	dk, err := scrypt.Key([]byte(passphrase), salt, n, r, p, 32)
	require.NoError(t, err)

	plain := crypto.FromECDSA(priv)
	ciphertext, err := aesCTRXOR(dk[:16], plain, iv)
	require.NoError(t, err)
	mac := crypto.Keccak256(dk[16:32], ciphertext)

	ks := map[string]interface{}{
		"address": hex.EncodeToString(crypto.PubkeyToAddress(priv.PublicKey).Bytes()),
		"version": 3,
		"crypto": map[string]interface{}{
			"cipher":       "aes-128-ctr",
			"ciphertext":   hex.EncodeToString(ciphertext),
			"cipherparams": map[string]string{"iv": hex.EncodeToString(iv)},
			"kdf":          "scrypt",
			"kdfparams": map[string]interface{}{
				"n": n, "r": r, "p": p, "dklen": 32,
				"salt": hex.EncodeToString(salt),
			},
			"mac": hex.EncodeToString(mac),
		},
	}
	blob, err := json.Marshal(ks)
	require.NoError(t, err)
	return blob
}

func TestDecryptKeystore(t *testing.T) {
	blob := encryptTestKeystore(t, testKeyHex, "open sesame")

	w, err := DecryptKeystore(blob, "open sesame")
	require.NoError(t, err)
	require.Equal(t, "0x71562b71999873DB5b286dF957af199Ec94617F7", w.Address().Hex())
}

func TestDecryptKeystoreWrongPassphrase(t *testing.T) {
	blob := encryptTestKeystore(t, testKeyHex, "right")
	_, err := DecryptKeystore(blob, "wrong")
	require.ErrorIs(t, err, ErrBadKeystore)
}

func TestDecryptKeystoreRejectsJunk(t *testing.T) {
	_, err := DecryptKeystore([]byte(`{"version":2}`), "pw")
	require.ErrorIs(t, err, ErrBadKeystore)
	_, err = DecryptKeystore([]byte(`not json`), "pw")
	require.ErrorIs(t, err, ErrBadKeystore)
}
