package wallet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/scrypt"
)

// Default scrypt parameters for keystore v3 files; files carry their own
// parameters and those are always honored.
const (
	scryptN     = 1 << 17
	scryptR     = 8
	scryptP     = 1
	scryptDKLen = 32
)

type cryptoJSON struct {
	Cipher       string                 `json:"cipher"`
	CipherText   string                 `json:"ciphertext"`
	CipherParams struct {
		IV string `json:"iv"`
	} `json:"cipherparams"`
	KDF       string                 `json:"kdf"`
	KDFParams map[string]interface{} `json:"kdfparams"`
	MAC       string                 `json:"mac"`
}

type keystoreJSON struct {
	Address string     `json:"address"`
	Crypto  cryptoJSON `json:"crypto"`
	Version int        `json:"version"`
}

// FromKeystore loads and decrypts a v3 keystore file with the given
// passphrase.
func FromKeystore(path, passphrase string) (*Wallet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Join(ErrBadKeystore, err)
	}
	return DecryptKeystore(raw, passphrase)
}

// DecryptKeystore decrypts keystore v3 JSON: derive the AES key with the
// file's KDF, verify the Keccak MAC over derivedKey[16:32]||ciphertext, then
// AES-128-CTR decrypt. Byte-compatible with go-ethereum keystore files.
func DecryptKeystore(keyjson []byte, passphrase string) (*Wallet, error) {
	var ks keystoreJSON
	if err := json.Unmarshal(keyjson, &ks); err != nil {
		return nil, errors.Join(ErrBadKeystore, err)
	}
	if ks.Version != 3 {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadKeystore, ks.Version)
	}
	if !strings.EqualFold(ks.Crypto.Cipher, "aes-128-ctr") {
		return nil, fmt.Errorf("%w: unsupported cipher %q", ErrBadKeystore, ks.Crypto.Cipher)
	}

	ciphertext, err := hex.DecodeString(ks.Crypto.CipherText)
	if err != nil {
		return nil, errors.Join(ErrBadKeystore, err)
	}
	iv, err := hex.DecodeString(ks.Crypto.CipherParams.IV)
	if err != nil {
		return nil, errors.Join(ErrBadKeystore, err)
	}
	mac, err := hex.DecodeString(ks.Crypto.MAC)
	if err != nil {
		return nil, errors.Join(ErrBadKeystore, err)
	}

	derivedKey, err := deriveKey(ks.Crypto, passphrase)
	if err != nil {
		return nil, err
	}

	calcMAC := crypto.Keccak256(derivedKey[16:32], ciphertext)
	if subtle.ConstantTimeCompare(calcMAC, mac) != 1 {
		return nil, fmt.Errorf("%w: mac mismatch (wrong passphrase?)", ErrBadKeystore)
	}

	plain, err := aesCTRXOR(derivedKey[:16], ciphertext, iv)
	if err != nil {
		return nil, errors.Join(ErrBadKeystore, err)
	}
	key, err := crypto.ToECDSA(plain)
	if err != nil {
		return nil, errors.Join(ErrBadCurvePoint, err)
	}
	w := &Wallet{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}

	// Guard against address swaps in tampered files.
	if ks.Address != "" && !strings.EqualFold(strings.TrimPrefix(ks.Address, "0x"), hex.EncodeToString(w.addr.Bytes())) {
		return nil, fmt.Errorf("%w: address mismatch", ErrBadKeystore)
	}
	return w, nil
}

func deriveKey(c cryptoJSON, passphrase string) ([]byte, error) {
	salt, err := hex.DecodeString(paramString(c.KDFParams, "salt"))
	if err != nil {
		return nil, errors.Join(ErrBadKeystore, err)
	}
	dkLen := paramInt(c.KDFParams, "dklen", scryptDKLen)

	switch c.KDF {
	case "scrypt":
		n := paramInt(c.KDFParams, "n", scryptN)
		r := paramInt(c.KDFParams, "r", scryptR)
		p := paramInt(c.KDFParams, "p", scryptP)
		dk, err := scrypt.Key([]byte(passphrase), salt, n, r, p, dkLen)
		if err != nil {
			return nil, errors.Join(ErrBadKeystore, err)
		}
		return dk, nil
	case "pbkdf2":
		prf := paramString(c.KDFParams, "prf")
		if prf != "hmac-sha256" {
			return nil, fmt.Errorf("%w: unsupported PRF %q", ErrBadKeystore, prf)
		}
		cIter := paramInt(c.KDFParams, "c", 0)
		if cIter <= 0 {
			return nil, fmt.Errorf("%w: bad pbkdf2 iteration count", ErrBadKeystore)
		}
		return pbkdf2.Key([]byte(passphrase), salt, cIter, dkLen, sha256.New), nil
	default:
		return nil, fmt.Errorf("%w: unsupported KDF %q", ErrBadKeystore, c.KDF)
	}
}

func aesCTRXOR(key, ciphertext, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	stream := cipher.NewCTR(block, iv)
	out := make([]byte, len(ciphertext))
	stream.XORKeyStream(out, ciphertext)
	return out, nil
}

func paramString(params map[string]interface{}, key string) string {
	s, _ := params[key].(string)
	return s
}

func paramInt(params map[string]interface{}, key string, def int) int {
	// JSON numbers decode as float64 through interface{}.
	if f, ok := params[key].(float64); ok {
		return int(f)
	}
	return def
}
