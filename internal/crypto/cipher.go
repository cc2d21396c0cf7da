// Package crypto seals device secrets at rest and generates SSH key pairs.
package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/and161185/nodex/internal/errs"
	"github.com/and161185/nodex/internal/model"
)

// Params
const (
	KeyLen   = chacha20poly1305.KeySize   // 32
	NonceLen = chacha20poly1305.NonceSize // 12
	TagLen   = chacha20poly1305.Overhead  // 16

	// KeyEnv names the environment variable holding the secret key.
	KeyEnv = "NODEX_SECRET_KEY"

	segmentSep = ":"
)

// KeySource returns the configured secret key in its textual form.
type KeySource func() (string, error)

// StaticKey returns a KeySource yielding value; meant for tests and embedding.
func StaticKey(value string) KeySource {
	return func() (string, error) { return value, nil }
}

// EnvKeySource reads name from the process environment, falling back to the
// given .env files (dotenv format) when the variable is unset.
func EnvKeySource(name string, dotenvFiles ...string) KeySource {
	return func() (string, error) {
		if v, ok := os.LookupEnv(name); ok {
			return v, nil
		}
		for _, f := range dotenvFiles {
			vals, err := godotenv.Read(f)
			if err != nil {
				continue
			}
			if v, ok := vals[name]; ok {
				return v, nil
			}
		}
		return "", nil
	}
}

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// keyEncodings are tried in order; padded or not, standard or URL alphabet.
var keyEncodings = []*base64.Encoding{
	base64.StdEncoding,
	base64.RawStdEncoding,
	base64.URLEncoding,
	base64.RawURLEncoding,
}

// ParseKey decodes value as base64, then hex, then raw UTF-8 and returns the
// first candidate that is exactly KeyLen bytes.
func ParseKey(value string) ([]byte, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return nil, fmt.Errorf("%w: %w: secret key is empty", errs.ErrConfiguration, errs.ErrCrypto)
	}
	for _, enc := range keyEncodings {
		if b, err := enc.DecodeString(v); err == nil && len(b) == KeyLen {
			return b, nil
		}
	}
	if b, err := hex.DecodeString(v); err == nil && len(b) == KeyLen {
		return b, nil
	}
	if len(v) == KeyLen {
		return []byte(v), nil
	}
	return nil, fmt.Errorf("%w: %w: secret key must represent exactly %d bytes", errs.ErrConfiguration, errs.ErrCrypto, KeyLen)
}

// Cipher seals and opens secrets with ChaCha20-Poly1305 under one process-wide key.
// The key is loaded from the KeySource on first use and cached for the
// lifetime of the Cipher, including a load failure.
type Cipher struct {
	src KeySource

	once sync.Once
	aead cipher.AEAD
	err  error
}

// NewCipher constructs a Cipher that loads its key lazily from src.
func NewCipher(src KeySource) *Cipher {
	return &Cipher{src: src}
}

// Ready loads the key if needed and reports whether it is usable.
func (c *Cipher) Ready() error {
	c.once.Do(func() {
		if c.src == nil {
			c.err = fmt.Errorf("%w: %w: no key source", errs.ErrConfiguration, errs.ErrCrypto)
			return
		}
		raw, err := c.src()
		if err != nil {
			c.err = fmt.Errorf("%w: load secret key: %w", errs.ErrConfiguration, err)
			return
		}
		if strings.TrimSpace(raw) == "" {
			c.err = fmt.Errorf("%w: %w: %s is not configured", errs.ErrConfiguration, errs.ErrCrypto, KeyEnv)
			return
		}
		key, err := ParseKey(raw)
		if err != nil {
			c.err = err
			return
		}
		c.aead, c.err = chacha20poly1305.New(key)
	})
	return c.err
}

// Encrypt seals plaintext under a fresh random nonce.
func (c *Cipher) Encrypt(plaintext string) (model.EncryptedSecret, error) {
	if err := c.Ready(); err != nil {
		return "", err
	}
	nonce, err := RandBytes(NonceLen)
	if err != nil {
		return "", err
	}
	sealed := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-TagLen], sealed[len(sealed)-TagLen:]

	enc := base64.StdEncoding
	return model.EncryptedSecret(strings.Join([]string{
		enc.EncodeToString(nonce),
		enc.EncodeToString(ct),
		enc.EncodeToString(tag),
	}, segmentSep)), nil
}

// Decrypt opens a payload produced by Encrypt. Wrong segment count or lengths,
// bad base64 and failed authentication all yield errs.ErrCrypto.
func (c *Cipher) Decrypt(payload model.EncryptedSecret) (string, error) {
	if err := c.Ready(); err != nil {
		return "", err
	}
	parts := strings.Split(string(payload), segmentSep)
	if len(parts) != 3 {
		return "", fmt.Errorf("%w: expected 3 segments, got %d", errs.ErrCrypto, len(parts))
	}
	enc := base64.StdEncoding
	nonce, err := enc.DecodeString(parts[0])
	if err != nil || len(nonce) != NonceLen {
		return "", fmt.Errorf("%w: bad nonce", errs.ErrCrypto)
	}
	ct, err := enc.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("%w: bad ciphertext", errs.ErrCrypto)
	}
	tag, err := enc.DecodeString(parts[2])
	if err != nil || len(tag) != TagLen {
		return "", fmt.Errorf("%w: bad tag", errs.ErrCrypto)
	}
	sealed := make([]byte, 0, len(ct)+len(tag))
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)
	pt, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", errs.ErrCrypto)
	}
	return string(pt), nil
}
