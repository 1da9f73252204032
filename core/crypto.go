package core

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/GomesGoncalo/vigilant-parakeet/state"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrPayloadTooLarge  = errors.New("plaintext too large for encryption")
)

// defaultKey is the development pre-shared key used when no key is
// configured. Key distribution is outside this system.
const defaultKey = "vigilant_parakeet_fixed_key_256!"

// Cipher encrypts the inner payload of data frames. The outer routing
// headers stay plaintext so intermediate nodes can route and recipients
// can detect broadcast without holding per-node keys.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a payload cipher from the node configuration,
// returning nil when encryption is disabled.
func NewCipher(cfg *state.NodeCfg) (*Cipher, error) {
	if !cfg.EnableEncryption {
		return nil, nil
	}
	key := []byte(defaultKey)
	if cfg.EncryptionKey != "" {
		decoded, err := hex.DecodeString(cfg.EncryptionKey)
		if err != nil || len(decoded) != chacha20poly1305.KeySize {
			return nil, errors.New("encryption_key must be 32 bytes, hex encoded")
		}
		key = decoded
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals the plaintext with a fresh random nonce and returns
// nonce||ciphertext. Each call draws a new nonce, so fan-out encryption
// of the same payload yields distinct frames.
func (c *Cipher) Encrypt(plain []byte) ([]byte, error) {
	if len(plain) > state.MaxPlaintextSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrPayloadTooLarge, len(plain), state.MaxPlaintextSize)
	}
	out := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plain)+c.aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		return nil, err
	}
	return c.aead.Seal(out, out[:c.aead.NonceSize()], plain, nil), nil
}

// Decrypt opens nonce||ciphertext produced by Encrypt. Any tampering or
// key mismatch fails authentication.
func (c *Cipher) Decrypt(data []byte) ([]byte, error) {
	if len(data) < c.aead.NonceSize() {
		return nil, fmt.Errorf("%w: missing nonce", ErrDecryptionFailed)
	}
	nonce, ciphertext := data[:c.aead.NonceSize()], data[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plain, nil
}

// Nonce extracts the nonce prefix of an encrypted payload; used by tests
// asserting nonce uniqueness across fan-out.
func (c *Cipher) Nonce(data []byte) []byte {
	if len(data) < c.aead.NonceSize() {
		return nil
	}
	return data[:c.aead.NonceSize()]
}
