package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"signalzero/internal/logging"
)

// historyKeySize is the AES-256 key length for chat history at rest.
const historyKeySize = 32

// historyKeyFile lives beside the database. Losing it makes existing
// history unreadable; nothing else in the catalog depends on it.
const historyKeyFile = "chat_encryption.key"

// historyCipher encrypts persisted chat turns. Only conversation content is
// sensitive at rest; symbols, kits, personas, and ledgers stay plaintext.
type historyCipher struct {
	aead cipher.AEAD
}

// newHistoryCipher loads the key from the store directory, generating one
// on first use.
func newHistoryCipher(dir string) (*historyCipher, error) {
	keyPath := filepath.Join(dir, historyKeyFile)

	key, err := os.ReadFile(keyPath)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read history key %s: %w", keyPath, err)
	}
	if len(key) != historyKeySize {
		key = make([]byte, historyKeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate history key: %w", err)
		}
		if err := os.WriteFile(keyPath, key, 0600); err != nil {
			return nil, fmt.Errorf("failed to write history key %s: %w", keyPath, err)
		}
		logging.Store("Generated chat history encryption key at %s", keyPath)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize history cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize history cipher: %w", err)
	}
	return &historyCipher{aead: aead}, nil
}

// seal encrypts one chat turn for storage. The nonce is prepended to the
// ciphertext and the whole token is base64 encoded.
func (c *historyCipher) seal(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// open decrypts one stored chat turn. Failure means the row was written
// under a different key or tampered with.
func (c *historyCipher) open(token string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("%w: undecodable history row", ErrHistoryCipher)
	}
	n := c.aead.NonceSize()
	if len(raw) < n {
		return "", fmt.Errorf("%w: history row too short", ErrHistoryCipher)
	}
	plain, err := c.aead.Open(nil, raw[:n], raw[n:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrHistoryCipher, err)
	}
	return string(plain), nil
}
