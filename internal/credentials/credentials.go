// Package credentials seals and opens source-account credentials.
package credentials

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	keySize   = 32
	nonceSize = 24
)

// ErrDecrypt is returned when sealed credentials cannot be opened.
var ErrDecrypt = errors.New("credentials could not be decrypted")

// Credentials are the login material for a source-platform account.
type Credentials struct {
	Username string            `json:"username"`
	Password string            `json:"password"`
	Cookies  map[string]string `json:"cookies,omitempty"`
}

// Box encrypts credentials with a symmetric key.
type Box struct {
	key [keySize]byte
}

// ParseKey decodes a base64 encoded 32-byte key.
func ParseKey(encoded string) ([keySize]byte, error) {
	var key [keySize]byte
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return key, fmt.Errorf("decode key: %w", err)
	}
	if len(raw) != keySize {
		return key, fmt.Errorf("key must be %d bytes, got %d", keySize, len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

// NewBox creates a Box from a base64 encoded key.
func NewBox(encodedKey string) (*Box, error) {
	key, err := ParseKey(encodedKey)
	if err != nil {
		return nil, err
	}
	return &Box{key: key}, nil
}

// Seal encrypts c and returns base64 text with the nonce prepended.
func (b *Box) Seal(c Credentials) (string, error) {
	plain, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode credentials: %w", err)
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], plain, &nonce, &b.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts text produced by Seal. Any failure is reported as ErrDecrypt.
func (b *Box) Open(sealed string) (Credentials, error) {
	var c Credentials
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil || len(raw) < nonceSize+secretbox.Overhead {
		return c, ErrDecrypt
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	plain, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &b.key)
	if !ok {
		return c, ErrDecrypt
	}
	if err := json.Unmarshal(plain, &c); err != nil {
		return c, ErrDecrypt
	}
	return c, nil
}
