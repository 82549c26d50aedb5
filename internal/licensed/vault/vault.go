// Package vault encrypts token secrets at rest with AES-256-GCM.
//
// The key is derived once from a configured passphrase with scrypt and a fixed
// salt, so ciphertexts written by earlier processes remain readable as long as
// the passphrase does not change. Ciphertext and IV are hex encoded; the GCM
// authentication tag is appended to the ciphertext.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

const (
	keyLength = 32
	ivLength  = 16
	tagLength = 16

	scryptN = 16384
	scryptR = 8
	scryptP = 1
)

var fixedSalt = []byte("salt")

// ErrDecrypt is returned for any ciphertext that cannot be authenticated.
var ErrDecrypt = errors.New("vault: decrypt failed")

// Vault holds the derived key. It is safe for concurrent use.
type Vault struct {
	aead cipher.AEAD
	rand io.Reader
}

// New derives the encryption key from passphrase.
func New(passphrase string) (*Vault, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("vault: passphrase is required")
	}
	key, err := scrypt.Key([]byte(passphrase), fixedSalt, scryptN, scryptR, scryptP, keyLength)
	if err != nil {
		return nil, fmt.Errorf("vault: derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: init cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, ivLength)
	if err != nil {
		return nil, fmt.Errorf("vault: init gcm: %w", err)
	}
	return &Vault{aead: aead, rand: rand.Reader}, nil
}

// Encrypt seals secret under a fresh random IV.
func (v *Vault) Encrypt(secret string) (ciphertext, iv string, err error) {
	nonce := make([]byte, ivLength)
	if _, err := io.ReadFull(v.rand, nonce); err != nil {
		return "", "", fmt.Errorf("vault: generate iv: %w", err)
	}
	// Seal appends the tag to the ciphertext.
	sealed := v.aead.Seal(nil, nonce, []byte(secret), nil)
	return hex.EncodeToString(sealed), hex.EncodeToString(nonce), nil
}

// Decrypt opens a ciphertext produced by Encrypt. It fails closed on malformed
// hex, wrong IV length or tag mismatch.
func (v *Vault) Decrypt(ciphertext, iv string) (string, error) {
	nonce, err := hex.DecodeString(iv)
	if err != nil || len(nonce) != ivLength {
		return "", fmt.Errorf("%w: invalid iv", ErrDecrypt)
	}
	sealed, err := hex.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: invalid ciphertext encoding", ErrDecrypt)
	}
	if len(sealed) < tagLength {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}
	plain, err := v.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return string(plain), nil
}
