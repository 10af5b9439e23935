// Package security provides at-rest encryption for sensitive device fields
// such as TOTP secrets and push tokens.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"os"
)

// CryptoService handles AES-GCM encryption for columns that must never be
// stored in the clear.
type CryptoService struct {
	encryptionKey []byte
}

// NewCryptoService loads the key from ENCRYPTION_KEY (hex, 32 bytes). When
// unset a random key is generated; encrypted values then do not survive a
// restart, which is acceptable only in development.
func NewCryptoService() (*CryptoService, error) {
	encKeyStr := os.Getenv("ENCRYPTION_KEY")

	var encKey []byte
	var err error

	if encKeyStr == "" {
		encKey = make([]byte, 32) // AES-256
		if _, err := io.ReadFull(rand.Reader, encKey); err != nil {
			return nil, err
		}
	} else {
		encKey, err = hex.DecodeString(encKeyStr)
		if err != nil {
			return nil, errors.New("invalid encryption key format")
		}
		if len(encKey) != 32 {
			return nil, errors.New("encryption key must be 32 bytes")
		}
	}

	return &CryptoService{encryptionKey: encKey}, nil
}

// Encrypt encrypts plain text using AES-GCM
func (s *CryptoService) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return "", err
	}

	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aesGCM.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := aesGCM.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt decrypts base64 encoded ciphertext
func (s *CryptoService) Decrypt(cryptoText string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(cryptoText)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return "", err
	}

	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonceSize := aesGCM.NonceSize()
	if len(data) < nonceSize {
		return "", errors.New("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := aesGCM.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", err
	}

	return string(plaintext), nil
}
