package s3db

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 100_000
	pbkdf2KeyLen     = 32 // AES-256
	pbkdf2SaltLen    = 16
)

// DeriveKey derives a 32-byte AES-256 key from a passphrase using PBKDF2.
// The returned salt must be stored alongside the ciphertext (or in the
// schema's key-management config) so the same key can be re-derived on
// read; this package never persists it for the caller.
func DeriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, pbkdf2KeyLen, sha256.New)
}

// NewSalt generates a random PBKDF2 salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, pbkdf2SaltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("s3db: generate salt: %w", err)
	}
	return salt, nil
}

// EncryptSecret implements the auto-generated before-persist hook body for
// a `secret`/`secretNumber`/`secretAny` attribute (§4.3, §4.2): AES-256-GCM
// with a random nonce, base64-encoded opaque ciphertext. Salts/nonces
// differ per call even for identical plaintext (§8.1 Encryption opacity).
func EncryptSecret(key []byte, plaintext []byte) (string, error) {
	if len(key) != 32 {
		return "", WithContext(ErrInvalidConfig, map[string]interface{}{
			"expected_key_length": 32,
			"actual_key_length":   len(key),
			"reason":              "AES-256 requires a 32-byte key",
		})
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", WithContext(ErrEncryption, map[string]interface{}{"cause": err.Error()})
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", WithContext(ErrEncryption, map[string]interface{}{"cause": err.Error()})
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", WithContext(ErrEncryption, map[string]interface{}{"cause": err.Error()})
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// DecryptSecret implements the auto-generated after-read hook body
// reversing EncryptSecret.
func DecryptSecret(key []byte, encoded string) ([]byte, error) {
	if len(key) != 32 {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"expected_key_length": 32,
			"actual_key_length":   len(key),
		})
	}

	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, WithContext(ErrEncryption, map[string]interface{}{"cause": err.Error()})
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, WithContext(ErrEncryption, map[string]interface{}{"cause": err.Error()})
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, WithContext(ErrEncryption, map[string]interface{}{"cause": err.Error()})
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, WithContext(ErrEncryption, map[string]interface{}{"reason": "ciphertext too short"})
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, WithContext(ErrEncryption, map[string]interface{}{"cause": "authentication failed"})
	}
	return plaintext, nil
}

// HashPassword implements the auto-generated before-persist hook for a
// `password` attribute (§4.3): one-way bcrypt, autoDecrypt=false — there
// is no matching after-read hook, since the plaintext is never
// recoverable.
func HashPassword(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", WithContext(ErrEncryption, map[string]interface{}{"cause": err.Error()})
	}
	return string(hash), nil
}

// VerifyPassword checks plaintext against a bcrypt hash produced by
// HashPassword.
func VerifyPassword(hash, plaintext string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}
