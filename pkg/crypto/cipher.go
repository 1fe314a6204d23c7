package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// keySalt fixes the derivation so the same master key always yields the same
// AES key across restarts.
const keySalt = "deployify.vault.v1"

// deriveKey normalizes master key material to 32 bytes using SHA-256.
func deriveKey(secret []byte) []byte {
	h := sha256.New()
	h.Write([]byte(keySalt))
	h.Write(secret)
	return h.Sum(nil)
}

// DecodeKeyMaterial accepts a master key supplied as hex, base64, or raw text.
func DecodeKeyMaterial(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty key material")
	}
	if decoded, err := hex.DecodeString(raw); err == nil && len(decoded) >= 16 {
		return decoded, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil && len(decoded) >= 16 {
		return decoded, nil
	}
	return []byte(raw), nil
}

// RandomKey generates ephemeral key material for the degraded no-config mode.
func RandomKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext with AES-256-GCM under the derived key and returns
// the "<hex-nonce>:<hex-ciphertext>" wire form. The nonce is fresh per call.
func Encrypt(secret, plaintext []byte) (string, error) {
	block, err := aes.NewCipher(deriveKey(secret))
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	return hex.EncodeToString(nonce) + ":" + hex.EncodeToString(sealed), nil
}

// Decrypt opens a "<hex-nonce>:<hex-ciphertext>" payload produced by Encrypt.
func Decrypt(secret []byte, payload string) ([]byte, error) {
	nonceHex, sealedHex, ok := strings.Cut(payload, ":")
	if !ok {
		return nil, fmt.Errorf("malformed ciphertext: missing nonce separator")
	}
	nonce, err := hex.DecodeString(nonceHex)
	if err != nil {
		return nil, fmt.Errorf("malformed nonce: %w", err)
	}
	sealed, err := hex.DecodeString(sealedHex)
	if err != nil {
		return nil, fmt.Errorf("malformed ciphertext: %w", err)
	}
	block, err := aes.NewCipher(deriveKey(secret))
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("malformed nonce: got %d bytes, want %d", len(nonce), gcm.NonceSize())
	}
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plain, nil
}
