package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// LegacyThreshold is the stored length at or below which a secret is read as
// plain base64 instead of ciphertext.
const LegacyThreshold = 100

// Codec encrypts provider secrets at rest. The key is derived from the
// deployment identity, so nothing besides the host name and install path has
// to be provisioned.
//
// Blob layout: base64(iv || base64(aes-256-cbc(pkcs7(plaintext)))).
type Codec struct {
	key []byte
}

func DeriveKey(hostName, installPath string) []byte {
	sum := sha256.Sum256([]byte(hostName + installPath))
	return sum[:]
}

func NewCodec(hostName, installPath string) *Codec {
	if hostName == "" {
		hostName = "localhost"
	}
	if installPath == "" {
		installPath = "/"
	}
	return &Codec{key: DeriveKey(hostName, installPath)}
}

func (c *Codec) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("iv: %w", err)
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	inner := base64.StdEncoding.EncodeToString(ciphertext)
	return base64.StdEncoding.EncodeToString(append(iv, inner...)), nil
}

// Decrypt never panics on malformed input; ok is false on any failure.
func (c *Codec) Decrypt(blob string) (plaintext string, ok bool) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil || len(raw) <= aes.BlockSize {
		return "", false
	}
	iv, inner := raw[:aes.BlockSize], raw[aes.BlockSize:]

	ciphertext, err := base64.StdEncoding.DecodeString(string(inner))
	if err != nil || len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", false
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", false
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)

	out, ok = pkcs7Unpad(out, aes.BlockSize)
	if !ok {
		return "", false
	}
	return string(out), true
}

// Reveal reads a stored secret in either the encrypted or the legacy base64 form.
func (c *Codec) Reveal(stored string) (string, bool) {
	if stored == "" {
		return "", false
	}
	if IsLegacy(stored) {
		raw, err := base64.StdEncoding.DecodeString(stored)
		if err != nil {
			return "", false
		}
		return string(raw), true
	}
	return c.Decrypt(stored)
}

// Upgrade re-encrypts a legacy value. Already encrypted values are returned as is.
func (c *Codec) Upgrade(stored string) (string, error) {
	if !IsLegacy(stored) {
		return stored, nil
	}
	plain, ok := c.Reveal(stored)
	if !ok {
		return "", fmt.Errorf("legacy secret is not valid base64")
	}
	return c.Encrypt(plain)
}

func IsLegacy(stored string) bool {
	return len(stored) <= LegacyThreshold
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, size int) ([]byte, bool) {
	if len(b) == 0 || len(b)%size != 0 {
		return nil, false
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, false
	}
	for _, v := range b[len(b)-n:] {
		if int(v) != n {
			return nil, false
		}
	}
	return b[:len(b)-n], true
}
