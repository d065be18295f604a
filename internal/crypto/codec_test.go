package crypto

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"
)

const sampleKey = "sk-proj-AbCdEfGhIjKlMnOpQrStUvWxYz0123456789abcdefghij"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c := NewCodec("example.org", "/var/www/html")

	for _, secret := range []string{"", "x", sampleKey, strings.Repeat("k", 16), strings.Repeat("ü", 40)} {
		blob, err := c.Encrypt(secret)
		if err != nil {
			t.Fatalf("encrypt %q: %v", secret, err)
		}
		out, ok := c.Decrypt(blob)
		if !ok {
			t.Fatalf("decrypt failed for %q", secret)
		}
		if out != secret {
			t.Fatalf("expected %q, got %q", secret, out)
		}
	}
}

func TestEncryptUsesFreshIV(t *testing.T) {
	c := NewCodec("", "")
	a, err := c.Encrypt(sampleKey)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	b, err := c.Encrypt(sampleKey)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if a == b {
		t.Fatalf("expected different blobs for repeated encryption")
	}
}

func TestBlobLayout(t *testing.T) {
	c := NewCodec("localhost", "/")
	blob, err := c.Encrypt(sampleKey)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		t.Fatalf("outer base64: %v", err)
	}
	if _, err := base64.StdEncoding.DecodeString(string(raw[16:])); err != nil {
		t.Fatalf("inner ciphertext should be base64 text: %v", err)
	}
}

func TestDefaultIdentityMatchesExplicitDefaults(t *testing.T) {
	if !bytes.Equal(NewCodec("", "").key, DeriveKey("localhost", "/")) {
		t.Fatalf("empty identity should fall back to localhost and /")
	}
}

func TestDecryptWrongKey(t *testing.T) {
	blob, err := NewCodec("a.example", "/srv").Encrypt(sampleKey)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if out, ok := NewCodec("b.example", "/srv").Decrypt(blob); ok && out == sampleKey {
		t.Fatalf("decrypt with another deployment key must not reveal the secret")
	}
}

func TestDecryptMalformed(t *testing.T) {
	c := NewCodec("localhost", "/")
	short := base64.StdEncoding.EncodeToString([]byte("0123456789"))
	onlyIV := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{1}, 16))
	badInner := base64.StdEncoding.EncodeToString(append(bytes.Repeat([]byte{1}, 16), "%%%"...))

	for _, blob := range []string{"", "not base64!", short, onlyIV, badInner} {
		if _, ok := c.Decrypt(blob); ok {
			t.Fatalf("expected failure for %q", blob)
		}
	}
}

func TestRevealLegacyAndEncrypted(t *testing.T) {
	c := NewCodec("localhost", "/")

	legacy := base64.StdEncoding.EncodeToString([]byte(sampleKey))
	if len(legacy) > LegacyThreshold {
		t.Fatalf("test fixture should be legacy sized, got %d", len(legacy))
	}
	out, ok := c.Reveal(legacy)
	if !ok || out != sampleKey {
		t.Fatalf("legacy reveal: got %q ok=%v", out, ok)
	}

	blob, err := c.Encrypt(sampleKey)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if IsLegacy(blob) {
		t.Fatalf("encrypted blob of a real key must exceed the legacy threshold")
	}
	out, ok = c.Reveal(blob)
	if !ok || out != sampleKey {
		t.Fatalf("encrypted reveal: got %q ok=%v", out, ok)
	}

	if _, ok := c.Reveal(""); ok {
		t.Fatalf("empty stored value must not reveal")
	}
	if _, ok := c.Reveal("###"); ok {
		t.Fatalf("invalid legacy base64 must not reveal")
	}
}

func TestUpgradeLegacy(t *testing.T) {
	c := NewCodec("localhost", "/")
	legacy := base64.StdEncoding.EncodeToString([]byte(sampleKey))

	upgraded, err := c.Upgrade(legacy)
	if err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	if IsLegacy(upgraded) {
		t.Fatalf("upgraded value should be encrypted")
	}
	out, ok := c.Reveal(upgraded)
	if !ok || out != sampleKey {
		t.Fatalf("reveal after upgrade: got %q ok=%v", out, ok)
	}

	again, err := c.Upgrade(upgraded)
	if err != nil {
		t.Fatalf("upgrade encrypted: %v", err)
	}
	if again != upgraded {
		t.Fatalf("encrypted value should pass through unchanged")
	}
}
