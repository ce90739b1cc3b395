package crypto

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func randomKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func newTestEncryptor(t *testing.T) *AESEncryptor {
	t.Helper()
	enc, err := NewAESEncryptor(randomKey(t))
	if err != nil {
		t.Fatalf("NewAESEncryptor() error = %v", err)
	}
	return enc
}

func TestNewAESEncryptorKeyValidation(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr string
	}{
		{"empty", "", "encryption key is empty"},
		{"not base64", "not-valid-base64!@#$", "base64 decode failed"},
		{"16 bytes", base64.StdEncoding.EncodeToString(make([]byte, 16)), "must be 32 bytes, got 16"},
		{"64 bytes", base64.StdEncoding.EncodeToString(make([]byte, 64)), "must be 32 bytes, got 64"},
		{"32 bytes", base64.StdEncoding.EncodeToString(make([]byte, 32)), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := NewAESEncryptor(tt.key)
			if tt.wantErr == "" {
				if err != nil || enc == nil {
					t.Fatalf("NewAESEncryptor() = (%v, %v), want encryptor", enc, err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("NewAESEncryptor() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestStringRoundTrip(t *testing.T) {
	enc := newTestEncryptor(t)
	for _, plaintext := range []string{
		"",
		"hello",
		"oauth:3x4mpl3t0k3nv4lu3abcdefgh",
		strings.Repeat("a", 1000),
		"Hello 世界 🌍 Привет",
		" \t\n ",
	} {
		sealed, err := EncryptString(enc, plaintext)
		if err != nil {
			t.Fatalf("EncryptString(%q) error = %v", plaintext, err)
		}
		if plaintext != "" && sealed == plaintext {
			t.Errorf("EncryptString(%q) returned the plaintext", plaintext)
		}
		got, err := DecryptString(enc, sealed)
		if err != nil || got != plaintext {
			t.Errorf("DecryptString(EncryptString(%q)) = (%q, %v)", plaintext, got, err)
		}
	}
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	enc := newTestEncryptor(t)
	plaintext := []byte("test plaintext")

	c1, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	c2, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if bytes.Equal(c1, c2) {
		t.Error("Encrypt() produced identical ciphertexts for the same plaintext")
	}
	// 12 bytes nonce + 16 bytes tag
	if got := len(c1) - len(plaintext); got != 28 {
		t.Errorf("overhead = %d bytes, want 28", got)
	}
}

func TestEncryptRejectsEmptyPlaintext(t *testing.T) {
	if _, err := newTestEncryptor(t).Encrypt(nil); err == nil {
		t.Error("Encrypt(nil) succeeded")
	}
}

func TestUnreadableInputFailsWithErrDecryption(t *testing.T) {
	enc := newTestEncryptor(t)
	other := newTestEncryptor(t)

	tampered, err := enc.Encrypt([]byte("sensitive data"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	tampered[20] ^= 0x01

	foreign, err := EncryptString(other, "secret message")
	if err != nil {
		t.Fatalf("EncryptString() error = %v", err)
	}

	raw := map[string][]byte{
		"empty":    {},
		"short":    {1, 2, 3},
		"zeros":    make([]byte, 50),
		"tampered": tampered,
	}
	for name, in := range raw {
		if _, err := enc.Decrypt(in); !errors.Is(err, ErrDecryption) {
			t.Errorf("Decrypt(%s) error = %v, want ErrDecryption", name, err)
		}
	}

	// seeded rows sometimes hold bare placeholders instead of ciphertext
	sealed := []string{
		"not-valid-base64!@#",
		"dummy",
		base64.StdEncoding.EncodeToString([]byte("plain")),
		foreign,
	}
	for _, in := range sealed {
		if _, err := DecryptString(enc, in); !errors.Is(err, ErrDecryption) {
			t.Errorf("DecryptString(%q) error = %v, want ErrDecryption", in, err)
		}
	}
}

func TestKeyringOpensPreviousKeys(t *testing.T) {
	current := newTestEncryptor(t)
	old := newTestEncryptor(t)
	stranger := newTestEncryptor(t)
	ring := NewKeyring(current, nil, old)

	byOld, err := EncryptString(old, "old-secret")
	if err != nil {
		t.Fatalf("EncryptString() error = %v", err)
	}
	if got, err := DecryptString(ring, byOld); err != nil || got != "old-secret" {
		t.Errorf("DecryptString(old) = (%q, %v)", got, err)
	}

	byRing, err := EncryptString(ring, "new-secret")
	if err != nil {
		t.Fatalf("EncryptString() error = %v", err)
	}
	// new values are sealed with the current key only
	if got, err := DecryptString(current, byRing); err != nil || got != "new-secret" {
		t.Errorf("current key cannot open keyring output: (%q, %v)", got, err)
	}
	if _, err := DecryptString(old, byRing); !errors.Is(err, ErrDecryption) {
		t.Errorf("old key opened keyring output, err = %v", err)
	}

	byStranger, err := EncryptString(stranger, "x")
	if err != nil {
		t.Fatalf("EncryptString() error = %v", err)
	}
	if _, err := DecryptString(ring, byStranger); !errors.Is(err, ErrDecryption) {
		t.Errorf("DecryptString(stranger) error = %v, want ErrDecryption", err)
	}
}
