// Package crypto seals credential secrets at rest and generates random
// identifiers. Secrets use AES-256-GCM under a symmetric key supplied by
// process configuration; stored values are base64(nonce || ciphertext || tag).
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

// KeySize is the decoded length of an encryption key.
const KeySize = 32

// ErrDecryption is returned when ciphertext cannot be opened with the
// configured key: malformed input, tampering, or a foreign key.
var ErrDecryption = errors.New("decryption failed")

// Encryptor seals and opens secrets. Implementations must be authenticated
// so that a foreign or altered ciphertext fails with ErrDecryption instead of
// yielding garbage.
type Encryptor interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// AESEncryptor implements Encryptor using AES-256-GCM.
type AESEncryptor struct {
	aead cipher.AEAD
}

// NewAESEncryptor builds an encryptor from a base64 key of KeySize bytes,
// e.g. the output of `openssl rand -base64 32`.
func NewAESEncryptor(base64Key string) (*AESEncryptor, error) {
	key, err := parseKey(base64Key)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &AESEncryptor{aead: aead}, nil
}

func parseKey(base64Key string) ([]byte, error) {
	if base64Key == "" {
		return nil, errors.New("encryption key is empty")
	}
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: base64 decode failed: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid encryption key: must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

// Encrypt seals plaintext under a fresh random nonce, so equal inputs give
// different outputs.
func (e *AESEncryptor) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, errors.New("plaintext is empty")
	}
	nonce := make([]byte, e.aead.NonceSize(), e.aead.NonceSize()+len(plaintext)+e.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens ciphertext produced by Encrypt. Every failure wraps
// ErrDecryption and carries no detail from the cipher.
func (e *AESEncryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	n := e.aead.NonceSize()
	if len(ciphertext) < n+e.aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short (%d bytes)", ErrDecryption, len(ciphertext))
	}
	plaintext, err := e.aead.Open(nil, ciphertext[:n], ciphertext[n:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrDecryption)
	}
	return plaintext, nil
}

// Keyring seals with its primary key and opens with the primary or any
// previous key. It lets the service keep reading secrets while they are
// being re-sealed under a new key.
type Keyring struct {
	primary  Encryptor
	previous []Encryptor
}

// NewKeyring returns a keyring sealing with primary. Nil previous keys are
// skipped.
func NewKeyring(primary Encryptor, previous ...Encryptor) *Keyring {
	k := &Keyring{primary: primary}
	for _, p := range previous {
		if p != nil {
			k.previous = append(k.previous, p)
		}
	}
	return k
}

// Encrypt seals with the primary key.
func (k *Keyring) Encrypt(plaintext []byte) ([]byte, error) {
	return k.primary.Encrypt(plaintext)
}

// Decrypt tries the primary key first, then each previous key in order.
func (k *Keyring) Decrypt(ciphertext []byte) ([]byte, error) {
	plaintext, err := k.primary.Decrypt(ciphertext)
	if err == nil || !errors.Is(err, ErrDecryption) {
		return plaintext, err
	}
	for _, p := range k.previous {
		if plaintext, perr := p.Decrypt(ciphertext); perr == nil {
			return plaintext, nil
		}
	}
	return nil, err
}

// EncryptString seals plaintext for a text column. The empty string maps to
// itself.
func EncryptString(enc Encryptor, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	ciphertext, err := enc.Encrypt([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// DecryptString reverses EncryptString. Input that is not base64 fails with
// ErrDecryption like any other unreadable value.
func DecryptString(enc Encryptor, sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	ciphertext, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("%w: not base64", ErrDecryption)
	}
	plaintext, err := enc.Decrypt(ciphertext)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
