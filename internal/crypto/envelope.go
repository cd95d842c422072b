package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

const (
	// ivSize is the GCM nonce size (96 bits).
	ivSize = 12
	// tagSize is the GCM authentication tag size (128 bits).
	tagSize = 16
	// envelopeFields is the number of dot-separated envelope fields.
	envelopeFields = 4
	envelopeSep    = "."
)

// Envelope is the parsed form of a ciphertext string:
//
//	<version>.<base64 iv>.<base64 tag>.<base64 data>
type Envelope struct {
	Version string
	IV      []byte
	Tag     []byte
	Data    []byte
}

// String formats the envelope in its wire form.
func (e *Envelope) String() string {
	enc := base64.StdEncoding
	return strings.Join([]string{
		e.Version,
		enc.EncodeToString(e.IV),
		enc.EncodeToString(e.Tag),
		enc.EncodeToString(e.Data),
	}, envelopeSep)
}

// ParseEnvelope splits a ciphertext string into its fields. It is purely
// syntactic and does not look up any key. All errors wrap ErrInvalidFormat.
func ParseEnvelope(s string) (*Envelope, error) {
	parts := strings.Split(s, envelopeSep)
	if len(parts) != envelopeFields {
		return nil, fmt.Errorf("%w: expected %d fields, got %d", ErrInvalidFormat, envelopeFields, len(parts))
	}
	if parts[0] == "" {
		return nil, fmt.Errorf("%w: empty key version", ErrInvalidFormat)
	}

	enc := base64.StdEncoding
	iv, err := enc.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: iv: %v", ErrInvalidFormat, err)
	}
	tag, err := enc.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: tag: %v", ErrInvalidFormat, err)
	}
	data, err := enc.DecodeString(parts[3])
	if err != nil {
		return nil, fmt.Errorf("%w: data: %v", ErrInvalidFormat, err)
	}

	// cipher.AEAD.Open panics on a wrong-size nonce.
	if len(iv) != ivSize {
		return nil, fmt.Errorf("%w: iv must be %d bytes, got %d", ErrInvalidFormat, ivSize, len(iv))
	}
	if len(tag) != tagSize {
		return nil, fmt.Errorf("%w: tag must be %d bytes, got %d", ErrInvalidFormat, tagSize, len(tag))
	}

	return &Envelope{Version: parts[0], IV: iv, Tag: tag, Data: data}, nil
}

// newGCM creates an AES-256-GCM AEAD for key.
func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != aesKeySize {
		return nil, fmt.Errorf("invalid key size for AES-256: expected %d bytes, got %d", aesKeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// encrypt seals plaintext under key with a fresh random IV and returns the
// envelope stamped with version.
func encrypt(plaintext []byte, version string, key []byte) (*Envelope, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("failed to generate iv: %w", err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	split := len(sealed) - tagSize
	return &Envelope{
		Version: version,
		IV:      iv,
		Tag:     sealed[split:],
		Data:    sealed[:split],
	}, nil
}

// decrypt opens env with key and verifies that the plaintext is UTF-8 JSON.
func decrypt(env *Envelope, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	sealed := make([]byte, 0, len(env.Data)+len(env.Tag))
	sealed = append(sealed, env.Data...)
	sealed = append(sealed, env.Tag...)

	plaintext, err := gcm.Open(nil, env.IV, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed for key version %q", ErrDecryptionFailed, env.Version)
	}
	if !utf8.Valid(plaintext) || !json.Valid(plaintext) {
		return nil, fmt.Errorf("%w: plaintext is not valid UTF-8 JSON", ErrDecryptionFailed)
	}
	return plaintext, nil
}
