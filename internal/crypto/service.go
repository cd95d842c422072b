package crypto

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// RotationResult is returned by DecryptObjectWithRotation.
type RotationResult struct {
	// Ciphertext is the value to persist. It equals the input unless Rotated.
	Ciphertext string
	// Rotated is true when the input was encrypted under a non-primary
	// version and Ciphertext was re-encrypted under the primary.
	Rotated bool
	// SourceVersion is the key version of the input ciphertext.
	SourceVersion string
	// PrimaryVersion is the version Ciphertext is (now) encrypted under.
	PrimaryVersion string
}

// Service encrypts arbitrary JSON-serialisable payloads into versioned
// envelopes and transparently migrates old envelopes to the primary key.
//
// Service holds no mutable state and is safe for concurrent use. It performs
// no I/O; persisting rotated ciphertext is the caller's job.
type Service struct {
	registry *Registry
}

// NewService creates a Service backed by registry.
func NewService(registry *Registry) (*Service, error) {
	if registry == nil {
		return nil, fmt.Errorf("%w: registry is nil", ErrInvalidConfig)
	}
	return &Service{registry: registry}, nil
}

// Registry returns the registry the service encrypts with.
func (s *Service) Registry() *Registry {
	return s.registry
}

// PrimaryVersion returns the key version stamped on new ciphertext.
func (s *Service) PrimaryVersion() string {
	return s.registry.PrimaryVersion()
}

// EncryptObject JSON-encodes v and encrypts it under the primary key.
func (s *Service) EncryptObject(v any) (string, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("crypto: failed to encode payload: %w", err)
	}
	return s.encryptWithKey(plaintext, s.registry.PrimaryVersion())
}

// DecryptObject decrypts ciphertext and JSON-decodes the payload into v.
func (s *Service) DecryptObject(ciphertext string, v any) error {
	_, plaintext, err := s.open(ciphertext)
	if err != nil {
		return err
	}
	return unmarshalPayload(plaintext, v)
}

// DecryptObjectWithRotation decrypts ciphertext into v. If the envelope was
// produced under a version other than the primary, the same plaintext is
// re-encrypted under the primary and returned with Rotated set.
func (s *Service) DecryptObjectWithRotation(ciphertext string, v any) (RotationResult, error) {
	env, plaintext, err := s.open(ciphertext)
	if err != nil {
		return RotationResult{}, err
	}
	if err := unmarshalPayload(plaintext, v); err != nil {
		return RotationResult{}, err
	}

	primary := s.registry.PrimaryVersion()
	result := RotationResult{
		Ciphertext:     ciphertext,
		SourceVersion:  env.Version,
		PrimaryVersion: primary,
	}
	if env.Version == primary {
		return result, nil
	}

	rotated, err := s.encryptWithKey(plaintext, primary)
	if err != nil {
		return RotationResult{}, fmt.Errorf("crypto: failed to re-encrypt under %q: %w", primary, err)
	}
	result.Ciphertext = rotated
	result.Rotated = true
	return result, nil
}

// EnvelopeVersion returns the key version of ciphertext without decrypting it.
func EnvelopeVersion(ciphertext string) (string, error) {
	version, _, found := strings.Cut(ciphertext, envelopeSep)
	if !found || version == "" {
		return "", fmt.Errorf("%w: missing key version", ErrInvalidFormat)
	}
	return version, nil
}

func (s *Service) encryptWithKey(plaintext []byte, version string) (string, error) {
	var env *Envelope
	err := s.registry.withKey(version, func(key []byte) error {
		var err error
		env, err = encrypt(plaintext, version, key)
		return err
	})
	if err != nil {
		return "", err
	}
	return env.String(), nil
}

func (s *Service) open(ciphertext string) (*Envelope, []byte, error) {
	env, err := ParseEnvelope(ciphertext)
	if err != nil {
		return nil, nil, err
	}
	var plaintext []byte
	err = s.registry.withKey(env.Version, func(key []byte) error {
		var err error
		plaintext, err = decrypt(env, key)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return env, plaintext, nil
}

func unmarshalPayload(plaintext []byte, v any) error {
	if v == nil {
		return nil
	}
	if err := json.Unmarshal(plaintext, v); err != nil {
		var invalid *json.InvalidUnmarshalError
		if errors.As(err, &invalid) {
			return fmt.Errorf("%w: %v", ErrInvalidTarget, err)
		}
		return fmt.Errorf("%w: payload does not match target: %v", ErrDecryptionFailed, err)
	}
	return nil
}
