package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/awnumar/memguard"
)

const (
	// aesKeySize is the required key size in bytes (AES-256).
	aesKeySize = 32

	// LegacyKeyVersion is the version assigned to a single unversioned key.
	LegacyKeyVersion = "v1"
)

// Mode identifies how a Registry was built.
type Mode string

const (
	// ModeKeyring means every version was supplied explicitly as version:key.
	ModeKeyring Mode = "keyring"
	// ModeDerived means every version key was derived from one master key.
	ModeDerived Mode = "derived"
	// ModeLegacy means one unversioned key registered as LegacyKeyVersion.
	ModeLegacy Mode = "legacy"
)

var hexKeyPattern = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// KeySource is the raw key configuration a Registry is built from.
// Lists are comma separated. See NewRegistry for precedence.
type KeySource struct {
	// PrimaryVersion is the version stamped on new ciphertext (keyring and derived modes).
	PrimaryVersion string
	// Keyring is a list of version:key entries.
	Keyring string
	// MasterKey is the secret every version key is derived from.
	MasterKey string
	// Versions lists the versions to derive from MasterKey.
	Versions string
	// LegacyKey is a single pre-rotation key.
	LegacyKey string
}

// Registry maps key versions to AES-256 keys and designates the primary
// version used for new encryptions. Key bytes live in memguard enclaves and
// are only decrypted for the duration of a single cipher operation.
//
// A Registry is immutable after construction, apart from Destroy, and safe
// for concurrent use.
type Registry struct {
	mode    Mode
	primary string

	mu   sync.RWMutex
	keys map[string]*memguard.Enclave
}

// NewRegistry builds a Registry from src. The first mode whose input is set
// wins; modes are never merged:
//
//  1. Keyring: PrimaryVersion plus Keyring entries.
//  2. Derived: PrimaryVersion, MasterKey and Versions.
//  3. Legacy: LegacyKey, registered as "v1" and made primary.
//
// Every returned error wraps ErrInvalidConfig.
func NewRegistry(src KeySource) (*Registry, error) {
	var (
		mode    Mode
		primary string
		raw     map[string][]byte
		err     error
	)

	switch {
	case strings.TrimSpace(src.Keyring) != "":
		mode = ModeKeyring
		primary = strings.TrimSpace(src.PrimaryVersion)
		raw, err = parseKeyring(primary, src.Keyring)
	case strings.TrimSpace(src.MasterKey) != "":
		mode = ModeDerived
		primary = strings.TrimSpace(src.PrimaryVersion)
		raw, err = deriveKeyring(primary, src.MasterKey, src.Versions)
	case strings.TrimSpace(src.LegacyKey) != "":
		mode = ModeLegacy
		primary = LegacyKeyVersion
		var key []byte
		key, err = DecodeKey(src.LegacyKey)
		if err != nil {
			err = fmt.Errorf("legacy key: %w", err)
		}
		raw = map[string][]byte{LegacyKeyVersion: key}
	default:
		return nil, fmt.Errorf("%w: no keyring, master key or legacy key configured", ErrInvalidConfig)
	}
	if err != nil {
		wipeAll(raw)
		return nil, fmt.Errorf("%w: %s", ErrInvalidConfig, err.Error())
	}

	r := &Registry{
		mode:    mode,
		primary: primary,
		keys:    make(map[string]*memguard.Enclave, len(raw)),
	}
	for version, key := range raw {
		// NewEnclave wipes key.
		r.keys[version] = memguard.NewEnclave(key)
	}
	return r, nil
}

// parseKeyring parses "v1:key1,v2:key2" and checks that primary is present.
func parseKeyring(primary, list string) (map[string][]byte, error) {
	if primary == "" {
		return nil, fmt.Errorf("primary key version is required with a keyring")
	}

	keys := make(map[string][]byte)
	for i, entry := range splitList(list) {
		version, encoded, ok := strings.Cut(entry, ":")
		version = strings.TrimSpace(version)
		encoded = strings.TrimSpace(encoded)
		if !ok || version == "" || encoded == "" {
			return keys, fmt.Errorf("malformed keyring entry %d (%s): expected version:key", i+1, redactEntry(entry))
		}
		if err := checkVersion(version); err != nil {
			return keys, err
		}
		if _, dup := keys[version]; dup {
			return keys, fmt.Errorf("duplicate key version %q in keyring", version)
		}
		key, err := DecodeKey(encoded)
		if err != nil {
			return keys, fmt.Errorf("key version %q: %w", version, err)
		}
		keys[version] = key
	}

	if len(keys) == 0 {
		return nil, fmt.Errorf("keyring has no entries")
	}
	if _, ok := keys[primary]; !ok {
		return keys, fmt.Errorf("primary key version %q is not in the keyring", primary)
	}
	return keys, nil
}

// deriveKeyring derives one key per listed version from the master key.
func deriveKeyring(primary, masterKey, versions string) (map[string][]byte, error) {
	if primary == "" {
		return nil, fmt.Errorf("primary key version is required with a master key")
	}
	master, err := DecodeKey(masterKey)
	if err != nil {
		return nil, fmt.Errorf("master key: %w", err)
	}
	defer memguard.WipeBytes(master)

	keys := make(map[string][]byte)
	for _, version := range splitList(versions) {
		if err := checkVersion(version); err != nil {
			return keys, err
		}
		if _, dup := keys[version]; dup {
			return keys, fmt.Errorf("duplicate key version %q in key versions", version)
		}
		keys[version] = DeriveKey(master, version)
	}

	if len(keys) == 0 {
		return nil, fmt.Errorf("key versions list is empty")
	}
	if _, ok := keys[primary]; !ok {
		return keys, fmt.Errorf("primary key version %q is not in the key versions list", primary)
	}
	return keys, nil
}

// DeriveKey returns HMAC-SHA256(master, version). The result is 32 bytes
// and deterministic, so every process sharing master agrees on each version key.
func DeriveKey(master []byte, version string) []byte {
	mac := hmac.New(sha256.New, master)
	mac.Write([]byte(version))
	return mac.Sum(nil)
}

// DecodeKey decodes an externally supplied key. The encodings are tried in
// order: base64 yielding 32 bytes, a 64-character hex string, then a raw
// UTF-8 string of exactly 32 bytes.
func DecodeKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("key is empty")
	}

	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		if len(b) == aesKeySize {
			return b, nil
		}
		memguard.WipeBytes(b)
	}

	if hexKeyPattern.MatchString(s) {
		b, err := hex.DecodeString(s)
		if err == nil {
			return b, nil
		}
	}

	if len(s) == aesKeySize {
		return []byte(s), nil
	}

	return nil, fmt.Errorf("key must be base64 or hex encoding of %d bytes, or a %d-byte string", aesKeySize, aesKeySize)
}

// Mode returns how the registry was configured.
func (r *Registry) Mode() Mode {
	return r.mode
}

// PrimaryVersion returns the version used for new encryptions.
func (r *Registry) PrimaryVersion() string {
	return r.primary
}

// Has reports whether version is registered.
func (r *Registry) Has(version string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.keys[version]
	return ok
}

// Versions returns the registered versions in sorted order.
func (r *Registry) Versions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions := make([]string, 0, len(r.keys))
	for v := range r.keys {
		versions = append(versions, v)
	}
	sort.Strings(versions)
	return versions
}

// Destroy drops every enclave. Later cipher operations fail with
// ErrRegistryDestroyed. The enclave ciphertext is only wiped from memory by
// memguard.Purge, which the process calls once at shutdown.
func (r *Registry) Destroy() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = nil
}

// withKey opens the enclave for version and passes the plaintext key to fn.
// The key is wiped when fn returns and must not be retained.
func (r *Registry) withKey(version string, fn func(key []byte) error) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.keys == nil {
		return ErrRegistryDestroyed
	}
	enclave, ok := r.keys[version]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKeyVersion, version)
	}
	buf, err := enclave.Open()
	if err != nil {
		return fmt.Errorf("crypto: failed to open key %q: %w", version, err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// checkVersion rejects versions that cannot appear as the first envelope field.
func checkVersion(version string) error {
	if strings.Contains(version, envelopeSep) {
		return fmt.Errorf("key version %q must not contain %q", version, envelopeSep)
	}
	return nil
}

func splitList(list string) []string {
	var out []string
	for _, part := range strings.Split(list, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// redactEntry keeps the version part of a keyring entry and hides the rest.
func redactEntry(entry string) string {
	version, _, found := strings.Cut(entry, ":")
	if !found {
		return "[REDACTED]"
	}
	return fmt.Sprintf("%q:[REDACTED]", strings.TrimSpace(version))
}

func wipeAll(keys map[string][]byte) {
	for _, k := range keys {
		memguard.WipeBytes(k)
	}
}
