package crypto

import "errors"

var (
	// ErrInvalidConfig is returned when the key registry cannot be built from
	// the supplied key material. It indicates a broken deployment.
	ErrInvalidConfig = errors.New("crypto: invalid key configuration")

	// ErrInvalidFormat is returned when a ciphertext is not a well-formed envelope.
	ErrInvalidFormat = errors.New("crypto: invalid envelope format")

	// ErrUnknownKeyVersion is returned when an envelope names a key version
	// that is not present in the registry.
	ErrUnknownKeyVersion = errors.New("crypto: unknown key version")

	// ErrDecryptionFailed is returned when authentication fails (wrong key,
	// tampered data) or the plaintext is not valid UTF-8 JSON.
	ErrDecryptionFailed = errors.New("crypto: decryption failed")

	// ErrRegistryDestroyed is returned by cipher operations after Destroy.
	ErrRegistryDestroyed = errors.New("crypto: key registry destroyed")

	// ErrInvalidTarget is returned when the decode target cannot receive a
	// payload, such as a nil or non-pointer value. It is a caller bug, not a
	// property of the record.
	ErrInvalidTarget = errors.New("crypto: invalid decode target")
)

// IsInvalidConfig returns true if the error is or wraps ErrInvalidConfig.
func IsInvalidConfig(err error) bool {
	return errors.Is(err, ErrInvalidConfig)
}

// IsInvalidFormat returns true if the error is or wraps ErrInvalidFormat.
func IsInvalidFormat(err error) bool {
	return errors.Is(err, ErrInvalidFormat)
}

// IsUnknownKeyVersion returns true if the error is or wraps ErrUnknownKeyVersion.
func IsUnknownKeyVersion(err error) bool {
	return errors.Is(err, ErrUnknownKeyVersion)
}

// IsDecryptionFailed returns true if the error is or wraps ErrDecryptionFailed.
func IsDecryptionFailed(err error) bool {
	return errors.Is(err, ErrDecryptionFailed)
}

// IsRecordError reports whether err is scoped to a single ciphertext
// (format, unknown version or integrity) rather than to the deployment.
func IsRecordError(err error) bool {
	return IsInvalidFormat(err) || IsUnknownKeyVersion(err) || IsDecryptionFailed(err)
}

// FailureReason returns a short, stable label for a per-record error,
// suitable for metric labels and audit events.
func FailureReason(err error) string {
	switch {
	case err == nil:
		return ""
	case IsInvalidFormat(err):
		return "format"
	case IsUnknownKeyVersion(err):
		return "unknown_key_version"
	case IsDecryptionFailed(err):
		return "integrity"
	case IsInvalidConfig(err):
		return "config"
	default:
		return "other"
	}
}
