// Package syncerr defines the error taxonomy shared by the codec, the
// remote client, and the orchestrator. Sentinels classify the failure;
// structured types carry the details the UI layer renders.
package syncerr

import (
	"errors"
	"fmt"
	"strings"
)

// Codec errors.
var (
	// ErrIncompatibleFormat means the remote payload is not valid JSON.
	// The remote data is presumed corrupt; re-uploading replaces it.
	ErrIncompatibleFormat = errors.New("incompatible format: remote payload is not valid JSON")

	// ErrIncompatibleVersion means the remote snapshot declares a schema
	// version this engine does not speak. Surfaced verbatim so the caller
	// can suggest a manual remote reset.
	ErrIncompatibleVersion = errors.New("incompatible snapshot version")

	// ErrDecompressionFailed means the payload claims compression but
	// cannot be restored.
	ErrDecompressionFailed = errors.New("failed to decompress snapshot payload")

	// ErrDecryptionFailed means the payload claims encryption but cannot
	// be restored (wrong passphrase or corrupt ciphertext).
	ErrDecryptionFailed = errors.New("failed to decrypt snapshot payload")

	// ErrEncryptedPayload means the payload is encrypted but no
	// passphrase is configured on this device.
	ErrEncryptedPayload = errors.New("snapshot payload is encrypted and no passphrase is configured")
)

// Remote errors.
var (
	// ErrFileAbsent means the remote container exists but holds no sync
	// file yet. Callers treat this as "no remote data", not a failure.
	ErrFileAbsent = errors.New("remote sync file absent")

	// ErrNotConfigured is wrapped by ConfigError and usable with errors.Is.
	ErrNotConfigured = errors.New("sync is not configured")
)

// RemoteAPIError is a non-2xx response from the remote blob store.
type RemoteAPIError struct {
	Status  int
	Message string
}

func (e *RemoteAPIError) Error() string {
	return fmt.Sprintf("remote API error (%d): %s", e.Status, e.Message)
}

// Retryable reports whether the response status warrants a retry
// (server-side failures and rate limiting only).
func (e *RemoteAPIError) Retryable() bool {
	return e.Status >= 500 || e.Status == 429
}

// ConfigError reports exactly which settings fields are missing. It is
// user-actionable and never retried.
type ConfigError struct {
	Missing []string
}

func (e *ConfigError) Error() string {
	return "sync configuration incomplete, missing: " + strings.Join(e.Missing, ", ")
}

func (e *ConfigError) Unwrap() error {
	return ErrNotConfigured
}
