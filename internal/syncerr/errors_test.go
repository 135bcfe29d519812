package syncerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRemoteAPIErrorRetryable(t *testing.T) {
	assert.True(t, (&RemoteAPIError{Status: 500}).Retryable())
	assert.True(t, (&RemoteAPIError{Status: 503}).Retryable())
	assert.True(t, (&RemoteAPIError{Status: 429}).Retryable())
	assert.False(t, (&RemoteAPIError{Status: 404}).Retryable())
	assert.False(t, (&RemoteAPIError{Status: 401}).Retryable())
}

func TestRemoteAPIErrorMessage(t *testing.T) {
	err := &RemoteAPIError{Status: 403, Message: "rate limit exceeded"}
	assert.Equal(t, "remote API error (403): rate limit exceeded", err.Error())
}

func TestConfigErrorUnwrapsToNotConfigured(t *testing.T) {
	err := &ConfigError{Missing: []string{"token", "gistId"}}

	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.Equal(t, "sync configuration incomplete, missing: token, gistId", err.Error())

	wrapped := fmt.Errorf("upload: %w", err)
	var cfgErr *ConfigError
	assert.True(t, errors.As(wrapped, &cfgErr))
}
