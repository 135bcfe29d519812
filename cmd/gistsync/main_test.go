package main

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShutdownOK(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, true},
		{"cancelled", context.Canceled, true},
		{"wrapped cancelled", fmt.Errorf("sync loop: %w", context.Canceled), true},
		{"deadline", context.DeadlineExceeded, false},
		{"real failure", fmt.Errorf("MCP server error: listen tcp: address in use"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, shutdownOK(tt.err))
		})
	}
}
