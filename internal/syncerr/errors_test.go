package syncerr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"timeout", &NetworkError{Kind: Timeout}, Transient},
		{"unreachable", &NetworkError{Kind: Unreachable}, Transient},
		{"server error", &NetworkError{Kind: ServerError, StatusCode: 503}, Transient},
		{"conflict", &ConflictError{DocumentID: "d1", Reason: "revision moved"}, Transient},
		{"deadline", context.DeadlineExceeded, Transient},
		{"session expired", &AuthError{SessionExpired: true}, Permanent},
		{"validation", &ValidationError{Field: "title", Message: "is required"}, Permanent},
		{"disk full", &StorageError{Kind: DiskFull, Op: "put"}, Permanent},
		{"corrupted", &StorageError{Kind: Corrupted, Op: "get"}, Fatal},
		{"wrapped corrupted", fmt.Errorf("failed to apply: %w", &StorageError{Kind: Corrupted}), Fatal},
		{"unknown", errors.New("boom"), Transient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestPredicates(t *testing.T) {
	notFound := fmt.Errorf("lookup: %w", &StorageError{Kind: NotFound, Op: "get", ID: "x"})
	assert.True(t, IsNotFound(notFound))
	assert.False(t, IsCorrupted(notFound))

	assert.True(t, IsUnreachable(&NetworkError{Kind: Unreachable}))
	assert.False(t, IsUnreachable(&NetworkError{Kind: Timeout}))
}

func TestErrorMessages(t *testing.T) {
	err := &StorageError{Kind: PermissionDenied, Op: "put", ID: "doc-1", Err: errors.New("readonly")}
	assert.Equal(t, "store put: permission denied (document doc-1): readonly", err.Error())

	netErr := &NetworkError{Kind: ServerError, StatusCode: 502}
	assert.Equal(t, "network server error (status 502)", netErr.Error())

	assert.Equal(t, "session expired", (&AuthError{SessionExpired: true}).Error())
}
