package errors

import (
	"database/sql"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromErrorKeepsTypedErrors(t *testing.T) {
	wrapped := fmt.Errorf("submit: %w", Clone(ErrPermission, "window closed"))

	got := FromError(wrapped)
	assert.Equal(t, ErrPermission.Code, got.Code)
	assert.Equal(t, http.StatusForbidden, got.Status)
	assert.Equal(t, "window closed", got.Message)
}

func TestFromErrorWrapsUnknown(t *testing.T) {
	got := FromError(sql.ErrConnDone)
	assert.Equal(t, ErrInternal.Code, got.Code)
	assert.ErrorIs(t, got, sql.ErrConnDone)
}

func TestIsComparesCodes(t *testing.T) {
	assert.True(t, Is(Clone(ErrConflict, "already reviewed"), ErrConflict))
	assert.False(t, Is(Clone(ErrConflict, "already reviewed"), ErrPermission))
	assert.False(t, Is(sql.ErrNoRows, ErrNotFound))
	assert.False(t, Is(nil, ErrNotFound))
}

func TestCloneDoesNotMutateOriginal(t *testing.T) {
	clone := Clone(ErrDependency, "ingestion failed")
	assert.Equal(t, "upstream dependency failed", ErrDependency.Message)
	assert.Equal(t, "ingestion failed", clone.Message)
	assert.Equal(t, http.StatusBadGateway, clone.Status)
}
