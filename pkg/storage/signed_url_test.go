package storage

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSignedURLSignerGenerateAndParse(t *testing.T) {
	signer := NewSignedURLSigner("secret", time.Hour)
	token, expiresAt, err := signer.Generate("sub-1", "summaries/sub-1.pdf")
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.False(t, expiresAt.IsZero())

	id, key, err := signer.Parse(token)
	require.NoError(t, err)
	require.Equal(t, "sub-1", id)
	require.Equal(t, "summaries/sub-1.pdf", key)
}

func TestSignedURLSignerExpired(t *testing.T) {
	signer := NewSignedURLSigner("secret", time.Minute)
	token, _, err := signer.Generate("sub-1", "summaries/sub-1.pdf")
	require.NoError(t, err)

	signer.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, _, err = signer.Parse(token)
	require.ErrorContains(t, err, "expired")
}

func TestSignedURLSignerRejectsTampering(t *testing.T) {
	signer := NewSignedURLSigner("secret", time.Hour)
	token, _, err := signer.Generate("sub-1", "summaries/sub-1.pdf")
	require.NoError(t, err)

	_, _, err = signer.Parse(strings.Replace(token, "sub-1", "sub-2", 1))
	require.ErrorContains(t, err, "signature")

	_, _, err = NewSignedURLSigner("other", time.Hour).Parse(token)
	require.Error(t, err)

	_, _, err = signer.Parse("garbage")
	require.Error(t, err)
}
