package repository

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/census-portal-api/internal/models"
	appErrors "github.com/noah-isme/census-portal-api/pkg/errors"
)

func newRedisCache(t *testing.T) (*CacheRepository, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCacheRepository(client, "census:", nil), mr
}

func TestCacheRoundTripAndExpiry(t *testing.T) {
	repo, mr := newRedisCache(t)
	ctx := context.Background()

	stats := models.SubmissionStats{CensusYear: "2025", Total: 3, ByStatus: map[models.SubmissionStatus]int{models.SubmissionApproved: 3}}
	require.NoError(t, repo.Set(ctx, "stats:2025", stats, time.Minute))
	assert.True(t, mr.Exists("census:stats:2025"))

	var got models.SubmissionStats
	require.NoError(t, repo.Get(ctx, "stats:2025", &got))
	assert.Equal(t, 3, got.ByStatus[models.SubmissionApproved])

	mr.FastForward(2 * time.Minute)
	err := repo.Get(ctx, "stats:2025", &got)
	assert.ErrorIs(t, err, appErrors.ErrCacheMiss)
}

func TestCacheDeleteByPattern(t *testing.T) {
	repo, mr := newRedisCache(t)
	ctx := context.Background()

	require.NoError(t, repo.Set(ctx, "stats:2024", 1, time.Minute))
	require.NoError(t, repo.Set(ctx, "stats:all", 2, time.Minute))
	require.NoError(t, mr.Set("other:key", "keep"))

	require.NoError(t, repo.DeleteByPattern(ctx, "stats:*"))
	assert.False(t, mr.Exists("census:stats:2024"))
	assert.False(t, mr.Exists("census:stats:all"))
	assert.True(t, mr.Exists("other:key"))
}

func TestCacheIncr(t *testing.T) {
	repo, mr := newRedisCache(t)
	ctx := context.Background()

	first, err := repo.Incr(ctx, "stats:generation")
	require.NoError(t, err)
	second, err := repo.Incr(ctx, "stats:generation")
	require.NoError(t, err)
	assert.Equal(t, int64(1), first)
	assert.Equal(t, int64(2), second)

	var stored int64
	require.NoError(t, repo.Get(ctx, "stats:generation", &stored))
	assert.Equal(t, int64(2), stored)
	assert.True(t, mr.Exists("census:stats:generation"))
}

func TestCacheWithoutClientMisses(t *testing.T) {
	repo := NewCacheRepository(nil, "", nil)
	var dest int
	assert.ErrorIs(t, repo.Get(context.Background(), "k", &dest), appErrors.ErrCacheMiss)
	assert.NoError(t, repo.Set(context.Background(), "k", 1, time.Minute))
	assert.NoError(t, repo.DeleteByPattern(context.Background(), "*"))
}
