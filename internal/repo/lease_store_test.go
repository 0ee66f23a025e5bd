package repo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tpn/internal/testutils"
)

func TestLeaseStore_UpsertNeverDuplicates(t *testing.T) {
	ctx := context.Background()
	s := NewLeaseStore(testutils.NewDB(t))
	first := time.Now().Add(time.Minute)

	require.NoError(t, s.Upsert(ctx, 3, first))
	require.NoError(t, s.Upsert(ctx, 3, first.Add(time.Hour)))

	ids, err := s.TakenIDs(ctx, 1, 10)
	require.NoError(t, err)
	require.Equal(t, []int{3}, ids)

	got, err := s.Get(ctx, 3)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.WithinDuration(t, first.Add(time.Hour), got.ExpiresAt, time.Second)
}

func TestLeaseStore_ExpiredAndDelete(t *testing.T) {
	ctx := context.Background()
	s := NewLeaseStore(testutils.NewDB(t))
	now := time.Now()

	require.NoError(t, s.Upsert(ctx, 1, now.Add(-time.Minute)))
	require.NoError(t, s.Upsert(ctx, 2, now.Add(time.Minute)))
	require.NoError(t, s.Upsert(ctx, 3, now.Add(-time.Hour)))

	expired, err := s.Expired(ctx, now)
	require.NoError(t, err)
	require.Equal(t, []int{1, 3}, expired)

	soonest, ok, err := s.SoonestExpiry(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.WithinDuration(t, now.Add(-time.Hour), soonest, time.Second)

	require.NoError(t, s.Delete(ctx, expired))
	ids, err := s.TakenIDs(ctx, 1, 3)
	require.NoError(t, err)
	require.Equal(t, []int{2}, ids)
}

func TestLeaseStore_EmptyTable(t *testing.T) {
	ctx := context.Background()
	s := NewLeaseStore(testutils.NewDB(t))

	_, ok, err := s.SoonestExpiry(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	got, err := s.Get(ctx, 1)
	require.NoError(t, err)
	require.Nil(t, got)
	require.NoError(t, s.Delete(ctx, nil))
}
