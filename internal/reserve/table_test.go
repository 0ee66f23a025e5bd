package reserve

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/stretchr/testify/require"
)

func TestReserveIsExclusiveUntilRelease(t *testing.T) {
	tbl := New(fakeclock.NewFakeClock(time.Now()))
	key := Key(KindInterface, "tpn1abcde")

	require.True(t, tbl.Reserve(key, time.Minute))
	require.False(t, tbl.Reserve(key, time.Minute))
	require.True(t, tbl.Held(key))

	tbl.Release(key)
	require.False(t, tbl.Held(key))
	require.True(t, tbl.Reserve(key, time.Minute))
}

func TestReserveExpiresWithoutRelease(t *testing.T) {
	clk := fakeclock.NewFakeClock(time.Now())
	tbl := New(clk)
	key := Key(KindSubnet, "10.200.7")

	require.True(t, tbl.Reserve(key, 120*time.Second))
	clk.Increment(119 * time.Second)
	require.True(t, tbl.Held(key))

	clk.Increment(time.Second)
	require.False(t, tbl.Held(key))
	require.Equal(t, 0, tbl.Len())
	require.True(t, tbl.Reserve(key, time.Second))
}

func TestReserveConcurrentSingleWinner(t *testing.T) {
	tbl := New(nil)
	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tbl.Reserve(Key(KindLock, "allocator"), time.Minute) {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, wins)
}

func TestReleaseUnknownKeys(t *testing.T) {
	tbl := New(nil)
	tbl.Release("missing", Key(KindIP, "10.8.0.2"))
	require.Equal(t, 0, tbl.Len())
}

func TestAcquireWaitsForExpiry(t *testing.T) {
	clk := fakeclock.NewFakeClock(time.Now())
	tbl := New(clk)
	key := Key(KindLock, "allocator")
	require.True(t, tbl.Reserve(key, 10*time.Second))

	done := make(chan error, 1)
	go func() {
		_, err := tbl.Acquire(context.Background(), key, 10*time.Second, time.Second)
		done <- err
	}()

	for i := 0; i < 10; i++ {
		clk.WaitForWatcherAndIncrement(time.Second)
	}
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("acquire did not return after lock ttl elapsed")
	}
	require.True(t, tbl.Held(key))
}

func TestAcquireHonoursContext(t *testing.T) {
	tbl := New(nil)
	key := Key(KindLock, "allocator")
	require.True(t, tbl.Reserve(key, time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := tbl.Acquire(ctx, key, time.Second, 5*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStaleOwnerCannotExtendOrRelease(t *testing.T) {
	clk := fakeclock.NewFakeClock(time.Now())
	tbl := New(clk)
	key := Key(KindLock, "allocator")

	first, ok := tbl.Claim(key, 10*time.Second)
	require.True(t, ok)
	require.True(t, tbl.Extend(key, first, 10*time.Second))

	clk.Increment(11 * time.Second)
	require.False(t, tbl.Extend(key, first, 10*time.Second))

	second, ok := tbl.Claim(key, 10*time.Second)
	require.True(t, ok)
	require.NotEqual(t, first, second)

	require.False(t, tbl.ReleaseIf(key, first))
	require.True(t, tbl.Held(key))
	require.True(t, tbl.ReleaseIf(key, second))
	require.False(t, tbl.Held(key))
}

func TestExtendKeepsKeyPastOriginalTTL(t *testing.T) {
	clk := fakeclock.NewFakeClock(time.Now())
	tbl := New(clk)
	key := Key(KindSubnet, "10.200.7.0/24")

	tok, ok := tbl.Claim(key, 10*time.Second)
	require.True(t, ok)
	clk.Increment(9 * time.Second)
	require.True(t, tbl.Extend(key, tok, 10*time.Second))
	clk.Increment(9 * time.Second)
	require.True(t, tbl.Held(key))
	require.False(t, tbl.Reserve(key, time.Second))
}

func TestKeyFormat(t *testing.T) {
	for _, kind := range []string{KindInterface, KindVeth, KindNamespace, KindSubnet, KindIP} {
		require.Equal(t, fmt.Sprintf("%s:x", kind), Key(kind, " x "))
	}
}
