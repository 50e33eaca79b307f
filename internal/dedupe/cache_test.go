// ABOUTME: Tests for the idempotency outcome cache
// ABOUTME: Validates reservation states, TTL expiry, size-bounded eviction and concurrency

package dedupe

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_ReserveLifecycle(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	state, resp := cache.Reserve("k1")
	assert.Equal(t, StateNew, state)
	assert.Nil(t, resp)

	state, _ = cache.Reserve("k1")
	assert.Equal(t, StateInFlight, state)

	want := &Response{Status: http.StatusCreated, Body: []byte(`{"order_id":"1"}`)}
	cache.Complete("k1", want)

	state, resp = cache.Reserve("k1")
	assert.Equal(t, StateDone, state)
	assert.Same(t, want, resp)
}

func TestCache_Release(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	cache.Reserve("k1")
	cache.Release("k1")
	assert.Zero(t, cache.Len())

	state, _ := cache.Reserve("k1")
	assert.Equal(t, StateNew, state)

	// completed entries survive Release
	cache.Complete("k1", &Response{Status: http.StatusOK})
	cache.Release("k1")
	state, _ = cache.Reserve("k1")
	assert.Equal(t, StateDone, state)
}

func TestCache_Expiry(t *testing.T) {
	cache := New(time.Minute, 100)
	defer cache.Close()

	now := time.Now()
	cache.now = func() time.Time { return now }

	cache.Reserve("k1")
	cache.Complete("k1", &Response{Status: http.StatusOK})

	now = now.Add(59 * time.Second)
	state, _ := cache.Reserve("k1")
	assert.Equal(t, StateDone, state)

	now = now.Add(2 * time.Second)
	state, _ = cache.Reserve("k1")
	assert.Equal(t, StateNew, state, "expired entry is reserved afresh")
}

func TestCache_RunCleanup(t *testing.T) {
	cache := New(time.Minute, 100)
	defer cache.Close()

	now := time.Now()
	cache.now = func() time.Time { return now }
	cache.Reserve("old")
	now = now.Add(30 * time.Second)
	cache.Reserve("young")

	now = now.Add(45 * time.Second)
	cache.runCleanup()

	assert.Equal(t, 1, cache.Len())
	state, _ := cache.Reserve("young")
	assert.Equal(t, StateInFlight, state)
}

func TestCache_EvictsOldestAtCapacity(t *testing.T) {
	cache := New(time.Hour, 3)
	defer cache.Close()

	for i := range 4 {
		cache.Reserve(fmt.Sprintf("k%d", i))
	}
	assert.Equal(t, 3, cache.Len())

	state, _ := cache.Reserve("k0")
	assert.Equal(t, StateNew, state, "k0 was evicted")
}

func TestCache_ConcurrentReserveSingleWinner(t *testing.T) {
	cache := New(time.Hour, 100)
	defer cache.Close()

	var winners atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if state, _ := cache.Reserve("same"); state == StateNew {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), winners.Load())
}

func TestCache_CloseTwice(t *testing.T) {
	cache := New(time.Minute, 10)
	cache.Close()
	assert.NotPanics(t, cache.Close)
}
