// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package optimum

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRequestQueueUnlimited(t *testing.T) {
	q := NewRequestQueue(RequestQueueConfig{}, zaptest.NewLogger(t))
	assert.False(t, q.IsEnabled())

	release, err := q.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), q.Stats().CurrentActive)
	release()

	stats := q.Stats()
	assert.Equal(t, int64(0), stats.CurrentActive)
	assert.Equal(t, int64(1), stats.TotalProcessed)
}

func TestRequestQueueAcquireRelease(t *testing.T) {
	q := NewRequestQueue(RequestQueueConfig{
		MaxConcurrentRequests: 1,
		MaxQueueSize:          10,
	}, zaptest.NewLogger(t))
	require.True(t, q.IsEnabled())

	blocker, err := q.Acquire(context.Background())
	require.NoError(t, err)

	acquired := make(chan func(), 1)
	go func() {
		release, err := q.Acquire(context.Background())
		if err == nil {
			acquired <- release
		}
	}()

	// The second caller must wait until the slot frees up.
	select {
	case <-acquired:
		t.Fatal("second acquire succeeded while slot was held")
	case <-time.After(50 * time.Millisecond):
	}

	blocker()
	select {
	case release := <-acquired:
		release()
	case <-time.After(time.Second):
		t.Fatal("queued acquire never completed after release")
	}

	assert.Equal(t, int64(2), q.Stats().TotalProcessed)
}

func TestRequestQueueFull(t *testing.T) {
	q := NewRequestQueue(RequestQueueConfig{
		MaxConcurrentRequests: 1,
		MaxQueueSize:          1,
	}, zaptest.NewLogger(t))

	blocker, err := q.Acquire(context.Background())
	require.NoError(t, err)
	defer blocker()

	// Fill the single queue slot.
	queued := make(chan struct{})
	go func() {
		close(queued)
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		_, _ = q.Acquire(ctx)
	}()
	<-queued
	require.Eventually(t, func() bool {
		return q.Stats().CurrentQueued == 1
	}, time.Second, time.Millisecond)

	_, err = q.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, int64(1), q.Stats().TotalRejected)
}

func TestRequestQueueTimeout(t *testing.T) {
	q := NewRequestQueue(RequestQueueConfig{
		MaxConcurrentRequests: 1,
		MaxQueueSize:          10,
		RequestTimeout:        20 * time.Millisecond,
	}, zaptest.NewLogger(t))

	blocker, err := q.Acquire(context.Background())
	require.NoError(t, err)
	defer blocker()

	_, err = q.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrRequestTimeout)
	assert.Equal(t, int64(1), q.Stats().TotalTimedOut)
	assert.Equal(t, int64(0), q.Stats().CurrentQueued)
}

func TestRequestQueueCancelledWhileQueued(t *testing.T) {
	q := NewRequestQueue(RequestQueueConfig{
		MaxConcurrentRequests: 1,
		MaxQueueSize:          10,
	}, zaptest.NewLogger(t))

	blocker, err := q.Acquire(context.Background())
	require.NoError(t, err)
	defer blocker()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Acquire(ctx)
		errCh <- err
	}()
	require.Eventually(t, func() bool {
		return q.Stats().CurrentQueued == 1
	}, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled acquire never returned")
	}
	assert.Equal(t, int64(0), q.Stats().CurrentQueued)
}

// TestRequestQueueSlotReservation hammers a full queue with concurrent
// acquires and verifies the queued count never exceeds the configured cap.
// The reservation uses a CAS loop, so no window exists where multiple
// goroutines pass the capacity check before any of them increments.
func TestRequestQueueSlotReservation(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping stress test in short mode")
	}

	logger := zaptest.NewLogger(t)
	maxQueueSize := 5
	var maxObserved atomic.Int64

	for iter := 0; iter < 50; iter++ {
		q := NewRequestQueue(RequestQueueConfig{
			MaxConcurrentRequests: 1,
			MaxQueueSize:          maxQueueSize,
			RequestTimeout:        50 * time.Millisecond,
		}, logger)

		blocker, err := q.Acquire(context.Background())
		require.NoError(t, err)

		done := make(chan struct{})
		go func() {
			for {
				select {
				case <-done:
					return
				default:
					depth := q.Stats().CurrentQueued
					for {
						old := maxObserved.Load()
						if depth <= old || maxObserved.CompareAndSwap(old, depth) {
							break
						}
					}
				}
			}
		}()

		var wg sync.WaitGroup
		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
				defer cancel()
				if release, err := q.Acquire(ctx); err == nil {
					release()
				}
			}()
		}

		wg.Wait()
		close(done)
		blocker()
	}

	assert.LessOrEqual(t, maxObserved.Load(), int64(maxQueueSize),
		"queued requests exceeded the configured cap")
	t.Logf("Max queue depth observed: %d (limit: %d)", maxObserved.Load(), maxQueueSize)
}
