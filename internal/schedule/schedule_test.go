package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_MalformedExpression(t *testing.T) {
	s := New(zerolog.Nop())
	err := s.Run(context.Background(), "every day at dawn", func() {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid schedule expression")
}

func TestRun_ExitsPromptlyWhenIdle(t *testing.T) {
	s := New(zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	require.NoError(t, s.Run(ctx, "0 3 * * *", func() {}))
	assert.Less(t, time.Since(start), time.Second)
}

func TestRun_SlowJobSkipsOccurrences(t *testing.T) {
	var runs, active, maxActive atomic.Int32

	job := func() {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			prev := maxActive.Load()
			if n <= prev || maxActive.CompareAndSwap(prev, n) {
				break
			}
		}
		runs.Add(1)
		time.Sleep(1600 * time.Millisecond)
	}

	s := New(zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 3600*time.Millisecond)
	defer cancel()

	// Fires at ~1s, ~2s, ~3s. The job started at 1s is still sleeping at
	// 2s, so that occurrence must be skipped, not queued.
	require.NoError(t, s.Run(ctx, "@every 1s", job))

	assert.Equal(t, int32(1), maxActive.Load(), "runs must never overlap")
	got := runs.Load()
	assert.GreaterOrEqual(t, got, int32(1))
	assert.LessOrEqual(t, got, int32(2), "skipped occurrence must not be queued")
}

func TestRun_WaitsForInFlightJobOnShutdown(t *testing.T) {
	finished := make(chan struct{})
	started := make(chan struct{})

	job := func() {
		close(started)
		time.Sleep(500 * time.Millisecond)
		close(finished)
	}

	s := New(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx, "@every 1s", job)
		close(done)
	}()

	<-started
	cancel()

	select {
	case <-done:
		select {
		case <-finished:
		default:
			t.Fatal("scheduler returned before the in-flight job finished")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not shut down")
	}
}
