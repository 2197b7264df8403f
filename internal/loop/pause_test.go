package loop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPauseController_ReleasesAllWaiters(t *testing.T) {
	p := NewPauseController()
	require.NoError(t, p.WaitIfPaused(context.Background()))

	p.Pause()
	p.Pause()
	assert.True(t, p.IsPaused())

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() { errs <- p.WaitIfPaused(context.Background()) }()
	}
	select {
	case err := <-errs:
		t.Fatalf("waiter returned while paused: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	p.Resume()
	assert.False(t, p.IsPaused())
	for i := 0; i < 3; i++ {
		select {
		case err := <-errs:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("waiter not released by Resume")
		}
	}
}

func TestPauseController_StopAndContext(t *testing.T) {
	p := NewPauseController()
	p.Pause()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.WaitIfPaused(ctx), context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() { done <- p.WaitIfPaused(context.Background()) }()
	p.Stop()
	p.Stop()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(time.Second):
		t.Fatal("waiter not released by Stop")
	}

	p.Resume()
	assert.ErrorIs(t, p.WaitIfPaused(context.Background()), ErrStopped)
}
