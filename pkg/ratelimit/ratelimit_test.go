package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAllow(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	l := New(3, time.Minute)
	l.now = func() time.Time { return now }

	require.True(t, l.Allow())
	require.True(t, l.Allow())
	require.True(t, l.Allow())
	require.False(t, l.Allow())

	// After the window passed, the slots free up again.
	now = now.Add(61 * time.Second)
	require.True(t, l.Allow())
}

func TestAllowSliding(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	l := New(2, time.Minute)
	l.now = func() time.Time { return now }

	require.True(t, l.Allow())
	now = now.Add(30 * time.Second)
	require.True(t, l.Allow())
	require.False(t, l.Allow())

	// Only the first stamp left the window.
	now = now.Add(31 * time.Second)
	require.True(t, l.Allow())
	require.False(t, l.Allow())
}

func TestWaitCanceled(t *testing.T) {
	l := New(1, time.Hour)
	require.True(t, l.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWaitImmediate(t *testing.T) {
	l := New(1, time.Minute)
	require.NoError(t, l.Wait(context.Background()))
}
