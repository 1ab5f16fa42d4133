package chatsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolver(t *testing.T) {
	b := newFakeBackend(t)
	want := b.addPeer("friend@example.com", 7, 2)
	metrics := NewMetrics(prometheus.NewRegistry())
	r := newResolver(b.client(t, WithMetrics(metrics)))
	ctx := context.Background()

	t.Run("memoizes by pair", func(t *testing.T) {
		got, err := r.Resolve(ctx, "me@example.com", "friend@example.com")
		require.NoError(t, err)
		assert.Equal(t, want, got)

		again, err := r.Resolve(ctx, "me@example.com", "friend@example.com")
		require.NoError(t, err)
		assert.Equal(t, want, again)

		_, _, resolves := b.counters()
		assert.Equal(t, 1, resolves)
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.resolverHits))
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.resolverMisses))

		cached, ok := r.Cached("me@example.com", "friend@example.com")
		assert.True(t, ok)
		assert.Equal(t, want, cached)
		_, ok = r.Cached("friend@example.com", "me@example.com")
		assert.False(t, ok, "key is the ordered pair")
	})

	t.Run("missing peer is a distinct error and not cached", func(t *testing.T) {
		_, _, before := b.counters()
		_, err := r.Resolve(ctx, "me@example.com", "ghost@example.com")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrPeerUnavailable)

		var resolveErr *ResolveError
		require.True(t, errors.As(err, &resolveErr))
		assert.Equal(t, "ghost@example.com", resolveErr.Peer)

		_, err = r.Resolve(ctx, "me@example.com", "ghost@example.com")
		assert.ErrorIs(t, err, ErrPeerUnavailable)
		_, _, after := b.counters()
		assert.Equal(t, before+2, after)
	})
}

func TestResolver_ConcurrentCallsShareOneRequest(t *testing.T) {
	b := newFakeBackend(t)
	want := b.addPeer("friend@example.com", 7, 2)
	b.resolveDelay = 100 * time.Millisecond
	r := newResolver(b.client(t))

	var wg sync.WaitGroup
	results := make([]ConversationIdentity, 8)
	errs := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = r.Resolve(context.Background(), "me@example.com", "friend@example.com")
		}(i)
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, want, results[i])
	}
	_, _, resolves := b.counters()
	assert.Equal(t, 1, resolves)
}

func TestResolver_CancelledCallerDoesNotAffectOthers(t *testing.T) {
	b := newFakeBackend(t)
	want := b.addPeer("friend@example.com", 7, 2)
	b.resolveDelay = 150 * time.Millisecond
	r := newResolver(b.client(t))

	cancelled, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := r.Resolve(cancelled, "me@example.com", "friend@example.com")
		first <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-first, context.Canceled)

	got, err := r.Resolve(context.Background(), "me@example.com", "friend@example.com")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
