package chatsync

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

type resolveKey struct {
	me   string
	peer string
}

// Resolver memoizes (me, peer) to ConversationIdentity for the lifetime of a
// session. Entries never expire; failures are never cached.
type Resolver struct {
	client  *Client
	metrics *Metrics

	mu    sync.Mutex
	cache map[resolveKey]ConversationIdentity
	group singleflight.Group
}

func newResolver(client *Client) *Resolver {
	return &Resolver{
		client:  client,
		metrics: client.metrics,
		cache:   make(map[resolveKey]ConversationIdentity),
	}
}

// Cached returns the identity for (me, peer) if it was resolved before.
func (r *Resolver) Cached(me, peer string) (ConversationIdentity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.cache[resolveKey{me, peer}]
	return id, ok
}

// Resolve returns the conversation between me and peer. Concurrent calls for
// the same pair share one request; cancelling ctx abandons only this caller's
// wait. A relationship that no longer exists yields an error matching
// ErrPeerUnavailable.
func (r *Resolver) Resolve(ctx context.Context, me, peer string) (ConversationIdentity, error) {
	key := resolveKey{me, peer}
	if id, ok := r.Cached(me, peer); ok {
		r.metrics.RecordResolve(true)
		return id, nil
	}
	r.metrics.RecordResolve(false)

	ch := r.group.DoChan(me+"\x00"+peer, func() (interface{}, error) {
		if id, ok := r.Cached(me, peer); ok {
			return id, nil
		}
		id, err := r.client.ResolveDirect(context.WithoutCancel(ctx), peer)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		if existing, ok := r.cache[key]; ok {
			return existing, nil
		}
		r.cache[key] = *id
		return *id, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return ConversationIdentity{}, res.Err
		}
		return res.Val.(ConversationIdentity), nil
	case <-ctx.Done():
		return ConversationIdentity{}, ctx.Err()
	}
}

func (r *Resolver) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[resolveKey]ConversationIdentity)
}
