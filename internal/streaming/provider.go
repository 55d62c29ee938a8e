package streaming

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// buildTimeout bounds a shared build once it is detached from the caller that started it.
const buildTimeout = 30 * time.Second

type manifestBuilder interface {
	Build(ctx context.Context, manifestID string, expiry time.Duration) (*Result, error)
}

// Provider hands out streaming manifests that are guaranteed not to expire within skew.
// Complete manifests are kept in memory until then; degraded ones are rebuilt on every call.
type Provider struct {
	builder manifestBuilder
	expiry  time.Duration
	skew    time.Duration
	now     func() time.Time

	mu     sync.Mutex
	cache  map[string]*Result
	flight singleflight.Group
}

func NewProvider(builder manifestBuilder, expiry, skew time.Duration) *Provider {
	return &Provider{
		builder: builder,
		expiry:  expiry,
		skew:    skew,
		now:     time.Now,
		cache:   make(map[string]*Result),
	}
}

// Fresh returns a manifest for manifestID. Concurrent callers share one build, which keeps running
// when the caller that started it goes away; ctx only bounds how long this caller waits.
func (p *Provider) Fresh(ctx context.Context, manifestID string) (*Result, error) {
	if res := p.cached(manifestID); res != nil {
		return res, nil
	}
	ch := p.flight.DoChan(manifestID, func() (any, error) {
		if res := p.cached(manifestID); res != nil {
			return res, nil
		}
		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), buildTimeout)
		defer cancel()
		res, err := p.builder.Build(bctx, manifestID, p.expiry)
		if err != nil {
			return nil, err
		}
		if res.Warning() == nil {
			p.mu.Lock()
			p.cache[manifestID] = res
			p.mu.Unlock()
		}
		return res, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*Result), nil
	}
}

// Invalidate drops a cached manifest, e.g. after a player reported an expired URL.
func (p *Provider) Invalidate(manifestID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.cache, manifestID)
}

func (p *Provider) cached(manifestID string) *Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	res, ok := p.cache[manifestID]
	if !ok {
		return nil
	}
	if res.Expired(p.now().Add(p.skew)) {
		delete(p.cache, manifestID)
		return nil
	}
	return res
}
