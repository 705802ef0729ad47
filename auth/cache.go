package auth

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CachedAuthorizer memoizes authorization decisions so hot channels do not
// hammer the upstream authorization service on every subscribe. Denials are
// cached as well: a revoked grant takes effect after at most one TTL.
type CachedAuthorizer struct {
	next  Authorizer
	cache *expirable.LRU[string, bool]
}

// NewCachedAuthorizer wraps next with an expiring decision cache of the
// given size and TTL.
func NewCachedAuthorizer(next Authorizer, size int, ttl time.Duration) *CachedAuthorizer {
	if size <= 0 {
		size = 4096
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachedAuthorizer{
		next:  next,
		cache: expirable.NewLRU[string, bool](size, nil, ttl),
	}
}

// Allow implements Authorizer.
func (a *CachedAuthorizer) Allow(ctx context.Context, id Identity, channel string) error {
	key := id.UserID + "\x00" + channel
	if allowed, ok := a.cache.Get(key); ok {
		if allowed {
			return nil
		}
		return ErrForbidden
	}

	err := a.next.Allow(ctx, id, channel)
	// Only definitive decisions are cached; transient upstream failures
	// must be retried on the next attempt.
	switch {
	case err == nil:
		a.cache.Add(key, true)
	case isDenial(err):
		a.cache.Add(key, false)
	}
	return err
}

func isDenial(err error) bool {
	return errors.Is(err, ErrForbidden)
}
