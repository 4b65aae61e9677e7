package iam

import (
	"sync"
	"time"
)

// decisionCache holds granted authorization results keyed by
// subject/resource/action. Denials are never cached, and neither are grants
// that matched a conditional permission: the key ignores request context, so
// a cached conditional grant could leak across contexts.
//
// Invalidation runs under the same mutex as reads, so a mutation's
// invalidation is complete before the mutating call returns and no later
// lookup can observe the stale entry.
type decisionCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cachedDecision
}

type cachedDecision struct {
	result    AuthorizationResult
	expiresAt time.Time
}

func newDecisionCache(ttl time.Duration) *decisionCache {
	return &decisionCache{
		ttl:     ttl,
		entries: make(map[string]cachedDecision),
	}
}

// cacheKey builds the lookup key. The NUL separator cannot occur in ids, so
// distinct triples never collide.
func cacheKey(subjectID, resource, action string) string {
	return subjectID + "\x00" + resource + "\x00" + action
}

// subjectPrefix is the leading segment shared by all of a subject's keys.
func subjectPrefix(subjectID string) string {
	return subjectID + "\x00"
}

// get returns a cached grant, dropping it if the TTL has lapsed.
func (c *decisionCache) get(key string, now time.Time) (AuthorizationResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return AuthorizationResult{}, false
	}
	if now.After(entry.expiresAt) {
		delete(c.entries, key)
		return AuthorizationResult{}, false
	}
	return entry.result, true
}

// put stores a granted result with the configured TTL.
func (c *decisionCache) put(key string, result AuthorizationResult, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cachedDecision{result: result, expiresAt: now.Add(c.ttl)}
}

// invalidateSubject drops every entry belonging to one subject.
func (c *decisionCache) invalidateSubject(subjectID string) {
	prefix := subjectPrefix(subjectID)
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(c.entries, key)
		}
	}
}

// purge drops the whole cache. Catalog-level mutations (role or permission
// create/delete, membership changes) can affect any subject, so they clear
// everything rather than track reverse indexes.
func (c *decisionCache) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cachedDecision)
}

// size reports the live entry count; used by statistics.
func (c *decisionCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
