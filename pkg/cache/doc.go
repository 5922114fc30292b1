// Package cache provides a read-through cache for workflow definitions.
// Definitions are immutable per (name, version), so TTL expiry plus
// invalidation on activate/update keeps the cache safe; the store remains
// the only authority.
package cache
