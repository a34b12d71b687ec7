// Package cache provides the recency ordering used by the tile cache.
//
// List keeps keys in least-recently-used order with O(1) push, touch and
// removal. It holds no values and does no locking; the owner keeps the
// key-to-node index and decides what eviction means.
package cache
