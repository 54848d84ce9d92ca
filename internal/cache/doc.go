// Package cache provides a sharded LRU cache for values that are
// expensive to build and read-mostly once built, such as compiled
// shader reflection. Sixteen shards keep concurrent lookups from
// recording workers off each other's locks, and per-key creation is
// serialized so a miss compiles exactly once.
package cache
