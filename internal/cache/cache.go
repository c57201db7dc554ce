// Package cache memoizes full-request generation results. With greedy
// sampling and a fresh tree per request, commits are a pure function of the
// input columns, so identical requests can be served from memory.
package cache

import (
	"sync"

	"github.com/23skdu/longbow-volley/internal/gen"
)

// CommitCache defines a generic interface for caching generation results.
type CommitCache interface {
	// Get retrieves the commits for an input fingerprint.
	Get(key string) ([]gen.StreamCommit, bool)
	// Put stores the commits for an input fingerprint.
	Put(key string, commits []gen.StreamCommit)
	// Size returns the number of cached requests.
	Size() int
}

// MapCache is a simple in-memory implementation of CommitCache.
type MapCache struct {
	data map[string][]gen.StreamCommit
	mu   sync.RWMutex
}

func NewMapCache() *MapCache {
	return &MapCache{
		data: make(map[string][]gen.StreamCommit),
	}
}

func (c *MapCache) Get(key string) ([]gen.StreamCommit, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v, ok := c.data[key]
	if !ok {
		return nil, false
	}
	return copyCommits(v), true
}

func (c *MapCache) Put(key string, commits []gen.StreamCommit) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = copyCommits(commits)
}

func (c *MapCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// copyCommits deep-copies so callers cannot mutate cached token slices.
func copyCommits(src []gen.StreamCommit) []gen.StreamCommit {
	dst := make([]gen.StreamCommit, len(src))
	for i, c := range src {
		tokens := make([]int32, len(c.Tokens))
		copy(tokens, c.Tokens)
		dst[i] = gen.StreamCommit{Stream: c.Stream, Step: c.Step, Tokens: tokens}
	}
	return dst
}

var _ CommitCache = (*MapCache)(nil)
