package objstore

import (
	"context"
	"sync"
)

// Counting wraps a Backend and counts operations per namespace/path.
// Used to observe write amplification.
type Counting struct {
	Backend

	mu     sync.Mutex
	puts   map[string]int
	gets   map[string]int
	failOn map[string]error
}

// NewCounting wraps b.
func NewCounting(b Backend) *Counting {
	return &Counting{
		Backend: b,
		puts:    make(map[string]int),
		gets:    make(map[string]int),
		failOn:  make(map[string]error),
	}
}

// FailPuts makes every Put to path return err until cleared with a nil err.
func (c *Counting) FailPuts(namespace, path string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.failOn, memoryKey(namespace, path))
		return
	}
	c.failOn[memoryKey(namespace, path)] = err
}

// Get counts and delegates.
func (c *Counting) Get(ctx context.Context, namespace, path string) ([]byte, error) {
	c.mu.Lock()
	c.gets[memoryKey(namespace, path)]++
	c.mu.Unlock()
	return c.Backend.Get(ctx, namespace, path)
}

// Put counts and delegates.
func (c *Counting) Put(ctx context.Context, namespace, path string, data []byte) error {
	key := memoryKey(namespace, path)
	c.mu.Lock()
	failErr := c.failOn[key]
	if failErr == nil {
		c.puts[key]++
	}
	c.mu.Unlock()
	if failErr != nil {
		return failErr
	}
	return c.Backend.Put(ctx, namespace, path, data)
}

// Puts returns how many successful-attempt writes path received.
func (c *Counting) Puts(namespace, path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.puts[memoryKey(namespace, path)]
}

// Gets returns how many reads path received.
func (c *Counting) Gets(namespace, path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gets[memoryKey(namespace, path)]
}
