package twitter

import (
	"context"
	"sync"
)

// CursorStore persists the newest processed mention id between polls.
type CursorStore interface {
	LoadCursor(ctx context.Context, name string) (string, error)
	SaveCursor(ctx context.Context, name, id string) error
}

// MemoryCursors keeps cursors for the life of the process.
type MemoryCursors struct {
	mu sync.Mutex
	m  map[string]string
}

func NewMemoryCursors() *MemoryCursors {
	return &MemoryCursors{m: make(map[string]string)}
}

func (c *MemoryCursors) LoadCursor(_ context.Context, name string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m[name], nil
}

func (c *MemoryCursors) SaveCursor(_ context.Context, name, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[name] = id
	return nil
}
