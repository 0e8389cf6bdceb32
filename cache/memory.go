package cache

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Memory is an in-process LRU cache.
type Memory struct {
	lru *lru.Cache[string, Entry]
}

// NewMemory builds an LRU cache holding up to size entries.
func NewMemory(size int) (*Memory, error) {
	if size <= 0 {
		size = 1024
	}
	c, err := lru.New[string, Entry](size)
	if err != nil {
		return nil, fmt.Errorf("building lru cache: %w", err)
	}
	return &Memory{lru: c}, nil
}

func (m *Memory) Get(ctx context.Context, workflowID string) (Entry, bool, error) {
	entry, ok := m.lru.Get(workflowID)
	return entry, ok, nil
}

func (m *Memory) Set(ctx context.Context, workflowID string, entry Entry) error {
	m.lru.Add(workflowID, entry)
	return nil
}

func (m *Memory) Delete(ctx context.Context, workflowID string) error {
	m.lru.Remove(workflowID)
	return nil
}
