package storage

import (
	"context"
	"errors"
	"sync"
)

type memDoc struct {
	body    []byte
	version int64
}

// Memory is an in-process Store. It backs tests and the "memory" backend.
type Memory struct {
	mu   sync.Mutex
	docs map[string]memDoc
	seq  int64
	hub  *hub
}

func NewMemory() *Memory {
	return &Memory{
		docs: make(map[string]memDoc),
		hub:  newHub(),
	}
}

func (m *Memory) Get(_ context.Context, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[path]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(d.body), nil
}

func (m *Memory) Set(_ context.Context, path string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(path, body)
	return nil
}

func (m *Memory) Update(_ context.Context, path string, fn UpdateFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var cur []byte
	if d, ok := m.docs[path]; ok {
		cur = clone(d.body)
	}
	next, err := fn(cur)
	if errors.Is(err, ErrNoChange) {
		return nil
	}
	if err != nil {
		return err
	}
	if next == nil {
		m.remove(path)
		return nil
	}
	m.put(path, next)
	return nil
}

func (m *Memory) Delete(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remove(path)
	return nil
}

func (m *Memory) Watch(ctx context.Context, path string) (<-chan Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	initial := Change{Path: path}
	if d, ok := m.docs[path]; ok {
		initial.Body = clone(d.body)
		initial.Version = d.version
	}
	return m.hub.watchUntilDone(ctx, path, initial), nil
}

func (m *Memory) Close() error {
	m.hub.close()
	return nil
}

// put and remove must be called with m.mu held.
func (m *Memory) put(path string, body []byte) {
	m.seq++
	m.docs[path] = memDoc{body: clone(body), version: m.seq}
	m.hub.publish(Change{Path: path, Body: clone(body), Version: m.seq})
}

func (m *Memory) remove(path string) {
	if _, ok := m.docs[path]; !ok {
		return
	}
	delete(m.docs, path)
	m.seq++
	m.hub.publish(Change{Path: path, Version: m.seq})
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
