package cache

import (
	"context"
	"sync"
)

// Store is the durable tier. Entries live until explicitly deleted or
// overwritten: Read never mutates or removes a record no matter how old it
// is — staleness is the manager's policy decision, not a storage concern.
type Store interface {
	Read(ctx context.Context, ns, key string) (Entry, bool, error)
	Write(ctx context.Context, ns, key string, entry Entry) error
	// Delete is the administrative purge path and the only way an entry
	// leaves the durable tier.
	Delete(ctx context.Context, ns, key string) error
	Len(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}

type memoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryStore keeps the durable tier in process memory. It backs tests
// and single-node deployments that run without valkey; there is deliberately
// no sweeper — nothing ages out.
func NewMemoryStore() Store {
	return &memoryStore{entries: make(map[string]Entry)}
}

func storeKey(ns, key string) string { return ns + "\x00" + key }

func (s *memoryStore) Read(_ context.Context, ns, key string) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[storeKey(ns, key)]
	if !ok {
		return Entry{}, false, nil
	}
	return cloneEntry(entry), true, nil
}

func (s *memoryStore) Write(_ context.Context, ns, key string, entry Entry) error {
	entry.Namespace = ns
	entry.Key = key
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[storeKey(ns, key)] = cloneEntry(entry)
	return nil
}

func (s *memoryStore) Delete(_ context.Context, ns, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, storeKey(ns, key))
	return nil
}

func (s *memoryStore) Len(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.entries)), nil
}

func (s *memoryStore) Close(context.Context) error { return nil }

func cloneEntry(in Entry) Entry {
	out := in
	if len(in.Payload) > 0 {
		out.Payload = append(out.Payload[:0:0], in.Payload...)
	}
	return out
}
