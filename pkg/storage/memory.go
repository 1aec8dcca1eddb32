package storage

import (
	"slices"
	"sync"
)

// MemoryBackend implements Backend using in-memory maps (not persistent).
// Update holds the write lock for the whole transaction and undoes its
// writes if fn fails, so commits are atomic like bbolt's.
type MemoryBackend struct {
	buckets map[string]map[string][]byte
	mu      sync.RWMutex
}

// NewMemoryBackend creates a new in-memory storage backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		buckets: make(map[string]map[string][]byte),
	}
}

// Update executes fn in a read-write transaction
func (m *MemoryBackend) Update(fn func(tx Transaction) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryTransaction{backend: m, writable: true}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}

	return nil
}

// View executes fn in a read-only transaction
func (m *MemoryBackend) View(fn func(tx Transaction) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return fn(&memoryTransaction{backend: m})
}

// Close is a no-op for memory backend
func (m *MemoryBackend) Close() error {
	return nil
}

type memoryTransaction struct {
	backend  *MemoryBackend
	writable bool
	undo     []func()
}

func (t *memoryTransaction) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
}

func (t *memoryTransaction) CreateBucket(name []byte) error {
	if !t.writable {
		return ErrReadOnly
	}

	key := string(name)
	if _, exists := t.backend.buckets[key]; exists {
		return nil
	}

	t.backend.buckets[key] = make(map[string][]byte)
	t.undo = append(t.undo, func() { delete(t.backend.buckets, key) })

	return nil
}

func (t *memoryTransaction) DeleteBucket(name []byte) error {
	if !t.writable {
		return ErrReadOnly
	}

	key := string(name)
	old, exists := t.backend.buckets[key]
	if !exists {
		return nil
	}

	delete(t.backend.buckets, key)
	t.undo = append(t.undo, func() { t.backend.buckets[key] = old })

	return nil
}

func (t *memoryTransaction) Bucket(name []byte) Bucket {
	data, exists := t.backend.buckets[string(name)]
	if !exists {
		return nil
	}

	return &memoryBucket{tx: t, data: data}
}

// memoryBucket provides bucket operations for memory backend
type memoryBucket struct {
	tx   *memoryTransaction
	data map[string][]byte
}

func (b *memoryBucket) Put(key, value []byte) error {
	if !b.tx.writable {
		return ErrReadOnly
	}

	k := string(key)
	old, existed := b.data[k]

	// Copy value to prevent external modifications
	b.data[k] = slices.Clone(value)
	b.tx.undo = append(b.tx.undo, func() {
		if existed {
			b.data[k] = old
		} else {
			delete(b.data, k)
		}
	})

	return nil
}

func (b *memoryBucket) Get(key []byte) []byte {
	return b.data[string(key)]
}

func (b *memoryBucket) Delete(key []byte) error {
	if !b.tx.writable {
		return ErrReadOnly
	}

	k := string(key)
	old, existed := b.data[k]
	if !existed {
		return nil
	}

	delete(b.data, k)
	b.tx.undo = append(b.tx.undo, func() { b.data[k] = old })

	return nil
}

func (b *memoryBucket) ForEach(fn func(k, v []byte) error) error {
	keys := make([]string, 0, len(b.data))
	for k := range b.data {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, k := range keys {
		if err := fn([]byte(k), b.data[k]); err != nil {
			return err
		}
	}

	return nil
}
