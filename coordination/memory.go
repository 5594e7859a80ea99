package coordination

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-process Store. It serves tests and single-node
// deployments; its contents are lost on exit.
type MemoryStore struct {
	mu       sync.Mutex
	docs     map[string][]byte
	versions map[string]int64
	subs     map[string]map[*subscriber]struct{}

	maxAttempts int
	log         *slog.Logger
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(log *slog.Logger) *MemoryStore {
	return &MemoryStore{
		docs:        make(map[string][]byte),
		versions:    make(map[string]int64),
		subs:        make(map[string]map[*subscriber]struct{}),
		maxAttempts: DefaultMaxTxAttempts,
		log:         log,
	}
}

// WithMaxAttempts overrides how many times a conflicting transaction is attempted.
func (m *MemoryStore) WithMaxAttempts(n int) *MemoryStore {
	if n > 0 {
		m.maxAttempts = n
	}
	return m
}

type memoryTx struct {
	store  *MemoryStore
	reads  map[string]int64
	buffer *writeBuffer
}

func (tx *memoryTx) Get(p string, dst any) (bool, error) {
	if err := validatePath(p); err != nil {
		return false, err
	}
	if w, ok := tx.buffer.lookup(p); ok {
		if w.data == nil {
			return false, nil
		}
		return true, decodeInto(w.data, dst)
	}

	tx.store.mu.Lock()
	data, found := tx.store.docs[p]
	version := tx.store.versions[p]
	tx.store.mu.Unlock()

	if _, seen := tx.reads[p]; !seen {
		tx.reads[p] = version
	}
	if !found {
		return false, nil
	}
	return true, decodeInto(data, dst)
}

func (tx *memoryTx) List(collection string) ([]Document, error) {
	docs, err := tx.store.list(collection)
	if err != nil {
		return nil, err
	}
	for _, d := range docs {
		if _, seen := tx.reads[d.Path]; !seen {
			tx.reads[d.Path] = d.Version
		}
	}
	return tx.buffer.overlayChildren(collection, docs), nil
}

func (tx *memoryTx) Set(p string, v any) error {
	return tx.buffer.set(p, v)
}

func (tx *memoryTx) Delete(p string) {
	tx.buffer.delete(p)
}

// RunTransaction implements Store.
func (m *MemoryStore) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		tx := &memoryTx{store: m, reads: make(map[string]int64), buffer: newWriteBuffer()}
		if err := fn(tx); err != nil {
			return err
		}
		if m.commit(tx) {
			return nil
		}
		m.log.Debug("transaction conflict, retrying", "attempt", attempt)
	}
	return ErrTxConflict
}

func (m *MemoryStore) commit(tx *memoryTx) bool {
	m.mu.Lock()
	for p, v := range tx.reads {
		if m.versions[p] != v {
			m.mu.Unlock()
			return false
		}
	}

	var events []Event
	for _, w := range tx.buffer.ordered() {
		m.versions[w.path]++
		ev := Event{Path: w.path, Version: m.versions[w.path]}
		if w.data == nil {
			delete(m.docs, w.path)
			ev.Deleted = true
		} else {
			m.docs[w.path] = w.data
			ev.Data = w.data
		}
		events = append(events, ev)
	}

	// Subscribers buffer internally, so publishing under the lock keeps
	// per-document event order without blocking on readers.
	for _, ev := range events {
		for s := range m.subs[ev.Path] {
			s.push(ev)
		}
	}
	m.mu.Unlock()
	return true
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, p string, dst any) (bool, error) {
	if err := validatePath(p); err != nil {
		return false, err
	}
	m.mu.Lock()
	data, found := m.docs[p]
	m.mu.Unlock()
	if !found {
		return false, nil
	}
	return true, decodeInto(data, dst)
}

// List implements Store.
func (m *MemoryStore) List(ctx context.Context, collection string) ([]Document, error) {
	return m.list(collection)
}

func (m *MemoryStore) list(collection string) ([]Document, error) {
	if err := validatePath(collection); err != nil {
		return nil, err
	}
	prefix := collection + "/"

	m.mu.Lock()
	var docs []Document
	for p, data := range m.docs {
		if !strings.HasPrefix(p, prefix) || strings.Contains(p[len(prefix):], "/") {
			continue
		}
		docs = append(docs, Document{Path: p, Version: m.versions[p], Data: data})
	}
	m.mu.Unlock()

	sort.Slice(docs, func(i, j int) bool { return docs[i].Path < docs[j].Path })
	return docs, nil
}

// Subscribe implements Store.
func (m *MemoryStore) Subscribe(ctx context.Context, p string) (<-chan Event, error) {
	if err := validatePath(p); err != nil {
		return nil, err
	}
	s := newSubscriber()

	m.mu.Lock()
	if m.subs[p] == nil {
		m.subs[p] = make(map[*subscriber]struct{})
	}
	m.subs[p][s] = struct{}{}
	if data, ok := m.docs[p]; ok {
		s.push(Event{Path: p, Version: m.versions[p], Data: data})
	}
	m.mu.Unlock()

	go s.run(ctx, func() {
		m.mu.Lock()
		delete(m.subs[p], s)
		if len(m.subs[p]) == 0 {
			delete(m.subs, p)
		}
		m.mu.Unlock()
	})
	return s.out, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	return nil
}
