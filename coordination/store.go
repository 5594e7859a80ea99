// Package coordination implements the coordination database: a document
// store with optimistic multi-document transactions and per-document change
// subscriptions.
//
// Documents are JSON values addressed by slash-separated paths such as
// "ceremonies/{id}/participants/{uid}". Every committed write bumps the
// document's version. A transaction records the version of every document it
// reads and its commit fails when any of them changed in the meantime; the
// store then retries the transaction function with fresh reads.
package coordination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
)

// DefaultMaxTxAttempts bounds how many times a conflicting transaction is retried.
const DefaultMaxTxAttempts = 5

var (
	// ErrTxConflict is returned when a transaction kept conflicting with
	// concurrent writers after every attempt.
	ErrTxConflict = errors.New("transaction conflict")

	// ErrInvalidPath is returned for empty or malformed document paths.
	ErrInvalidPath = errors.New("invalid document path")
)

// Document is a raw stored document.
type Document struct {
	Path    string
	Version int64
	Data    []byte
}

// ID returns the last element of the document path.
func (d Document) ID() string {
	return path.Base(d.Path)
}

// Decode unmarshals the document into dst.
func (d Document) Decode(dst any) error {
	return json.Unmarshal(d.Data, dst)
}

// Event notifies a subscriber of a committed version of a document.
// Deleted is set and Data is nil when the version removed the document.
type Event struct {
	Path    string `json:"path"`
	Version int64  `json:"version"`
	Data    []byte `json:"data,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
}

// Tx is the view of the database inside a transaction. Reads see the
// transaction's own buffered writes.
type Tx interface {
	// Get decodes the document at path into dst and reports whether it exists.
	// The document joins the transaction's read set.
	Get(path string, dst any) (bool, error)

	// List returns the direct children of collection ordered by path. Listed
	// documents join the read set; documents inserted concurrently do not
	// cause a conflict.
	List(collection string) ([]Document, error)

	// Set buffers a write of v at path.
	Set(path string, v any) error

	// Delete buffers removal of the document at path.
	Delete(path string)
}

// Store is the coordination database.
type Store interface {
	// RunTransaction runs fn and commits its buffered writes atomically.
	// fn may run several times; it must not have side effects outside tx.
	// An error returned by fn aborts the transaction and is returned as is.
	RunTransaction(ctx context.Context, fn func(tx Tx) error) error

	Get(ctx context.Context, path string, dst any) (bool, error)

	List(ctx context.Context, collection string) ([]Document, error)

	// Subscribe delivers every committed version of the document at path,
	// starting with the current one if it exists. The channel is closed
	// when ctx is cancelled.
	Subscribe(ctx context.Context, path string) (<-chan Event, error)

	Close() error
}

// DecodeAll decodes a listing into a slice of T.
func DecodeAll[T any](docs []Document) ([]T, error) {
	out := make([]T, 0, len(docs))
	for _, d := range docs {
		var v T
		if err := d.Decode(&v); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", d.Path, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func validatePath(p string) error {
	if p == "" || strings.HasPrefix(p, "/") || strings.HasSuffix(p, "/") || strings.Contains(p, "//") {
		return fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return nil
}

func parentOf(p string) string {
	dir := path.Dir(p)
	if dir == "." {
		return ""
	}
	return dir
}

// pendingWrite is a buffered Set (data != nil) or Delete (data == nil).
type pendingWrite struct {
	path string
	data []byte
}

// writeBuffer keeps the writes of one transaction attempt in call order.
type writeBuffer struct {
	order  []string
	writes map[string]pendingWrite
}

func newWriteBuffer() *writeBuffer {
	return &writeBuffer{writes: make(map[string]pendingWrite)}
}

func (b *writeBuffer) set(p string, v any) error {
	if err := validatePath(p); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", p, err)
	}
	b.put(pendingWrite{path: p, data: data})
	return nil
}

func (b *writeBuffer) delete(p string) {
	b.put(pendingWrite{path: p})
}

func (b *writeBuffer) put(w pendingWrite) {
	if _, ok := b.writes[w.path]; !ok {
		b.order = append(b.order, w.path)
	}
	b.writes[w.path] = w
}

// lookup returns the buffered state of p, if any write touched it.
func (b *writeBuffer) lookup(p string) (pendingWrite, bool) {
	w, ok := b.writes[p]
	return w, ok
}

func (b *writeBuffer) ordered() []pendingWrite {
	out := make([]pendingWrite, 0, len(b.order))
	for _, p := range b.order {
		out = append(out, b.writes[p])
	}
	return out
}

// overlayChildren merges buffered writes under collection into a listing.
func (b *writeBuffer) overlayChildren(collection string, docs []Document) []Document {
	byPath := make(map[string]Document, len(docs))
	for _, d := range docs {
		byPath[d.Path] = d
	}
	for _, w := range b.writes {
		if parentOf(w.path) != collection {
			continue
		}
		if w.data == nil {
			delete(byPath, w.path)
			continue
		}
		byPath[w.path] = Document{Path: w.path, Version: byPath[w.path].Version, Data: w.data}
	}
	out := make([]Document, 0, len(byPath))
	for _, d := range byPath {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func decodeInto(data []byte, dst any) error {
	if dst == nil {
		return nil
	}
	return json.Unmarshal(data, dst)
}
