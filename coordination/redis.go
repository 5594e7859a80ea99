package coordination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const (
	fieldData    = "data"
	fieldVersion = "version"
)

// RedisStore is a Store backed by Redis. Every document is a hash holding its
// JSON data and version; transactions WATCH every key they read and commit
// with MULTI/EXEC. Change events are published on a channel per document in
// the same MULTI block as the write.
type RedisStore struct {
	client      *redis.Client
	prefix      string
	maxAttempts int
	log         *slog.Logger
}

// NewRedisStore wraps an existing client. prefix namespaces every key.
func NewRedisStore(client *redis.Client, prefix string, log *slog.Logger) *RedisStore {
	return &RedisStore{
		client:      client,
		prefix:      prefix,
		maxAttempts: DefaultMaxTxAttempts,
		log:         log,
	}
}

// WithMaxAttempts changes how many times a conflicting transaction is tried.
func (r *RedisStore) WithMaxAttempts(n int) *RedisStore {
	if n > 0 {
		r.maxAttempts = n
	}
	return r
}

func (r *RedisStore) docKey(p string) string      { return r.prefix + "doc:" + p }
func (r *RedisStore) childrenKey(p string) string { return r.prefix + "children:" + p }
func (r *RedisStore) channel(p string) string     { return r.prefix + "events:" + p }

type redisDoc struct {
	found   bool
	version int64
	data    []byte
}

func readDoc(ctx context.Context, c redis.Cmdable, key string) (redisDoc, error) {
	vals, err := c.HGetAll(ctx, key).Result()
	if err != nil {
		return redisDoc{}, err
	}
	data, ok := vals[fieldData]
	if !ok {
		version, _ := strconv.ParseInt(vals[fieldVersion], 10, 64)
		return redisDoc{version: version}, nil
	}
	version, err := strconv.ParseInt(vals[fieldVersion], 10, 64)
	if err != nil {
		return redisDoc{}, fmt.Errorf("corrupt version of %s: %w", key, err)
	}
	return redisDoc{found: true, version: version, data: []byte(data)}, nil
}

type redisTx struct {
	ctx    context.Context
	store  *RedisStore
	rtx    *redis.Tx
	reads  map[string]redisDoc
	buffer *writeBuffer
}

// read watches and loads a document once per attempt.
func (tx *redisTx) read(p string) (redisDoc, error) {
	if doc, ok := tx.reads[p]; ok {
		return doc, nil
	}
	key := tx.store.docKey(p)
	if err := tx.rtx.Watch(tx.ctx, key).Err(); err != nil {
		return redisDoc{}, err
	}
	doc, err := readDoc(tx.ctx, tx.rtx, key)
	if err != nil {
		return redisDoc{}, err
	}
	tx.reads[p] = doc
	return doc, nil
}

func (tx *redisTx) Get(p string, dst any) (bool, error) {
	if err := validatePath(p); err != nil {
		return false, err
	}
	if w, ok := tx.buffer.lookup(p); ok {
		if w.data == nil {
			return false, nil
		}
		return true, decodeInto(w.data, dst)
	}
	doc, err := tx.read(p)
	if err != nil {
		return false, err
	}
	if !doc.found {
		return false, nil
	}
	return true, decodeInto(doc.data, dst)
}

func (tx *redisTx) List(collection string) ([]Document, error) {
	if err := validatePath(collection); err != nil {
		return nil, err
	}
	names, err := tx.rtx.SMembers(tx.ctx, tx.store.childrenKey(collection)).Result()
	if err != nil {
		return nil, err
	}
	var docs []Document
	for _, name := range names {
		p := collection + "/" + name
		doc, err := tx.read(p)
		if err != nil {
			return nil, err
		}
		if doc.found {
			docs = append(docs, Document{Path: p, Version: doc.version, Data: doc.data})
		}
	}
	return tx.buffer.overlayChildren(collection, docs), nil
}

func (tx *redisTx) Set(p string, v any) error {
	return tx.buffer.set(p, v)
}

func (tx *redisTx) Delete(p string) {
	tx.buffer.delete(p)
}

// RunTransaction implements Store.
func (r *RedisStore) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		err := r.client.Watch(ctx, func(rtx *redis.Tx) error {
			tx := &redisTx{ctx: ctx, store: r, rtx: rtx, reads: make(map[string]redisDoc), buffer: newWriteBuffer()}
			if err := fn(tx); err != nil {
				return err
			}
			return r.commit(ctx, tx)
		})
		if errors.Is(err, redis.TxFailedErr) {
			r.log.Debug("transaction conflict, retrying", "attempt", attempt)
			continue
		}
		return err
	}
	return ErrTxConflict
}

func (r *RedisStore) commit(ctx context.Context, tx *redisTx) error {
	writes := tx.buffer.ordered()
	if len(writes) == 0 {
		return nil
	}

	// Blind writes still need the current version to number the new one.
	for _, w := range writes {
		if _, err := tx.read(w.path); err != nil {
			return err
		}
	}

	_, err := tx.rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, w := range writes {
			key := r.docKey(w.path)
			ev := Event{Path: w.path, Version: tx.reads[w.path].version + 1}
			parent, name := parentOf(w.path), path.Base(w.path)

			if w.data == nil {
				ev.Deleted = true
				pipe.HDel(ctx, key, fieldData)
				pipe.HSet(ctx, key, fieldVersion, ev.Version)
				if parent != "" {
					pipe.SRem(ctx, r.childrenKey(parent), name)
				}
			} else {
				ev.Data = w.data
				pipe.HSet(ctx, key, fieldData, w.data, fieldVersion, ev.Version)
				if parent != "" {
					pipe.SAdd(ctx, r.childrenKey(parent), name)
				}
			}

			payload, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			pipe.Publish(ctx, r.channel(w.path), payload)
		}
		return nil
	})
	return err
}

// Get implements Store.
func (r *RedisStore) Get(ctx context.Context, p string, dst any) (bool, error) {
	if err := validatePath(p); err != nil {
		return false, err
	}
	doc, err := readDoc(ctx, r.client, r.docKey(p))
	if err != nil {
		return false, fmt.Errorf("reading %s: %w", p, err)
	}
	if !doc.found {
		return false, nil
	}
	return true, decodeInto(doc.data, dst)
}

// List implements Store.
func (r *RedisStore) List(ctx context.Context, collection string) ([]Document, error) {
	if err := validatePath(collection); err != nil {
		return nil, err
	}
	names, err := r.client.SMembers(ctx, r.childrenKey(collection)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", collection, err)
	}
	sort.Strings(names)

	var docs []Document
	for _, name := range names {
		p := collection + "/" + name
		doc, err := readDoc(ctx, r.client, r.docKey(p))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", p, err)
		}
		if doc.found {
			docs = append(docs, Document{Path: p, Version: doc.version, Data: doc.data})
		}
	}
	return docs, nil
}

// Subscribe implements Store.
func (r *RedisStore) Subscribe(ctx context.Context, p string) (<-chan Event, error) {
	if err := validatePath(p); err != nil {
		return nil, err
	}
	pubsub := r.client.Subscribe(ctx, r.channel(p))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", p, err)
	}

	s := newSubscriber()
	// Read after subscribing so no version between the snapshot and the
	// first published event is lost.
	doc, err := readDoc(ctx, r.client, r.docKey(p))
	if err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("reading %s: %w", p, err)
	}
	if doc.found {
		s.push(Event{Path: p, Version: doc.version, Data: doc.data})
	}

	msgs := pubsub.Channel()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					r.log.Warn("dropping malformed change event", "path", p, "err", err)
					continue
				}
				s.push(ev)
			}
		}
	}()
	go s.run(ctx, func() { pubsub.Close() })
	return s.out, nil
}

// Close implements Store.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
