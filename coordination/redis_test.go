package coordination

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/ruteri/zkey-ceremony-coordinator/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisTestStore(t *testing.T) *RedisStore {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStore(client, "test-"+uuid.NewString()+":", slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewStoreFromURI_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	s, err := NewStoreFromURI(context.Background(), "redis://"+mr.Addr()+"/0?prefix=zkc:", log)
	require.NoError(t, err)
	defer s.Close()
	require.IsType(t, &RedisStore{}, s)

	require.NoError(t, s.RunTransaction(context.Background(), func(tx Tx) error {
		return tx.Set("c/1", counter{N: 1})
	}))
	assert.True(t, mr.Exists("zkc:doc:c/1"))

	addr := mr.Addr()
	mr.Close()
	_, err = NewStoreFromURI(context.Background(), "redis://"+addr+"/0", log)
	assert.ErrorIs(t, err, interfaces.ErrBackendUnavailable)
}

func TestRedisStore_TransactionAndList(t *testing.T) {
	ctx := context.Background()
	s := newRedisTestStore(t)

	require.NoError(t, s.RunTransaction(ctx, func(tx Tx) error {
		if err := tx.Set("c/1", counter{N: 1}); err != nil {
			return err
		}
		return tx.Set("c/2", counter{N: 2})
	}))

	require.NoError(t, s.RunTransaction(ctx, func(tx Tx) error {
		var c counter
		found, err := tx.Get("c/1", &c)
		require.NoError(t, err)
		require.True(t, found)
		c.N += 10
		tx.Delete("c/2")
		return tx.Set("c/1", c)
	}))

	docs, err := s.List(ctx, "c")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, int64(2), docs[0].Version)

	var c counter
	require.NoError(t, docs[0].Decode(&c))
	assert.Equal(t, 11, c.N)
}

func TestRedisStore_Subscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newRedisTestStore(t)

	events, err := s.Subscribe(ctx, "w/doc")
	require.NoError(t, err)
	require.NoError(t, s.RunTransaction(ctx, func(tx Tx) error { return tx.Set("w/doc", counter{N: 5}) }))

	select {
	case ev := <-events:
		assert.Equal(t, int64(1), ev.Version)
		assert.JSONEq(t, `{"n":5}`, string(ev.Data))
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestRedisStore_ConcurrentIncrementsAreSerialized(t *testing.T) {
	ctx := context.Background()
	s := newRedisTestStore(t).WithMaxAttempts(1000)

	const workers = 10
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.RunTransaction(ctx, func(tx Tx) error {
				var c counter
				if _, err := tx.Get("k/counter", &c); err != nil {
					return err
				}
				c.N++
				return tx.Set("k/counter", c)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	var c counter
	found, err := s.Get(ctx, "k/counter", &c)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, workers, c.N)
}

func TestRedisStore_ConflictExhaustsAttempts(t *testing.T) {
	ctx := context.Background()
	s := newRedisTestStore(t).WithMaxAttempts(2)

	attempts := 0
	err := s.RunTransaction(ctx, func(tx Tx) error {
		attempts++
		var c counter
		if _, err := tx.Get("k/x", &c); err != nil {
			return err
		}
		require.NoError(t, s.RunTransaction(ctx, func(other Tx) error {
			return other.Set("k/x", counter{N: attempts})
		}))
		return tx.Set("k/x", counter{N: 100})
	})
	require.ErrorIs(t, err, ErrTxConflict)
	assert.Equal(t, 2, attempts)

	var c counter
	_, err = s.Get(ctx, "k/x", &c)
	require.NoError(t, err)
	assert.Equal(t, 2, c.N)
}
