package coordination

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct {
	N int `json:"n"`
}

func newTestStore() *MemoryStore {
	return NewMemoryStore(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestMemoryStore_TransactionCommitsAtomically(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	err := s.RunTransaction(ctx, func(tx Tx) error {
		if err := tx.Set("a/1", counter{N: 1}); err != nil {
			return err
		}
		return tx.Set("a/2", counter{N: 2})
	})
	require.NoError(t, err)

	docs, err := s.List(ctx, "a")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "1", docs[0].ID())

	values, err := DecodeAll[counter](docs)
	require.NoError(t, err)
	assert.Equal(t, []counter{{N: 1}, {N: 2}}, values)
}

func TestMemoryStore_AbortedTransactionWritesNothing(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	boom := errors.New("boom")

	err := s.RunTransaction(ctx, func(tx Tx) error {
		require.NoError(t, tx.Set("a/1", counter{N: 1}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	found, err := s.Get(ctx, "a/1", nil)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryStore_ReadYourWrites(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	err := s.RunTransaction(ctx, func(tx Tx) error {
		require.NoError(t, tx.Set("c/x", counter{N: 7}))
		var c counter
		found, err := tx.Get("c/x", &c)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, 7, c.N)

		docs, err := tx.List("c")
		require.NoError(t, err)
		assert.Len(t, docs, 1)

		tx.Delete("c/x")
		found, err = tx.Get("c/x", &c)
		require.NoError(t, err)
		assert.False(t, found)
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryStore_ConcurrentIncrementsAreSerialized(t *testing.T) {
	ctx := context.Background()
	s := newTestStore().WithMaxAttempts(1000)

	const workers = 20
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

func TestMemoryStore_ConflictExhaustsAttempts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore().WithMaxAttempts(2)

	attempts := 0
	err := s.RunTransaction(ctx, func(tx Tx) error {
		attempts++
		var c counter
		if _, err := tx.Get("k/x", &c); err != nil {
			return err
		}
		// A concurrent writer commits between our read and our commit.
		require.NoError(t, s.RunTransaction(ctx, func(other Tx) error {
			return other.Set("k/x", counter{N: attempts})
		}))
		return tx.Set("k/x", counter{N: -1})
	})
	assert.ErrorIs(t, err, ErrTxConflict)
	assert.Equal(t, 2, attempts)
}

func TestMemoryStore_SubscribeDeliversEveryVersion(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newTestStore()

	require.NoError(t, s.RunTransaction(ctx, func(tx Tx) error { return tx.Set("w/doc", counter{N: 0}) }))

	events, err := s.Subscribe(ctx, "w/doc")
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		n := i
		require.NoError(t, s.RunTransaction(ctx, func(tx Tx) error { return tx.Set("w/doc", counter{N: n}) }))
	}
	require.NoError(t, s.RunTransaction(ctx, func(tx Tx) error { tx.Delete("w/doc"); return nil }))

	var versions []int64
	var last Event
	for i := 0; i < 5; i++ {
		select {
		case ev := <-events:
			versions = append(versions, ev.Version)
			last = ev
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, versions)
	assert.True(t, last.Deleted)

	cancel()
	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestMemoryStore_InvalidPath(t *testing.T) {
	s := newTestStore()
	_, err := s.Get(context.Background(), "/abs", nil)
	assert.ErrorIs(t, err, ErrInvalidPath)
	_, err = s.List(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidPath)
}
