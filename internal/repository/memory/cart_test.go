package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campuslib/ebook-delivery/internal/model"
	"github.com/campuslib/ebook-delivery/internal/repository"
)

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func addParams(key, item string, now time.Time) model.AddCartEntryParams {
	return model.AddCartEntryParams{SessionKey: key, ItemID: item, MaxItems: 3, Now: now, TTL: time.Hour}
}

func TestCartRepository_Add(t *testing.T) {
	ctx := context.Background()

	t.Run("duplicate add reports already present", func(t *testing.T) {
		repo := NewCartRepository()

		status, err := repo.Add(ctx, addParams("s1", "A", baseTime))
		require.NoError(t, err)
		assert.Equal(t, model.CartAddStatusAdded, status)

		status, err = repo.Add(ctx, addParams("s1", "A", baseTime))
		require.NoError(t, err)
		assert.Equal(t, model.CartAddStatusAlreadyPresent, status)

		entries, _ := repo.List(ctx, "s1", baseTime)
		assert.Len(t, entries, 1)
	})

	t.Run("full cart rejects add", func(t *testing.T) {
		repo := NewCartRepository()
		for _, item := range []string{"A", "B", "C"} {
			_, err := repo.Add(ctx, addParams("s1", item, baseTime))
			require.NoError(t, err)
		}

		_, err := repo.Add(ctx, addParams("s1", "D", baseTime))
		assert.ErrorIs(t, err, repository.ErrCartFull)

		entries, _ := repo.List(ctx, "s1", baseTime)
		assert.Len(t, entries, 3)
	})

	t.Run("expired entries free capacity and can be re-added", func(t *testing.T) {
		repo := NewCartRepository()
		for _, item := range []string{"A", "B", "C"} {
			_, err := repo.Add(ctx, addParams("s1", item, baseTime))
			require.NoError(t, err)
		}

		later := baseTime.Add(2 * time.Hour)
		status, err := repo.Add(ctx, addParams("s1", "A", later))
		require.NoError(t, err)
		assert.Equal(t, model.CartAddStatusAdded, status)

		entries, _ := repo.List(ctx, "s1", later)
		require.Len(t, entries, 1)
		assert.Equal(t, later.Add(time.Hour), entries[0].ExpiresAt)
	})

	t.Run("concurrent adds never exceed the limit", func(t *testing.T) {
		repo := NewCartRepository()

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, _ = repo.Add(ctx, addParams("s1", fmt.Sprintf("item-%d", i), baseTime))
			}(i)
		}
		wg.Wait()

		entries, _ := repo.List(ctx, "s1", baseTime)
		assert.Len(t, entries, 3)
	})
}

func TestCartRepository_ListRemoveClear(t *testing.T) {
	ctx := context.Background()
	repo := NewCartRepository()

	for i, item := range []string{"C", "A", "B"} {
		_, err := repo.Add(ctx, addParams("s1", item, baseTime.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}

	t.Run("list keeps insertion order", func(t *testing.T) {
		entries, err := repo.List(ctx, "s1", baseTime)
		require.NoError(t, err)
		ids := []string{}
		for _, e := range entries {
			ids = append(ids, e.ItemID)
		}
		assert.Equal(t, []string{"C", "A", "B"}, ids)
	})

	t.Run("remove reports missing items", func(t *testing.T) {
		removed, err := repo.Remove(ctx, "s1", "A", baseTime)
		require.NoError(t, err)
		assert.True(t, removed)

		removed, err = repo.Remove(ctx, "s1", "A", baseTime)
		require.NoError(t, err)
		assert.False(t, removed)
	})

	t.Run("clear empties the cart", func(t *testing.T) {
		n, err := repo.Clear(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		entries, _ := repo.List(ctx, "s1", baseTime)
		assert.Empty(t, entries)
	})
}

func TestCartRepository_DeleteExpired(t *testing.T) {
	ctx := context.Background()
	repo := NewCartRepository()

	_, _ = repo.Add(ctx, addParams("s1", "A", baseTime))
	_, _ = repo.Add(ctx, addParams("s2", "B", baseTime.Add(90*time.Minute)))

	n, err := repo.DeleteExpired(ctx, baseTime.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	entries, _ := repo.List(ctx, "s2", baseTime.Add(2*time.Hour))
	assert.Len(t, entries, 1)
}
