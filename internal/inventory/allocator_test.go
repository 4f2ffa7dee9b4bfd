package inventory

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-fontenele/orderengine/internal/domain"
	"github.com/joao-fontenele/orderengine/internal/memstore"
)

func newAllocator(t *testing.T, stock int) (*Allocator, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	store.PutProduct(domain.Product{ID: "p1", Name: "Streaming 1M", Price: decimal.NewFromInt(10)})

	contents := make([]string, stock)
	for i := range contents {
		contents[i] = fmt.Sprintf("login%d:pass", i)
	}
	if stock > 0 {
		_, err := store.AddStock(context.Background(), "p1", contents)
		require.NoError(t, err)
	}

	return NewAllocator(store, nil, slog.New(slog.NewTextHandler(io.Discard, nil))), store
}

func TestAllocate_ConcurrentWorkersNeverShareStock(t *testing.T) {
	const available, workers = 20, 60
	alloc, store := newAllocator(t, available)
	ctx := context.Background()

	var mu sync.Mutex
	owners := map[string]string{}
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func(orderID string) {
			defer wg.Done()
			items, err := alloc.Allocate(ctx, orderID, "p1", 1)
			if err != nil {
				t.Errorf("allocate: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, item := range items {
				if prev, taken := owners[item.ID]; taken {
					t.Errorf("stock %s sold to %s and %s", item.ID, prev, orderID)
				}
				owners[item.ID] = orderID
			}
		}(fmt.Sprintf("order-%d", i))
	}
	wg.Wait()

	assert.Len(t, owners, available)
	level, err := store.StockLevel(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 0, level.Available)
	assert.Equal(t, available, level.Sold)
}

func TestAllocate_ShortfallRollsBack(t *testing.T) {
	alloc, store := newAllocator(t, 2)
	ctx := context.Background()

	items, err := alloc.Allocate(ctx, "order-1", "p1", 3)
	require.NoError(t, err)
	assert.Empty(t, items)

	level, err := store.StockLevel(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, level.Available)
	assert.Zero(t, level.Sold)
}

func TestAllocate_NoStock(t *testing.T) {
	alloc, _ := newAllocator(t, 0)

	items, err := alloc.Allocate(context.Background(), "order-1", "p1", 1)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestAllocate_PrefersRowsHeldForOrder(t *testing.T) {
	alloc, store := newAllocator(t, 3)
	ctx := context.Background()

	held, err := alloc.Hold(ctx, "order-1", "p1", 1)
	require.NoError(t, err)
	require.Equal(t, 1, held)

	// Another order cannot take the held row.
	other, err := alloc.Allocate(ctx, "order-2", "p1", 3)
	require.NoError(t, err)
	assert.Empty(t, other)

	items, err := alloc.Allocate(ctx, "order-1", "p1", 1)
	require.NoError(t, err)
	require.Len(t, items, 1)

	for _, row := range store.StockItems() {
		if row.ID == items[0].ID {
			assert.Equal(t, domain.StockStatusSold, row.Status)
			assert.Equal(t, "order-1", row.ReservedOrderID)
		}
	}
}

func TestHold_StopsAtAvailable(t *testing.T) {
	alloc, store := newAllocator(t, 2)
	ctx := context.Background()

	held, err := alloc.Hold(ctx, "order-1", "p1", 5)
	require.NoError(t, err)
	assert.Equal(t, 2, held)

	n, err := store.ReleaseOrderReservations(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRelease(t *testing.T) {
	alloc, store := newAllocator(t, 1)
	ctx := context.Background()

	items, err := alloc.Allocate(ctx, "order-1", "p1", 1)
	require.NoError(t, err)
	require.NoError(t, alloc.Release(ctx, items))

	n, err := store.CountAvailable(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
