package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/ledger-runtime/internal/datastore"
	"github.com/ChuLiYu/ledger-runtime/internal/eventbus"
	"github.com/ChuLiYu/ledger-runtime/internal/orchestrator"
	"github.com/ChuLiYu/ledger-runtime/internal/quota"
	"github.com/ChuLiYu/ledger-runtime/internal/storage/kv"
)

// CategoryIndexKey lives under the cache prefix so gentle cleanup may drop it.
const CategoryIndexKey = quota.CachePrefix + "category-index"

// CategoryUsage is one row of the index.
type CategoryUsage struct {
	CategoryID   string `json:"category_id"`
	Name         string `json:"name"`
	Transactions int    `json:"transactions"`
}

type indexCache struct {
	BuiltAt time.Time       `json:"built_at"`
	Rows    []CategoryUsage `json:"rows"`
}

// CategoryIndex counts category assignments. It is rebuilt lazily: store
// events only mark it stale, the next read or health check rebuilds it.
type CategoryIndex struct {
	store   *datastore.Store
	backend kv.Backend
	bus     *eventbus.Bus

	mu      sync.Mutex
	rows    []CategoryUsage
	builtAt time.Time
	stale   bool
	unsub   []func()
}

// NewCategoryIndex creates an empty index.
func NewCategoryIndex(store *datastore.Store, backend kv.Backend, bus *eventbus.Bus) *CategoryIndex {
	return &CategoryIndex{store: store, backend: backend, bus: bus, stale: true}
}

// Init subscribes to store events and builds the index once.
func (ix *CategoryIndex) Init(ctx context.Context) error {
	ix.mu.Lock()
	if ix.bus != nil && len(ix.unsub) == 0 {
		for _, name := range []string{eventbus.TransactionsUpdated, eventbus.DataCleared} {
			ix.unsub = append(ix.unsub, ix.bus.On(name, func(eventbus.Event) { ix.markStale() }))
		}
	}
	ix.mu.Unlock()
	return ix.Rebuild(ctx)
}

func (ix *CategoryIndex) markStale() {
	ix.mu.Lock()
	ix.stale = true
	ix.mu.Unlock()
}

// Rebuild recounts assignments and writes the cache entry. A cache write
// rejected by the quota keeps the in-memory index.
func (ix *CategoryIndex) Rebuild(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	state := ix.store.Export().Collections

	counts := make(map[string]int, len(state.Categories))
	for _, a := range state.CategoryAssignments {
		counts[a.CategoryID]++
	}
	rows := make([]CategoryUsage, 0, len(state.Categories))
	for id, c := range state.Categories {
		rows = append(rows, CategoryUsage{CategoryID: id, Name: c.Name, Transactions: counts[id]})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Transactions != rows[j].Transactions {
			return rows[i].Transactions > rows[j].Transactions
		}
		return rows[i].CategoryID < rows[j].CategoryID
	})

	builtAt := time.Now().UTC()
	data, err := json.Marshal(indexCache{BuiltAt: builtAt, Rows: rows})
	if err != nil {
		return fmt.Errorf("encode category index: %w", err)
	}
	if err := ix.backend.Set(CategoryIndexKey, string(data)); err != nil {
		if !kv.IsQuotaExceeded(err) {
			return fmt.Errorf("write category index: %w", err)
		}
		log.Warn("Category index cache not written", "error", err)
	}

	ix.mu.Lock()
	ix.rows = rows
	ix.builtAt = builtAt
	ix.stale = false
	ix.mu.Unlock()
	return nil
}

// Rows returns the index, rebuilding it first when stale.
func (ix *CategoryIndex) Rows(ctx context.Context) ([]CategoryUsage, error) {
	ix.mu.Lock()
	stale := ix.stale
	ix.mu.Unlock()
	if stale {
		if err := ix.Rebuild(ctx); err != nil {
			return nil, err
		}
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return append([]CategoryUsage(nil), ix.rows...), nil
}

// HealthRating: fresh and cached → excellent; cache evicted → good;
// rebuild failing → warning.
func (ix *CategoryIndex) HealthRating(ctx context.Context) (string, error) {
	if _, err := ix.Rows(ctx); err != nil {
		log.Debug("Category index rebuild failed", "error", err)
		return orchestrator.RatingWarning, nil
	}
	_, ok, err := ix.backend.Get(CategoryIndexKey)
	if err != nil {
		return "", err
	}
	if !ok {
		return orchestrator.RatingGood, nil
	}
	return orchestrator.RatingExcellent, nil
}

// Stop drops the event subscriptions.
func (ix *CategoryIndex) Stop(context.Context) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, fn := range ix.unsub {
		fn()
	}
	ix.unsub = nil
	return nil
}
