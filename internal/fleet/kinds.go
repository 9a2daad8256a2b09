package fleet

import (
	"context"
	"sort"
	"sync"
)

// Kind is an entry of the registry's vessel type catalog.
type Kind struct {
	ID          int     `json:"id"`
	Name        string  `json:"name"`
	Speed       float64 `json:"speed"`
	HeadingRate float64 `json:"heading_rate"`
}

// LoadKindsFunc fetches the full kind catalog.
type LoadKindsFunc func(ctx context.Context) ([]Kind, error)

// Catalog caches the kind catalog. It loads on first use; a failed load is
// retried by the next Ensure. A nil *Catalog is empty and never loads.
type Catalog struct {
	load LoadKindsFunc

	loadMu sync.Mutex

	mu     sync.RWMutex
	kinds  map[int]Kind
	loaded bool
}

func NewCatalog(load LoadKindsFunc) *Catalog {
	return &Catalog{load: load, kinds: make(map[int]Kind)}
}

// Ensure loads the catalog unless a load already succeeded.
func (c *Catalog) Ensure(ctx context.Context) error {
	if c == nil || c.load == nil {
		return nil
	}
	c.loadMu.Lock()
	defer c.loadMu.Unlock()

	c.mu.RLock()
	loaded := c.loaded
	c.mu.RUnlock()
	if loaded {
		return nil
	}

	kinds, err := c.load(ctx)
	if err != nil {
		return err
	}
	c.Replace(kinds)
	return nil
}

// Replace swaps the cached catalog for kinds and marks it loaded.
func (c *Catalog) Replace(kinds []Kind) {
	m := make(map[int]Kind, len(kinds))
	for _, k := range kinds {
		m[k.ID] = k
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kinds = m
	c.loaded = true
}

func (c *Catalog) Lookup(id int) (Kind, bool) {
	if c == nil {
		return Kind{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	k, ok := c.kinds[id]
	return k, ok
}

// List returns the cached kinds ordered by id.
func (c *Catalog) List() []Kind {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	out := make([]Kind, 0, len(c.kinds))
	for _, k := range c.kinds {
		out = append(out, k)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Fill completes the kind details of e from the catalog. Fields the record
// already carries win, so records that embed their kind are left as they are.
func (c *Catalog) Fill(e Entity) Entity {
	k, ok := c.Lookup(e.Kind)
	if !ok {
		return e
	}
	if e.KindName == "" {
		e.KindName = k.Name
	}
	if e.Speed == 0 {
		e.Speed = k.Speed
	}
	if e.HeadingRate == 0 {
		e.HeadingRate = k.HeadingRate
	}
	return e
}
