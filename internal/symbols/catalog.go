package symbols

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Catalog holds the symbol tables known to the gateway. The first table
// added becomes the default for sessions that name no image.
type Catalog struct {
	mu        sync.RWMutex
	tables    map[string]*Table
	defaultID string
	store     *Store
}

// NewCatalog returns an empty catalog. When store is non-nil every added
// table is persisted to it.
func NewCatalog(store *Store) *Catalog {
	return &Catalog{
		tables: make(map[string]*Table),
		store:  store,
	}
}

// Add registers t, replacing any table with the same image id.
func (c *Catalog) Add(t *Table) error {
	if t == nil {
		return fmt.Errorf("nil symbol table")
	}
	if c.store != nil {
		if err := c.store.Save(t); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.tables[t.ImageID] = t
	if c.defaultID == "" {
		c.defaultID = t.ImageID
	}
	return nil
}

// Preload loads every persisted table into the catalog.
func (c *Catalog) Preload() (int, error) {
	if c.store == nil {
		return 0, nil
	}
	tables, err := c.store.LoadAll()
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range tables {
		c.tables[t.ImageID] = t
		if c.defaultID == "" {
			c.defaultID = t.ImageID
		}
	}
	return len(tables), nil
}

// Get resolves ref as an image id, a unique id prefix, or an image name.
// When several tables share a name the most recently extracted one wins.
func (c *Catalog) Get(ref string) (*Table, bool) {
	if ref == "" {
		return nil, false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if t, ok := c.tables[ref]; ok {
		return t, true
	}

	var byName, byPrefix *Table
	prefixMatches := 0
	for id, t := range c.tables {
		if t.Image == ref && (byName == nil || t.ExtractedAt.After(byName.ExtractedAt)) {
			byName = t
		}
		if strings.HasPrefix(id, ref) {
			byPrefix = t
			prefixMatches++
		}
	}
	if byName != nil {
		return byName, true
	}
	if prefixMatches == 1 {
		return byPrefix, true
	}
	return nil, false
}

// SetDefault makes the referenced table the default.
func (c *Catalog) SetDefault(ref string) error {
	t, ok := c.Get(ref)
	if !ok {
		return fmt.Errorf("unknown image %q", ref)
	}
	c.mu.Lock()
	c.defaultID = t.ImageID
	c.mu.Unlock()
	return nil
}

// Default returns the default table, or nil when the catalog is empty.
func (c *Catalog) Default() *Table {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tables[c.defaultID]
}

// List returns all tables ordered by image name then id.
func (c *Catalog) List() []*Table {
	c.mu.RLock()
	out := make([]*Table, 0, len(c.tables))
	for _, t := range c.tables {
		out = append(out, t)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Image != out[j].Image {
			return out[i].Image < out[j].Image
		}
		return out[i].ImageID < out[j].ImageID
	})
	return out
}

// Len returns the number of tables.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tables)
}
