package store

import (
	"sync"

	"github.com/FildCommander/ytptube/internal/item"
)

// View is an ordered in-memory projection of one store partition. The
// engine reads and mutates the view; every mutation is written through
// to the Store. A write-through failure is reported to the caller but
// the in-memory state stays authoritative, so the engine degrades to
// in-memory operation instead of halting.
type View struct {
	typ StoreType
	s   *Store

	mu    sync.RWMutex
	order []string
	items map[string]*item.Item
}

// NewView creates an empty projection of the given partition.
func NewView(typ StoreType, s *Store) *View {
	return &View{
		typ:   typ,
		s:     s,
		items: make(map[string]*item.Item),
	}
}

// Load populates the view from the store in insertion order.
func (v *View) Load() error {
	items, err := v.s.List(v.typ)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.order = v.order[:0]
	v.items = make(map[string]*item.Item, len(items))
	for _, it := range items {
		v.order = append(v.order, it.ID)
		v.items[it.ID] = it
	}
	return nil
}

// Put inserts or updates an item, preserving insertion order, and
// writes it through to the store.
func (v *View) Put(it *item.Item) error {
	v.mu.Lock()
	if _, ok := v.items[it.ID]; !ok {
		v.order = append(v.order, it.ID)
	}
	v.items[it.ID] = it
	v.mu.Unlock()
	return v.s.Put(v.typ, it)
}

// Get returns the item by id.
func (v *View) Get(id string) (*item.Item, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	it, ok := v.items[id]
	return it, ok
}

// GetByURL returns the first item matching the raw URL.
func (v *View) GetByURL(url string) (*item.Item, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, id := range v.order {
		if v.items[id].URL == url {
			return v.items[id], true
		}
	}
	return nil, false
}

// GetByContentID returns the first item matching the resolved content
// identifier.
func (v *View) GetByContentID(cid string) (*item.Item, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, id := range v.order {
		if v.items[id].ContentID == cid && cid != "" {
			return v.items[id], true
		}
	}
	return nil, false
}

// Delete removes the item from the view and the store.
func (v *View) Delete(id string) error {
	v.mu.Lock()
	if _, ok := v.items[id]; ok {
		delete(v.items, id)
		for i, oid := range v.order {
			if oid == id {
				v.order = append(v.order[:i], v.order[i+1:]...)
				break
			}
		}
	}
	v.mu.Unlock()
	return v.s.Delete(id)
}

// Items returns the items in insertion order.
func (v *View) Items() []*item.Item {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]*item.Item, 0, len(v.order))
	for _, id := range v.order {
		out = append(out, v.items[id])
	}
	return out
}

// Len returns the number of items in the view.
func (v *View) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.order)
}

// NextPending returns the oldest item still in pending status with
// auto-start set, or nil. This is the dispatcher's FIFO selection.
func (v *View) NextPending() *item.Item {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, id := range v.order {
		it := v.items[id]
		if it.Status == item.StatusPending && it.AutoStart {
			return it
		}
	}
	return nil
}

// Reorder moves the item to the given position in the queue order.
// Positions beyond the end clamp to the end.
func (v *View) Reorder(id string, pos int) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	cur := -1
	for i, oid := range v.order {
		if oid == id {
			cur = i
			break
		}
	}
	if cur < 0 {
		return false
	}
	v.order = append(v.order[:cur], v.order[cur+1:]...)
	if pos < 0 {
		pos = 0
	}
	if pos > len(v.order) {
		pos = len(v.order)
	}
	v.order = append(v.order[:pos], append([]string{id}, v.order[pos:]...)...)
	return true
}
