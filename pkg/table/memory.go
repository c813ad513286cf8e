package table

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Memory is a deterministic in-process implementation of Store with the same
// index projections as the DynamoDB table. It backs tests and local
// development without a DynamoDB endpoint.
type Memory struct {
	mu    sync.RWMutex
	items map[Key]Item
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{items: make(map[Key]Item)}
}

func cloneItem(item Item) Item {
	if item == nil {
		return nil
	}
	out := make(Item, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

func (m *Memory) Get(_ context.Context, key Key) (Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.items[key]
	if !ok {
		return nil, nil
	}
	return cloneItem(item), nil
}

func (m *Memory) Put(_ context.Context, item Item) error {
	key := ItemKey(item)
	if key.PK == "" || key.SK == "" {
		return errors.New("table: item missing PK/SK")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = cloneItem(item)
	return nil
}

func (m *Memory) Update(_ context.Context, key Key, patch *Patch) (Item, error) {
	if patch.Empty() {
		return nil, errors.New("table: empty patch")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[key]
	if !ok {
		// DynamoDB UpdateItem upserts; mirror that.
		item = keyAttrs(key)
	}
	updated := cloneItem(item)
	for _, s := range patch.sets {
		updated[s.name] = s.value
	}
	m.items[key] = updated
	return cloneItem(updated), nil
}

func (m *Memory) Delete(_ context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *Memory) Query(_ context.Context, q Query) (Page, error) {
	attrs, ok := indexAttrs[q.Index]
	if !ok {
		return Page{}, fmt.Errorf("table: unknown index %q", q.Index)
	}

	m.mu.RLock()
	matched := make([]Item, 0)
	for _, item := range m.items {
		if StringAttr(item, attrs.pk) != q.Partition {
			continue
		}
		sk := StringAttr(item, attrs.sk)
		if q.SortPrefix != "" && !hasPrefix(sk, q.SortPrefix) {
			continue
		}
		if q.SortAfter != "" && sk <= q.SortAfter {
			continue
		}
		matched = append(matched, cloneItem(item))
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		si, sj := StringAttr(matched[i], attrs.sk), StringAttr(matched[j], attrs.sk)
		if si != sj {
			if q.Descending {
				return si > sj
			}
			return si < sj
		}
		// Stable tiebreak on the primary key for items sharing an index
		// sort value.
		ki, kj := ItemKey(matched[i]), ItemKey(matched[j])
		if ki.PK != kj.PK {
			return ki.PK < kj.PK
		}
		return ki.SK < kj.SK
	})

	if len(q.StartKey) > 0 {
		start := ItemKey(q.StartKey)
		idx := -1
		for i, item := range matched {
			if ItemKey(item) == start {
				idx = i
				break
			}
		}
		if idx >= 0 {
			matched = matched[idx+1:]
		}
	}

	page := Page{Items: matched}
	if q.Limit > 0 && len(matched) > int(q.Limit) {
		page.Items = matched[:q.Limit]
		last := page.Items[len(page.Items)-1]
		lastKey := keyAttrs(ItemKey(last))
		if q.Index != "" {
			lastKey[attrs.pk] = last[attrs.pk]
			lastKey[attrs.sk] = last[attrs.sk]
		}
		page.LastKey = lastKey
	}
	return page, nil
}

func (m *Memory) BatchGet(_ context.Context, keys []Key) ([]Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := make([]Item, 0, len(keys))
	for _, key := range keys {
		if item, ok := m.items[key]; ok {
			items = append(items, cloneItem(item))
		}
	}
	return items, nil
}

func (m *Memory) TransactPut(_ context.Context, items []Item) error {
	for _, item := range items {
		key := ItemKey(item)
		if key.PK == "" || key.SK == "" {
			return errors.New("table: item missing PK/SK")
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range items {
		m.items[ItemKey(item)] = cloneItem(item)
	}
	return nil
}

func (m *Memory) TransactPutIfAbsent(_ context.Context, guard Item, items []Item) error {
	guardKey := ItemKey(guard)
	if guardKey.PK == "" || guardKey.SK == "" {
		return errors.New("table: guard missing PK/SK")
	}
	for _, item := range items {
		key := ItemKey(item)
		if key.PK == "" || key.SK == "" {
			return errors.New("table: item missing PK/SK")
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.items[guardKey]; exists {
		return ErrConditionFailed
	}
	m.items[guardKey] = cloneItem(guard)
	for _, item := range items {
		m.items[ItemKey(item)] = cloneItem(item)
	}
	return nil
}

func (m *Memory) TransactDelete(_ context.Context, keys []Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.items, key)
	}
	return nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
