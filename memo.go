package cafs

import (
	"container/list"
	"sync"

	"github.com/meigma/cafs/internal/index"
)

// memoCache is a bounded LRU of key → index.Entry, guarding Get/GetInfo
// lookups only. It never participates in durability or Verify (§9
// "Memoization TODOs"): every Put/RmEntry invalidates the
// corresponding key, and a miss always falls through to the index.
type memoCache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[string]*list.Element
}

type memoItem struct {
	key   string
	entry index.Entry
}

func newMemoCache(capacity int) *memoCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &memoCache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[string]*list.Element, capacity),
	}
}

func (m *memoCache) get(key string) (index.Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.items[key]
	if !ok {
		return index.Entry{}, false
	}
	m.ll.MoveToFront(el)
	return el.Value.(*memoItem).entry, true
}

func (m *memoCache) put(key string, entry index.Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.items[key]; ok {
		el.Value.(*memoItem).entry = entry
		m.ll.MoveToFront(el)
		return
	}

	el := m.ll.PushFront(&memoItem{key: key, entry: entry})
	m.items[key] = el

	if m.ll.Len() > m.capacity {
		oldest := m.ll.Back()
		if oldest != nil {
			m.ll.Remove(oldest)
			delete(m.items, oldest.Value.(*memoItem).key)
		}
	}
}

func (m *memoCache) delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.items[key]; ok {
		m.ll.Remove(el)
		delete(m.items, key)
	}
}
