package kvstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type memEntry struct {
	zset    map[string]float64
	hash    map[string]string
	expires time.Time
}

func (e *memEntry) empty() bool {
	return len(e.zset) == 0 && len(e.hash) == 0
}

// MemoryStore is the in-process Store. TTLs are approximated by comparing the
// stored deadline with the clock whenever a key is touched.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(time.Now)
}

// NewMemoryStoreWithClock lets tests drive TTL expiry deterministically.
func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{entries: make(map[string]*memEntry), now: now}
}

func (m *MemoryStore) Shared() bool { return false }

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

// liveLocked returns the entry for key, dropping it first if its TTL passed.
func (m *MemoryStore) liveLocked(key string) (*memEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.entries, key)
		return nil, false
	}
	return e, true
}

func (m *MemoryStore) entryLocked(key string) *memEntry {
	if e, ok := m.liveLocked(key); ok {
		return e
	}
	e := &memEntry{}
	m.entries[key] = e
	return e
}

func (m *MemoryStore) dropIfEmptyLocked(key string, e *memEntry) {
	if e.empty() {
		delete(m.entries, key)
	}
}

func (m *MemoryStore) AddScored(ctx context.Context, key, member string, score float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entryLocked(key)
	if e.hash != nil {
		return
	}
	if e.zset == nil {
		e.zset = make(map[string]float64)
	}
	e.zset[member] = score
}

func (m *MemoryStore) RemoveScored(ctx context.Context, key string, members ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.liveLocked(key)
	if !ok {
		return
	}
	for _, member := range members {
		delete(e.zset, member)
	}
	m.dropIfEmptyLocked(key, e)
}

func sortedMembers(z map[string]float64) []ScoredMember {
	out := make([]ScoredMember, 0, len(z))
	for member, score := range z {
		out = append(out, ScoredMember{Member: member, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].Member < out[j].Member
	})
	return out
}

// normalizeRange applies Redis ZRANGE rank rules.
func normalizeRange(start, stop, n int64) (int64, int64, bool) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop || start >= n {
		return 0, 0, false
	}
	return start, stop, true
}

func (m *MemoryStore) RangeScored(ctx context.Context, key string, start, stop int64) []ScoredMember {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.liveLocked(key)
	if !ok || len(e.zset) == 0 {
		return nil
	}
	all := sortedMembers(e.zset)
	lo, hi, ok := normalizeRange(start, stop, int64(len(all)))
	if !ok {
		return nil
	}
	out := make([]ScoredMember, hi-lo+1)
	copy(out, all[lo:hi+1])
	return out
}

func (m *MemoryStore) PopMinScored(ctx context.Context, key string, count int64) []ScoredMember {
	if count <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.liveLocked(key)
	if !ok || len(e.zset) == 0 {
		return nil
	}
	all := sortedMembers(e.zset)
	if int64(len(all)) > count {
		all = all[:count]
	}
	for _, sm := range all {
		delete(e.zset, sm.Member)
	}
	m.dropIfEmptyLocked(key, e)
	return all
}

func (m *MemoryStore) Cardinality(ctx context.Context, key string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.liveLocked(key)
	if !ok {
		return 0
	}
	return int64(len(e.zset))
}

func (m *MemoryStore) SetFields(ctx context.Context, key string, fields map[string]string) {
	if len(fields) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entryLocked(key)
	if e.zset != nil {
		return
	}
	if e.hash == nil {
		e.hash = make(map[string]string, len(fields))
	}
	for k, v := range fields {
		e.hash[k] = v
	}
}

func (m *MemoryStore) GetAllFields(ctx context.Context, key string) map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.liveLocked(key)
	if !ok || len(e.hash) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(e.hash))
	for k, v := range e.hash {
		out[k] = v
	}
	return out
}

func (m *MemoryStore) CompareAndSetField(ctx context.Context, key, field, expected, value string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.liveLocked(key)
	if !ok || e.hash == nil {
		return false
	}
	cur, ok := e.hash[field]
	if !ok || cur != expected {
		return false
	}
	e.hash[field] = value
	return true
}

func (m *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.liveLocked(key)
	if !ok {
		return
	}
	if ttl <= 0 {
		delete(m.entries, key)
		return
	}
	e.expires = m.now().Add(ttl)
}

func (m *MemoryStore) Delete(ctx context.Context, keys ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.entries, k)
	}
}

func (m *MemoryStore) KeysMatching(ctx context.Context, prefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.entries {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if _, ok := m.liveLocked(k); ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
