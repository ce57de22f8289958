package nat

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ewpratten/protomask/internal/core"
	"github.com/ewpratten/protomask/internal/log"
)

// Kind classifies a table entry.
type Kind uint8

const (
	// Dynamic entries are allocated first-come-first-served from the
	// pool and may be evicted once idle.
	Dynamic Kind = iota
	// Static entries are installed at construction and never evicted
	// or mutated.
	Static
)

func (k Kind) String() string {
	if k == Static {
		return "static"
	}
	return "dynamic"
}

// mapping is a single (v6 <-> v4) record. Both indices reference the
// same record, keeping the bijection invariant in one place. lastUsed
// holds unix nanoseconds and is atomic so lookups can refresh it
// under the shared lock.
type mapping struct {
	v4       netip.Addr
	v6       netip.Addr
	kind     Kind
	lastUsed atomic.Int64
}

// Table is the bidirectional NAT64 address table. Lookups take the
// read lock; allocation and eviction take the write lock. Static
// mappings may be installed only before the table is shared with
// workers.
type Table struct {
	mu   sync.RWMutex
	byV4 map[netip.Addr]*mapping
	byV6 map[netip.Addr]*mapping

	pool    *Pool
	maxIdle time.Duration

	// now is replaceable so tests can drive logical time.
	now func() time.Time
}

// NewTable creates a table drawing dynamic addresses from pool.
// Entries idle longer than maxIdle become eviction candidates under
// allocation pressure; maxIdle <= 0 disables eviction.
func NewTable(pool *Pool, maxIdle time.Duration) *Table {
	return &Table{
		byV4:    make(map[netip.Addr]*mapping),
		byV6:    make(map[netip.Addr]*mapping),
		pool:    pool,
		maxIdle: maxIdle,
		now:     time.Now,
	}
}

// InsertStatic installs a permanent mapping. It fails with
// core.ErrConflict if either side already maps to a different peer.
func (t *Table) InsertStatic(v4, v6 netip.Addr) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.byV4[v4]; ok && existing.v6 != v6 {
		return core.ErrConflict
	}
	if existing, ok := t.byV6[v6]; ok && existing.v4 != v4 {
		return core.ErrConflict
	}

	m := &mapping{v4: v4, v6: v6, kind: Static}
	m.lastUsed.Store(t.now().UnixNano())
	t.byV4[v4] = m
	t.byV6[v6] = m
	log.Infof("added static mapping: %s <--> %s", v6, v4)
	return nil
}

// GetOrAllocateV4 returns the IPv4 address mapped to v6, allocating a
// new one on first sight. Allocation picks the lowest-numbered free
// pool address; under pool pressure the least-recently-used dynamic
// entry idle past maxIdle is evicted and its address reused. Fails
// with core.ErrPoolExhausted when neither is possible.
func (t *Table) GetOrAllocateV4(v6 netip.Addr) (netip.Addr, error) {
	// Fast path: existing mapping under the shared lock.
	t.mu.RLock()
	m, ok := t.byV6[v6]
	t.mu.RUnlock()
	if ok {
		m.lastUsed.Store(t.now().UnixNano())
		return m.v4, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// Re-check: another worker may have allocated while we waited.
	if m, ok := t.byV6[v6]; ok {
		m.lastUsed.Store(t.now().UnixNano())
		return m.v4, nil
	}

	v4, err := t.allocateLocked()
	if err != nil {
		return netip.Addr{}, err
	}

	m = &mapping{v4: v4, v6: v6, kind: Dynamic}
	m.lastUsed.Store(t.now().UnixNano())
	t.byV4[v4] = m
	t.byV6[v6] = m
	log.Debugf("created mapping: %s <--> %s", v6, v4)
	return v4, nil
}

// LookupV6 returns the IPv6 address mapped to v4, refreshing the
// entry's idle timer. Fails with core.ErrNoMapping on a miss.
func (t *Table) LookupV6(v4 netip.Addr) (netip.Addr, error) {
	t.mu.RLock()
	m, ok := t.byV4[v4]
	t.mu.RUnlock()
	if !ok {
		return netip.Addr{}, core.ErrNoMapping
	}
	m.lastUsed.Store(t.now().UnixNano())
	return m.v6, nil
}

// Reset drops all dynamic mappings.
func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for v4, m := range t.byV4 {
		if m.kind == Dynamic {
			delete(t.byV4, v4)
			delete(t.byV6, m.v6)
		}
	}
}

// Prune removes dynamic mappings idle past maxIdle and returns the
// number removed. Eviction is otherwise lazy; Prune exists for the
// optional background sweep.
func (t *Table) Prune() int {
	if t.maxIdle <= 0 {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now().UnixNano()
	removed := 0
	for v4, m := range t.byV4 {
		if m.kind == Dynamic && now-m.lastUsed.Load() > t.maxIdle.Nanoseconds() {
			delete(t.byV4, v4)
			delete(t.byV6, m.v6)
			removed++
			log.Debugf("removed idle mapping: %s <--> %s", m.v6, m.v4)
		}
	}
	return removed
}

// Counts returns the number of live static and dynamic entries.
func (t *Table) Counts() (static, dynamic int) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, m := range t.byV4 {
		if m.kind == Static {
			static++
		} else {
			dynamic++
		}
	}
	return static, dynamic
}

// allocateLocked finds a free IPv4 address, evicting an idle dynamic
// mapping if the pool is fully assigned. Caller holds the write lock.
func (t *Table) allocateLocked() (netip.Addr, error) {
	var free netip.Addr
	found := false
	t.pool.ForEach(func(a netip.Addr) bool {
		if _, taken := t.byV4[a]; !taken {
			free, found = a, true
			return false
		}
		return true
	})
	if found {
		return free, nil
	}

	// Pool fully assigned: evict the least-recently-used dynamic
	// entry past maxIdle. Ties break on lowest lastUsed, then lowest
	// v4.
	if t.maxIdle <= 0 {
		return netip.Addr{}, core.ErrPoolExhausted
	}

	now := t.now().UnixNano()
	var victim *mapping
	var victimUsed int64
	for _, m := range t.byV4 {
		used := m.lastUsed.Load()
		if m.kind != Dynamic || now-used <= t.maxIdle.Nanoseconds() {
			continue
		}
		if victim == nil || used < victimUsed ||
			(used == victimUsed && m.v4.Compare(victim.v4) < 0) {
			victim = m
			victimUsed = used
		}
	}
	if victim == nil {
		return netip.Addr{}, core.ErrPoolExhausted
	}

	delete(t.byV4, victim.v4)
	delete(t.byV6, victim.v6)
	log.Debugf("evicted idle mapping: %s <--> %s", victim.v6, victim.v4)
	return victim.v4, nil
}
