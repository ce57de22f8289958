package nat

import (
	"fmt"
	"net/netip"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ewpratten/protomask/internal/log"
)

// stateEntry is one persisted reservation. The idle timer is not
// persisted; every reloaded mapping starts fresh.
type stateEntry struct {
	V6     string `yaml:"v6"`
	V4     string `yaml:"v4"`
	Static bool   `yaml:"static"`
}

// SaveState writes the current reservations to path so that sessions
// survive a restart.
func (t *Table) SaveState(path string) error {
	t.mu.RLock()
	entries := make([]stateEntry, 0, len(t.byV4))
	for _, m := range t.byV4 {
		entries = append(entries, stateEntry{
			V6:     m.v6.String(),
			V4:     m.v4.String(),
			Static: m.kind == Static,
		})
	}
	t.mu.RUnlock()

	data, err := yaml.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to serialize nat table state: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write nat table state: %w", err)
	}
	return nil
}

// LoadState re-installs reservations written by SaveState. Dynamic
// reservations outside the configured pool are skipped. Must be
// called before the table is shared with workers.
func (t *Table) LoadState(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read nat table state: %w", err)
	}

	var entries []stateEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("failed to parse nat table state: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now().UnixNano()
	for _, e := range entries {
		v6, err := netip.ParseAddr(e.V6)
		if err != nil {
			return fmt.Errorf("bad v6 address in state file: %w", err)
		}
		v4, err := netip.ParseAddr(e.V4)
		if err != nil {
			return fmt.Errorf("bad v4 address in state file: %w", err)
		}

		kind := Dynamic
		if e.Static {
			kind = Static
		}
		if kind == Dynamic && !t.pool.Contains(v4) {
			log.Warnf("skipping reservation outside pool: %s <--> %s", v6, v4)
			continue
		}
		if _, taken := t.byV4[v4]; taken {
			continue
		}
		if _, taken := t.byV6[v6]; taken {
			continue
		}

		m := &mapping{v4: v4, v6: v6, kind: kind}
		m.lastUsed.Store(now)
		t.byV4[v4] = m
		t.byV6[v6] = m
		log.Debugf("loaded reservation from disk: %s <--> %s (%s)", v6, v4, kind)
	}
	return nil
}
