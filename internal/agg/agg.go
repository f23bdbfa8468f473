// Package agg maintains the per-ID statistics table fed by the receive pump.
package agg

import (
	"math"
	"sort"
	"sync"

	"github.com/Ali-Niazi021/trevcan-bridge/internal/can"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/symbols"
)

// Stats is the aggregation record for one (id, extended) key. PeriodMs is the
// raw last inter-arrival interval, rounded to 0.1 ms; no smoothing.
type Stats struct {
	Key           can.Key
	Count         uint64
	LastTimestamp float64
	LastPayload   []byte
	DLC           uint8
	PeriodMs      float64
	LastDecoded   *symbols.DecodeResult
}

// Table is the aggregator. Observe is called only from the receive pump
// goroutine (single writer); readers take per-key or snapshot views.
type Table struct {
	mu sync.RWMutex
	m  map[can.Key]*Stats
}

func New() *Table { return &Table{m: make(map[can.Key]*Stats)} }

// Observe folds one frame (and its optional decode) into the table.
func (t *Table) Observe(fr can.Frame, decoded *symbols.DecodeResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := fr.Key()
	st, ok := t.m[key]
	if !ok {
		st = &Stats{Key: key}
		t.m[key] = st
	}
	if st.Count > 0 {
		st.PeriodMs = math.Round((fr.Timestamp-st.LastTimestamp)*1000*10) / 10
	}
	st.Count++
	st.LastTimestamp = fr.Timestamp
	st.LastPayload = fr.Payload()
	st.DLC = fr.DLC
	st.LastDecoded = decoded
}

// Get returns a copy of the stats for one key.
func (t *Table) Get(key can.Key) (Stats, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.m[key]
	if !ok {
		return Stats{}, false
	}
	return copyStats(st), true
}

// Snapshot returns a consistent copy of every entry, ordered by key.
func (t *Table) Snapshot() []Stats {
	t.mu.RLock()
	out := make([]Stats, 0, len(t.m))
	for _, st := range t.m {
		out = append(out, copyStats(st))
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.ID != out[j].Key.ID {
			return out[i].Key.ID < out[j].Key.ID
		}
		return !out[i].Key.Extended && out[j].Key.Extended
	})
	return out
}

// Len returns the number of distinct keys observed.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.m)
}

// Clear atomically empties the table. Subscribers are unaffected.
func (t *Table) Clear() {
	t.mu.Lock()
	t.m = make(map[can.Key]*Stats)
	t.mu.Unlock()
}

func copyStats(st *Stats) Stats {
	cp := *st
	cp.LastPayload = append([]byte(nil), st.LastPayload...)
	return cp
}
