package observability

import (
	"sort"
	"sync"
	"time"
)

// ColumnStats tracks how often each column of each table is written, split by
// insert and update. It shows which optional columns callers actually send.
type ColumnStats struct {
	mu     sync.RWMutex
	tables map[string]map[string]*ColumnUsage
	window time.Duration
}

// ColumnUsage holds the statistics for one column.
type ColumnUsage struct {
	Column     string         `json:"column"`
	Frequency  int64          `json:"frequency"`
	LastSeen   time.Time      `json:"last_seen"`
	Operations map[string]int `json:"operations"` // op -> rows (e.g., "insert" -> 5)
}

// NewColumnStats creates a tracker.
// window: entries not seen for longer than this are dropped by Prune.
func NewColumnStats(window time.Duration) *ColumnStats {
	return &ColumnStats{
		tables: make(map[string]map[string]*ColumnUsage),
		window: window,
	}
}

// RecordColumns records rows written to columns of table by op.
// This method is thread-safe.
func (c *ColumnStats) RecordColumns(table, op string, columns []string, rows int) {
	if c == nil || rows <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	usage, ok := c.tables[table]
	if !ok {
		usage = make(map[string]*ColumnUsage)
		c.tables[table] = usage
	}

	now := time.Now()
	for _, col := range columns {
		u, exists := usage[col]
		if !exists {
			u = &ColumnUsage{
				Column:     col,
				Operations: make(map[string]int),
			}
			usage[col] = u
		}
		u.Frequency += int64(rows)
		u.LastSeen = now
		u.Operations[op] += rows
	}
}

// TopColumns returns the top n columns of table by frequency.
// Returns copies sorted by frequency (descending), then by name.
func (c *ColumnStats) TopColumns(table string, n int) []ColumnUsage {
	c.mu.RLock()
	defer c.mu.RUnlock()

	usage := c.tables[table]
	if n <= 0 || len(usage) == 0 {
		return []ColumnUsage{}
	}

	stats := make([]ColumnUsage, 0, len(usage))
	for _, u := range usage {
		cp := ColumnUsage{
			Column:     u.Column,
			Frequency:  u.Frequency,
			LastSeen:   u.LastSeen,
			Operations: make(map[string]int, len(u.Operations)),
		}
		for op, count := range u.Operations {
			cp.Operations[op] = count
		}
		stats = append(stats, cp)
	}

	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Frequency != stats[j].Frequency {
			return stats[i].Frequency > stats[j].Frequency
		}
		return stats[i].Column < stats[j].Column
	})

	if n > len(stats) {
		n = len(stats)
	}
	return stats[:n]
}

// Tables lists the tables with recorded usage.
func (c *ColumnStats) Tables() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.tables))
	for t := range c.tables {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Prune removes columns where time.Since(LastSeen) > window.
// This should be called periodically (e.g., every 5 minutes).
func (c *ColumnStats) Prune() {
	c.mu.Lock()
	defer c.mu.Unlock()

	threshold := time.Now().Add(-c.window)
	for table, usage := range c.tables {
		for col, u := range usage {
			if u.LastSeen.Before(threshold) {
				delete(usage, col)
			}
		}
		if len(usage) == 0 {
			delete(c.tables, table)
		}
	}
}
