// Package batch groups classified records into fixed-shape statements.
package batch

import (
	"sort"
	"strings"
	"time"

	"github.com/spaolacci/murmur3"

	"github.com/arkilian/bulkupsert/internal/classify"
	"github.com/arkilian/bulkupsert/internal/normalize"
	"github.com/arkilian/bulkupsert/internal/schema"
)

// Kind distinguishes insert and update batches.
type Kind int

const (
	Insert Kind = iota
	Update
)

func (k Kind) String() string {
	if k == Update {
		return "update"
	}
	return "insert"
}

// Default limits. SQLite builds since 3.32 accept 32766 bound parameters.
const (
	DefaultMaxRows   = 500
	DefaultMaxParams = 32766
)

// Batch is one statement's worth of same-shape rows.
//
// For inserts each row holds one value per column in Columns. For updates
// Columns is the SET list and each row holds the SET values followed by the
// KeyColumns values.
type Batch struct {
	Kind       Kind
	Table      string
	Columns    []string
	KeyColumns []string
	Rows       [][]interface{}
}

// Len returns the number of rows in the batch.
func (b *Batch) Len() int { return len(b.Rows) }

// Limits bounds the size of a single statement.
type Limits struct {
	MaxRows   int
	MaxParams int
}

func (l Limits) withDefaults() Limits {
	if l.MaxRows <= 0 {
		l.MaxRows = DefaultMaxRows
	}
	if l.MaxParams <= 0 {
		l.MaxParams = DefaultMaxParams
	}
	return l
}

// Plan is the ordered set of statements for one window. Inserts run before
// updates.
type Plan struct {
	Inserts []*Batch
	Updates []*Batch

	// NoopUpdates counts existing rows with nothing left to SET.
	NoopUpdates int
}

// Rows returns the number of records the plan writes.
func (p *Plan) Rows() (inserts, updates int) {
	for _, b := range p.Inserts {
		inserts += b.Len()
	}
	for _, b := range p.Updates {
		updates += b.Len()
	}
	return inserts, updates
}

// Builder turns classification results into plans.
type Builder struct {
	proj   *schema.Projection
	limits Limits
	now    func() time.Time
}

// NewBuilder creates a builder for one projection.
func NewBuilder(proj *schema.Projection, limits Limits) *Builder {
	return &Builder{proj: proj, limits: limits.withDefaults(), now: time.Now}
}

// WithClock replaces the timestamp source.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// Build injects managed timestamps and groups records by column signature.
// Records receive the injected values in place.
func (b *Builder) Build(res *classify.Result) *Plan {
	plan := &Plan{}
	if res == nil {
		return plan
	}
	now := b.now().UTC()
	created := b.proj.CreatedAtColumn()
	updated := b.proj.UpdatedAtColumn()

	inserts := newGrouper()
	for _, r := range res.Inserts {
		if created != "" && r.Row[created] == nil {
			r.Row[created] = now
		}
		if updated != "" {
			r.Row[updated] = now
		}
		inserts.add(sortedColumns(r, nil), r)
	}

	updates := newGrouper()
	for _, r := range res.Updates {
		if updated != "" {
			r.Row[updated] = now
		}
		cols := sortedColumns(r, b.proj.Immutable)
		if len(cols) == 0 {
			plan.NoopUpdates++
			continue
		}
		updates.add(cols, r)
	}

	for _, g := range inserts.groups {
		plan.Inserts = append(plan.Inserts, b.split(Insert, g)...)
	}
	for _, g := range updates.groups {
		plan.Updates = append(plan.Updates, b.split(Update, g)...)
	}
	return plan
}

func (b *Builder) split(kind Kind, g *group) []*Batch {
	keys := b.proj.IdentityColumns()
	width := len(g.columns)
	if kind == Update {
		width += len(keys)
	}
	perBatch := b.limits.MaxRows
	if width > 0 && b.limits.MaxParams/width < perBatch {
		perBatch = b.limits.MaxParams / width
	}
	if perBatch < 1 {
		perBatch = 1
	}

	var out []*Batch
	for start := 0; start < len(g.records); start += perBatch {
		end := start + perBatch
		if end > len(g.records) {
			end = len(g.records)
		}
		bt := &Batch{
			Kind:    kind,
			Table:   b.proj.Table(),
			Columns: g.columns,
			Rows:    make([][]interface{}, 0, end-start),
		}
		if kind == Update {
			bt.KeyColumns = keys
		}
		for _, r := range g.records[start:end] {
			row := make([]interface{}, 0, width)
			for _, c := range g.columns {
				row = append(row, r.Row[c])
			}
			for _, c := range bt.KeyColumns {
				row = append(row, r.Row[c])
			}
			bt.Rows = append(bt.Rows, row)
		}
		out = append(out, bt)
	}
	return out
}

func sortedColumns(r normalize.Record, skip func(string) bool) []string {
	cols := make([]string, 0, len(r.Row))
	for c := range r.Row {
		if skip != nil && skip(c) {
			continue
		}
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

type group struct {
	columns []string
	records []normalize.Record
}

// grouper buckets records by column signature, keeping first-appearance order.
type grouper struct {
	index  map[uint64][]*group
	groups []*group
}

func newGrouper() *grouper {
	return &grouper{index: make(map[uint64][]*group)}
}

func (g *grouper) add(cols []string, r normalize.Record) {
	h := Signature(cols)
	for _, existing := range g.index[h] {
		if equalColumns(existing.columns, cols) {
			existing.records = append(existing.records, r)
			return
		}
	}
	ng := &group{columns: cols, records: []normalize.Record{r}}
	g.index[h] = append(g.index[h], ng)
	g.groups = append(g.groups, ng)
}

// Signature hashes a sorted column list.
func Signature(cols []string) uint64 {
	return murmur3.Sum64([]byte(strings.Join(cols, "\x1f")))
}

func equalColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
