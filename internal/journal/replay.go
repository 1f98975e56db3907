package journal

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	uerrors "github.com/arkilian/bulkupsert/internal/errors"
	"github.com/arkilian/bulkupsert/internal/stream"
)

// Invocation is the journaled history of one upsert invocation.
type Invocation struct {
	ID       string
	Table    string
	Options  Options
	Records  []json.RawMessage
	Outcome  EntryKind
	Error    string
	FirstLSN uint64
	Replayed bool

	// Abandoned is set when the invocation failed permanently, either on its
	// first run or on a replay. It is never replayed again.
	Abandoned bool
}

// Settled reports whether the invocation needs no replay.
func (inv *Invocation) Settled() bool {
	return inv.Replayed || inv.Abandoned || inv.Outcome == KindCommitted || len(inv.Records) == 0
}

// Source returns the journaled records as a fresh stream. Numbers decode the
// way stream.FromReader decodes them; tagged times and byte slices are
// restored.
func (inv *Invocation) Source() *stream.Stream {
	var buf bytes.Buffer
	for _, raw := range inv.Records {
		buf.Write(raw)
		buf.WriteByte('\n')
	}
	return untagStream(stream.FromReader(&buf))
}

// Invocations groups all entries by invocation, ordered by first appearance.
func (j *Journal) Invocations() ([]*Invocation, error) {
	entries, err := j.Entries()
	if err != nil {
		return nil, err
	}
	return group(entries), nil
}

func group(entries []*Entry) []*Invocation {
	byID := make(map[string]*Invocation)
	var order []*Invocation
	for _, e := range entries {
		inv, ok := byID[e.Invocation]
		if !ok {
			inv = &Invocation{ID: e.Invocation, FirstLSN: e.LSN}
			byID[e.Invocation] = inv
			order = append(order, inv)
		}
		if e.Table != "" {
			inv.Table = e.Table
		}
		switch e.Kind {
		case KindWindow:
			if e.Options != nil {
				inv.Options = *e.Options
			}
			inv.Records = append(inv.Records, e.Records...)
		case KindCommitted, KindRolledBack:
			inv.Outcome = e.Kind
			inv.Error = e.Error
			if e.Permanent {
				inv.Abandoned = true
			}
		case KindReplayed:
			inv.Replayed = true
		case KindAbandoned:
			inv.Abandoned = true
			inv.Error = e.Error
		}
	}
	sort.SliceStable(order, func(a, b int) bool { return order[a].FirstLSN < order[b].FirstLSN })
	return order
}

// Pending returns invocations that rolled back or never finished and have
// been neither replayed nor abandoned. Invocations still in flight in this process are
// included, so replay is meant to run while no engine writes to the journal.
func (j *Journal) Pending() ([]*Invocation, error) {
	all, err := j.Invocations()
	if err != nil {
		return nil, err
	}
	var out []*Invocation
	for _, inv := range all {
		if !inv.Settled() {
			out = append(out, inv)
		}
	}
	return out, nil
}

// MarkReplayed records that an invocation was replayed successfully.
func (j *Journal) MarkReplayed(id string) error {
	_, err := j.Append(&Entry{Invocation: id, Kind: KindReplayed})
	return err
}

// MarkAbandoned records that an invocation failed permanently and must not be
// replayed again.
func (j *Journal) MarkAbandoned(id string, cause error) error {
	entry := &Entry{Invocation: id, Kind: KindAbandoned}
	if cause != nil {
		entry.Error = cause.Error()
	}
	_, err := j.Append(entry)
	return err
}

// ReplayFunc re-runs one invocation.
type ReplayFunc func(ctx context.Context, inv *Invocation) error

// Replay runs fn for every pending invocation and marks the successful ones.
// A replay that fails permanently (see uerrors.IsPermanent) is marked
// abandoned; any other failure is logged and left pending. It returns the
// number of replayed invocations.
func (j *Journal) Replay(ctx context.Context, fn ReplayFunc) (int, error) {
	start := time.Now()
	pending, err := j.Pending()
	if err != nil {
		return 0, fmt.Errorf("journal: failed to list pending invocations: %w", err)
	}
	if len(pending) == 0 {
		j.logger.Info("no pending invocations to replay")
		return 0, nil
	}

	replayed := 0
	for _, inv := range pending {
		if err := ctx.Err(); err != nil {
			return replayed, err
		}
		if err := fn(ctx, inv); err != nil {
			if !uerrors.IsPermanent(err) {
				j.logger.Warn("replay failed",
					zap.String("invocation", inv.ID), zap.String("table", inv.Table), zap.Error(err))
				continue
			}
			j.logger.Warn("replay failed permanently, abandoning invocation",
				zap.String("invocation", inv.ID), zap.String("table", inv.Table), zap.Error(err))
			if err := j.MarkAbandoned(inv.ID, err); err != nil {
				return replayed, fmt.Errorf("journal: failed to mark %s abandoned: %w", inv.ID, err)
			}
			continue
		}
		if err := j.MarkReplayed(inv.ID); err != nil {
			return replayed, fmt.Errorf("journal: failed to mark %s replayed: %w", inv.ID, err)
		}
		replayed++
	}

	j.logger.Info("replay finished",
		zap.Int("replayed", replayed), zap.Int("pending", len(pending)), zap.Duration("elapsed", time.Since(start)))
	return replayed, nil
}

// Prune deletes the longest run of oldest closed segments whose invocations
// are all settled. Markers are never written before their windows, so removing
// only a prefix cannot orphan a window. It returns the number of deleted
// segments.
func (j *Journal) Prune() (int, error) {
	j.mu.Lock()
	current := filepath.Join(j.dir, segmentName(j.segmentID))
	j.mu.Unlock()

	segments, err := j.Segments()
	if err != nil {
		return 0, err
	}
	perSegment := make(map[string][]*Entry, len(segments))
	var all []*Entry
	for _, path := range segments {
		entries, err := j.readSegment(path)
		if err != nil {
			return 0, err
		}
		perSegment[path] = entries
		all = append(all, entries...)
	}

	settled := make(map[string]bool)
	for _, inv := range group(all) {
		settled[inv.ID] = inv.Settled()
	}

	deleted := 0
	for _, path := range segments {
		if path == current {
			break
		}
		for _, e := range perSegment[path] {
			if !settled[e.Invocation] {
				return deleted, nil
			}
		}
		if err := os.Remove(path); err != nil {
			return deleted, fmt.Errorf("journal: failed to remove segment: %w", err)
		}
		deleted++
	}
	return deleted, nil
}
