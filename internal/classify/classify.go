// Package classify splits projected records into insert and update sets by
// checking their identities against the store.
package classify

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	uerrors "github.com/arkilian/bulkupsert/internal/errors"
	"github.com/arkilian/bulkupsert/internal/normalize"
	"github.com/arkilian/bulkupsert/internal/schema"
	"github.com/arkilian/bulkupsert/pkg/types"
)

// DuplicatePolicy decides what happens when two records in one invocation
// share an identity.
type DuplicatePolicy string

const (
	// LastWins keeps the last occurrence and drops earlier ones.
	LastWins DuplicatePolicy = "last_wins"

	// Reject fails the invocation on the first duplicate.
	Reject DuplicatePolicy = "reject"
)

// DefaultChunkSize bounds the number of identities per existence lookup.
const DefaultChunkSize = 500

// ParsePolicy converts a configured policy name. The empty string selects LastWins.
func ParsePolicy(s string) (DuplicatePolicy, error) {
	switch DuplicatePolicy(s) {
	case "", LastWins:
		return LastWins, nil
	case Reject:
		return Reject, nil
	default:
		return "", uerrors.NewValidationError(uerrors.CodeInvalidOption, "unknown duplicate policy "+s)
	}
}

// Lookup reports which identities already have a row in table. The returned
// set is keyed by Identity.Key.
type Lookup interface {
	Exists(ctx context.Context, table string, keyColumns []string, ids []types.Identity) (map[string]struct{}, error)
}

// Result is the partition of one window of records.
type Result struct {
	Inserts    []normalize.Record
	Updates    []normalize.Record
	Superseded int
}

// Classifier partitions windows of records for one invocation. It remembers
// identities across windows so that the Reject policy holds for the whole
// invocation; it must not be shared between invocations.
type Classifier struct {
	lookup    Lookup
	proj      *schema.Projection
	policy    DuplicatePolicy
	chunkSize int
	seen      map[string]int
	logger    *zap.Logger
}

// New creates a classifier for one invocation.
func New(lookup Lookup, proj *schema.Projection, policy DuplicatePolicy, chunkSize int, logger *zap.Logger) *Classifier {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if policy == "" {
		policy = LastWins
	}
	if logger == nil {
		logger = zap.L()
	}
	c := &Classifier{
		lookup:    lookup,
		proj:      proj,
		policy:    policy,
		chunkSize: chunkSize,
		logger:    logger.Named("classify"),
	}
	if policy == Reject {
		c.seen = make(map[string]int)
	}
	return c
}

// Classify resolves duplicates in recs and partitions the survivors. Both
// output sets keep input order. An empty window performs no lookup.
func (c *Classifier) Classify(ctx context.Context, recs []normalize.Record) (*Result, error) {
	res := &Result{}
	if len(recs) == 0 {
		return res, nil
	}

	winners, superseded, err := c.dedupe(recs)
	if err != nil {
		return nil, err
	}
	res.Superseded = superseded

	ids := make([]types.Identity, len(winners))
	for i, r := range winners {
		ids[i] = r.Identity
	}
	existing, err := c.exists(ctx, ids)
	if err != nil {
		return nil, err
	}

	for _, r := range winners {
		if _, ok := existing[r.Identity.Key()]; ok {
			res.Updates = append(res.Updates, r)
		} else {
			res.Inserts = append(res.Inserts, r)
		}
	}

	if superseded > 0 {
		c.logger.Debug("superseded duplicate identities",
			zap.String("table", c.proj.Table()), zap.Int("count", superseded))
	}
	return res, nil
}

func (c *Classifier) dedupe(recs []normalize.Record) ([]normalize.Record, int, error) {
	if c.policy == Reject {
		for _, r := range recs {
			key := r.Identity.Key()
			if first, dup := c.seen[key]; dup {
				return nil, 0, uerrors.NewExecutionError(uerrors.CodeDuplicateIdentity,
					fmt.Sprintf("identity %s appears at records %d and %d", r.Identity, first, r.Index), nil)
			}
			c.seen[key] = r.Index
		}
		return recs, 0, nil
	}

	last := make(map[string]int, len(recs))
	for i, r := range recs {
		last[r.Identity.Key()] = i
	}
	if len(last) == len(recs) {
		return recs, 0, nil
	}

	winners := make([]normalize.Record, 0, len(last))
	for i, r := range recs {
		if last[r.Identity.Key()] == i {
			winners = append(winners, r)
		}
	}
	return winners, len(recs) - len(winners), nil
}

func (c *Classifier) exists(ctx context.Context, ids []types.Identity) (map[string]struct{}, error) {
	existing := make(map[string]struct{}, len(ids))
	for start := 0; start < len(ids); start += c.chunkSize {
		end := start + c.chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		found, err := c.lookup.Exists(ctx, c.proj.Table(), c.proj.IdentityColumns(), ids[start:end])
		if err != nil {
			return nil, uerrors.NewQueryError(uerrors.CodeLookupFailed,
				fmt.Sprintf("existence lookup on %s failed", c.proj.Table()), err)
		}
		for k := range found {
			existing[k] = struct{}{}
		}
	}
	return existing, nil
}
