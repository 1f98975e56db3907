// Package normalize adapts every accepted input shape into one lazy sequence
// of projected records.
package normalize

import (
	"context"
	"errors"
	"fmt"
	"io"

	uerrors "github.com/arkilian/bulkupsert/internal/errors"
	"github.com/arkilian/bulkupsert/internal/schema"
	"github.com/arkilian/bulkupsert/internal/stream"
	"github.com/arkilian/bulkupsert/pkg/types"
)

// Source is any lazy record producer that can be drained once.
type Source interface {
	Each(ctx context.Context, fn func(types.Record) error) error
}

// Record is an input record after projection.
type Record struct {
	// Index is the zero-based position in the input.
	Index int

	// Row holds physical columns only.
	Row types.Row

	// Identity is the record's identity tuple.
	Identity types.Identity

	// Source is the record as supplied by the caller.
	Source types.Record
}

// Sequence is a lazy sequence of projected records.
type Sequence interface {
	// Each yields records in input order. Non-restartable sequences fail on
	// the second call.
	Each(ctx context.Context, fn func(Record) error) error

	// Restartable reports whether Each may be called more than once.
	Restartable() bool
}

// Normalize validates input and wraps it in a Sequence. Accepted inputs are
// []types.Record, []map[string]interface{}, *stream.Stream, any Source and
// io.Reader (newline-delimited JSON or a JSON array).
func Normalize(input interface{}, proj *schema.Projection) (Sequence, error) {
	if proj == nil {
		return nil, uerrors.NewValidationError(uerrors.CodeInvalidSchema, "projection is nil")
	}

	switch in := input.(type) {
	case nil:
		return nil, uerrors.NewValidationError(uerrors.CodeInvalidInput, "input is absent")
	case []types.Record:
		return &sliceSequence{records: in, proj: proj}, nil
	case []map[string]interface{}:
		recs := make([]types.Record, len(in))
		for i, m := range in {
			recs[i] = types.Record(m)
		}
		return &sliceSequence{records: recs, proj: proj}, nil
	case *stream.Stream:
		if !in.Valid() {
			return nil, uerrors.NewValidationError(uerrors.CodeInvalidInput, "stream is not a conforming record source")
		}
		if in.Consumed() {
			return nil, uerrors.NewValidationError(uerrors.CodeInvalidInput, "stream has already been consumed")
		}
		return &sourceSequence{src: in, proj: proj}, nil
	case *stream.Writer:
		return nil, uerrors.NewValidationError(uerrors.CodeWritableOnlySource, "a write-only stream cannot be read")
	case types.Record, map[string]interface{}:
		return nil, uerrors.NewValidationError(uerrors.CodeUnsupportedInput, "input must be a list of records or a stream, got a single record")
	case Source:
		return &sourceSequence{src: in, proj: proj}, nil
	case io.Reader:
		return &sourceSequence{src: stream.FromReader(in), proj: proj}, nil
	case io.Writer:
		return nil, uerrors.NewValidationError(uerrors.CodeWritableOnlySource,
			fmt.Sprintf("%T is write-only", input))
	default:
		return nil, uerrors.NewValidationError(uerrors.CodeUnsupportedInput,
			fmt.Sprintf("unsupported input type %T", input))
	}
}

func project(proj *schema.Projection, index int, rec types.Record) (Record, error) {
	row := proj.Apply(rec)
	id, missing := proj.Identity(row)
	if missing != "" {
		return Record{}, uerrors.NewValidationError(uerrors.CodeMissingIdentity,
			fmt.Sprintf("record %d has no value for identity field %s", index, missing)).
			WithDetails(map[string]interface{}{"index": index})
	}
	return Record{Index: index, Row: row, Identity: id, Source: rec}, nil
}

type sliceSequence struct {
	records []types.Record
	proj    *schema.Projection
}

func (s *sliceSequence) Restartable() bool { return true }

func (s *sliceSequence) Each(ctx context.Context, fn func(Record) error) error {
	for i, rec := range s.records {
		if err := ctx.Err(); err != nil {
			return err
		}
		nr, err := project(s.proj, i, rec)
		if err != nil {
			return err
		}
		if err := fn(nr); err != nil {
			return err
		}
	}
	return nil
}

type sourceSequence struct {
	src  Source
	proj *schema.Projection
}

func (s *sourceSequence) Restartable() bool { return false }

func (s *sourceSequence) Each(ctx context.Context, fn func(Record) error) error {
	var (
		index int
		inner error
	)
	err := s.src.Each(ctx, func(rec types.Record) error {
		nr, err := project(s.proj, index, rec)
		index++
		if err == nil {
			err = fn(nr)
		}
		inner = err
		return err
	})
	switch {
	case err == nil:
		return nil
	case inner != nil && errors.Is(err, inner):
		return err
	case errors.Is(err, stream.ErrConsumed):
		return uerrors.NewValidationError(uerrors.CodeInvalidInput, "stream has already been consumed")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	var ue *uerrors.UpsertError
	if errors.As(err, &ue) {
		return err
	}
	return uerrors.NewSourceError("record source failed", err)
}
