package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/goccy/go-json"

	uerrors "github.com/arkilian/bulkupsert/internal/errors"
	"github.com/arkilian/bulkupsert/pkg/types"
)

// FromReader returns a stream of records decoded from r. The body may be
// newline-delimited JSON objects or a single JSON array of objects. Numbers
// decode to int64 when integral and float64 otherwise. Decoding starts when
// the stream is consumed.
func FromReader(r io.Reader) *Stream {
	return FromReaderSize(r, DefaultBuffer)
}

// FromReaderSize is FromReader with a record buffer of the given size.
func FromReaderSize(r io.Reader, buffer int) *Stream {
	return Produce(buffer, func(ctx context.Context, w *Writer) error {
		return decode(ctx, r, w)
	})
}

func decode(ctx context.Context, r io.Reader, w *Writer) error {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return uerrors.NewSourceError("failed to read input", err)
	}

	dec := json.NewDecoder(br)
	dec.UseNumber()

	if first == '[' {
		var recs []map[string]interface{}
		if err := dec.Decode(&recs); err != nil {
			return uerrors.NewSourceError("malformed JSON array", err)
		}
		for _, m := range recs {
			if err := w.Write(ctx, toRecord(m)); err != nil {
				return err
			}
		}
		return nil
	}

	for n := 0; ; n++ {
		var m map[string]interface{}
		if err := dec.Decode(&m); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return uerrors.NewSourceError(fmt.Sprintf("malformed record %d", n), err)
		}
		if m == nil {
			continue
		}
		if err := w.Write(ctx, toRecord(m)); err != nil {
			return err
		}
	}
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b, br.UnreadByte()
	}
}

func toRecord(m map[string]interface{}) types.Record {
	rec := make(types.Record, len(m))
	for k, v := range m {
		rec[k] = convertNumbers(v)
	}
	return rec
}

func convertNumbers(v interface{}) interface{} {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case map[string]interface{}:
		for k, inner := range x {
			x[k] = convertNumbers(inner)
		}
		return x
	case []interface{}:
		for i, inner := range x {
			x[i] = convertNumbers(inner)
		}
		return x
	default:
		return v
	}
}
