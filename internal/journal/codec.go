package journal

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/arkilian/bulkupsert/internal/stream"
	"github.com/arkilian/bulkupsert/pkg/types"
)

// Values JSON cannot carry are journaled as single-key objects so that a
// replay sees the type the caller sent.
const (
	tagTime  = "$time"
	tagBytes = "$bytes"
)

// tagValues returns rec with its time and byte slice fields replaced by
// tagged objects. rec itself is not modified.
func tagValues(rec types.Record) types.Record {
	var out types.Record
	for name, v := range rec {
		var tagged map[string]string
		switch x := v.(type) {
		case time.Time:
			tagged = map[string]string{tagTime: x.Format(time.RFC3339Nano)}
		case []byte:
			tagged = map[string]string{tagBytes: base64.StdEncoding.EncodeToString(x)}
		default:
			continue
		}
		if out == nil {
			out = make(types.Record, len(rec))
			for k, v := range rec {
				out[k] = v
			}
		}
		out[name] = tagged
	}
	if out == nil {
		return rec
	}
	return out
}

// untagValues reverses tagValues in place. Objects that only look like tags
// but do not decode are left as they are.
func untagValues(rec types.Record) types.Record {
	for name, v := range rec {
		m, ok := v.(map[string]interface{})
		if !ok || len(m) != 1 {
			continue
		}
		if s, ok := m[tagTime].(string); ok {
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				rec[name] = t
			}
			continue
		}
		if s, ok := m[tagBytes].(string); ok {
			if b, err := base64.StdEncoding.DecodeString(s); err == nil {
				rec[name] = b
			}
		}
	}
	return rec
}

// untagStream wraps src so that every record is untagged before delivery.
func untagStream(src *stream.Stream) *stream.Stream {
	return stream.Produce(stream.DefaultBuffer, func(ctx context.Context, w *stream.Writer) error {
		return src.Each(ctx, func(rec types.Record) error {
			return w.Write(ctx, untagValues(rec))
		})
	})
}
