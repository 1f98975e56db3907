// Package types provides the core data types shared by the bulk upsert engine.
package types

// Record is one input record: logical field name to scalar or time value.
type Record map[string]interface{}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Row is a record keyed by physical column names, ready to be written.
type Row map[string]interface{}

// Has reports whether the row carries the column, even with a nil value.
func (r Row) Has(column string) bool {
	_, ok := r[column]
	return ok
}
