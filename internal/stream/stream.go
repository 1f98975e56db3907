// Package stream provides the push-based lazy record source consumed by the
// upsert engine. A producer writes records with backpressure and signals
// completion or failure; a single consumer drains them. Streams are not
// restartable.
package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/arkilian/bulkupsert/pkg/types"
)

var (
	// ErrConsumed is returned when a stream is iterated a second time.
	ErrConsumed = errors.New("stream: already consumed")

	// ErrClosed is returned when writing to a stream that has ended or failed.
	ErrClosed = errors.New("stream: write after end")

	// ErrAbandoned is returned to a producer once the consumer stopped reading.
	ErrAbandoned = errors.New("stream: consumer stopped reading")

	// ErrInvalid is returned when iterating a stream that was not built by New.
	ErrInvalid = errors.New("stream: not initialized")
)

// DefaultBuffer is the number of records a producer may run ahead of the consumer.
const DefaultBuffer = 64

// Stream is a single-consumer record source. Any number of goroutines may
// write; End and Fail wait for writes in progress.
type Stream struct {
	records chan types.Record
	done    chan struct{}

	// sendMu is held shared by Write and exclusively while closing records.
	sendMu      sync.RWMutex
	closeOnce   sync.Once
	abandonOnce sync.Once
	closed      atomic.Bool
	consumed    atomic.Bool

	mu  sync.Mutex
	err error

	start func(ctx context.Context, w *Writer)
}

// New creates a stream whose producer may buffer up to buffer records.
func New(buffer int) *Stream {
	if buffer < 0 {
		buffer = 0
	}
	return &Stream{
		records: make(chan types.Record, buffer),
		done:    make(chan struct{}),
	}
}

// Produce creates a stream whose producer fn starts when the stream is first
// consumed. The stream ends when fn returns nil and fails with its error
// otherwise.
func Produce(buffer int, fn func(ctx context.Context, w *Writer) error) *Stream {
	s := New(buffer)
	s.start = func(ctx context.Context, w *Writer) {
		if err := fn(ctx, w); err != nil {
			w.Fail(err)
			return
		}
		w.End()
	}
	return s
}

// Valid reports whether s can be consumed. A zero Stream is not valid.
func (s *Stream) Valid() bool {
	return s != nil && s.records != nil && s.done != nil
}

// Writer returns the write-only side of s.
func (s *Stream) Writer() *Writer {
	return &Writer{s: s}
}

// Write pushes one record, blocking while the buffer is full. It returns
// ErrClosed once End or Fail has been called.
func (s *Stream) Write(ctx context.Context, rec types.Record) error {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed.Load() {
		return ErrClosed
	}
	select {
	case s.records <- rec:
		return nil
	case <-s.done:
		return ErrAbandoned
	case <-ctx.Done():
		return ctx.Err()
	}
}

// End signals that no more records follow.
func (s *Stream) End() {
	s.closeOnce.Do(func() {
		s.sendMu.Lock()
		defer s.sendMu.Unlock()
		s.closed.Store(true)
		close(s.records)
	})
}

// Fail ends the stream with err. The consumer observes err after draining
// the records written before the failure.
func (s *Stream) Fail(err error) {
	if err == nil {
		s.End()
		return
	}
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		s.sendMu.Lock()
		defer s.sendMu.Unlock()
		s.closed.Store(true)
		close(s.records)
	})
}

// Each calls fn for every record in order until the stream ends, fn returns
// an error, or ctx is done. It may be called once.
func (s *Stream) Each(ctx context.Context, fn func(types.Record) error) error {
	if !s.Valid() {
		return ErrInvalid
	}
	if s.consumed.Swap(true) {
		return ErrConsumed
	}
	defer s.abandon()

	if s.start != nil {
		go s.start(ctx, s.Writer())
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-s.records:
			if !ok {
				return s.failure()
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
	}
}

// Consumed reports whether Each has been called.
func (s *Stream) Consumed() bool {
	return s.consumed.Load()
}

func (s *Stream) abandon() {
	s.abandonOnce.Do(func() { close(s.done) })
}

func (s *Stream) failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Writer is the producer-only view of a Stream. It cannot be consumed.
type Writer struct {
	s *Stream
}

// Write pushes one record.
func (w *Writer) Write(ctx context.Context, rec types.Record) error {
	return w.s.Write(ctx, rec)
}

// End signals completion.
func (w *Writer) End() { w.s.End() }

// Fail ends the stream with err.
func (w *Writer) Fail(err error) { w.s.Fail(err) }

// FromSlice returns a stream that yields recs in order.
func FromSlice(recs []types.Record) *Stream {
	return Produce(DefaultBuffer, func(ctx context.Context, w *Writer) error {
		for _, rec := range recs {
			if err := w.Write(ctx, rec); err != nil {
				return err
			}
		}
		return nil
	})
}
