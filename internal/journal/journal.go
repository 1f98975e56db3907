// Package journal records the source records of upsert invocations so that
// invocations fed from non-restartable streams can be replayed after a
// rollback or crash.
package journal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang/snappy"
	"go.uber.org/zap"

	uerrors "github.com/arkilian/bulkupsert/internal/errors"
	"github.com/arkilian/bulkupsert/pkg/types"
)

// EntryKind distinguishes journal entries.
type EntryKind string

const (
	KindWindow     EntryKind = "window"
	KindCommitted  EntryKind = "committed"
	KindRolledBack EntryKind = "rolled_back"
	KindReplayed   EntryKind = "replayed"
	KindAbandoned  EntryKind = "abandoned"
)

// DefaultMaxSegmentBytes is the segment rotation threshold.
const DefaultMaxSegmentBytes = 64 * 1024 * 1024

const (
	segmentPrefix = "journal_"
	segmentSuffix = ".log"
)

// Options are the invocation options needed to replay it faithfully.
type Options struct {
	IDFields        []string `json:"id_fields,omitempty"`
	Omit            []string `json:"omit,omitempty"`
	DuplicatePolicy string   `json:"duplicate_policy,omitempty"`
}

// Entry is one journal record.
type Entry struct {
	LSN        uint64            `json:"lsn"`
	Invocation string            `json:"invocation"`
	Kind       EntryKind         `json:"kind"`
	Table      string            `json:"table,omitempty"`
	Options    *Options          `json:"options,omitempty"`
	Records    []json.RawMessage `json:"records,omitempty"`
	Error      string            `json:"error,omitempty"`
	Permanent  bool              `json:"permanent,omitempty"`
	Timestamp  int64             `json:"timestamp"`
}

// Journal is an append-only log of invocation windows and outcomes.
type Journal struct {
	dir        string
	segment    *os.File
	segmentID  uint64
	offset     int64
	maxSegSize int64
	currentLSN uint64
	mu         sync.Mutex
	logger     *zap.Logger
}

// Open opens the journal in dir, creating the directory if it doesn't exist,
// and continues after the last segment found there.
func Open(dir string, maxSegSize int64, logger *zap.Logger) (*Journal, error) {
	if maxSegSize <= 0 {
		maxSegSize = DefaultMaxSegmentBytes
	}
	if logger == nil {
		logger = zap.L()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("journal: failed to create directory: %w", err)
	}

	j := &Journal{
		dir:        dir,
		maxSegSize: maxSegSize,
		logger:     logger.Named("journal"),
	}

	segments, err := j.Segments()
	if err != nil {
		return nil, err
	}
	var validEnd int64
	for _, path := range segments {
		entries, end, err := j.scanSegment(path)
		if err != nil {
			return nil, err
		}
		if n := len(entries); n > 0 && entries[n-1].LSN > j.currentLSN {
			j.currentLSN = entries[n-1].LSN
		}
		validEnd = end
	}
	if n := len(segments); n > 0 {
		last := segments[n-1]
		id, _ := parseSegmentID(filepath.Base(last))
		j.segmentID = id
		// Drop a torn tail so new entries stay readable.
		if info, err := os.Stat(last); err == nil && info.Size() > validEnd {
			if err := os.Truncate(last, validEnd); err != nil {
				return nil, fmt.Errorf("journal: failed to truncate torn segment: %w", err)
			}
			j.logger.Warn("truncated torn journal tail",
				zap.String("segment", last), zap.Int64("bytes", info.Size()-validEnd))
		}
	}

	if err := j.openSegment(); err != nil {
		return nil, err
	}
	return j, nil
}

// Dir returns the journal directory.
func (j *Journal) Dir() string { return j.dir }

func segmentName(id uint64) string {
	return fmt.Sprintf("%s%016x%s", segmentPrefix, id, segmentSuffix)
}

func parseSegmentID(name string) (uint64, bool) {
	if len(name) != len(segmentPrefix)+16+len(segmentSuffix) || name[:len(segmentPrefix)] != segmentPrefix {
		return 0, false
	}
	var id uint64
	if _, err := fmt.Sscanf(name[len(segmentPrefix):len(segmentPrefix)+16], "%016x", &id); err != nil {
		return 0, false
	}
	return id, true
}

// Segments lists segment files in chronological order.
func (j *Journal) Segments() ([]string, error) {
	files, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, fmt.Errorf("journal: failed to read directory: %w", err)
	}
	var out []string
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		if _, ok := parseSegmentID(f.Name()); ok {
			out = append(out, filepath.Join(j.dir, f.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

func (j *Journal) openSegment() error {
	path := filepath.Join(j.dir, segmentName(j.segmentID))
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("journal: failed to open segment: %w", err)
	}
	offset, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		file.Close()
		return fmt.Errorf("journal: failed to seek segment: %w", err)
	}
	j.segment = file
	j.offset = offset
	return nil
}

// Append adds an entry and returns its LSN.
func (j *Journal) Append(entry *Entry) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.segment == nil {
		return 0, errors.New("journal: closed")
	}

	j.currentLSN++
	entry.LSN = j.currentLSN
	if entry.Timestamp == 0 {
		entry.Timestamp = time.Now().UnixNano()
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		j.currentLSN--
		return 0, fmt.Errorf("journal: failed to serialize entry: %w", err)
	}
	payload := snappy.Encode(nil, raw)

	// [length:4][crc32:4][snappy payload:length]
	if err := j.writeEntry(uint32(len(payload)), crc32.ChecksumIEEE(payload), payload); err != nil {
		return 0, err
	}
	return j.currentLSN, nil
}

func (j *Journal) writeEntry(length, crc uint32, payload []byte) error {
	header := make([]byte, 8)
	binary.LittleEndian.PutUint32(header[0:4], length)
	binary.LittleEndian.PutUint32(header[4:8], crc)

	if _, err := j.segment.Write(header); err != nil {
		return fmt.Errorf("journal: failed to write header: %w", err)
	}
	if _, err := j.segment.Write(payload); err != nil {
		return fmt.Errorf("journal: failed to write payload: %w", err)
	}
	if err := j.segment.Sync(); err != nil {
		return fmt.Errorf("journal: failed to fsync: %w", err)
	}

	j.offset += int64(8 + len(payload))
	if j.offset >= j.maxSegSize {
		return j.rotate()
	}
	return nil
}

func (j *Journal) rotate() error {
	if j.segment != nil {
		if err := j.segment.Close(); err != nil {
			return fmt.Errorf("journal: failed to close segment: %w", err)
		}
	}
	j.segmentID++
	return j.openSegment()
}

// CurrentLSN returns the LSN of the last appended entry.
func (j *Journal) CurrentLSN() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.currentLSN
}

// Close fsyncs and closes the current segment.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.segment != nil {
		if err := j.segment.Sync(); err != nil {
			return fmt.Errorf("journal: failed to fsync on close: %w", err)
		}
		if err := j.segment.Close(); err != nil {
			return fmt.Errorf("journal: failed to close segment: %w", err)
		}
		j.segment = nil
	}
	return nil
}

// RecordWindow journals one window of source records. Top-level time.Time and
// []byte values are stored with a type tag and come back with their type from
// Invocation.Source; nested values replay as plain JSON.
func (j *Journal) RecordWindow(invocation, table string, opts Options, recs []types.Record) error {
	raw := make([]json.RawMessage, len(recs))
	for i, rec := range recs {
		b, err := json.Marshal(tagValues(rec))
		if err != nil {
			return uerrors.NewJournalError(fmt.Sprintf("failed to encode record %d", i), err)
		}
		raw[i] = b
	}
	_, err := j.Append(&Entry{
		Invocation: invocation,
		Kind:       KindWindow,
		Table:      table,
		Options:    &opts,
		Records:    raw,
	})
	if err != nil {
		return uerrors.NewJournalError("failed to append window", err)
	}
	return nil
}

// RecordOutcome journals the terminal state of an invocation. A rollback
// caused by a permanent failure (see uerrors.IsPermanent) is recorded as
// settled: replaying the same records would fail the same way.
func (j *Journal) RecordOutcome(invocation, table string, kind EntryKind, cause error) error {
	entry := &Entry{Invocation: invocation, Kind: kind, Table: table}
	if cause != nil {
		entry.Error = cause.Error()
		entry.Permanent = kind == KindRolledBack && uerrors.IsPermanent(cause)
	}
	if _, err := j.Append(entry); err != nil {
		return uerrors.NewJournalError("failed to append outcome", err)
	}
	return nil
}

// readSegment reads all valid entries of one segment file. Entries with a
// bad checksum are skipped; a truncated tail ends the read.
func (j *Journal) readSegment(path string) ([]*Entry, error) {
	entries, _, err := j.scanSegment(path)
	return entries, err
}

// scanSegment also returns the offset just past the last complete frame.
func (j *Journal) scanSegment(path string) ([]*Entry, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("journal: failed to open segment: %w", err)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return nil, 0, fmt.Errorf("journal: failed to stat segment: %w", err)
	}

	var (
		entries []*Entry
		offset  int64
		header  = make([]byte, 8)
	)
	for {
		if _, err := io.ReadFull(file, header); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return nil, 0, fmt.Errorf("journal: failed to read header: %w", err)
		}
		length := binary.LittleEndian.Uint32(header[0:4])
		crc := binary.LittleEndian.Uint32(header[4:8])

		if offset+8+int64(length) > info.Size() {
			j.logger.Warn("truncated journal entry", zap.String("segment", path), zap.Int64("offset", offset))
			break
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(file, payload); err != nil {
			j.logger.Warn("truncated journal entry", zap.String("segment", path), zap.Int64("offset", offset))
			break
		}
		entryOffset := offset
		offset += 8 + int64(length)

		if crc32.ChecksumIEEE(payload) != crc {
			j.logger.Warn("journal checksum mismatch, skipping entry",
				zap.String("segment", path), zap.Int64("offset", entryOffset))
			continue
		}
		raw, err := snappy.Decode(nil, payload)
		if err != nil {
			j.logger.Warn("undecodable journal entry", zap.String("segment", path), zap.Error(err))
			continue
		}
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			j.logger.Warn("malformed journal entry", zap.String("segment", path), zap.Error(err))
			continue
		}
		entries = append(entries, &entry)
	}
	return entries, offset, nil
}

// Entries reads every entry in LSN order.
func (j *Journal) Entries() ([]*Entry, error) {
	segments, err := j.Segments()
	if err != nil {
		return nil, err
	}
	var all []*Entry
	for _, path := range segments {
		entries, err := j.readSegment(path)
		if err != nil {
			return nil, err
		}
		all = append(all, entries...)
	}
	sort.SliceStable(all, func(a, b int) bool { return all[a].LSN < all[b].LSN })
	return all, nil
}
