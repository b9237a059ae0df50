// Package filesink implements the rotating file writer (component C3). A
// Sink accumulates bytes for the current output file and rotates to a new
// file once a soft size ceiling is exceeded, but only at a position a
// SplitLocator reports as a safe record boundary — rotation must never
// truncate a record (P2). If no safe split exists yet the file is allowed
// to grow past the ceiling rather than cut a record in half.
package filesink

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// SplitLocator inspects buffered, not-yet-written bytes and returns the
// offset of the last safe record boundary, or 0 if none exists yet (the
// caller must keep accumulating).
type SplitLocator func(buf []byte) int

// Sink writes a sequence of rotated files named prefix-00000, prefix-00001,
// ... under dir. The zero value is not usable; construct with New.
type Sink struct {
	dir     string
	prefix  string
	maxSize int

	locator SplitLocator

	// OnRotate, if set, is invoked synchronously with the path of each file
	// as it closes (both threshold-triggered rotations and the final file
	// closed by Finish). Tasks use this as the submission point for
	// downstream processing of a just-completed file.
	OnRotate func(path string)

	mu        sync.Mutex
	buf       []byte
	index     int
	curPath   string
	completed []string
	finished  bool
}

// New constructs a Sink. maxSize is the soft ceiling in bytes at which
// rotation is attempted after every Write; locator decides where it is
// actually safe to cut.
func New(dir, prefix string, maxSize int, locator SplitLocator) (*Sink, error) {
	if maxSize < 1 {
		return nil, errors.New("filesink: maxSize must be at least 1")
	}
	if locator == nil {
		return nil, errors.New("filesink: locator is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("filesink: creating output dir: %w", err)
	}
	return &Sink{
		dir:     dir,
		prefix:  prefix,
		maxSize: maxSize,
		locator: locator,
	}, nil
}

// Write appends p to the current file's pending buffer and rotates as many
// times as the locator allows while the buffer remains over the ceiling.
func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return 0, errors.New("filesink: write after Finish")
	}

	s.buf = append(s.buf, p...)
	for len(s.buf) > s.maxSize {
		split := s.locator(s.buf)
		if split <= 0 || split > len(s.buf) {
			break
		}
		if err := s.flushFile(s.buf[:split]); err != nil {
			return 0, err
		}
		remainder := make([]byte, len(s.buf)-split)
		copy(remainder, s.buf[split:])
		s.buf = remainder
	}
	return len(p), nil
}

// Finish flushes any remaining buffered bytes to a final file (even if
// under the ceiling) and marks the sink closed. It is safe to call Finish
// with nothing pending; no empty file is created in that case.
func (s *Sink) Finish() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return nil
	}
	s.finished = true
	if len(s.buf) == 0 {
		return nil
	}
	buf := s.buf
	s.buf = nil
	return s.flushFile(buf)
}

// Completed returns the paths of every file written so far, in rotation
// order. Safe to call at any point, including before Finish.
func (s *Sink) Completed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.completed))
	copy(out, s.completed)
	return out
}

// Pending returns the number of bytes currently buffered but not yet
// written to any file, for tests asserting rotation behavior.
func (s *Sink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

func (s *Sink) flushFile(content []byte) error {
	path := filepath.Join(s.dir, fmt.Sprintf("%s-%05d", s.prefix, s.index))
	s.index++
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return fmt.Errorf("filesink: writing %s: %w", path, err)
	}
	s.completed = append(s.completed, path)
	if s.OnRotate != nil {
		s.OnRotate(path)
	}
	return nil
}

// LocateInventorySplit implements the metadump inventory locator: the last
// newline that precedes the last "key=" marker in buf. Cutting there never
// separates a "key=..." line from its own newline, because every complete
// line up to and including that newline stands on its own.
func LocateInventorySplit(buf []byte) int {
	lastKey := bytes.LastIndex(buf, []byte("key="))
	if lastKey <= 0 {
		return 0
	}
	nl := bytes.LastIndexByte(buf[:lastKey], '\n')
	if nl < 0 {
		return 0
	}
	return nl + 1
}

// LocateDataSplit implements the key/value data file locator. Data records
// are "key=<k> exp=<n> flags=<n> size=<n> value=<n raw bytes>\n"; since a
// cached value may itself contain arbitrary bytes including newlines, the
// split point cannot be found by scanning backward for '\n' the way the
// inventory locator does. Instead it walks forward from the start of buf,
// parsing the declared size field of each record to skip exactly that many
// value bytes, and returns the offset just past the last record it could
// fully parse.
func LocateDataSplit(buf []byte) int {
	offset := 0
	for {
		n, ok := scanOneDataRecord(buf[offset:])
		if !ok {
			break
		}
		offset += n
	}
	return offset
}

const dataValueMarker = "value="

func scanOneDataRecord(b []byte) (int, bool) {
	idx := bytes.Index(b, []byte(dataValueMarker))
	if idx < 0 {
		return 0, false
	}
	size, ok := parseSizeField(b[:idx])
	if !ok {
		return 0, false
	}
	valueStart := idx + len(dataValueMarker)
	need := valueStart + size + 1 // value bytes plus trailing '\n'
	if len(b) < need {
		return 0, false
	}
	if b[need-1] != '\n' {
		return 0, false
	}
	return need, true
}

const dataSizeMarker = "size="

func parseSizeField(header []byte) (int, bool) {
	idx := bytes.Index(header, []byte(dataSizeMarker))
	if idx < 0 {
		return 0, false
	}
	start := idx + len(dataSizeMarker)
	end := start
	for end < len(header) && header[end] != ' ' {
		end++
	}
	n, err := strconv.Atoi(string(header[start:end]))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
