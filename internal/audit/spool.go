package audit

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"AI_PROCTOR/go-monitor/internal/models"
)

const (
	EntryViolation = "violation"
	EntrySession   = "session"
)

// Entry is one record of the spool file.
type Entry struct {
	Type      string                `msgpack:"type"`
	Violation *models.ViolationRow  `msgpack:"violation,omitempty"`
	Session   *models.SessionRecord `msgpack:"session,omitempty"`
}

// SpoolSink appends msgpack entries to a local file. It keeps an offline
// copy of the trail when no database is configured or reachable.
type SpoolSink struct {
	path string

	mu  sync.Mutex
	f   *os.File
	w   *bufio.Writer
	enc *msgpack.Encoder
}

func OpenSpool(path string) (*SpoolSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open spool: %w", err)
	}
	w := bufio.NewWriter(f)
	return &SpoolSink{path: path, f: f, w: w, enc: msgpack.NewEncoder(w)}, nil
}

func (s *SpoolSink) Path() string {
	return s.path
}

func (s *SpoolSink) RecordViolation(_ context.Context, row models.ViolationRow) error {
	return s.append(Entry{Type: EntryViolation, Violation: &row})
}

func (s *SpoolSink) RecordOutcome(_ context.Context, rec models.SessionRecord) error {
	return s.append(Entry{Type: EntrySession, Session: &rec})
}

func (s *SpoolSink) append(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		return ErrClosed
	}
	if err := s.enc.Encode(&e); err != nil {
		return fmt.Errorf("spool encode: %w", err)
	}
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("spool flush: %w", err)
	}
	return nil
}

func (s *SpoolSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		return nil
	}
	err := errors.Join(s.w.Flush(), s.f.Sync(), s.f.Close())
	s.f = nil
	return err
}

// ReadSpool decodes every entry of a spool file in write order. A torn
// final entry is ignored.
func ReadSpool(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open spool: %w", err)
	}
	defer f.Close()

	dec := msgpack.NewDecoder(bufio.NewReader(f))
	var entries []Entry
	for {
		var e Entry
		err := dec.Decode(&e)
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return entries, nil
		}
		if err != nil {
			return entries, fmt.Errorf("spool decode after %d entries: %w", len(entries), err)
		}
		entries = append(entries, e)
	}
}

// SpoolReader serves a spool file through the Reader interface. The file
// is re-read on every call.
type SpoolReader struct {
	Path string
}

func (r SpoolReader) Session(_ context.Context, id string) (*models.SessionRecord, error) {
	entries, err := ReadSpool(r.Path)
	if err != nil {
		return nil, err
	}
	var found *models.SessionRecord
	for _, e := range entries {
		if e.Type == EntrySession && e.Session != nil && e.Session.ID == id {
			found = e.Session
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (r SpoolReader) Violations(_ context.Context, sessionID string) ([]models.ViolationRow, error) {
	entries, err := ReadSpool(r.Path)
	if err != nil {
		return nil, err
	}
	var out []models.ViolationRow
	for _, e := range entries {
		if e.Type == EntryViolation && e.Violation != nil && e.Violation.SessionID == sessionID {
			out = append(out, *e.Violation)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}
