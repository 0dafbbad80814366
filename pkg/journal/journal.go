package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"episodelog/pkg/frame"
	"episodelog/pkg/value"
)

// ErrMissingEpisodeID rejects frames that have no destination stream.
var ErrMissingEpisodeID = errors.New("journal: frame has no episode id")

// Record is the fixed projection of a frame written as one JSON line.
type Record struct {
	EpisodeID   string      `json:"episode_id"`
	Step        int64       `json:"t"`
	GlobalTick  int64       `json:"global_tick"`
	TimestampMs int64       `json:"timestamp_ms"`
	State       value.Value `json:"state"`
	Action      value.Value `json:"action"`
	Events      []value.Map `json:"events"`
	Reward      float64     `json:"reward"`
	Done        bool        `json:"done"`
	Timeout     bool        `json:"timeout"`
}

// RecordFromFrame projects a finalized frame.
func RecordFromFrame(f *frame.Frame) Record {
	events := f.AllEvents()
	if events == nil {
		events = []value.Map{}
	}
	return Record{
		EpisodeID:   f.EpisodeID(),
		Step:        f.TimeStep(),
		GlobalTick:  f.GlobalTick(),
		TimestampMs: f.TimestampMs(),
		State:       f.State(),
		Action:      f.Action(),
		Events:      events,
		Reward:      f.Reward(),
		Done:        f.Done(),
		Timeout:     f.Timeout(),
	}
}

// EpisodeFileName maps an episode id to its file name. Characters outside
// [A-Za-z0-9._-] are replaced with '_'.
func EpisodeFileName(episodeID string) string {
	var b strings.Builder
	b.Grow(len(episodeID) + len("episode_.jsonl"))
	b.WriteString("episode_")
	for _, r := range episodeID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	b.WriteString(".jsonl")
	return b.String()
}

type stream struct {
	file *os.File
	buf  *bufio.Writer
}

func (s *stream) flush(fsync bool) error {
	if err := s.buf.Flush(); err != nil {
		return err
	}
	if fsync {
		return s.file.Sync()
	}
	return nil
}

func (s *stream) close() error {
	return errors.Join(s.buf.Flush(), s.file.Close())
}

// Option customises a Writer.
type Option func(*Writer)

// WithSync makes every write fsync the episode file after flushing.
func WithSync(enabled bool) Option {
	return func(w *Writer) { w.fsync = enabled }
}

// Writer appends records to one JSON Lines file per episode. Safe for
// concurrent use; each line is written and flushed under the writer lock.
type Writer struct {
	dir   string
	fsync bool

	mu      sync.Mutex
	streams map[string]*stream // episode id → open file
}

// NewWriter creates dir if needed. Failure to create it is returned.
func NewWriter(dir string, opts ...Option) (*Writer, error) {
	if dir == "" {
		return nil, errors.New("journal: output directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("journal: create output dir: %w", err)
	}
	w := &Writer{dir: dir, streams: make(map[string]*stream)}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Dir returns the output directory.
func (w *Writer) Dir() string { return w.dir }

// Path returns the file path used for an episode.
func (w *Writer) Path(episodeID string) string {
	return filepath.Join(w.dir, EpisodeFileName(episodeID))
}

// Write appends the frame's record to its episode file and flushes it.
func (w *Writer) Write(f *frame.Frame) error {
	if f == nil {
		return errors.New("journal: nil frame")
	}
	return w.WriteRecord(RecordFromFrame(f))
}

// WriteRecord appends one record. The stream is opened in append mode on
// first use. A failed open, write or flush leaves no stream cached, so the
// next write for the episode retries from a fresh file handle.
func (w *Writer) WriteRecord(rec Record) error {
	if rec.EpisodeID == "" {
		return ErrMissingEpisodeID
	}
	if rec.Events == nil {
		rec.Events = []value.Map{}
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("journal: encode %s: %w", rec.EpisodeID, err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	s, err := w.streamLocked(rec.EpisodeID)
	if err != nil {
		return err
	}
	var size int64 = -1
	if info, err := s.file.Stat(); err == nil {
		size = info.Size()
	}
	if _, err := s.buf.Write(line); err != nil {
		w.discardLocked(rec.EpisodeID, s, size)
		return fmt.Errorf("journal: write %s: %w", rec.EpisodeID, err)
	}
	if err := s.flush(w.fsync); err != nil {
		w.discardLocked(rec.EpisodeID, s, size)
		return fmt.Errorf("journal: flush %s: %w", rec.EpisodeID, err)
	}
	return nil
}

// discardLocked drops a stream whose write failed. Its buffer is abandoned and
// the file is cut back to size so no partial line survives; the next write
// reopens the file in append mode.
func (w *Writer) discardLocked(episodeID string, s *stream, size int64) {
	delete(w.streams, episodeID)
	if size >= 0 {
		_ = s.file.Truncate(size)
	}
	_ = s.file.Close()
}

func (w *Writer) streamLocked(episodeID string) (*stream, error) {
	if s, ok := w.streams[episodeID]; ok {
		return s, nil
	}
	file, err := os.OpenFile(w.Path(episodeID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", episodeID, err)
	}
	s := &stream{file: file, buf: bufio.NewWriter(file)}
	w.streams[episodeID] = s
	return s, nil
}

// Flush flushes every open stream without closing it.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var errs []error
	for id, s := range w.streams {
		if err := s.flush(w.fsync); err != nil {
			errs = append(errs, fmt.Errorf("journal: flush %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// CloseEpisode flushes and releases one episode's stream. Closing an episode
// with no open stream is a no-op.
func (w *Writer) CloseEpisode(episodeID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.streams[episodeID]
	if !ok {
		return nil
	}
	delete(w.streams, episodeID)
	if err := s.close(); err != nil {
		return fmt.Errorf("journal: close %s: %w", episodeID, err)
	}
	return nil
}

// Close flushes and releases every stream. It is idempotent and the writer
// stays usable: a later write reopens its file in append mode.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var errs []error
	for id, s := range w.streams {
		if err := s.close(); err != nil {
			errs = append(errs, fmt.Errorf("journal: close %s: %w", id, err))
		}
	}
	w.streams = make(map[string]*stream)
	return errors.Join(errs...)
}

// OpenEpisodes lists episode ids with an open stream, sorted.
func (w *Writer) OpenEpisodes() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.streams))
	for id := range w.streams {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
