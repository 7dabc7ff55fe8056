// Package store persists records as append-only JSONL streams and rebuilds the
// per-stream dedup index from them.
package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/aluiziolira/go-scrape-reviews/models"
	lru "github.com/hashicorp/golang-lru/v2"
)

var (
	// ErrDuplicate is returned by Append when the id was already appended to the
	// same file through this store.
	ErrDuplicate = errors.New("store: duplicate record id")
	// ErrMissingID is returned by Append for records lacking the stream id field.
	ErrMissingID = errors.New("store: record has no id")
)

// maxLine bounds one JSONL record. Longer lines are skipped by Load.
var maxLine = 16 << 20

// Store appends records to per-target stream files. It is safe for concurrent use;
// files are opened in append mode per write and never held open.
type Store struct {
	logger *slog.Logger

	recent *lru.Cache[string, struct{}]

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New builds a store whose recent-append guard remembers up to guardSize ids.
func New(guardSize int, logger *slog.Logger) (*Store, error) {
	if guardSize <= 0 {
		guardSize = 1
	}
	recent, err := lru.New[string, struct{}](guardSize)
	if err != nil {
		return nil, fmt.Errorf("create append guard: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		logger: logger,
		recent: recent,
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// Path returns the file backing stream in dir.
func Path(dir string, stream models.Stream) string {
	return filepath.Join(dir, stream.File)
}

// Load scans the stream file and returns the ids it already holds. A missing file
// is an empty index; undecodable lines are logged and skipped.
func (s *Store) Load(dir string, stream models.Stream) (*Index, error) {
	path := Path(dir, stream)
	idx := NewIndex()

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return idx, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 64*1024)
	line := 0
	for {
		raw, tooLong, err := readLine(r, maxLine)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		line++
		if tooLong {
			s.logger.Warn("skipping oversized line",
				slog.String("file", path),
				slog.Int("line", line),
				slog.Int("limit", maxLine),
			)
			continue
		}
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 {
			continue
		}
		var rec models.Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			s.logger.Warn("skipping undecodable line",
				slog.String("file", path),
				slog.Int("line", line),
				slog.Any("error", err),
			)
			continue
		}
		id := rec.ID(stream.IDField)
		if id == "" {
			s.logger.Warn("skipping line without id",
				slog.String("file", path),
				slog.Int("line", line),
				slog.String("field", stream.IDField),
			)
			continue
		}
		idx.Add(id)
	}

	s.logger.Debug("dedup index loaded",
		slog.String("file", path),
		slog.Int("ids", idx.Len()),
	)
	return idx, nil
}

// readLine returns the next line without its terminator. A line longer than
// limit is consumed to its end and reported as tooLong without content.
func readLine(r *bufio.Reader, limit int) (line []byte, tooLong bool, err error) {
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return nil, tooLong, err
		}
		if !tooLong {
			if len(line)+len(chunk) > limit {
				tooLong, line = true, nil
			} else {
				line = append(line, chunk...)
			}
		}
		if !isPrefix {
			return line, tooLong, nil
		}
	}
}

// Append writes rec as one JSON line to the stream file in dir.
func (s *Store) Append(dir string, stream models.Stream, rec models.Record) error {
	id := rec.ID(stream.IDField)
	if id == "" {
		return ErrMissingID
	}

	line, err := encodeLine(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", id, err)
	}

	path := Path(dir, stream)
	lock := s.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	key := path + "\x00" + id
	if s.recent.Contains(key) {
		return ErrDuplicate
	}

	if err := ensureDir(dir); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("append %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}

	s.recent.Add(key, struct{}{})
	return nil
}

func (s *Store) lockFor(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[path]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[path] = lock
	}
	return lock
}

func encodeLine(rec models.Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(rec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func ensureDir(dir string) error {
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}

// Index is the set of ids already persisted in one stream. It is owned by a single
// collector and is not safe for concurrent use.
type Index struct {
	ids map[string]struct{}
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{ids: make(map[string]struct{})}
}

// Has reports whether id is already persisted.
func (i *Index) Has(id string) bool {
	_, ok := i.ids[id]
	return ok
}

// Add marks id as persisted.
func (i *Index) Add(id string) {
	i.ids[id] = struct{}{}
}

// Len returns the number of known ids.
func (i *Index) Len() int {
	return len(i.ids)
}
