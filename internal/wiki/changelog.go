package wiki

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// fieldSep is the ASCII unit separator used between change-log fields.
const fieldSep = "\x1f"

// Change is one entry of the append-only change log. A Revision of 0 marks
// a file upload; page writes carry the committed revision, including the
// tombstone revision of an empty-body deletion.
type Change struct {
	Time     time.Time
	Name     string
	Revision int
	Code     string
}

func (s *Store) changesPath(space string) string {
	return filepath.Join(s.spaceDir(space), "changes.log")
}

func (s *Store) logLock(space string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logLocks[space]
	if !ok {
		l = &sync.Mutex{}
		s.logLocks[space] = l
	}
	return l
}

// AppendChange appends one fully formed log line with O_APPEND so partial
// writes cannot interleave. A zero Time is stamped with the current time.
func (s *Store) AppendChange(space string, c Change) error {
	if c.Time.IsZero() {
		c.Time = time.Now().UTC()
	}
	line := fmt.Sprintf("%d%s%s%s%d%s%s\n",
		c.Time.Unix(), fieldSep, c.Name, fieldSep, c.Revision, fieldSep, c.Code)

	lock := s.logLock(space)
	lock.Lock()
	defer lock.Unlock()

	path := s.changesPath(space)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create space directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open change log: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	if _, err = f.WriteString(line); err != nil {
		return fmt.Errorf("failed to append change log entry: %w", err)
	}
	return nil
}

// Changes returns up to limit parsed entries, newest first, skipping offset
// entries from the tail. Malformed lines, including a partially written
// tail, are skipped. A limit below zero returns everything.
func (s *Store) Changes(space string, offset, limit int) ([]Change, error) {
	entries, err := s.readChanges(space)
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		if offset >= len(entries) {
			return nil, nil
		}
		entries = entries[offset:]
	}
	if limit >= 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// LastPageRevision returns the newest logged revision of a page, ignoring
// file-upload entries, or 0 when the page never appears in the log.
func (s *Store) LastPageRevision(space, name string) int {
	entries, err := s.readChanges(space)
	if err != nil {
		return 0
	}
	for _, c := range entries {
		if c.Name == name && c.Revision > 0 {
			return c.Revision
		}
	}
	return 0
}

// readChanges parses the whole change log, newest entry first.
func (s *Store) readChanges(space string) ([]Change, error) {
	data, err := os.ReadFile(s.changesPath(space))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read change log: %w", err)
	}

	lines := strings.Split(string(data), "\n")
	entries := make([]Change, 0, len(lines))
	for i := len(lines) - 1; i >= 0; i-- {
		c, ok := parseChange(lines[i])
		if ok {
			entries = append(entries, c)
		}
	}
	return entries, nil
}

func parseChange(line string) (Change, bool) {
	fields := strings.Split(line, fieldSep)
	if len(fields) != 4 {
		return Change{}, false
	}
	ts, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return Change{}, false
	}
	rev, err := strconv.Atoi(fields[2])
	if err != nil || rev < 0 {
		return Change{}, false
	}
	return Change{
		Time:     time.Unix(ts, 0).UTC(),
		Name:     fields[1],
		Revision: rev,
		Code:     fields[3],
	}, true
}
