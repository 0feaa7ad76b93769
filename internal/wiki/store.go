// Package wiki implements the on-disk page store: current pages, kept
// revisions, uploaded files with their MIME sidecars, the per-space page
// index, and the append-only change log.
//
// Layout per space root:
//
//	page/<name>.gmi    current revision
//	keep/<name>/<rev>.gmi
//	file/<name>        uploaded bytes
//	meta/<name>        JSON sidecar {"content-type": ...}
//	index              cached page list, one name per line
//	changes.log        append-only change log
//
// Every write goes through a temp file plus rename in the target directory,
// so readers observe either the old or the new content, never a torn file.
package wiki

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ErrNotFound is returned when a page, revision or file does not exist.
var ErrNotFound = errors.New("wiki: not found")

const (
	pageSuffix = ".gmi"
	indexFile  = "index"
)

// Store is the on-disk wiki store rooted at a data directory. The empty
// space name addresses the root of the data directory; named spaces live in
// subdirectories.
//
// Writes to the same (space, name) are serialized by a per-resource mutex so
// concurrent Titan uploads commit in a total order with consecutive revision
// numbers. Change-log appends take a per-space mutex held only across the
// single O_APPEND write.
type Store struct {
	dir string

	mu        sync.Mutex
	pageLocks map[string]*sync.Mutex
	logLocks  map[string]*sync.Mutex
}

// NewStore opens (creating if needed) a store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create wiki directory: %w", err)
	}
	return &Store{
		dir:       dir,
		pageLocks: make(map[string]*sync.Mutex),
		logLocks:  make(map[string]*sync.Mutex),
	}, nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) spaceDir(space string) string {
	if space == "" {
		return s.dir
	}
	return filepath.Join(s.dir, space)
}

func (s *Store) pagePath(space, name string) string {
	return filepath.Join(s.spaceDir(space), "page", name+pageSuffix)
}

func (s *Store) keepPath(space, name string, rev int) string {
	return filepath.Join(s.spaceDir(space), "keep", name, strconv.Itoa(rev)+pageSuffix)
}

func (s *Store) filePath(space, name string) string {
	return filepath.Join(s.spaceDir(space), "file", name)
}

func (s *Store) metaPath(space, name string) string {
	return filepath.Join(s.spaceDir(space), "meta", name)
}

func (s *Store) indexPath(space string) string {
	return filepath.Join(s.spaceDir(space), indexFile)
}

func (s *Store) pageLock(space, name string) *sync.Mutex {
	key := space + "\x00" + name
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.pageLocks[key]
	if !ok {
		l = &sync.Mutex{}
		s.pageLocks[key] = l
	}
	return l
}

// ReadPage returns the current text of a page and its revision number.
func (s *Store) ReadPage(space, name string) (string, int, error) {
	if err := ValidateName(name); err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	data, err := os.ReadFile(s.pagePath(space, name))
	if errors.Is(err, os.ErrNotExist) {
		return "", 0, ErrNotFound
	}
	if err != nil {
		return "", 0, fmt.Errorf("failed to read page %s: %w", name, err)
	}
	return string(data), s.currentRevision(space, name, true), nil
}

// ReadPageRevision returns the text of one historical revision. Asking for
// the current revision falls through to the primary slot.
func (s *Store) ReadPageRevision(space, name string, rev int) (string, error) {
	if err := ValidateName(name); err != nil || rev < 1 {
		return "", ErrNotFound
	}
	data, err := os.ReadFile(s.keepPath(space, name, rev))
	if errors.Is(err, os.ErrNotExist) {
		text, current, errPage := s.ReadPage(space, name)
		if errPage == nil && current == rev {
			return text, nil
		}
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read revision %d of %s: %w", rev, name, err)
	}
	return string(data), nil
}

// maxKeptRevision returns the highest revision number present under keep/,
// or 0 when no revision has been kept.
func (s *Store) maxKeptRevision(space, name string) int {
	entries, err := os.ReadDir(filepath.Join(s.spaceDir(space), "keep", name))
	if err != nil {
		return 0
	}
	maxRev := 0
	for _, e := range entries {
		n, errAtoi := strconv.Atoi(strings.TrimSuffix(e.Name(), pageSuffix))
		if errAtoi == nil && n > maxRev {
			maxRev = n
		}
	}
	return maxRev
}

// currentRevision derives the last committed revision of a page. The kept
// revisions plus the primary slot are the primary source; the change log
// covers tombstones left by empty-body deletions, whose revision advanced
// without a kept file. The two sources are reconciled by taking the maximum,
// which keeps the scheme monotone even if one of them is incomplete.
func (s *Store) currentRevision(space, name string, primaryExists bool) int {
	rev := s.maxKeptRevision(space, name)
	if primaryExists {
		rev++
	}
	if logged := s.LastPageRevision(space, name); logged > rev {
		rev = logged
	}
	return rev
}

// WritePage commits a new revision of a page. An empty text deletes the
// primary slot while history is preserved; the deletion itself is a revision.
// The returned number is the committed revision.
func (s *Store) WritePage(space, name, text, code string) (int, error) {
	if err := ValidateName(name); err != nil {
		return 0, err
	}

	lock := s.pageLock(space, name)
	lock.Lock()
	defer lock.Unlock()

	primary := s.pagePath(space, name)
	current, err := os.ReadFile(primary)
	primaryExists := err == nil
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("failed to read current revision of %s: %w", name, err)
	}

	rev := s.currentRevision(space, name, primaryExists)
	if primaryExists {
		if err = writeFileAtomic(s.keepPath(space, name, rev), current); err != nil {
			return 0, fmt.Errorf("failed to keep revision %d of %s: %w", rev, name, err)
		}
	}
	rev++

	if text == "" {
		if err = os.Remove(primary); err != nil && !errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("failed to delete page %s: %w", name, err)
		}
	} else {
		if err = writeFileAtomic(primary, []byte(text)); err != nil {
			return 0, fmt.Errorf("failed to write page %s: %w", name, err)
		}
	}

	// The page is committed at this point. A failing change-log append
	// leaves it committed; the index rebuild still discovers the page and
	// history reconstruction is best effort.
	if err = s.AppendChange(space, Change{Name: name, Revision: rev, Code: code}); err != nil {
		log.Warnf("page %s committed at revision %d but change log append failed: %v", name, rev, err)
	}

	s.invalidateIndex(space)
	return rev, nil
}

// WriteFile stores an uploaded file and its MIME sidecar. Files carry no
// revision history; the previous content is overwritten.
func (s *Store) WriteFile(space, name string, data []byte, mime, code string) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	lock := s.pageLock(space, name)
	lock.Lock()
	defer lock.Unlock()

	if err := writeFileAtomic(s.filePath(space, name), data); err != nil {
		return fmt.Errorf("failed to write file %s: %w", name, err)
	}
	meta, err := sjson.SetBytes([]byte("{}"), "content-type", mime)
	if err != nil {
		return fmt.Errorf("failed to build sidecar for %s: %w", name, err)
	}
	if err = writeFileAtomic(s.metaPath(space, name), meta); err != nil {
		return fmt.Errorf("failed to write sidecar for %s: %w", name, err)
	}

	if err = s.AppendChange(space, Change{Name: name, Revision: 0, Code: code}); err != nil {
		log.Warnf("file %s committed but change log append failed: %v", name, err)
	}
	return nil
}

// ReadFile returns the bytes and declared content type of an uploaded file.
func (s *Store) ReadFile(space, name string) ([]byte, string, error) {
	if err := ValidateName(name); err != nil {
		return nil, "", ErrNotFound
	}
	data, err := os.ReadFile(s.filePath(space, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to read file %s: %w", name, err)
	}
	meta, err := os.ReadFile(s.metaPath(space, name))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read sidecar for %s: %w", name, err)
	}
	mime := gjson.GetBytes(meta, "content-type").String()
	if mime == "" {
		mime = "application/octet-stream"
	}
	return data, mime, nil
}

// HasFile reports whether an uploaded file exists.
func (s *Store) HasFile(space, name string) bool {
	if ValidateName(name) != nil {
		return false
	}
	_, err := os.Stat(s.filePath(space, name))
	return err == nil
}

// ListPages returns the sorted names of all current pages in a space. The
// result is served from the index cache when present; otherwise the page
// directory is scanned and the cache rewritten atomically. Removing the
// index file forces regeneration on the next read.
func (s *Store) ListPages(space string) ([]string, error) {
	data, err := os.ReadFile(s.indexPath(space))
	if err == nil {
		var names []string
		for _, line := range strings.Split(strings.TrimSuffix(string(data), "\n"), "\n") {
			if line != "" {
				names = append(names, line)
			}
		}
		return names, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read index: %w", err)
	}

	entries, err := os.ReadDir(filepath.Join(s.spaceDir(space), "page"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan page directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), pageSuffix) {
			names = append(names, strings.TrimSuffix(e.Name(), pageSuffix))
		}
	}
	sort.Strings(names)

	var b strings.Builder
	for _, n := range names {
		b.WriteString(n)
		b.WriteString("\n")
	}
	if err = writeFileAtomic(s.indexPath(space), []byte(b.String())); err != nil {
		log.Warnf("failed to write page index for space %q: %v", space, err)
	}
	return names, nil
}

func (s *Store) invalidateIndex(space string) {
	if err := os.Remove(s.indexPath(space)); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warnf("failed to invalidate page index for space %q: %v", space, err)
	}
}

// writeFileAtomic writes data via a temp file and rename in the target
// directory, creating parent directories as needed.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err = os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err = os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
