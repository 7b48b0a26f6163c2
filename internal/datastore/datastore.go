// Package datastore implements the facade over the root directory files are
// served from and written to: at most one open handle per (session-id,
// filename), append-only writes that refuse to overwrite, streaming reads.
package datastore

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/onefoot/iwtftpd/internal/tftperr"
)

// Presence is the result of a file existence probe.
type Presence int

const (
	Absent Presence = iota
	Present
	ProbeError
)

// Key identifies one open file session: a caller-supplied session-id (in
// practice the per-session counter the reactor allocates; logically opaque
// and never relied on for identity beyond lookup) and the requested
// filename.
type Key struct {
	SessionID int
	Filename  string
}

type handle struct {
	file   *os.File
	mode   ioMode
	lastErr error
}

type ioMode int

const (
	modeRead ioMode = iota
	modeWrite
)

// Store is a datastore handle: a canonicalised root directory plus the set
// of currently open file sessions.
type Store struct {
	mu      sync.Mutex
	root    string
	handles map[Key]*handle
}

// Open canonicalises root (once) and returns a Store backed by it. root must
// refer to an existing directory.
func Open(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrapf(err, "datastore: resolve root %q", root)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, errors.Wrapf(err, "datastore: resolve root %q", root)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, errors.Wrapf(err, "datastore: stat root %q", resolved)
	}
	if !info.IsDir() {
		return nil, errors.Errorf("datastore: root %q is not a directory", resolved)
	}
	return &Store{root: resolved, handles: make(map[Key]*handle)}, nil
}

// Rechroot rewrites the stored root to "/", as required after the process
// has chrooted into what used to be root.
func (s *Store) Rechroot() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.root = "/"
}

func (s *Store) path(name string) string {
	return filepath.Join(s.root, name)
}

// IsFile probes whether name is a regular file under root.
func (s *Store) IsFile(name string) Presence {
	info, err := os.Stat(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return Absent
		}
		return ProbeError
	}
	if !info.Mode().IsRegular() {
		return Absent
	}
	return Present
}

// Read reads up to len(dst) bytes for the session keyed by (id, filename),
// opening the file on first call. Returns the number of bytes copied into
// dst; a short read (including 0) signals EOF, never a mid-stream gap — the
// caller relies on this for "fin" detection (spec §9, open question on
// short-read semantics).
func (s *Store) Read(id int, filename string, dst []byte) (int, error) {
	key := Key{id, filename}

	s.mu.Lock()
	h, ok := s.handles[key]
	if !ok {
		if s.IsFile(filename) != Present {
			s.mu.Unlock()
			return 0, tftperr.ErrNotExist
		}
		f, err := os.Open(s.path(filename))
		if err != nil {
			s.mu.Unlock()
			if os.IsNotExist(err) {
				return 0, tftperr.ErrNotExist
			}
			return 0, tftperr.ErrNotPermitted
		}
		h = &handle{file: f, mode: modeRead}
		s.handles[key] = h
	}
	s.mu.Unlock()

	n, err := h.file.Read(dst)
	if err != nil && err != io.EOF {
		h.lastErr = err
		s.closeHandle(key)
		return n, errors.Wrapf(err, "datastore: read %q", filename)
	}
	return n, nil
}

// Write appends src to the session keyed by (id, filename). On first call
// the file must not already exist (policy: never overwrite). A call with
// len(src)==0 signals end-of-transfer and closes the handle.
func (s *Store) Write(id int, filename string, src []byte) (int, error) {
	key := Key{id, filename}

	s.mu.Lock()
	h, ok := s.handles[key]
	if !ok {
		if s.IsFile(filename) == Present {
			s.mu.Unlock()
			return 0, tftperr.ErrAlreadyExists
		}
		f, err := os.OpenFile(s.path(filename), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err != nil {
			s.mu.Unlock()
			if os.IsExist(err) {
				return 0, tftperr.ErrAlreadyExists
			}
			return 0, tftperr.ErrNotPermitted
		}
		h = &handle{file: f, mode: modeWrite}
		s.handles[key] = h
	}
	s.mu.Unlock()

	if len(src) == 0 {
		s.closeHandle(key)
		return 0, nil
	}

	n, err := h.file.Write(src)
	if err != nil {
		h.lastErr = err
		s.closeHandle(key)
		if isNoSpace(err) {
			return n, tftperr.ErrDiskFull
		}
		return n, errors.Wrapf(err, "datastore: write %q", filename)
	}
	return n, nil
}

// Close destroys any handle matching (id, filename). Idempotent: closing a
// (id, filename) pair with no open handle succeeds silently.
func (s *Store) Close(id int, filename string) error {
	s.closeHandle(Key{id, filename})
	return nil
}

func (s *Store) closeHandle(key Key) {
	s.mu.Lock()
	h, ok := s.handles[key]
	if ok {
		delete(s.handles, key)
	}
	s.mu.Unlock()
	if ok {
		h.file.Close()
	}
}

// CloseSession destroys every handle belonging to id, regardless of
// filename. Used for session teardown on disable/cleanup.
func (s *Store) CloseSession(id int) {
	s.mu.Lock()
	var toClose []*handle
	for key, h := range s.handles {
		if key.SessionID == id {
			toClose = append(toClose, h)
			delete(s.handles, key)
		}
	}
	s.mu.Unlock()
	for _, h := range toClose {
		h.file.Close()
	}
}
