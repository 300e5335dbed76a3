// Package storage merges a raw directory tree and the game packs found at
// its top level into one read-only path space.
//
// The root lists its raw subdirectories first, then one directory per pack
// file, each named after the pack's root. A raw "X" directory and a pack
// whose root is "X" are both searched when resolving "X/..."; the first match
// in listing order wins.
package storage

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sheerbytes/cafiine/internal/logging"
	"github.com/sheerbytes/cafiine/pkg/gamepack"
)

const logSource = "storage"

// Stream is an open file. Size is fixed when the stream is opened.
type Stream interface {
	io.ReadSeekCloser
	Size() int64
}

// File is a leaf of the storage tree.
type File interface {
	Name() string
	Size() int64
	Open() (Stream, error)
}

// Directory is an inner node of the storage tree.
type Directory interface {
	Name() string
	Directories() ([]Directory, error)
	Files() ([]File, error)
}

// PackInfo describes a pack file seen by the root.
type PackInfo struct {
	Path      string    `json:"path"`
	Root      string    `json:"root,omitempty"`
	ValidFrom time.Time `json:"valid_from,omitempty"`
	ValidTo   time.Time `json:"valid_to,omitempty"`
	Poisoned  bool      `json:"poisoned"`
	Error     string    `json:"error,omitempty"`
}

type packEntry struct {
	pack *gamepack.Pack
	err  error
	// Failed loads are retried once the file changes, or on every lookup
	// while the pack's window has not started yet.
	modTime time.Time
	size    int64
	early   bool
}

// System resolves paths against the storage root.
type System struct {
	root     string
	sink     logging.Sink
	packOpts []gamepack.Option

	mu    sync.Mutex
	packs map[string]*packEntry // absolute pack path -> load result
}

// New creates a System over the directory root. Packs are opened lazily with
// packOpts the first time a lookup reaches the root listing.
func New(root string, sink logging.Sink, packOpts ...gamepack.Option) (*System, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if sink == nil {
		sink = logging.Discard
	}
	s := &System{
		root:  abs,
		sink:  sink,
		packs: make(map[string]*packEntry),
	}
	s.packOpts = append(append([]gamepack.Option(nil), packOpts...), gamepack.WithPoisonHook(s.packPoisoned))
	return s, nil
}

func (s *System) packPoisoned(path string, err error) {
	if err != nil {
		s.sink.Log(slog.LevelError, logSource, "Pack %s expired, erasing its digest failed: %v", path, err)
		return
	}
	s.sink.Log(slog.LevelWarn, logSource, "Pack %s expired and has been disabled", path)
}

// Root returns the absolute path of the raw storage root.
func (s *System) Root() string { return s.root }

// RootDirectory returns the merged root node.
func (s *System) RootDirectory() Directory {
	return &rootDirectory{sys: s}
}

// DirectoryExists reports whether path names a directory.
func (s *System) DirectoryExists(path string) bool {
	_, ok := s.GetDirectory(path)
	return ok
}

// GetDirectory resolves path to a directory. The empty path is the root.
func (s *System) GetDirectory(path string) (Directory, bool) {
	segs := splitPath(path)
	if len(segs) == 0 {
		return s.RootDirectory(), true
	}
	return resolve(s, s.RootDirectory(), segs, func(d Directory, name string) (Directory, bool) {
		dirs, err := d.Directories()
		if err != nil {
			s.listFailed(d, err)
			return nil, false
		}
		for _, child := range dirs {
			if child.Name() == name {
				return child, true
			}
		}
		return nil, false
	})
}

// GetFile resolves path to a file.
func (s *System) GetFile(path string) (File, bool) {
	segs := splitPath(path)
	if len(segs) == 0 {
		return nil, false
	}
	return resolve(s, s.RootDirectory(), segs, func(d Directory, name string) (File, bool) {
		files, err := d.Files()
		if err != nil {
			s.listFailed(d, err)
			return nil, false
		}
		for _, f := range files {
			if f.Name() == name {
				return f, true
			}
		}
		return nil, false
	})
}

// resolve descends into every child directory matching the next segment and
// returns the first hit for the final segment.
func resolve[T any](s *System, d Directory, segs []string, leaf func(Directory, string) (T, bool)) (T, bool) {
	if len(segs) == 1 {
		return leaf(d, segs[0])
	}
	var zero T
	dirs, err := d.Directories()
	if err != nil {
		s.listFailed(d, err)
		return zero, false
	}
	for _, child := range dirs {
		if child.Name() != segs[0] {
			continue
		}
		if v, ok := resolve(s, child, segs[1:], leaf); ok {
			return v, true
		}
	}
	return zero, false
}

func (s *System) listFailed(d Directory, err error) {
	s.sink.Log(slog.LevelWarn, logSource, "Listing %q failed: %v", d.Name(), err)
}

// splitPath drops leading, trailing and repeated separators.
func splitPath(path string) []string {
	var segs []string
	for _, seg := range strings.Split(path, "/") {
		if seg != "" {
			segs = append(segs, seg)
		}
	}
	return segs
}

// pack returns the loaded pack at abs, opening it on first use.
func (s *System) pack(abs string, info os.FileInfo) (*gamepack.Pack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.packs[abs]
	if ok {
		unchanged := prev.modTime.Equal(info.ModTime()) && prev.size == info.Size()
		if prev.err == nil || (unchanged && !prev.early) {
			return prev.pack, prev.err
		}
	}

	p, err := gamepack.Open(abs, s.packOpts...)
	var verr *gamepack.ValidityError
	early := errors.As(err, &verr) && verr.Early
	s.packs[abs] = &packEntry{pack: p, err: err, modTime: info.ModTime(), size: info.Size(), early: early}
	if err != nil {
		level := slog.LevelError
		if ok && prev.err != nil && prev.err.Error() == err.Error() {
			level = slog.LevelDebug
		}
		s.sink.Log(level, logSource, "Failed to load pack %s: %v", abs, err)
		return nil, err
	}
	s.sink.Log(slog.LevelInfo, logSource, "Loaded pack %s (%s)", abs, p.Root().Name)
	return p, nil
}

// Packs lists every pack file the root has tried to load.
func (s *System) Packs() []PackInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]PackInfo, 0, len(s.packs))
	for path, e := range s.packs {
		info := PackInfo{Path: path}
		if e.err != nil {
			info.Error = e.err.Error()
		} else {
			info.Root = e.pack.Root().Name
			info.ValidFrom = e.pack.ValidFrom()
			info.ValidTo = e.pack.ValidTo()
			info.Poisoned = e.pack.Poisoned()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

func isPackFile(name string) bool {
	return strings.EqualFold(filepath.Ext(name), gamepack.FileExtension)
}
