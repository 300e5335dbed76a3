package storage

import (
	"os"
	"path/filepath"
)

// rootDirectory lists raw subdirectories followed by mounted packs.
type rootDirectory struct {
	sys *System
}

func (r *rootDirectory) Name() string { return "" }

func (r *rootDirectory) Directories() ([]Directory, error) {
	entries, err := os.ReadDir(r.sys.root)
	if err != nil {
		return nil, err
	}
	var dirs, packs []Directory
	for _, e := range entries {
		if isHidden(e.Name()) {
			continue
		}
		if e.IsDir() {
			dirs = append(dirs, &rawDirectory{path: filepath.Join(r.sys.root, e.Name())})
			continue
		}
		if !isPackFile(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		p, err := r.sys.pack(filepath.Join(r.sys.root, e.Name()), info)
		if err != nil {
			continue
		}
		packs = append(packs, &packDirectory{pack: p, dir: p.Root()})
	}
	return append(dirs, packs...), nil
}

func (r *rootDirectory) Files() ([]File, error) {
	return rawFiles(r.sys.root)
}

// rawDirectory is a directory on disk below the root.
type rawDirectory struct {
	path string
}

func (d *rawDirectory) Name() string { return filepath.Base(d.path) }

func (d *rawDirectory) Directories() ([]Directory, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return nil, err
	}
	var dirs []Directory
	for _, e := range entries {
		if e.IsDir() && !isHidden(e.Name()) {
			dirs = append(dirs, &rawDirectory{path: filepath.Join(d.path, e.Name())})
		}
	}
	return dirs, nil
}

func (d *rawDirectory) Files() ([]File, error) {
	return rawFiles(d.path)
}

func rawFiles(dir string) ([]File, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []File
	for _, e := range entries {
		if e.IsDir() || isHidden(e.Name()) || isPackFile(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		files = append(files, &rawFile{path: filepath.Join(dir, e.Name()), size: info.Size()})
	}
	return files, nil
}

// rawFile is a plain file on disk.
type rawFile struct {
	path string
	size int64
}

func (f *rawFile) Name() string { return filepath.Base(f.path) }

func (f *rawFile) Size() int64 { return f.size }

func (f *rawFile) Open() (Stream, error) {
	file, err := os.Open(f.path)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	return &rawStream{File: file, size: info.Size()}, nil
}

type rawStream struct {
	*os.File
	size int64
}

func (s *rawStream) Size() int64 { return s.size }
