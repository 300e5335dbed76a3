package storage

import (
	"bytes"

	"github.com/sheerbytes/cafiine/pkg/gamepack"
)

// packDirectory is a directory inside a mounted pack.
type packDirectory struct {
	pack *gamepack.Pack
	dir  *gamepack.Directory
}

func (d *packDirectory) Name() string { return d.dir.Name }

func (d *packDirectory) Directories() ([]Directory, error) {
	dirs := make([]Directory, 0, len(d.dir.Directories))
	for _, child := range d.dir.Directories {
		dirs = append(dirs, &packDirectory{pack: d.pack, dir: child})
	}
	return dirs, nil
}

func (d *packDirectory) Files() ([]File, error) {
	files := make([]File, 0, len(d.dir.Files))
	for _, f := range d.dir.Files {
		files = append(files, &packFile{pack: d.pack, file: f})
	}
	return files, nil
}

// packFile decrypts its payload on every Open. Outside the pack's validity
// window the payload is empty.
type packFile struct {
	pack *gamepack.Pack
	file *gamepack.File
}

func (f *packFile) Name() string { return f.file.Name }

func (f *packFile) Size() int64 { return int64(f.file.Size) }

func (f *packFile) Open() (Stream, error) {
	data, err := f.pack.DecryptedFileData(f.file)
	if err != nil {
		return nil, err
	}
	return &memoryStream{Reader: bytes.NewReader(data)}, nil
}

type memoryStream struct {
	*bytes.Reader
}

func (s *memoryStream) Close() error { return nil }
