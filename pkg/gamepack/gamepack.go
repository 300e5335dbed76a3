// Package gamepack reads and writes game packs: encrypted, integrity-checked
// containers holding a directory tree of replacement files that can only be
// used inside a validity window.
//
// Layout (little-endian):
//
//	magic "CSGP" | flags int64 | md5 [16] | validFrom int64 | validTo int64
//	keyLen uint8 | key | ivLen uint8 | iv | root directory record | payloads...
//
// A directory record is an int16-prefixed encrypted name, an int32 file
// count followed by file records, and an int32 subdirectory count followed by
// directory records (pre-order). A file record is an int16-prefixed encrypted
// name, the int32 plaintext size, the int64 absolute payload offset and the
// int32 payload ciphertext length.
//
// The MD5 digest covers every byte from offset 28 (right behind the digest
// field) to the end of the file, both when building and when loading.
package gamepack

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	arc "github.com/hashicorp/golang-lru/arc/v2"
	"github.com/sheerbytes/cafiine/internal/packcrypto"
)

const (
	// FileExtension is the extension under which packs are recognized.
	FileExtension = ".csgp"
	// Magic identifies the container format.
	Magic = "CSGP"

	flagsOffset   = 4
	digestOffset  = 12
	hashedOffset  = 28
	fixedHeadSize = 46 // magic + flags + digest + 2 timestamps + 2 length bytes

	defaultCacheEntries = 64
	// maxCachedPayload keeps the cache at most entries × 1 MiB per pack.
	maxCachedPayload = 1 << 20
)

// ByteOrder is the byte order of all multi-byte integers in a pack.
var ByteOrder = binary.LittleEndian

var (
	// ErrInvalidMagic indicates the file does not start with the pack magic.
	ErrInvalidMagic = errors.New("invalid game pack magic")
	// ErrDigestMismatch indicates the stored digest does not match the contents.
	ErrDigestMismatch = errors.New("game pack digest mismatch")
	// ErrOutsideValidity indicates the pack cannot be used at the current time.
	ErrOutsideValidity = errors.New("game pack outside its validity window")
	// ErrCorrupt indicates the directory tree could not be parsed.
	ErrCorrupt = errors.New("corrupt game pack")
)

// ValidityError is returned by Open outside the pack's validity window. It
// matches ErrOutsideValidity.
type ValidityError struct {
	ValidFrom time.Time
	ValidTo   time.Time
	// Early is set when the window has not started yet.
	Early bool
}

func (e *ValidityError) Error() string {
	return fmt.Sprintf("%v: valid from %s to %s", ErrOutsideValidity,
		e.ValidFrom.Format(time.RFC3339), e.ValidTo.Format(time.RFC3339))
}

func (e *ValidityError) Is(target error) bool { return target == ErrOutsideValidity }

// Directory is a directory node of a pack tree.
type Directory struct {
	Name        string
	Files       []*File
	Directories []*Directory
}

// File is a file node of a pack tree. Its payload stays encrypted on disk.
type File struct {
	Name          string
	Size          int32
	Offset        int64
	EncryptedSize int32
}

// Walk calls fn for every file below d in pre-order with its slash-separated path.
func (d *Directory) Walk(fn func(path string, f *File)) {
	d.walk(d.Name, fn)
}

func (d *Directory) walk(prefix string, fn func(path string, f *File)) {
	for _, f := range d.Files {
		fn(prefix+"/"+f.Name, f)
	}
	for _, sub := range d.Directories {
		sub.walk(prefix+"/"+sub.Name, fn)
	}
}

type options struct {
	clock        func() time.Time
	cacheEntries int
	cacheMax     int
	onPoison     func(path string, err error)
}

// Option configures how a pack is opened.
type Option func(*options)

// WithClock replaces the wall clock used for validity checks.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithCacheEntries sets how many decrypted payloads are kept in memory. Zero
// disables the cache. Payloads over 1 MiB are never cached.
func WithCacheEntries(n int) Option {
	return func(o *options) {
		o.cacheEntries = n
	}
}

// WithPoisonHook calls fn when the pack is first poisoned, and again whenever
// erasing the digest on disk fails. err is the erase error, nil on success.
// fn runs with the pack locked and must not call back into it.
func WithPoisonHook(fn func(path string, err error)) Option {
	return func(o *options) {
		o.onPoison = fn
	}
}

// Pack is an opened game pack. It is safe for concurrent use.
type Pack struct {
	path      string
	flags     int64
	validFrom time.Time
	validTo   time.Time
	clock     func() time.Time
	onPoison  func(path string, err error)
	root      *Directory

	mu       sync.Mutex
	params   packcrypto.Params
	poisoned bool
	cache    *arc.ARCCache[int64, []byte]
	cacheMax int
}

// Open loads the pack at path, verifying its digest and validity window and
// decrypting the names of its directory tree.
func Open(path string, opts ...Option) (*Pack, error) {
	o := options{clock: time.Now, cacheEntries: defaultCacheEntries, cacheMax: maxCachedPayload}
	for _, opt := range opts {
		opt(&o)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open game pack: %w", err)
	}
	defer f.Close()

	// Header up to the digest field.
	var head [hashedOffset]byte
	if _, err := io.ReadFull(f, head[:]); err != nil {
		return nil, fmt.Errorf("%w: read header: %v", ErrInvalidMagic, err)
	}
	if string(head[:flagsOffset]) != Magic {
		return nil, ErrInvalidMagic
	}
	flags := int64(ByteOrder.Uint64(head[flagsOffset:digestOffset]))

	// The reader sits right behind the digest field, which is where hashing starts.
	digest, err := packcrypto.Digest(f)
	if err != nil {
		return nil, fmt.Errorf("hash game pack: %w", err)
	}
	if string(digest[:]) != string(head[digestOffset:hashedOffset]) {
		return nil, ErrDigestMismatch
	}
	if _, err := f.Seek(hashedOffset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek game pack: %w", err)
	}

	r := bufio.NewReader(f)
	var fromTicks, toTicks int64
	if err := binary.Read(r, ByteOrder, &fromTicks); err != nil {
		return nil, fmt.Errorf("%w: read validity: %v", ErrCorrupt, err)
	}
	if err := binary.Read(r, ByteOrder, &toTicks); err != nil {
		return nil, fmt.Errorf("%w: read validity: %v", ErrCorrupt, err)
	}
	p := &Pack{
		path:      path,
		flags:     flags,
		validFrom: TicksToTime(fromTicks),
		validTo:   TicksToTime(toTicks),
		clock:     o.clock,
		onPoison:  o.onPoison,
		cacheMax:  o.cacheMax,
	}
	if now := p.clock(); now.Before(p.validFrom) || now.After(p.validTo) {
		return nil, &ValidityError{ValidFrom: p.validFrom, ValidTo: p.validTo, Early: now.Before(p.validFrom)}
	}

	if p.params.Key, err = readBlob8(r); err != nil {
		return nil, fmt.Errorf("%w: read key: %v", ErrCorrupt, err)
	}
	if p.params.IV, err = readBlob8(r); err != nil {
		return nil, fmt.Errorf("%w: read iv: %v", ErrCorrupt, err)
	}

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat game pack: %w", err)
	}
	tr := &treeReader{r: r, params: p.params, limit: info.Size()}
	if p.root, err = tr.readDirectory(); err != nil {
		return nil, err
	}

	if o.cacheEntries > 0 {
		if p.cache, err = arc.NewARC[int64, []byte](o.cacheEntries); err != nil {
			return nil, fmt.Errorf("create payload cache: %w", err)
		}
	}
	return p, nil
}

// Path returns the file the pack was loaded from.
func (p *Pack) Path() string { return p.path }

// Flags returns the reserved flags field.
func (p *Pack) Flags() int64 { return p.flags }

// ValidFrom returns the start of the validity window.
func (p *Pack) ValidFrom() time.Time { return p.validFrom }

// ValidTo returns the end of the validity window.
func (p *Pack) ValidTo() time.Time { return p.validTo }

// Root returns the root directory of the pack tree.
func (p *Pack) Root() *Directory { return p.root }

// Poisoned reports whether the pack was used after its validity window ended.
func (p *Pack) Poisoned() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.poisoned
}

// DecryptedFileData returns the plaintext of f.
//
// Before the validity window it returns no data. After the window it replaces
// the in-memory key material with random bytes and zeroes the digest on disk,
// so the pack can neither decrypt again in this process nor be loaded again,
// and returns no data. A failed erase is reported to the poison hook, not to
// the caller. Only I/O failures while decrypting are returned as errors.
func (p *Pack) DecryptedFileData(f *File) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock()
	if now.Before(p.validFrom) {
		return []byte{}, nil
	}
	if now.After(p.validTo) {
		first := !p.poisoned
		if err := p.poison(); (first || err != nil) && p.onPoison != nil {
			p.onPoison(p.path, err)
		}
		return []byte{}, nil
	}

	if p.cache != nil {
		if data, ok := p.cache.Get(f.Offset); ok {
			return data, nil
		}
	}
	data, err := p.decrypt(f)
	if err != nil {
		return nil, err
	}
	if p.cache != nil && len(data) <= p.cacheMax {
		p.cache.Add(f.Offset, data)
	}
	return data, nil
}

func (p *Pack) decrypt(f *File) ([]byte, error) {
	fh, err := os.Open(p.path)
	if err != nil {
		return nil, fmt.Errorf("open game pack: %w", err)
	}
	defer fh.Close()

	enc := make([]byte, f.EncryptedSize)
	if _, err := fh.ReadAt(enc, f.Offset); err != nil {
		return nil, fmt.Errorf("read payload of %s: %w", f.Name, err)
	}
	plain, err := packcrypto.Decrypt(p.params, enc)
	if err != nil {
		return nil, fmt.Errorf("decrypt payload of %s: %w", f.Name, err)
	}
	// The declared size wins over whatever the padding produced.
	data := make([]byte, f.Size)
	copy(data, plain)
	return data, nil
}

// poison must be called with p.mu held.
func (p *Pack) poison() error {
	params, err := packcrypto.NewParams()
	if err != nil {
		return err
	}
	p.params = params
	p.poisoned = true
	if p.cache != nil {
		p.cache.Purge()
	}

	fh, err := os.OpenFile(p.path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("erase game pack digest: %w", err)
	}
	defer fh.Close()
	if _, err := fh.WriteAt(make([]byte, packcrypto.DigestSize), digestOffset); err != nil {
		return fmt.Errorf("erase game pack digest: %w", err)
	}
	return nil
}

type treeReader struct {
	r      *bufio.Reader
	params packcrypto.Params
	limit  int64
}

func (t *treeReader) readDirectory() (*Directory, error) {
	name, err := t.readName()
	if err != nil {
		return nil, err
	}
	d := &Directory{Name: name}

	fileCount, err := t.readCount()
	if err != nil {
		return nil, err
	}
	d.Files = make([]*File, 0, fileCount)
	for i := 0; i < fileCount; i++ {
		f, err := t.readFile()
		if err != nil {
			return nil, err
		}
		d.Files = append(d.Files, f)
	}

	dirCount, err := t.readCount()
	if err != nil {
		return nil, err
	}
	d.Directories = make([]*Directory, 0, dirCount)
	for i := 0; i < dirCount; i++ {
		sub, err := t.readDirectory()
		if err != nil {
			return nil, err
		}
		d.Directories = append(d.Directories, sub)
	}
	return d, nil
}

func (t *treeReader) readFile() (*File, error) {
	name, err := t.readName()
	if err != nil {
		return nil, err
	}
	f := &File{Name: name}
	if err := binary.Read(t.r, ByteOrder, &f.Size); err != nil {
		return nil, fmt.Errorf("%w: read file size: %v", ErrCorrupt, err)
	}
	if err := binary.Read(t.r, ByteOrder, &f.Offset); err != nil {
		return nil, fmt.Errorf("%w: read file offset: %v", ErrCorrupt, err)
	}
	if err := binary.Read(t.r, ByteOrder, &f.EncryptedSize); err != nil {
		return nil, fmt.Errorf("%w: read encrypted size: %v", ErrCorrupt, err)
	}
	if f.Size < 0 || f.EncryptedSize < 0 || f.Offset < 0 || f.Offset+int64(f.EncryptedSize) > t.limit {
		return nil, fmt.Errorf("%w: file %q points outside the pack", ErrCorrupt, name)
	}
	return f, nil
}

func (t *treeReader) readName() (string, error) {
	var n int16
	if err := binary.Read(t.r, ByteOrder, &n); err != nil {
		return "", fmt.Errorf("%w: read name length: %v", ErrCorrupt, err)
	}
	if n <= 0 {
		return "", fmt.Errorf("%w: name length %d", ErrCorrupt, n)
	}
	enc := make([]byte, n)
	if _, err := io.ReadFull(t.r, enc); err != nil {
		return "", fmt.Errorf("%w: read name: %v", ErrCorrupt, err)
	}
	name, err := packcrypto.DecryptString(t.params, enc)
	if err != nil {
		return "", fmt.Errorf("%w: decrypt name: %v", ErrCorrupt, err)
	}
	return name, nil
}

func (t *treeReader) readCount() (int, error) {
	var n int32
	if err := binary.Read(t.r, ByteOrder, &n); err != nil {
		return 0, fmt.Errorf("%w: read count: %v", ErrCorrupt, err)
	}
	// Every entry takes more than one byte, so a count beyond the file size is garbage.
	if n < 0 || int64(n) > t.limit {
		return 0, fmt.Errorf("%w: entry count %d", ErrCorrupt, n)
	}
	return int(n), nil
}

func readBlob8(r *bufio.Reader) ([]byte, error) {
	n, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
