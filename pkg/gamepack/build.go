package gamepack

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sheerbytes/cafiine/internal/packcrypto"
)

// ErrInvalidWindow indicates validFrom is not before validTo.
var ErrInvalidWindow = errors.New("validity window must start before it ends")

// buildDirectory is the creator-side view of a directory: encrypted names plus source paths.
type buildDirectory struct {
	encName     []byte
	files       []*buildFile
	directories []*buildDirectory
}

type buildFile struct {
	encName []byte
	source  string
	size    int32
}

// Create builds a pack at target from the contents of sourceDir and returns
// the path written. The target extension is forced to FileExtension. An empty
// rootName stores the tree under the base name of sourceDir. Hidden entries
// (names starting with a dot) are skipped.
func Create(target, sourceDir, rootName string, validFrom, validTo time.Time) (string, error) {
	if !validFrom.Before(validTo) {
		return "", ErrInvalidWindow
	}
	info, err := os.Stat(sourceDir)
	if err != nil {
		return "", fmt.Errorf("source directory: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("source directory: %s is not a directory", sourceDir)
	}
	if rootName == "" {
		abs, err := filepath.Abs(sourceDir)
		if err != nil {
			return "", fmt.Errorf("source directory: %w", err)
		}
		rootName = filepath.Base(abs)
	}
	target = strings.TrimSuffix(target, filepath.Ext(target)) + FileExtension

	params, err := packcrypto.NewParams()
	if err != nil {
		return "", err
	}
	root, err := collectDirectory(params, sourceDir, rootName)
	if err != nil {
		return "", err
	}

	out, err := os.Create(target)
	if err != nil {
		return "", fmt.Errorf("create game pack: %w", err)
	}
	if err := writePack(out, params, root, validFrom, validTo); err != nil {
		out.Close()
		os.Remove(target)
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("close game pack: %w", err)
	}
	return target, nil
}

func collectDirectory(params packcrypto.Params, dir, name string) (*buildDirectory, error) {
	encName, err := packcrypto.EncryptString(params, name)
	if err != nil {
		return nil, err
	}
	d := &buildDirectory{encName: encName}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	// Files first, then directories, each in name order.
	for _, entry := range entries {
		if entry.IsDir() || isHidden(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", entry.Name(), err)
		}
		if !info.Mode().IsRegular() {
			continue
		}
		if info.Size() > math.MaxInt32 {
			return nil, fmt.Errorf("%s: file too large for a game pack", entry.Name())
		}
		encName, err := packcrypto.EncryptString(params, entry.Name())
		if err != nil {
			return nil, err
		}
		d.files = append(d.files, &buildFile{
			encName: encName,
			source:  filepath.Join(dir, entry.Name()),
			size:    int32(info.Size()),
		})
	}
	for _, entry := range entries {
		if !entry.IsDir() || isHidden(entry.Name()) {
			continue
		}
		sub, err := collectDirectory(params, filepath.Join(dir, entry.Name()), entry.Name())
		if err != nil {
			return nil, err
		}
		d.directories = append(d.directories, sub)
	}
	return d, nil
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

// headerSize returns the byte size of the directory records below and including d.
func headerSize(d *buildDirectory) int64 {
	size := int64(2 + len(d.encName) + 4 + 4)
	for _, f := range d.files {
		size += int64(2 + len(f.encName) + 4 + 8 + 4)
	}
	for _, sub := range d.directories {
		size += headerSize(sub)
	}
	return size
}

func writePack(out *os.File, params packcrypto.Params, root *buildDirectory, validFrom, validTo time.Time) error {
	var head bytes.Buffer
	head.WriteString(Magic)
	binary.Write(&head, ByteOrder, int64(0))        // flags
	head.Write(make([]byte, packcrypto.DigestSize)) // digest placeholder
	binary.Write(&head, ByteOrder, TimeToTicks(validFrom))
	binary.Write(&head, ByteOrder, TimeToTicks(validTo))
	head.WriteByte(byte(len(params.Key)))
	head.Write(params.Key)
	head.WriteByte(byte(len(params.IV)))
	head.Write(params.IV)

	// Payloads start right behind the complete header.
	offset := int64(fixedHeadSize+len(params.Key)+len(params.IV)) + headerSize(root)
	if err := writeDirectory(out, &head, params, root, &offset); err != nil {
		return err
	}
	if _, err := out.WriteAt(head.Bytes(), 0); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	if _, err := out.Seek(hashedOffset, io.SeekStart); err != nil {
		return fmt.Errorf("seek game pack: %w", err)
	}
	digest, err := packcrypto.Digest(out)
	if err != nil {
		return fmt.Errorf("hash game pack: %w", err)
	}
	if _, err := out.WriteAt(digest[:], digestOffset); err != nil {
		return fmt.Errorf("write digest: %w", err)
	}
	return nil
}

func writeDirectory(out *os.File, head *bytes.Buffer, params packcrypto.Params, d *buildDirectory, offset *int64) error {
	binary.Write(head, ByteOrder, int16(len(d.encName)))
	head.Write(d.encName)

	binary.Write(head, ByteOrder, int32(len(d.files)))
	for _, f := range d.files {
		payload, err := packcrypto.EncryptFile(params, f.source)
		if err != nil {
			return err
		}
		binary.Write(head, ByteOrder, int16(len(f.encName)))
		head.Write(f.encName)
		binary.Write(head, ByteOrder, f.size)
		binary.Write(head, ByteOrder, *offset)
		binary.Write(head, ByteOrder, int32(len(payload)))
		if _, err := out.WriteAt(payload, *offset); err != nil {
			return fmt.Errorf("write payload: %w", err)
		}
		*offset += int64(len(payload))
	}

	binary.Write(head, ByteOrder, int32(len(d.directories)))
	for _, sub := range d.directories {
		if err := writeDirectory(out, head, params, sub, offset); err != nil {
			return err
		}
	}
	return nil
}
