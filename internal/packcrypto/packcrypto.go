// Package packcrypto wraps the symmetric primitives used by game packs:
// AES in CBC mode with PKCS#7 padding, and MD5 digests.
package packcrypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	// KeySize is the AES key length generated for new packs (AES-256).
	KeySize = 32
	// IVSize is the CBC initialization vector length.
	IVSize = aes.BlockSize
	// DigestSize is the length of an MD5 digest.
	DigestSize = md5.Size
)

var (
	// ErrInvalidPadding indicates the decrypted plaintext does not end in valid PKCS#7 padding.
	ErrInvalidPadding = errors.New("invalid padding")
	// ErrInvalidLength indicates the ciphertext is not a multiple of the block size.
	ErrInvalidLength = errors.New("ciphertext is not a multiple of the block size")
	// ErrInvalidIV indicates the IV length does not match the block size.
	ErrInvalidIV = errors.New("invalid IV length")
)

// Params holds the key material of one pack.
type Params struct {
	Key []byte
	IV  []byte
}

// NewParams generates a random AES-256 key and IV.
func NewParams() (Params, error) {
	p := Params{
		Key: make([]byte, KeySize),
		IV:  make([]byte, IVSize),
	}
	if _, err := io.ReadFull(rand.Reader, p.Key); err != nil {
		return Params{}, fmt.Errorf("generate key: %w", err)
	}
	if _, err := io.ReadFull(rand.Reader, p.IV); err != nil {
		return Params{}, fmt.Errorf("generate iv: %w", err)
	}
	return p, nil
}

func (p Params) block() (cipher.Block, error) {
	block, err := aes.NewCipher(p.Key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	if len(p.IV) != block.BlockSize() {
		return nil, ErrInvalidIV
	}
	return block, nil
}

// Encrypt pads plaintext and encrypts it as a single CBC message starting from the IV.
func Encrypt(p Params, plaintext []byte) ([]byte, error) {
	block, err := p.block()
	if err != nil {
		return nil, err
	}
	padded := pad(plaintext, block.BlockSize())
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, p.IV).CryptBlocks(out, padded)
	return out, nil
}

// Decrypt decrypts a single CBC message and strips its padding.
func Decrypt(p Params, ciphertext []byte) ([]byte, error) {
	block, err := p.block()
	if err != nil {
		return nil, err
	}
	if len(ciphertext) == 0 || len(ciphertext)%block.BlockSize() != 0 {
		return nil, ErrInvalidLength
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, p.IV).CryptBlocks(out, ciphertext)
	return unpad(out, block.BlockSize())
}

// EncryptFile reads the whole file at path and encrypts its contents.
func EncryptFile(p Params, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return Encrypt(p, data)
}

// DecryptFile decrypts the whole file at path.
func DecryptFile(p Params, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return Decrypt(p, data)
}

// EncryptString encrypts s as zero-terminated text.
func EncryptString(p Params, s string) ([]byte, error) {
	buf := make([]byte, 0, len(s)+1)
	buf = append(buf, s...)
	buf = append(buf, 0)
	return Encrypt(p, buf)
}

// DecryptString decrypts zero-terminated text. Bytes after the terminator are ignored.
func DecryptString(p Params, ciphertext []byte) (string, error) {
	plain, err := Decrypt(p, ciphertext)
	if err != nil {
		return "", err
	}
	if i := bytes.IndexByte(plain, 0); i >= 0 {
		plain = plain[:i]
	}
	return string(plain), nil
}

// Digest returns the MD5 digest of everything readable from r.
func Digest(r io.Reader) ([DigestSize]byte, error) {
	var sum [DigestSize]byte
	h := md5.New()
	if _, err := io.Copy(h, r); err != nil {
		return sum, err
	}
	copy(sum[:], h.Sum(nil))
	return sum, nil
}

func pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+n)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func unpad(data []byte, blockSize int) ([]byte, error) {
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, ErrInvalidPadding
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrInvalidPadding
		}
	}
	return data[:len(data)-n], nil
}
