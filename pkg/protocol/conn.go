package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
)

// MaxStringLength bounds zero-terminated strings read from the wire.
const MaxStringLength = 4096

var (
	// ErrUnknownCommand indicates a command byte outside the protocol.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrMissingAck indicates the client did not acknowledge sent file data.
	ErrMissingAck = errors.New("client did not acknowledge file data")
	// ErrStringTooLong indicates a string exceeded MaxStringLength.
	ErrStringTooLong = errors.New("string too long")
	// ErrNegativeLength indicates a negative byte count on the wire.
	ErrNegativeLength = errors.New("negative length")
)

// Conn reads requests from and writes responses to a client stream.
type Conn struct {
	r *bufio.Reader
	w *bufio.Writer
}

// NewConn wraps rw with buffered big-endian framing.
func NewConn(rw io.ReadWriter) *Conn {
	return &Conn{
		r: bufio.NewReader(rw),
		w: bufio.NewWriter(rw),
	}
}

// Reader exposes the buffered request stream, e.g. for copying dump payloads.
func (c *Conn) Reader() io.Reader { return c.r }

// ReadCommand reads one command byte.
func (c *Conn) ReadCommand() (Command, error) {
	b, err := c.r.ReadByte()
	return Command(b), err
}

// ReadUint32 reads a big-endian uint32.
func (c *Conn) ReadUint32() (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(c.r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// ReadInt32 reads a big-endian int32.
func (c *Conn) ReadInt32() (int32, error) {
	v, err := c.ReadUint32()
	return int32(v), err
}

// ReadInt32s reads n big-endian int32 values.
func (c *Conn) ReadInt32s(n int) ([]int32, error) {
	out := make([]int32, n)
	for i := range out {
		v, err := c.ReadInt32()
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// ReadString reads a zero-terminated ASCII string; bytes outside ASCII become
// '?'. Preceding length words are read separately by the caller and not
// checked against it.
func (c *Conn) ReadString() (string, error) {
	raw := make([]byte, 0, 64)
	for {
		b, err := c.r.ReadByte()
		if err != nil {
			return "", err
		}
		if b == 0 {
			break
		}
		if len(raw) == MaxStringLength {
			return "", ErrStringTooLong
		}
		raw = append(raw, b)
	}
	s, _, err := transform.Bytes(newASCIIDecoder(), raw)
	if err != nil {
		return "", fmt.Errorf("decode string: %w", err)
	}
	return string(s), nil
}

func newASCIIDecoder() transform.Transformer {
	return transform.Chain(charmap.ISO8859_1.NewDecoder(), runes.Map(func(r rune) rune {
		if r > unicode.MaxASCII {
			return '?'
		}
		return r
	}))
}

// WriteCommand queues a command or framing byte.
func (c *Conn) WriteCommand(cmd Command) error {
	return c.w.WriteByte(byte(cmd))
}

// WriteInt32 queues a big-endian int32.
func (c *Conn) WriteInt32(v int32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(v))
	_, err := c.w.Write(buf[:])
	return err
}

// WriteBytes queues raw bytes.
func (c *Conn) WriteBytes(b []byte) error {
	_, err := c.w.Write(b)
	return err
}

// Reply writes a framing byte followed by int32 values and flushes.
func (c *Conn) Reply(cmd Command, values ...int32) error {
	if err := c.WriteCommand(cmd); err != nil {
		return err
	}
	for _, v := range values {
		if err := c.WriteInt32(v); err != nil {
			return err
		}
	}
	return c.Flush()
}

// Flush sends everything queued so far.
func (c *Conn) Flush() error {
	return c.w.Flush()
}

// ExpectAck reads one byte and fails with ErrMissingAck unless it is CmdOK.
func (c *Conn) ExpectAck() error {
	cmd, err := c.ReadCommand()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMissingAck, err)
	}
	if cmd != CmdOK {
		return fmt.Errorf("%w: got %s", ErrMissingAck, cmd)
	}
	return nil
}
