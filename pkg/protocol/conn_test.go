package protocol

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestDescriptor(t *testing.T) {
	tests := []struct {
		name   string
		handle int
		want   int32
	}{
		{name: "first handle", handle: 0, want: 0x0FFF00FF},
		{name: "handle 1", handle: 1, want: 0x0FFF01FF},
		{name: "last handle", handle: 255, want: 0x0FFFFFFF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fd := Descriptor(tt.handle)
			if fd != tt.want {
				t.Errorf("Descriptor(%d) = 0x%08X, want 0x%08X", tt.handle, fd, tt.want)
			}
			h, ok := HandleOf(fd)
			if !ok || h != tt.handle {
				t.Errorf("HandleOf(0x%08X) = %d, %v", fd, h, ok)
			}
		})
	}
}

func TestHandleOf_NativeDescriptor(t *testing.T) {
	for _, fd := range []int32{0, 3, 0x0FFF0000, 0x7FFF00FE} {
		if _, ok := HandleOf(fd); ok {
			t.Errorf("descriptor 0x%08X should belong to the client", fd)
		}
	}
}

func TestTitleID(t *testing.T) {
	if got := TitleID(0x00050000, 0x101C9400); got != "00050000-101C9400" {
		t.Errorf("TitleID = %q", got)
	}
}

type loopback struct {
	in  *bytes.Reader
	out bytes.Buffer
}

func (l *loopback) Read(p []byte) (int, error)  { return l.in.Read(p) }
func (l *loopback) Write(p []byte) (int, error) { return l.out.Write(p) }

func TestConn_ReadRequestFields(t *testing.T) {
	var req bytes.Buffer
	req.WriteByte(byte(CmdOpen))
	req.Write([]byte{0, 0, 0, 5, 0, 0, 0, 2})
	req.WriteString("/vol\x00")
	req.WriteString("r\x00")

	c := NewConn(&loopback{in: bytes.NewReader(req.Bytes())})
	cmd, err := c.ReadCommand()
	if err != nil || cmd != CmdOpen {
		t.Fatalf("ReadCommand = %v, %v", cmd, err)
	}
	lengths, err := c.ReadInt32s(2)
	if err != nil {
		t.Fatalf("ReadInt32s: %v", err)
	}
	if lengths[0] != 5 || lengths[1] != 2 {
		t.Errorf("lengths = %v", lengths)
	}
	path, err := c.ReadString()
	if err != nil || path != "/vol" {
		t.Errorf("path = %q, %v", path, err)
	}
	mode, err := c.ReadString()
	if err != nil || mode != "r" {
		t.Errorf("mode = %q, %v", mode, err)
	}
	if _, err := c.ReadCommand(); !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF, got %v", err)
	}
}

func TestConn_ReadStringTooLong(t *testing.T) {
	c := NewConn(&loopback{in: bytes.NewReader(bytes.Repeat([]byte{'a'}, MaxStringLength+1))})
	if _, err := c.ReadString(); !errors.Is(err, ErrStringTooLong) {
		t.Errorf("expected ErrStringTooLong, got %v", err)
	}
}

func TestConn_ReadStringNonASCII(t *testing.T) {
	c := NewConn(&loopback{in: bytes.NewReader([]byte("/caf\xe9/\x80x\x00"))})
	s, err := c.ReadString()
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	if s != "/caf?/?x" {
		t.Errorf("expected %q, got %q", "/caf?/?x", s)
	}
}

func TestConn_Reply(t *testing.T) {
	l := &loopback{in: bytes.NewReader(nil)}
	c := NewConn(l)
	if err := c.Reply(Special, 0, Descriptor(2)); err != nil {
		t.Fatalf("Reply: %v", err)
	}
	want := []byte{0xFE, 0, 0, 0, 0, 0x0F, 0xFF, 0x02, 0xFF}
	if !bytes.Equal(l.out.Bytes(), want) {
		t.Errorf("wire = % X, want % X", l.out.Bytes(), want)
	}
}

func TestConn_ExpectAck(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		wantErr bool
	}{
		{name: "ok", input: []byte{byte(CmdOK)}, wantErr: false},
		{name: "wrong byte", input: []byte{byte(Normal)}, wantErr: true},
		{name: "closed", input: nil, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewConn(&loopback{in: bytes.NewReader(tt.input)})
			err := c.ExpectAck()
			if (err != nil) != tt.wantErr {
				t.Fatalf("ExpectAck() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrMissingAck) {
				t.Errorf("expected ErrMissingAck, got %v", err)
			}
		})
	}
}

func TestFSStat_MarshalBinary(t *testing.T) {
	stat := FSStat{
		Flags:      StatFlagNone,
		Permission: StatPermission,
		Owner:      0x101C9400,
		Group:      StatGroup,
		FileSize:   1234,
	}
	b, err := stat.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if len(b) != FSStatSize {
		t.Fatalf("len = %d, want %d", len(b), FSStatSize)
	}
	wantHead := []byte{
		0, 0, 0, 0,
		0, 0, 0x04, 0,
		0x10, 0x1C, 0x94, 0,
		0, 0, 0x10, 0x1E,
		0, 0, 0x04, 0xD2,
	}
	if !bytes.Equal(b[:20], wantHead) {
		t.Errorf("head = % X, want % X", b[:20], wantHead)
	}
	if !bytes.Equal(b[20:], make([]byte, FSStatSize-20)) {
		t.Error("trailing fields should be zero")
	}
}

func TestCommand_String(t *testing.T) {
	if CmdRequestSlow.String() != "RequestSlow" {
		t.Errorf("got %q", CmdRequestSlow.String())
	}
	if Command(0x42).String() != "Command(0x42)" {
		t.Errorf("got %q", Command(0x42).String())
	}
}
