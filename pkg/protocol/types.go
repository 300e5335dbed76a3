// Package protocol describes the wire format spoken by the console-side
// file-system hook. The exchange is strictly request/response over one TCP
// connection; all integers are big-endian.
//
// After connecting, the client sends four uint32 words, the first two forming
// the title ID. The server answers with a single byte: Special when it wants
// to intercept the title, Normal otherwise. With Special, the client then sends
// one command byte per request followed by its fields.
package protocol

import "fmt"

// Command is a command or framing byte.
type Command byte

const (
	// CmdOpen asks whether a file should be replaced or dumped.
	CmdOpen Command = 0x00
	// CmdRead reads from a virtual handle.
	CmdRead Command = 0x01
	// CmdClose closes a virtual handle or finishes a dump.
	CmdClose Command = 0x02
	// CmdOK acknowledges the data of a Read response.
	CmdOK Command = 0x03
	// CmdSetPos seeks a virtual handle.
	CmdSetPos Command = 0x04
	// CmdStatFile returns file status of a virtual handle.
	CmdStatFile Command = 0x05
	// CmdEOF queries whether a virtual handle is at its end.
	CmdEOF Command = 0x06
	// CmdGetPos returns the position of a virtual handle.
	CmdGetPos Command = 0x07
	// CmdRequest instructs the client to upload the original file.
	CmdRequest Command = 0x08
	// CmdRequestSlow instructs the client to upload the original file in slow mode.
	CmdRequestSlow Command = 0x09
	// CmdDumpCreate announces an upload under a client descriptor.
	CmdDumpCreate Command = 0x0A
	// CmdDump carries a chunk of an upload.
	CmdDump Command = 0x0B
	// CmdPing is a keepalive carrying two integers. It has no response.
	CmdPing Command = 0x0C

	// Special marks a response handled by the server.
	Special Command = 0xFE
	// Normal tells the client to fall back to its own file system.
	Normal Command = 0xFF
)

func (c Command) String() string {
	switch c {
	case CmdOpen:
		return "Open"
	case CmdRead:
		return "Read"
	case CmdClose:
		return "Close"
	case CmdOK:
		return "OK"
	case CmdSetPos:
		return "SetPos"
	case CmdStatFile:
		return "StatFile"
	case CmdEOF:
		return "Eof"
	case CmdGetPos:
		return "GetPos"
	case CmdRequest:
		return "Request"
	case CmdRequestSlow:
		return "RequestSlow"
	case CmdDumpCreate:
		return "DumpCreate"
	case CmdDump:
		return "Dump"
	case CmdPing:
		return "Ping"
	case Special:
		return "Special"
	case Normal:
		return "Normal"
	default:
		return fmt.Sprintf("Command(0x%02X)", byte(c))
	}
}

// Result codes mirror the console's file-system error conventions.
const (
	ResultOK         int32 = 0
	ResultEOF        int32 = -5
	ResultMaxHandles int32 = -19
	ResultNotOpen    int32 = -38
)

// MaxHandles is the number of virtual handles per connection (8 bits on the wire).
const MaxHandles = 256

// DescriptorTag marks descriptors issued by the server. The handle occupies bits 8-15.
const DescriptorTag int32 = 0x0FFF00FF

// Descriptor encodes a virtual handle for the wire.
func Descriptor(handle int) int32 {
	return DescriptorTag | int32(handle&0xFF)<<8
}

// HandleOf decodes a descriptor. ok is false for descriptors that belong to the client.
func HandleOf(fd int32) (handle int, ok bool) {
	if fd&DescriptorTag != DescriptorTag {
		return 0, false
	}
	return int(fd>>8) & 0xFF, true
}

// TitleID formats the handshake words as the title identifier.
func TitleID(high, low uint32) string {
	return fmt.Sprintf("%08X-%08X", high, low)
}
