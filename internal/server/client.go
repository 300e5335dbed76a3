package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/sheerbytes/cafiine/internal/progress"
	"github.com/sheerbytes/cafiine/internal/session"
	"github.com/sheerbytes/cafiine/internal/storage"
	"github.com/sheerbytes/cafiine/pkg/protocol"
)

// client is the state of one connection. It is owned by a single goroutine.
type client struct {
	srv     *Server
	conn    *protocol.Conn
	source  string
	session session.Session

	titleWords [4]uint32
	titleID    string

	handles [protocol.MaxHandles]storage.Stream
	dumps   map[int32]*dumpFile
}

type dumpFile struct {
	path  string
	file  *os.File
	err   error // first write error, further data is discarded
	meter *progress.Meter
}

func (d *dumpFile) Write(p []byte) (int, error) {
	if d.err == nil {
		_, d.err = d.file.Write(p)
	}
	return len(p), nil
}

func newClient(srv *Server, conn net.Conn) *client {
	source := remoteIP(conn.RemoteAddr())
	return &client{
		srv:     srv,
		conn:    protocol.NewConn(conn),
		source:  source,
		session: srv.sessions.Create(conn.RemoteAddr().String()),
		dumps:   make(map[int32]*dumpFile),
	}
}

func (c *client) log(level slog.Level, format string, args ...any) {
	c.srv.sink.Log(level, c.source, format, args...)
}

func (c *client) run() {
	defer c.srv.sessions.Delete(c.session.ID)
	defer c.release()

	err := c.serve()
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		c.log(slog.LevelDebug, "Client disconnected")
	case isTransportError(err):
		c.log(slog.LevelWarn, "Communication issue (%v)", err)
	default:
		c.log(slog.LevelError, "Unexpected error (%v)", err)
	}
	c.log(slog.LevelInfo, "Connection dismissed.")
}

// release closes every stream the connection still owns.
func (c *client) release() {
	for i, s := range c.handles {
		if s != nil {
			s.Close()
			c.handles[i] = nil
		}
	}
	for fd, d := range c.dumps {
		d.file.Close()
		delete(c.dumps, fd)
		c.log(slog.LevelWarn, "Dump of '%s' left incomplete", filepath.Base(d.path))
	}
}

func isTransportError(err error) bool {
	var ne net.Error
	return errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.As(err, &ne)
}

func (c *client) serve() error {
	for i := range c.titleWords {
		w, err := c.conn.ReadUint32()
		if err != nil {
			return err
		}
		c.titleWords[i] = w
	}
	c.titleID = protocol.TitleID(c.titleWords[0], c.titleWords[1])
	c.srv.sessions.Update(c.session.ID, func(s *session.Session) { s.TitleID = c.titleID })
	c.log(slog.LevelInfo, "Client connected (endpoint=%s, title=%s)", c.session.Remote, c.titleID)

	opts := c.srv.opts
	switch {
	case opts.DumpAll:
		c.log(slog.LevelInfo, "Enabling dump for title %s.", c.titleID)
	case opts.DumpAllSlow:
		c.log(slog.LevelInfo, "Enabling slow dump for title %s.", c.titleID)
	case c.srv.storage.DirectoryExists(c.titleID):
		c.log(slog.LevelInfo, "Data found for title %s.", c.titleID)
	default:
		c.log(slog.LevelDebug, "> No data available for title %s.", c.titleID)
		return c.conn.Reply(protocol.Normal)
	}
	if err := c.conn.Reply(protocol.Special); err != nil {
		return err
	}

	for {
		cmd, err := c.conn.ReadCommand()
		if err != nil {
			return err
		}
		if err := c.dispatch(cmd); err != nil {
			return fmt.Errorf("%s: %w", cmd, err)
		}
	}
}

func (c *client) dispatch(cmd protocol.Command) error {
	switch cmd {
	case protocol.CmdOpen:
		return c.handleOpen()
	case protocol.CmdDumpCreate:
		return c.handleDumpCreate()
	case protocol.CmdDump:
		return c.handleDump()
	case protocol.CmdRead:
		return c.handleRead()
	case protocol.CmdClose:
		return c.handleClose()
	case protocol.CmdSetPos:
		return c.handleSetPos()
	case protocol.CmdStatFile:
		return c.handleStatFile()
	case protocol.CmdEOF:
		return c.handleEOF()
	case protocol.CmdGetPos:
		return c.handleGetPos()
	case protocol.CmdPing:
		return c.handlePing()
	default:
		return fmt.Errorf("%w: 0x%02X", protocol.ErrUnknownCommand, byte(cmd))
	}
}

func (c *client) handleOpen() error {
	// Both length words precede the strings and are not needed to read them.
	if _, err := c.conn.ReadInt32s(2); err != nil {
		return err
	}
	path, err := c.conn.ReadString()
	if err != nil {
		return err
	}
	mode, err := c.conn.ReadString()
	if err != nil {
		return err
	}
	mode = strings.ToUpper(mode)

	if request, slow := c.wantsDump(path); request {
		c.log(slog.LevelInfo, "> Requesting dump of '%s' (slow=%t)", path, slow)
		if slow {
			return c.conn.Reply(protocol.CmdRequestSlow)
		}
		return c.conn.Reply(protocol.CmdRequest)
	}

	file, ok := c.srv.storage.GetFile(c.titleID + "/" + path)
	if !ok {
		return c.conn.Reply(protocol.Normal)
	}

	handle := c.freeHandle()
	if handle < 0 {
		c.log(slog.LevelError, "> Cannot handle query, no free file handles.")
		return c.conn.Reply(protocol.Special, protocol.ResultMaxHandles, 0)
	}
	stream, err := file.Open()
	if err != nil {
		c.log(slog.LevelError, "> Cannot open replacement for '%s' (%v)", path, err)
		return c.conn.Reply(protocol.Normal)
	}
	c.handles[handle] = stream
	c.syncSession()
	c.log(slog.LevelInfo, "> Replacing '%s' (mode=%s, handle=%d)", path, mode, handle)
	return c.conn.Reply(protocol.Special, protocol.ResultOK, protocol.Descriptor(handle))
}

// wantsDump decides whether the client should upload path instead of opening it.
func (c *client) wantsDump(path string) (request, slow bool) {
	opts := c.srv.opts
	dataPath, err := titlePath(opts.DataDir, c.titleID, path)
	if err != nil {
		c.log(slog.LevelWarn, "Ignoring query (%v)", err)
		return false, false
	}
	c.log(slog.LevelDebug, "Querying '%s'", dataPath)

	switch {
	case opts.DumpAll || opts.DumpAllSlow:
	case fileExists(dataPath + "-request"):
	case fileExists(dataPath + "-request_slow"):
		slow = true
	default:
		return false, false
	}
	if opts.DumpAllSlow {
		slow = true
	}

	dumpPath, err := titlePath(opts.DumpDir, c.titleID, path)
	if err != nil || fileExists(dumpPath) {
		return false, false
	}
	return true, slow
}

func (c *client) freeHandle() int {
	for i, s := range c.handles {
		if s == nil {
			return i
		}
	}
	return -1
}

func (c *client) syncSession() {
	open := 0
	for _, s := range c.handles {
		if s != nil {
			open++
		}
	}
	dumps := len(c.dumps)
	c.srv.sessions.Update(c.session.ID, func(s *session.Session) {
		s.OpenHandles = open
		s.Dumps = dumps
	})
}

func (c *client) handleDumpCreate() error {
	fd, err := c.conn.ReadInt32()
	if err != nil {
		return err
	}
	if _, err := c.conn.ReadInt32(); err != nil {
		return err
	}
	path, err := c.conn.ReadString()
	if err != nil {
		return err
	}

	if old, ok := c.dumps[fd]; ok {
		old.file.Close()
		delete(c.dumps, fd)
		c.log(slog.LevelWarn, "Abandoned dump '%s' (descriptor reused)", filepath.Base(old.path))
	}
	if d, err := c.createDump(path); err != nil {
		c.log(slog.LevelError, "Cannot create dump of '%s' (%v)", path, err)
	} else {
		c.dumps[fd] = d
		c.log(slog.LevelInfo, "Dump of '%s' started", path)
	}
	c.syncSession()
	return c.conn.Reply(protocol.Special)
}

func (c *client) createDump(path string) (*dumpFile, error) {
	dumpPath, err := titlePath(c.srv.opts.DumpDir, c.titleID, path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(dumpPath), 0o755); err != nil {
		return nil, err
	}
	f, err := os.Create(dumpPath)
	if err != nil {
		return nil, err
	}
	return &dumpFile{path: dumpPath, file: f, meter: progress.NewMeter()}, nil
}

func (c *client) handleDump() error {
	fd, err := c.conn.ReadInt32()
	if err != nil {
		return err
	}
	size, err := c.conn.ReadInt32()
	if err != nil {
		return err
	}
	if size < 0 {
		return fmt.Errorf("%w: %d", protocol.ErrNegativeLength, size)
	}

	var dst io.Writer = io.Discard
	d, ok := c.dumps[fd]
	if ok {
		dst = d
	}
	buf := c.srv.buffers.Get(c.srv.buffers.Size())
	n, err := io.CopyBuffer(dst, io.LimitReader(c.conn.Reader(), int64(size)), buf)
	c.srv.buffers.Put(buf)
	if err != nil {
		return err
	}
	if n < int64(size) {
		return io.ErrUnexpectedEOF
	}
	if ok {
		d.meter.Add(int(size))
		if d.err != nil {
			c.log(slog.LevelError, "Cannot write dump '%s' (%v)", filepath.Base(d.path), d.err)
		} else {
			c.log(slog.LevelDebug, "Dumping '%s' (%d kB)", filepath.Base(d.path), size/1024)
		}
	}
	return c.conn.Reply(protocol.Special)
}

// stream returns the stream behind a server descriptor. tagged is false for
// descriptors owned by the client.
func (c *client) stream(fd int32) (s storage.Stream, handle int, tagged bool) {
	handle, tagged = protocol.HandleOf(fd)
	if !tagged {
		return nil, 0, false
	}
	return c.handles[handle], handle, true
}

func (c *client) handleRead() error {
	vals, err := c.conn.ReadInt32s(3)
	if err != nil {
		return err
	}
	size, count, fd := vals[0], vals[1], vals[2]

	s, handle, tagged := c.stream(fd)
	if !tagged {
		return c.conn.Reply(protocol.Normal)
	}
	if s == nil {
		c.log(slog.LevelError, "Cannot read non-open file (handle=%d)", handle)
		return c.conn.Reply(protocol.Special, protocol.ResultMaxHandles, 0)
	}
	if size < 0 || count < 0 {
		return fmt.Errorf("%w: size=%d count=%d", protocol.ErrNegativeLength, size, count)
	}

	pos, err := s.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	want := int64(size) * int64(count)
	if remaining := s.Size() - pos; want > remaining {
		want = max(remaining, 0)
	}
	buf := c.srv.buffers.Get(int(want))
	defer c.srv.buffers.Put(buf)
	n, err := io.ReadFull(s, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("read handle %d: %w", handle, err)
	}

	elements := int32(0)
	if size > 0 {
		elements = int32(n) / size
	}
	if err := c.conn.WriteCommand(protocol.Special); err != nil {
		return err
	}
	if err := c.conn.WriteInt32(elements); err != nil {
		return err
	}
	if err := c.conn.WriteInt32(int32(n)); err != nil {
		return err
	}
	if err := c.conn.WriteBytes(buf[:n]); err != nil {
		return err
	}
	if err := c.conn.Flush(); err != nil {
		return err
	}
	return c.conn.ExpectAck()
}

func (c *client) handleClose() error {
	fd, err := c.conn.ReadInt32()
	if err != nil {
		return err
	}

	s, handle, tagged := c.stream(fd)
	if !tagged {
		if d, ok := c.dumps[fd]; ok {
			d.file.Close()
			delete(c.dumps, fd)
			c.syncSession()
			stats := d.meter.Snapshot()
			c.log(slog.LevelInfo, "Completed dumping '%s' (%d kB, %.1f kB/s)",
				filepath.Base(d.path), stats.Bytes/1024, stats.AvgBps/1024)
		}
		return c.conn.Reply(protocol.Normal)
	}
	if s == nil {
		c.log(slog.LevelError, "Cannot close non-open file (handle=%d)", handle)
		return c.conn.Reply(protocol.Special, protocol.ResultNotOpen)
	}
	s.Close()
	c.handles[handle] = nil
	c.syncSession()
	c.log(slog.LevelDebug, "Closing file (handle=%d)", handle)
	return c.conn.Reply(protocol.Special, protocol.ResultOK)
}

func (c *client) handleSetPos() error {
	vals, err := c.conn.ReadInt32s(2)
	if err != nil {
		return err
	}
	fd, pos := vals[0], vals[1]

	s, handle, tagged := c.stream(fd)
	if !tagged {
		return c.conn.Reply(protocol.Normal)
	}
	if s == nil {
		c.log(slog.LevelError, "Cannot seek non-open file (handle=%d)", handle)
		return c.conn.Reply(protocol.Special, protocol.ResultNotOpen)
	}
	if _, err := s.Seek(int64(pos), io.SeekStart); err != nil {
		return fmt.Errorf("seek handle %d to %d: %w", handle, pos, err)
	}
	return c.conn.Reply(protocol.Special, protocol.ResultOK)
}

func (c *client) handleStatFile() error {
	fd, err := c.conn.ReadInt32()
	if err != nil {
		return err
	}

	s, handle, tagged := c.stream(fd)
	if !tagged {
		return c.conn.Reply(protocol.Normal)
	}
	if s == nil {
		c.log(slog.LevelError, "Cannot retrieve non-open file info (handle=%d)", handle)
		return c.conn.Reply(protocol.Special, protocol.ResultNotOpen, 0)
	}

	stat := protocol.FSStat{
		Flags:      protocol.StatFlagNone,
		Permission: protocol.StatPermission,
		Owner:      c.titleWords[1],
		Group:      protocol.StatGroup,
		FileSize:   uint32(s.Size()),
	}
	record, err := stat.MarshalBinary()
	if err != nil {
		return err
	}
	if err := c.conn.WriteCommand(protocol.Special); err != nil {
		return err
	}
	if err := c.conn.WriteInt32(protocol.ResultOK); err != nil {
		return err
	}
	if err := c.conn.WriteInt32(int32(len(record))); err != nil {
		return err
	}
	if err := c.conn.WriteBytes(record); err != nil {
		return err
	}
	return c.conn.Flush()
}

func (c *client) handleEOF() error {
	fd, err := c.conn.ReadInt32()
	if err != nil {
		return err
	}

	s, handle, tagged := c.stream(fd)
	if !tagged {
		return c.conn.Reply(protocol.Normal)
	}
	if s == nil {
		c.log(slog.LevelError, "Cannot retrieve EOF of non-open file (handle=%d)", handle)
		return c.conn.Reply(protocol.Special, protocol.ResultNotOpen)
	}
	pos, err := s.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	result := protocol.ResultOK
	if pos == s.Size() {
		result = protocol.ResultEOF
	}
	return c.conn.Reply(protocol.Special, result)
}

func (c *client) handleGetPos() error {
	fd, err := c.conn.ReadInt32()
	if err != nil {
		return err
	}

	s, handle, tagged := c.stream(fd)
	if !tagged {
		return c.conn.Reply(protocol.Normal)
	}
	if s == nil {
		c.log(slog.LevelError, "Cannot get position of non-open file (handle=%d)", handle)
		return c.conn.Reply(protocol.Special, protocol.ResultNotOpen, 0)
	}
	pos, err := s.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	return c.conn.Reply(protocol.Special, protocol.ResultOK, int32(pos))
}

func (c *client) handlePing() error {
	vals, err := c.conn.ReadInt32s(2)
	if err != nil {
		return err
	}
	c.log(slog.LevelDebug, "Pinged (value1=%d, value2=%d)", vals[0], vals[1])
	return nil
}
