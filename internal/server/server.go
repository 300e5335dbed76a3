// Package server accepts client connections and runs the file replacement
// protocol on each of them.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sheerbytes/cafiine/internal/bufpool"
	"github.com/sheerbytes/cafiine/internal/logging"
	"github.com/sheerbytes/cafiine/internal/session"
	"github.com/sheerbytes/cafiine/internal/storage"
)

const (
	serverSource = "SERVER"

	// transferBufferSize bounds pooled buffers for reads and dump bodies.
	transferBufferSize = 64 * 1024
)

// Options configures a Server.
type Options struct {
	DataDir     string
	DumpDir     string
	LogsDir     string // shown in the banner only; "" means file logs are disabled
	DumpAll     bool
	DumpAllSlow bool

	MaxConnections    int // 0 = unlimited
	ConnectsPerMinute int // per remote IP, 0 = unlimited
	ConnectsBurst     int
}

// Server owns the listener and every live connection.
type Server struct {
	opts     Options
	storage  *storage.System
	sink     logging.Sink
	sessions *session.Store

	conns   *connLimiter
	ips     *ipLimiter
	buffers *bufpool.Pool

	mu     sync.Mutex
	active map[net.Conn]struct{}
	wg     sync.WaitGroup
}

// New creates a Server and makes sure the dump directory exists.
func New(opts Options, st *storage.System, sink logging.Sink, sessions *session.Store) (*Server, error) {
	if st == nil {
		return nil, errors.New("storage is required")
	}
	if sink == nil {
		sink = logging.Discard
	}
	if sessions == nil {
		sessions = session.NewStore()
	}
	if err := os.MkdirAll(opts.DumpDir, 0o755); err != nil {
		return nil, fmt.Errorf("create dump directory: %w", err)
	}
	return &Server{
		opts:     opts,
		storage:  st,
		sink:     sink,
		sessions: sessions,
		conns:    newConnLimiter(opts.MaxConnections),
		ips:      newIPLimiter(opts.ConnectsPerMinute, opts.ConnectsBurst),
		buffers:  bufpool.New(transferBufferSize),
		active:   make(map[net.Conn]struct{}),
	}, nil
}

// Sessions returns the registry of live connections.
func (s *Server) Sessions() *session.Store { return s.sessions }

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled or ln is closed.
// Other accept errors are retried with backoff.
// Cancellation closes the listener and every live connection, then waits
// for their handlers to return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		ln.Close()
		s.closeAll()
	})
	defer stop()

	s.logBanner(ln.Addr())

	var tempDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				s.closeAll()
				s.wg.Wait()
				return err
			}
			// Out of descriptors, aborted handshakes and the like: keep accepting.
			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else if tempDelay *= 2; tempDelay > time.Second {
				tempDelay = time.Second
			}
			s.sink.Log(slog.LevelWarn, serverSource, "Accept failed (%v), retrying in %s", err, tempDelay)
			select {
			case <-time.After(tempDelay):
			case <-ctx.Done():
			}
			continue
		}
		tempDelay = 0

		ip := remoteIP(conn.RemoteAddr())
		if !s.ips.Allow(ip) {
			s.sink.Log(slog.LevelWarn, ip, "Connection refused, rate limit exceeded")
			conn.Close()
			continue
		}
		if !s.conns.Acquire() {
			s.sink.Log(slog.LevelWarn, ip, "Connection refused, connection limit reached")
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.conns.Release()
			s.ServeConn(conn)
		}()
	}
}

// ServeConn runs the protocol on one connection and closes it afterwards.
func (s *Server) ServeConn(conn net.Conn) {
	if !s.track(conn) {
		conn.Close()
		return
	}
	defer s.untrack(conn)
	defer conn.Close()

	newClient(s, conn).run()
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return false
	}
	s.active[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		delete(s.active, conn)
	}
}

// closeAll closes live connections; later ones are refused.
func (s *Server) closeAll() {
	s.mu.Lock()
	active := s.active
	s.active = nil
	s.mu.Unlock()

	for conn := range active {
		conn.Close()
	}
}

func (s *Server) logBanner(addr net.Addr) {
	mode := ""
	switch {
	case s.opts.DumpAllSlow:
		mode = " in slow dump mode"
	case s.opts.DumpAll:
		mode = " in dump mode"
	}
	port := ""
	if tcp, ok := addr.(*net.TCPAddr); ok {
		port = fmt.Sprint(tcp.Port)
	}
	logs := "disabled"
	if s.opts.LogsDir != "" {
		logs = absPath(s.opts.LogsDir)
	}

	s.sink.Log(slog.LevelInfo, serverSource, "Cafiine server started%s.", mode)
	s.sink.Log(slog.LevelInfo, serverSource, "Server IP     : %s (on port %s)", strings.Join(localIPv4s(), ", "), port)
	s.sink.Log(slog.LevelInfo, serverSource, "Data directory: %s", absPath(s.opts.DataDir))
	s.sink.Log(slog.LevelInfo, serverSource, "Dump directory: %s", absPath(s.opts.DumpDir))
	s.sink.Log(slog.LevelInfo, serverSource, "Logs directory: %s", logs)
	s.sink.Log(slog.LevelInfo, serverSource, "Listening for new connections...")
}

// localIPv4s lists the non-loopback IPv4 addresses of this machine.
func localIPv4s() []string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	var out []string
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			out = append(out, ip4.String())
		}
	}
	return out
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

// ErrPathEscapes indicates a client path that leaves its title directory.
var ErrPathEscapes = errors.New("path escapes title directory")

// titlePath maps a client path below base/title.
func titlePath(base, title, clientPath string) (string, error) {
	root := filepath.Join(base, title)
	full := filepath.Join(root, filepath.FromSlash(strings.TrimLeft(clientPath, "/")))
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscapes, clientPath)
	}
	return full, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
