// Package termio serializes console output through one writer goroutine per
// stream, so concurrent connections never interleave partial lines.
package termio

import (
	"io"
	"os"
	"sync"
)

type request struct {
	buf  []byte
	done chan struct{}
}

// Writer queues writes and performs them in order on a background goroutine.
type Writer struct {
	out io.Writer
	ch  chan request
}

// NewWriter starts a queued writer for out.
func NewWriter(out io.Writer) *Writer {
	w := &Writer{
		out: out,
		ch:  make(chan request, 1024),
	}
	go func() {
		for req := range w.ch {
			if req.done != nil {
				close(req.done)
				continue
			}
			_, _ = w.out.Write(req.buf)
		}
	}()
	return w
}

// Write copies p and queues it. It blocks only when the queue is full.
func (w *Writer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	w.ch <- request{buf: buf}
	return len(p), nil
}

// Flush blocks until everything queued before it has been written.
func (w *Writer) Flush() {
	done := make(chan struct{})
	w.ch <- request{done: done}
	<-done
}

type manager struct {
	once   sync.Once
	stdout *Writer
	stderr *Writer
}

var global manager

func Init() {
	global.once.Do(func() {
		global.stdout = NewWriter(os.Stdout)
		global.stderr = NewWriter(os.Stderr)
	})
}

func Stdout() *Writer {
	Init()
	return global.stdout
}

func Stderr() *Writer {
	Init()
	return global.stderr
}

// Flush drains both console streams.
func Flush() {
	Init()
	global.stdout.Flush()
	global.stderr.Flush()
}
