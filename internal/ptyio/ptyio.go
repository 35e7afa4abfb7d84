//go:build !windows

// Package ptyio wraps a pseudo-terminal master in ring buffers so that callers never
// block on the terminal: writes are queued for a background writer and bytes typed
// into the slave are delivered to a callback.
//
//	p, err := ptyio.Open(nil)
//	if err != nil {
//		return err
//	}
//	defer p.Close()
//	fmt.Println("attach to", p.TTYName())
//	p.SetReadCallback(func(b []byte) { ... })
//	p.Write([]byte("hello\r\n"))
package ptyio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/bleplex/internal/groutine"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// ReadCallback receives bytes typed into the slave. It runs on the dispatcher goroutine
// and must not keep data after returning.
type ReadCallback func(data []byte)

// Options configures Open. Zero fields take their defaults.
type Options struct {
	// ReadCap buffers bytes coming from the slave until the callback takes them.
	ReadCap int `default:"4096"`
	// WriteCap buffers bytes queued for the slave.
	WriteCap int `default:"4096"`
	// PollTimeout bounds how long the I/O loops wait before checking for shutdown.
	PollTimeout time.Duration `default:"50ms"`
	Logger      *logrus.Logger
	// OnError is called at most once per loop when a loop dies on an unexpected error.
	OnError func(error)
}

// PTY is a non-blocking pseudo-terminal.
type PTY interface {
	io.ReadWriteCloser
	TTYName() string
	Stats() Stats
	// SetReadCallback switches from pull (Read) to push delivery. nil switches back.
	SetReadCallback(cb ReadCallback)
}

// Stats are the byte counters of a PTY.
type Stats struct {
	WriteQueued  int
	ReadQueued   int
	BytesWritten uint64
	BytesRead    uint64
	DroppedWrite uint64
	DroppedRead  uint64
}

type ringPTY struct {
	logger      *logrus.Logger
	master      *os.File
	slave       *os.File
	ttyName     string
	pollTimeout int
	onError     func(error)

	out *ringbuffer.RingBuffer // to the slave
	in  *ringbuffer.RingBuffer // from the slave

	cb     atomic.Pointer[ReadCallback]
	wakeup chan struct{}

	cancel context.CancelFunc
	loops  groutine.Group
	closed atomic.Bool

	written, read, droppedOut, droppedIn atomic.Uint64
	readErrOnce, writeErrOnce            sync.Once
}

// Open creates a PTY pair with the slave in raw mode.
func Open(opts *Options) (PTY, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	defaults.SetDefaults(&o)
	if o.Logger == nil {
		o.Logger = logrus.New()
		o.Logger.SetOutput(io.Discard)
	}

	master, slave, err := openRaw()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &ringPTY{
		logger:      o.Logger,
		master:      master,
		slave:       slave,
		ttyName:     slave.Name(),
		pollTimeout: int(o.PollTimeout / time.Millisecond),
		onError:     o.OnError,
		out:         ringbuffer.New(o.WriteCap),
		in:          ringbuffer.New(o.ReadCap),
		wakeup:      make(chan struct{}, 1),
		cancel:      cancel,
	}
	p.loops.Go(ctx, "pty-read-loop", p.readLoop)
	p.loops.Go(ctx, "pty-write-loop", p.writeLoop)
	p.loops.Go(ctx, "pty-dispatcher", p.dispatch)

	p.logger.WithField("tty", p.ttyName).Debug("PTY opened")
	return p, nil
}

func openRaw() (master, slave *os.File, err error) {
	master, slave, err = pty.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create PTY: %w", err)
	}
	fail := func(step string, cause error) (*os.File, *os.File, error) {
		name := slave.Name()
		_ = master.Close()
		_ = slave.Close()
		return nil, nil, fmt.Errorf("failed to %s on %s: %w", step, name, cause)
	}
	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		return fail("set raw mode", err)
	}
	if err := syscall.SetNonblock(int(master.Fd()), true); err != nil {
		return fail("set non-blocking mode", err)
	}
	return master, slave, nil
}

func (p *ringPTY) TTYName() string { return p.ttyName }

// Write queues data for the slave. When the queue is full the excess is dropped and
// counted; the returned count says how much was queued.
func (p *ringPTY) Write(data []byte) (int, error) {
	if p.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(data) == 0 {
		return 0, nil
	}
	n, err := p.out.TryWrite(data)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) && !errors.Is(err, ringbuffer.ErrTooMuchDataToWrite) {
		return 0, err
	}
	if dropped := len(data) - n; dropped > 0 {
		p.droppedOut.Add(uint64(dropped))
		p.logger.WithFields(logrus.Fields{"dropped": dropped, "queued": n}).Warn("PTY write queue full")
	}
	return n, nil
}

// Read takes buffered slave input without blocking; it returns syscall.EAGAIN when
// nothing is buffered.
func (p *ringPTY) Read(b []byte) (int, error) {
	if p.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(b) == 0 {
		return 0, nil
	}
	n, err := p.in.TryRead(b)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
		return 0, err
	}
	if n == 0 {
		return 0, syscall.EAGAIN
	}
	return n, nil
}

func (p *ringPTY) SetReadCallback(cb ReadCallback) {
	if p.closed.Load() {
		return
	}
	if cb == nil {
		p.cb.Store(nil)
		return
	}
	p.cb.Store(&cb)
	p.poke()
}

func (p *ringPTY) poke() {
	select {
	case p.wakeup <- struct{}{}:
	default:
	}
}

func (p *ringPTY) Stats() Stats {
	return Stats{
		WriteQueued:  p.out.Length(),
		ReadQueued:   p.in.Length(),
		BytesWritten: p.written.Load(),
		BytesRead:    p.read.Load(),
		DroppedWrite: p.droppedOut.Load(),
		DroppedRead:  p.droppedIn.Load(),
	}
}

// Close stops the loops and closes both ends. The loops notice within one poll timeout.
func (p *ringPTY) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.cancel()
	errs := []error{p.master.Close(), p.slave.Close()}

	done := make(chan struct{})
	groutine.Go(context.Background(), "pty-close-wait", func(context.Context) {
		p.loops.Wait()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(time.Duration(p.pollTimeout)*time.Millisecond*3 + time.Second):
		p.logger.WithField("tty", p.ttyName).Error("PTY loops did not stop in time")
	}
	return errors.Join(errs...)
}

// ----------------------------
// Loops
// ----------------------------

func (p *ringPTY) fail(once *sync.Once, loop string, err error) {
	p.logger.WithFields(logrus.Fields{"loop": loop, "error": err}).Warn("PTY loop stopped")
	if p.onError != nil {
		once.Do(func() { p.onError(fmt.Errorf("%s: %w", loop, err)) })
	}
}

// closing reports whether err means the master was closed under the loop.
func closing(err error) bool {
	return errors.Is(err, syscall.EBADF) || errors.Is(err, os.ErrClosed) || errors.Is(err, io.EOF)
}

func (p *ringPTY) readLoop(ctx context.Context) {
	fds := []unix.PollFd{{Fd: int32(p.master.Fd()), Events: unix.POLLIN}}
	buf := make([]byte, 4096)
	for ctx.Err() == nil {
		ready, err := unix.Poll(fds, p.pollTimeout)
		if err != nil && !errors.Is(err, syscall.EINTR) {
			p.logger.WithField("error", err).Debug("PTY read poll failed")
			continue
		}
		if ready == 0 {
			continue
		}

		n, err := p.master.Read(buf)
		if n > 0 {
			queued, _ := p.in.TryWrite(buf[:n])
			if dropped := n - queued; dropped > 0 {
				p.droppedIn.Add(uint64(dropped))
				p.logger.WithField("dropped", dropped).Warn("PTY read queue full")
			}
			p.read.Add(uint64(queued))
			if queued > 0 {
				p.poke()
			}
		}
		switch {
		case err == nil, errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EINTR):
		case closing(err):
			return
		default:
			p.fail(&p.readErrOnce, "read loop", err)
			return
		}
	}
}

func (p *ringPTY) writeLoop(ctx context.Context) {
	fds := []unix.PollFd{{Fd: int32(p.master.Fd()), Events: unix.POLLOUT}}
	buf := make([]byte, 4096)
	for ctx.Err() == nil {
		n, _ := p.out.TryRead(buf)
		if n == 0 {
			// Nothing queued: sleep for one poll interval.
			_, _ = unix.Poll(nil, p.pollTimeout)
			continue
		}
		for off := 0; off < n && ctx.Err() == nil; {
			w, err := p.master.Write(buf[off:n])
			off += w
			p.written.Add(uint64(w))
			switch {
			case err == nil, errors.Is(err, syscall.EINTR):
			case errors.Is(err, syscall.EAGAIN):
				_, _ = unix.Poll(fds, p.pollTimeout)
			case closing(err):
				return
			default:
				p.fail(&p.writeErrOnce, "write loop", err)
				return
			}
		}
	}
}

func (p *ringPTY) dispatch(ctx context.Context) {
	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.wakeup:
		}
		for ctx.Err() == nil {
			cb := p.cb.Load()
			if cb == nil {
				break
			}
			n, _ := p.in.TryRead(buf)
			if n == 0 {
				break
			}
			if !p.deliver(*cb, buf[:n]) {
				break
			}
		}
	}
}

// deliver runs the callback, unregistering it if it panics.
func (p *ringPTY) deliver(cb ReadCallback, data []byte) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithField("panic", r).Error("PTY read callback panicked; unregistering it")
			p.cb.Store(nil)
			if p.onError != nil {
				p.readErrOnce.Do(func() { p.onError(fmt.Errorf("read callback panic: %v", r)) })
			}
			ok = false
		}
	}()
	cb(data)
	return true
}
