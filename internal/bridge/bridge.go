//go:build !windows

// Package bridge exposes a UART-style GATT service (Nordic UART by default) as a
// pseudo-terminal. Bytes typed into the terminal are written to the TX characteristic in
// MTU-sized chunks; notifications from the RX characteristic are written back to the
// terminal.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/bleplex/internal/access"
	"github.com/srg/bleplex/internal/groutine"
	"github.com/srg/bleplex/internal/ptyio"
)

// Nordic UART Service UUIDs. TX is written by the central, RX notifies the central.
const (
	NUSService = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	NUSTX      = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	NUSRX      = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
)

// attHeader is the ATT write request overhead subtracted from the MTU.
const attHeader = 3

// Options configures a bridge. Zero fields take their defaults.
type Options struct {
	ServiceUUID string `default:"6e400001-b5a3-f393-e0a9-e50e24dcca9e"`
	TXUUID      string `default:"6e400002-b5a3-f393-e0a9-e50e24dcca9e"`
	RXUUID      string `default:"6e400003-b5a3-f393-e0a9-e50e24dcca9e"`
	// WithResponse makes every chunk a write request instead of a write command.
	WithResponse bool
	// ChunkSize caps the bytes per write. 0 derives it from the connection MTU.
	ChunkSize int
	// QueueSize buffers terminal input waiting to be written to the device.
	QueueSize int `default:"4096"`
	// WriteTimeout bounds each chunk write.
	WriteTimeout time.Duration `default:"5s"`
	// Symlink, when set, is created pointing at the terminal and removed on Close.
	Symlink string
	// PTY tunes the terminal buffers.
	PTY    ptyio.Options
	Logger *logrus.Logger
}

// Stats counts the bytes moved in each direction.
type Stats struct {
	ToDevice          uint64
	FromDevice        uint64
	DroppedToDevice   uint64
	DroppedFromDevice uint64
	WriteErrors       uint64
	Terminal          ptyio.Stats
}

// Bridge is a running PTY bridge.
type Bridge struct {
	svc     *access.Service
	port    ptyio.PTY
	opts    Options
	logger  *logrus.Logger
	symlink string

	sub   *access.Subscription
	queue *ringbuffer.RingBuffer
	kick  chan struct{}

	cancel    context.CancelFunc
	pump      groutine.Group
	closeOnce sync.Once

	sent, received, droppedTo, droppedFrom, writeErrors atomic.Uint64
}

// openPort is replaced in tests.
var openPort = ptyio.Open

// Start opens a terminal and bridges it to the UART service of the device behind svc.
// The device must be connected. ctx bounds the setup only; Close stops the bridge.
func Start(ctx context.Context, svc *access.Service, opts *Options) (*Bridge, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	defaults.SetDefaults(&o)
	if o.Logger == nil {
		o.Logger = logrus.New()
	}
	if o.PTY.Logger == nil {
		o.PTY.Logger = o.Logger
	}

	if svc.Device().GetConnection() == nil {
		return nil, fmt.Errorf("device %s is not connected", svc.Device().Address())
	}

	port, err := openPort(&o.PTY)
	if err != nil {
		return nil, err
	}

	b := &Bridge{
		svc:    svc,
		port:   port,
		opts:   o,
		logger: o.Logger,
		queue:  ringbuffer.New(o.QueueSize),
		kick:   make(chan struct{}, 1),
	}
	if err := b.start(ctx); err != nil {
		_ = b.Close()
		return nil, err
	}
	return b, nil
}

func (b *Bridge) start(ctx context.Context) error {
	sub, err := b.svc.Notify(ctx, b.opts.ServiceUUID, b.opts.RXUUID, b.fromDevice)
	if err != nil {
		return fmt.Errorf("failed to subscribe to RX: %w", err)
	}
	b.sub = sub

	if b.opts.Symlink != "" {
		if err := replaceSymlink(b.port.TTYName(), b.opts.Symlink); err != nil {
			return err
		}
		b.symlink = b.opts.Symlink
		b.logger.WithFields(logrus.Fields{"symlink": b.symlink, "tty": b.port.TTYName()}).Info("Created PTY symlink")
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.pump.Go(pumpCtx, "bridge-tx", b.drain)
	b.port.SetReadCallback(b.fromTerminal)

	b.logger.WithFields(logrus.Fields{
		"address": b.svc.Device().Address(),
		"tty":     b.port.TTYName(),
		"chunk":   b.chunkSize(),
	}).Info("Bridge running")
	return nil
}

// replaceSymlink points link at target. An existing symlink is replaced; any other file
// is left alone.
func replaceSymlink(target, link string) error {
	if fi, err := os.Lstat(link); err == nil {
		if fi.Mode()&fs.ModeSymlink == 0 {
			return fmt.Errorf("failed to create tty symlink: %s exists and is not a symlink", link)
		}
		if err := os.Remove(link); err != nil {
			return fmt.Errorf("failed to replace tty symlink %s: %w", link, err)
		}
	}
	if err := os.Symlink(target, link); err != nil {
		return fmt.Errorf("failed to create tty symlink %s -> %s: %w", link, target, err)
	}
	return nil
}

// TTYName is the terminal path clients open.
func (b *Bridge) TTYName() string { return b.port.TTYName() }

// Symlink is the symlink created for the terminal, "" when none.
func (b *Bridge) Symlink() string { return b.symlink }

func (b *Bridge) Stats() Stats {
	return Stats{
		ToDevice:          b.sent.Load(),
		FromDevice:        b.received.Load(),
		DroppedToDevice:   b.droppedTo.Load(),
		DroppedFromDevice: b.droppedFrom.Load(),
		WriteErrors:       b.writeErrors.Load(),
		Terminal:          b.port.Stats(),
	}
}

// Close stops the bridge, drops the RX subscription and closes the terminal. The device
// stays connected.
func (b *Bridge) Close() error {
	var errs []error
	b.closeOnce.Do(func() {
		b.port.SetReadCallback(nil)
		if b.cancel != nil {
			b.cancel()
			b.pump.Wait()
		}
		if b.sub != nil {
			if err := b.sub.Close(context.Background()); err != nil {
				errs = append(errs, fmt.Errorf("failed to unsubscribe from RX: %w", err))
			}
		}
		if b.symlink != "" {
			if err := os.Remove(b.symlink); err != nil && !errors.Is(err, fs.ErrNotExist) {
				b.logger.WithFields(logrus.Fields{"symlink": b.symlink, "error": err}).Warn("Failed to remove tty symlink")
			}
		}
		if err := b.port.Close(); err != nil {
			errs = append(errs, err)
		}
		b.logger.WithField("address", b.svc.Device().Address()).Info("Bridge stopped")
	})
	return errors.Join(errs...)
}

// ----------------------------
// Data paths
// ----------------------------

func (b *Bridge) fromDevice(data []byte) {
	n, err := b.port.Write(data)
	b.received.Add(uint64(n))
	if dropped := len(data) - n; dropped > 0 {
		b.droppedFrom.Add(uint64(dropped))
	}
	if err != nil {
		b.logger.WithField("error", err).Debug("Failed to write notification to PTY")
	}
}

func (b *Bridge) fromTerminal(data []byte) {
	n, _ := b.queue.TryWrite(data)
	if dropped := len(data) - n; dropped > 0 {
		b.droppedTo.Add(uint64(dropped))
		b.logger.WithField("dropped", dropped).Warn("Bridge TX queue full")
	}
	select {
	case b.kick <- struct{}{}:
	default:
	}
}

func (b *Bridge) chunkSize() int {
	if b.opts.ChunkSize > 0 {
		return b.opts.ChunkSize
	}
	if conn := b.svc.Device().GetConnection(); conn != nil && conn.MTU() > attHeader {
		return conn.MTU() - attHeader
	}
	return 20
}

// drain writes queued terminal input to TX, one chunk at a time, in order.
func (b *Bridge) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.kick:
		}

		chunk := make([]byte, b.chunkSize())
		for ctx.Err() == nil {
			n, _ := b.queue.TryRead(chunk)
			if n == 0 {
				break
			}
			b.write(ctx, chunk[:n])
		}
	}
}

func (b *Bridge) write(ctx context.Context, data []byte) {
	wctx, cancel := context.WithTimeout(ctx, b.opts.WriteTimeout)
	defer cancel()

	if err := b.svc.Write(wctx, b.opts.ServiceUUID, b.opts.TXUUID, data, b.opts.WithResponse); err != nil {
		b.writeErrors.Add(1)
		b.droppedTo.Add(uint64(len(data)))
		b.logger.WithFields(logrus.Fields{
			"address": b.svc.Device().Address(),
			"bytes":   len(data),
			"error":   err,
		}).Warn("Bridge write to device failed")
		return
	}
	b.sent.Add(uint64(len(data)))
}
