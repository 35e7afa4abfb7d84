// Package base implements the lifecycle state machines shared by every backend.
//
// Scanner, Device and Broadcaster own state, validation, filtering and event delivery;
// they forward the actual radio work to the Native* hooks a backend provides.
package base

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	"github.com/srg/bleplex/internal/device"
	"github.com/srg/bleplex/internal/groutine"
)

// DefaultQueueSize is the event queue capacity used when none is configured.
const DefaultQueueSize uint32 = 256

// Hub fans events out to registered listeners.
//
// Emit never blocks: events go to an overwrite-oldest ring and a single dispatcher
// goroutine delivers them in order. Native callbacks can therefore emit while holding
// locks without waiting on listener code.
//
// Every event carries a sequence number. A listener only sees events emitted after
// AddListener returned, even when older ones are still queued.
type Hub struct {
	name      string
	logger    *logrus.Logger
	listeners *hashmap.Map[uint64, subscriber]
	nextID    atomic.Uint64
	seq       atomic.Uint64

	queue   mpmc.RichOverlappedRingBuffer[queuedEvent]
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	dropped atomic.Uint64

	running   atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
}

type queuedEvent struct {
	seq uint64
	ev  device.Event
}

type subscriber struct {
	since    uint64
	listener device.Listener
}

// NewHub creates a hub; name labels its dispatcher goroutine.
func NewHub(name string, size uint32, logger *logrus.Logger) *Hub {
	if size == 0 {
		size = DefaultQueueSize
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Hub{
		name:      name,
		logger:    logger,
		listeners: hashmap.New[uint64, subscriber](),
		queue:     mpmc.NewOverlappedRingBuffer[queuedEvent](size),
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// AddListener registers l and returns the function removing it.
func (h *Hub) AddListener(l device.Listener) func() {
	id := h.nextID.Add(1)
	h.listeners.Set(id, subscriber{since: h.seq.Load(), listener: l})
	return func() { h.listeners.Del(id) }
}

// Emit queues ev for delivery.
func (h *Hub) Emit(ev device.Event) {
	select {
	case <-h.stop:
		return
	default:
	}
	h.startOnce.Do(h.start)

	overwrites, err := h.queue.EnqueueM(queuedEvent{seq: h.seq.Add(1), ev: ev})
	if err != nil {
		h.logger.WithFields(logrus.Fields{"hub": h.name, "error": err}).Warn("Dropping event")
		h.dropped.Add(1)
		return
	}
	if overwrites > 0 {
		h.dropped.Add(uint64(overwrites))
	}

	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// Dropped returns how many events were overwritten before delivery.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Close delivers what is already queued and stops the dispatcher.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		// A hub that never emitted has no dispatcher; make sure none starts now.
		h.startOnce.Do(func() {})
		close(h.stop)
		if h.running.Load() {
			<-h.done
		}
	})
}

func (h *Hub) start() {
	h.running.Store(true)
	groutine.Go(context.Background(), h.name+"-events", func(context.Context) {
		defer close(h.done)
		for {
			select {
			case <-h.stop:
				h.drain()
				return
			case <-h.wake:
				h.drain()
			}
		}
	})
}

func (h *Hub) drain() {
	for !h.queue.IsEmpty() {
		qe, err := h.queue.Dequeue()
		if err != nil {
			return
		}
		h.listeners.Range(func(_ uint64, sub subscriber) bool {
			if qe.seq > sub.since {
				h.deliver(sub.listener, qe.ev)
			}
			return true
		})
	}
}

func (h *Hub) deliver(l device.Listener, ev device.Event) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.WithFields(logrus.Fields{
				"hub":   h.name,
				"event": ev.Kind(),
				"panic": r,
			}).Error("Listener panicked")
		}
	}()
	l(ev)
}
