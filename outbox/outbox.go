// Package outbox forwards committed structural events to the event queue
// without blocking the connection that produced them. Delivery runs on a
// worker pool; a full pool falls back to a direct send so committed events
// are not dropped.
package outbox

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"collab-api/domain"
)

// Queue is the downstream event sink.
type Queue interface {
	EnqueueEvents(ctx context.Context, boardID string, events []domain.Envelope) error
}

// Options tunes the worker pool. Zero values pick the defaults.
type Options struct {
	Workers        int
	Buffer         int
	EnqueueTimeout time.Duration
	HandoffTimeout time.Duration
}

type job struct {
	boardID string
	events  []domain.Envelope
}

// Outbox is the worker pool in front of the event queue.
type Outbox struct {
	queue          Queue
	logger         *log.Logger
	jobs           chan job
	enqueueTimeout time.Duration
	handoffTimeout time.Duration

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New starts the pool.
func New(queue Queue, logger *log.Logger, opts Options) *Outbox {
	if opts.Workers <= 0 {
		opts.Workers = 32
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 4096
	}
	if opts.EnqueueTimeout <= 0 {
		opts.EnqueueTimeout = 60 * time.Second
	}
	if opts.HandoffTimeout <= 0 {
		opts.HandoffTimeout = 15 * time.Millisecond
	}
	o := &Outbox{
		queue:          queue,
		logger:         logger,
		jobs:           make(chan job, opts.Buffer),
		enqueueTimeout: opts.EnqueueTimeout,
		handoffTimeout: opts.HandoffTimeout,
	}
	for i := 0; i < opts.Workers; i++ {
		o.wg.Add(1)
		go o.worker(i)
	}
	logger.Infof("outbox started, workers: %d, buffer: %d, timeout: %v, handoff: %v",
		opts.Workers, opts.Buffer, opts.EnqueueTimeout, opts.HandoffTimeout)
	return o
}

// Publish hands events to the pool. When the pool cannot accept the job
// within the handoff timeout, delivery happens on the calling goroutine's
// own spawned sender instead.
func (o *Outbox) Publish(boardID string, events ...domain.Envelope) {
	if len(events) == 0 {
		return
	}
	j := job{boardID: boardID, events: events}
	if o.tryHandoff(j) {
		return
	}
	o.logger.WithFields(log.Fields{"board": boardID, "count": len(events)}).Warn("outbox pool saturated, sending directly")
	go o.send(j, -1)
}

// Close stops accepting jobs and waits for the workers to drain.
func (o *Outbox) Close() {
	o.closeOnce.Do(func() { close(o.jobs) })
	o.wg.Wait()
}

func (o *Outbox) worker(id int) {
	defer o.wg.Done()
	for j := range o.jobs {
		o.send(j, id)
	}
}

func (o *Outbox) send(j job, worker int) {
	ctx, cancel := context.WithTimeout(context.Background(), o.enqueueTimeout)
	defer cancel()
	if err := o.queue.EnqueueEvents(ctx, j.boardID, j.events); err != nil {
		o.logger.Errorf("event enqueue failed, err: %v, board: %s, count: %d, worker: %d", err, j.boardID, len(j.events), worker)
	}
}

func (o *Outbox) tryHandoff(j job) bool {
	if ok, closed := o.trySendNonBlocking(j); closed {
		return false
	} else if ok {
		return true
	}

	timer := time.NewTimer(o.handoffTimeout)
	defer timer.Stop()

	ok, _ := o.sendWithTimer(j, timer.C)
	return ok
}

func (o *Outbox) trySendNonBlocking(j job) (ok bool, closed bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			closed = true
		}
	}()

	select {
	case o.jobs <- j:
		return true, false
	default:
		return false, false
	}
}

func (o *Outbox) sendWithTimer(j job, timer <-chan time.Time) (ok bool, closed bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			closed = true
		}
	}()

	select {
	case o.jobs <- j:
		return true, false
	case <-timer:
		return false, false
	}
}
