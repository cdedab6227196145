// Package msgqueue decouples adapter send/receive paths from blocking
// platform I/O: producers enqueue without ever blocking, and one dedicated
// worker goroutine drains the queue in FIFO order.
package msgqueue

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/linkmux/ca"
	"github.com/srg/linkmux/internal/groutine"
)

// Message is one queued payload bound for an endpoint. The payload is a
// copy made at enqueue time; the queue owns it until the worker hands it to
// the process function.
type Message struct {
	Endpoint ca.Endpoint
	Data     []byte
}

// ProcessFunc handles one dequeued message. It runs on the worker goroutine
// and may block on platform I/O; the queue holds no locks while it runs.
type ProcessFunc func(msg Message)

// Queue is a bounded multi-producer/single-consumer message queue.
//
// Shutdown policy: Stop discards messages still queued — the worker
// finishes the message it is processing, then exits without draining. The
// upper layer owns retry, so undelivered sends are its concern, not ours.
type Queue struct {
	name   string
	ch     chan Message
	logger *logrus.Logger

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	running bool
}

// New creates a queue with the given worker name and capacity.
func New(name string, capacity int, logger *logrus.Logger) *Queue {
	if logger == nil {
		logger = logrus.New()
	}
	if capacity <= 0 {
		panic("msgqueue: capacity must be > 0")
	}
	return &Queue{
		name:   name,
		ch:     make(chan Message, capacity),
		logger: logger,
	}
}

// Enqueue copies data and appends the message. It never blocks the
// producer: a full queue returns ErrAllocFailed instead of waiting.
func (q *Queue) Enqueue(endpoint ca.Endpoint, data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)

	select {
	case q.ch <- Message{Endpoint: endpoint, Data: buf}:
		return nil
	default:
		return ca.Errorf(ca.AllocFailed, "%s queue full (%d messages)", q.name, cap(q.ch))
	}
}

// Start launches the worker goroutine. Exactly one worker runs per queue;
// starting an already-running queue is an error so stop/start cycles can
// never stack duplicate workers.
func (q *Queue) Start(process ProcessFunc) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return ca.Errorf(ca.Failed, "%s worker already running", q.name)
	}

	q.stop = make(chan struct{})
	q.done = make(chan struct{})
	q.running = true

	stop, done := q.stop, q.done
	groutine.Go(nil, q.name, func(ctx context.Context) {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			case msg := <-q.ch:
				process(msg)
			}
		}
	})

	q.logger.WithField("worker", q.name).Debug("Queue worker started")
	return nil
}

// Stop signals the worker and waits for it to exit, then discards whatever
// is still queued. It does not fail if the worker is already stopped.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.running {
		return
	}

	close(q.stop)
	<-q.done
	q.running = false

	discarded := 0
	for {
		select {
		case <-q.ch:
			discarded++
		default:
			if discarded > 0 {
				q.logger.WithFields(logrus.Fields{
					"worker":    q.name,
					"discarded": discarded,
				}).Debug("Discarded undelivered messages at stop")
			}
			return
		}
	}
}

// Running reports whether the worker goroutine is live.
func (q *Queue) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	return len(q.ch)
}
