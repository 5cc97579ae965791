// Package dispatch serializes work per guild. Every guild has a FIFO queue
// and one consumer goroutine drains the queues round-robin, so tasks of the
// same guild never overlap or reorder.
package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"voiceboard/internal/metrics"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("dispatcher closed")

// Task is one unit of guild work.
type Task func(ctx context.Context) error

type job struct {
	name string
	task Task
}

// Dispatcher is safe for concurrent Submit calls.
type Dispatcher struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	onPanic func(error)

	mu     sync.Mutex
	queues map[string][]job
	ring   []string
	depth  int
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

// New creates a dispatcher. onPanic is called with the recovered value of a
// task that panicked; the dispatcher itself keeps running.
func New(logger *zap.Logger, m *metrics.Metrics, onPanic func(error)) *Dispatcher {
	return &Dispatcher{
		logger:  logger.Named("dispatch"),
		metrics: m,
		onPanic: onPanic,
		queues:  make(map[string][]job),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Submit appends task to the queue of guildID.
func (d *Dispatcher) Submit(guildID, name string, task Task) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	if len(d.queues[guildID]) == 0 {
		d.ring = append(d.ring, guildID)
	}
	d.queues[guildID] = append(d.queues[guildID], job{name: name, task: task})
	d.depth++
	depth := d.depth
	d.mu.Unlock()

	d.metrics.SetQueueDepth(depth)
	select {
	case d.wake <- struct{}{}:
	default:
	}
	return nil
}

// next pops the head of the next guild queue in round-robin order.
func (d *Dispatcher) next() (string, job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.ring) == 0 {
		return "", job{}, false
	}
	guildID := d.ring[0]
	d.ring = d.ring[1:]

	q := d.queues[guildID]
	j := q[0]
	if len(q) == 1 {
		delete(d.queues, guildID)
	} else {
		d.queues[guildID] = q[1:]
		d.ring = append(d.ring, guildID)
	}
	d.depth--
	d.metrics.SetQueueDepth(d.depth)
	return guildID, j, true
}

// Run consumes tasks until ctx is done, or until Close was called and every
// queued task has run.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer close(d.done)
	for {
		guildID, j, ok := d.next()
		if ok {
			d.execute(ctx, guildID, j)
			continue
		}

		d.mu.Lock()
		closed := d.closed
		d.mu.Unlock()
		if closed {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.wake:
		}
	}
}

func (d *Dispatcher) execute(ctx context.Context, guildID string, j job) {
	var pc panics.Catcher
	pc.Try(func() {
		if err := j.task(ctx); err != nil {
			d.logger.Error("Task failed",
				zap.String("guildID", guildID),
				zap.String("task", j.name),
				zap.Error(err))
		}
	})
	if rec := pc.Recovered(); rec != nil {
		err := rec.AsError()
		d.logger.Error("Task panicked",
			zap.String("guildID", guildID),
			zap.String("task", j.name),
			zap.Error(err))
		if d.onPanic != nil {
			d.onPanic(err)
		}
	}
}

// Close stops accepting tasks. Run returns once the queues are empty.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Done is closed when Run has returned.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Pending counts queued tasks.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.depth
}
