package broker

import (
	"context"
	"sync"

	"github.com/vanpelt/rit/internal/protocol"
	"github.com/vanpelt/rit/internal/recovery"
)

type stdinJob struct {
	ctx     context.Context
	session string
	data    []byte
}

// stdinQueue holds a mirror's keystrokes until its worker forwards them.
// Pushes never block the mirror's read loop.
type stdinQueue struct {
	mu   sync.Mutex
	jobs []stdinJob
	wake chan struct{}
	done chan struct{}
	once sync.Once
}

func newStdinQueue() *stdinQueue {
	return &stdinQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (q *stdinQueue) push(job stdinJob) {
	q.mu.Lock()
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *stdinQueue) take() []stdinJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobs := q.jobs
	q.jobs = nil
	return jobs
}

func (q *stdinQueue) stop() {
	q.once.Do(func() { close(q.done) })
}

func (q *stdinQueue) stopped() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

// enqueueStdin hands data to the mirror's stdin worker, starting one on
// first use.
func (b *Broker) enqueueStdin(ctx context.Context, mirrorID, session string, data []byte) {
	b.stdinMu.Lock()
	q, ok := b.stdinQueues[mirrorID]
	if !ok {
		q = newStdinQueue()
		b.stdinQueues[mirrorID] = q
		recovery.SafeGo("broker-stdin-"+mirrorID, func() { b.drainStdin(mirrorID, q) })
	}
	q.push(stdinJob{ctx: ctx, session: session, data: data})
	b.stdinMu.Unlock()
}

// drainStdin forwards a mirror's keystrokes one at a time, in the order
// they were received.
func (b *Broker) drainStdin(mirrorID string, q *stdinQueue) {
	for {
		select {
		case <-q.wake:
		case <-q.done:
			return
		case <-b.ctx.Done():
			return
		}

		for _, job := range q.take() {
			if q.stopped() {
				return
			}
			if _, err := b.ForwardStdin(job.ctx, mirrorID, job.session, job.data); err != nil {
				if err := b.router.SendToMirror(mirrorID, protocol.ErrorMessage(job.session, "", err.Error())); err != nil {
					b.log.Debug().Err(err).Str("mirror", mirrorID).Msg("mirror reply failed")
				}
			}
		}
	}
}

// stopStdin ends the mirror's worker and drops keystrokes it has not sent.
func (b *Broker) stopStdin(mirrorID string) {
	b.stdinMu.Lock()
	q, ok := b.stdinQueues[mirrorID]
	delete(b.stdinQueues, mirrorID)
	b.stdinMu.Unlock()
	if ok {
		q.stop()
	}
}
