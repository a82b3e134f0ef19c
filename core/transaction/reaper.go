package transaction

import (
	"sync"
	"time"

	"github.com/tidwall/btree"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/pkg/logger"
)

// ScheduledTask is a callback queued on a Reaper.
type ScheduledTask struct {
	at  time.Time
	seq uint64
	fn  func()
}

// At is when the task is due.
func (t *ScheduledTask) At() time.Time { return t.at }

// Reaper runs scheduled callbacks from a single timer goroutine, earliest
// first. Callbacks run on that goroutine and must not block.
type Reaper struct {
	mu    sync.Mutex
	queue *btree.BTreeG[*ScheduledTask]
	seq   uint64

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
	once sync.Once

	logger *zap.Logger
}

// NewReaper starts the timer goroutine. Call Stop to end it.
func NewReaper(l *zap.Logger) *Reaper {
	r := &Reaper{
		queue: btree.NewBTreeG(func(a, b *ScheduledTask) bool {
			if !a.at.Equal(b.at) {
				return a.at.Before(b.at)
			}
			return a.seq < b.seq
		}),
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger.OrNop(l).Named("reaper"),
	}
	go r.loop()
	return r
}

// Schedule queues fn to run at at.
func (r *Reaper) Schedule(at time.Time, fn func()) *ScheduledTask {
	r.mu.Lock()
	r.seq++
	t := &ScheduledTask{at: at, seq: r.seq, fn: fn}
	r.queue.Set(t)
	first, _ := r.queue.Min()
	r.mu.Unlock()

	if first == t {
		r.signal()
	}
	return t
}

// Cancel removes t from the queue. It reports whether t was still pending.
func (r *Reaper) Cancel(t *ScheduledTask) bool {
	if t == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.queue.Delete(t)
	return ok
}

// Pending returns the number of queued tasks.
func (r *Reaper) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queue.Len()
}

// Stop ends the timer goroutine. Pending tasks are dropped.
func (r *Reaper) Stop() {
	r.once.Do(func() { close(r.stop) })
	<-r.done
}

func (r *Reaper) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Reaper) loop() {
	defer close(r.done)
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		r.mu.Lock()
		next, ok := r.queue.Min()
		wait := time.Hour
		if ok {
			wait = time.Until(next.at)
			if wait <= 0 {
				r.queue.Delete(next)
				r.mu.Unlock()
				r.run(next)
				continue
			}
		}
		r.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-r.stop:
			return
		case <-r.wake:
		case <-timer.C:
		}
	}
}

func (r *Reaper) run(t *ScheduledTask) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Scheduled task panicked", zap.Any("panic", p))
		}
	}()
	t.fn()
}
