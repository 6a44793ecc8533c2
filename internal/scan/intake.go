package scan

import (
	"sync/atomic"

	"github.com/hedzr/go-ringbuf/v2/mpmc"

	"github.com/srg/proxim/internal/radio"
)

// Intake is the non-blocking queue between radio scan callbacks and the
// classifier. Producers never block: when full, the oldest advertisement is
// overwritten and counted as dropped.
type Intake struct {
	buffer  mpmc.RichOverlappedRingBuffer[radio.Advertisement]
	pushed  atomic.Uint64
	dropped atomic.Uint64
}

func NewIntake(capacity uint32) *Intake {
	return &Intake{buffer: mpmc.NewOverlappedRingBuffer[radio.Advertisement](capacity)}
}

// Push enqueues an advertisement. Safe for concurrent producers.
func (q *Intake) Push(adv radio.Advertisement) {
	q.pushed.Add(1)
	overwrites, err := q.buffer.EnqueueM(adv)
	if err != nil {
		q.dropped.Add(1)
		return
	}
	q.dropped.Add(uint64(overwrites))
}

// Drain removes and returns everything queued so far, oldest first.
func (q *Intake) Drain() []radio.Advertisement {
	var out []radio.Advertisement
	for !q.buffer.IsEmpty() {
		adv, err := q.buffer.Dequeue()
		if err != nil {
			break
		}
		out = append(out, adv)
	}
	return out
}

// Pushed is the number of advertisements ever offered to the queue.
func (q *Intake) Pushed() uint64 {
	return q.pushed.Load()
}

// Dropped is the number of advertisements lost to overflow.
func (q *Intake) Dropped() uint64 {
	return q.dropped.Load()
}
