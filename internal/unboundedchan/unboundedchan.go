// Package unboundedchan connects a producer that must never block to a
// consumer that may stall, such as the node's main loop feeding the status
// publisher.
package unboundedchan

import "sync/atomic"

// UnboundedChannel is a FIFO queue entered and drained through channels.
// Sends on In never block. Use pointers or small values for T.
type UnboundedChannel[T any] struct {
	in  chan T
	out chan T

	// ring holds queued values from head; its length is a power of 2.
	ring  []T
	head  int
	count int

	pending   atomic.Int64
	highWater atomic.Int64
}

const initialRing = 16

// NewUnboundedChannel creates the queue and starts its relay goroutine.
func NewUnboundedChannel[T any]() *UnboundedChannel[T] {
	uc := &UnboundedChannel[T]{
		in:   make(chan T),
		out:  make(chan T),
		ring: make([]T, initialRing),
	}
	go uc.run()
	return uc
}

func (uc *UnboundedChannel[T]) push(v T) {
	if uc.count == len(uc.ring) {
		grown := make([]T, 2*len(uc.ring))
		n := copy(grown, uc.ring[uc.head:])
		copy(grown[n:], uc.ring[:uc.head])
		uc.ring, uc.head = grown, 0
	}
	uc.ring[(uc.head+uc.count)&(len(uc.ring)-1)] = v
	uc.count++
	uc.pending.Store(int64(uc.count))
	if int64(uc.count) > uc.highWater.Load() {
		uc.highWater.Store(int64(uc.count))
	}
}

func (uc *UnboundedChannel[T]) pop() {
	var zero T
	uc.ring[uc.head] = zero
	uc.head = (uc.head + 1) & (len(uc.ring) - 1)
	uc.count--
	uc.pending.Store(int64(uc.count))
}

func (uc *UnboundedChannel[T]) run() {
	for {
		if uc.count == 0 {
			v, ok := <-uc.in
			if !ok {
				close(uc.out)
				return
			}
			uc.push(v)
			continue
		}
		select {
		case uc.out <- uc.ring[uc.head]:
			uc.pop()
		case v, ok := <-uc.in:
			if !ok {
				// Deliver everything already queued, then close.
				for uc.count > 0 {
					uc.out <- uc.ring[uc.head]
					uc.pop()
				}
				close(uc.out)
				return
			}
			uc.push(v)
		}
	}
}

// In returns the input channel. Closing it closes Out once the queue drains.
func (uc *UnboundedChannel[T]) In() chan<- T {
	return uc.in
}

// Out returns the output channel.
func (uc *UnboundedChannel[T]) Out() <-chan T {
	return uc.out
}

// Pending returns the number of values waiting to be received.
func (uc *UnboundedChannel[T]) Pending() int { return int(uc.pending.Load()) }

// HighWater returns the largest number of values ever queued at once.
func (uc *UnboundedChannel[T]) HighWater() int { return int(uc.highWater.Load()) }
