// The MIT License (MIT)
//
// # Copyright (c) 2026 screenlink
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package comm

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrBufferFull is returned by Add when a bounded buffered buffer stays
// full past the timeout.
var ErrBufferFull = errors.New("message buffer full")

// BufferMode selects how a MessageBuffer holds messages.
type BufferMode int

const (
	// Buffered keeps a FIFO queue, bounded by capacity (0 = unbounded).
	Buffered BufferMode = iota
	// Coalescing keeps only the latest message; a new add overwrites.
	Coalescing
)

// BufferState pairs a mode with its capacity for SwitchState calls.
type BufferState struct {
	Mode     BufferMode
	Capacity int
}

// BufferedState is the default state for control channels.
func BufferedState(capacity int) BufferState {
	return BufferState{Mode: Buffered, Capacity: capacity}
}

// CoalescingState is the latest-wins state used for frame streams.
func CoalescingState() BufferState {
	return BufferState{Mode: Coalescing}
}

// MessageBuffer is a mode-switchable message container: a bounded FIFO
// queue or a single latest-value slot. Switching modes drops pending
// messages unless the target state matches the current one exactly.
type MessageBuffer struct {
	mu       sync.Mutex
	mode     BufferMode
	capacity int
	queue    []*Message
	latest   *Message

	// Capacity-1 wakeup channels, which carry at most one pending
	// signal each. With more than one goroutine blocked on the same
	// side a wakeup can be consumed by the wrong waiter, so the buffer
	// supports a single blocking producer and a single blocking
	// consumer at a time; every socket pairs one sendLoop with one
	// recvLoop, and blocked calls re-check under a bounded timeout.
	notEmpty chan struct{}
	notFull  chan struct{}
}

// NewMessageBuffer creates a buffer in the given state.
func NewMessageBuffer(state BufferState) *MessageBuffer {
	b := &MessageBuffer{
		mode:     state.Mode,
		capacity: state.Capacity,
		notEmpty: make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
	}
	return b
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// SwitchState changes the buffer's mode and capacity. Pending messages
// are dropped, unless mode and capacity both stay the same in which
// case the call is a no-op.
func (b *MessageBuffer) SwitchState(state BufferState) {
	b.mu.Lock()
	if b.mode == state.Mode {
		if b.mode == Coalescing || b.capacity == state.Capacity {
			b.mu.Unlock()
			return
		}
	}
	b.mode = state.Mode
	b.capacity = state.Capacity
	b.queue = nil
	b.latest = nil
	b.mu.Unlock()
	// Wake waiters on both sides so they re-evaluate against the new state.
	signal(b.notFull)
	signal(b.notEmpty)
}

// Add stores a message. In coalescing mode it never blocks and
// overwrites the pending value. In buffered mode it blocks until
// capacity permits: timeout < 0 blocks forever, timeout == 0 fails
// immediately with ErrBufferFull, timeout > 0 bounds the wait.
func (b *MessageBuffer) Add(m *Message, timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	for {
		b.mu.Lock()
		if b.mode == Coalescing {
			b.latest = m
			b.mu.Unlock()
			signal(b.notEmpty)
			return nil
		}
		if b.capacity == 0 || len(b.queue) < b.capacity {
			b.queue = append(b.queue, m)
			b.mu.Unlock()
			signal(b.notEmpty)
			return nil
		}
		b.mu.Unlock()

		if timeout == 0 {
			return ErrBufferFull
		}
		select {
		case <-b.notFull:
		case <-expired:
			return ErrBufferFull
		}
	}
}

// Pop removes and returns the next message: the FIFO head in buffered
// mode, the pending value in coalescing mode. timeout < 0 blocks until
// a message arrives, timeout == 0 returns nil immediately when empty,
// timeout > 0 bounds the wait and returns nil on expiry.
func (b *MessageBuffer) Pop(timeout time.Duration) *Message {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	for {
		b.mu.Lock()
		switch b.mode {
		case Coalescing:
			if b.latest != nil {
				m := b.latest
				b.latest = nil
				b.mu.Unlock()
				return m
			}
		case Buffered:
			if len(b.queue) > 0 {
				m := b.queue[0]
				b.queue = b.queue[1:]
				b.mu.Unlock()
				signal(b.notFull)
				return m
			}
		}
		b.mu.Unlock()

		if timeout == 0 {
			return nil
		}
		select {
		case <-b.notEmpty:
		case <-expired:
			return nil
		}
	}
}

// Empty reports whether no message is pending. Racy by nature when
// other goroutines keep adding; callers use it only for drain checks.
func (b *MessageBuffer) Empty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mode == Coalescing {
		return b.latest == nil
	}
	return len(b.queue) == 0
}

// Len reports how many messages are pending.
func (b *MessageBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mode == Coalescing {
		if b.latest != nil {
			return 1
		}
		return 0
	}
	return len(b.queue)
}
