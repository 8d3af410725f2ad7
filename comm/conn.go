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
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// DefaultRefresh is how long the workers block in socket I/O or on a
// buffer before re-checking their run flags.
const DefaultRefresh = time.Second

// drainPoll paces the busy-wait in Send(drain=true).
const drainPoll = 5 * time.Millisecond

// ErrConnectionClosed is reported by Send and Recv once the connection,
// or just the relevant half, has been shut down. When a worker died on
// an I/O or protocol error the returned error unwraps to that cause.
var ErrConnectionClosed = errors.New("connection closed")

type closedError struct {
	cause error
}

func (e *closedError) Error() string {
	return "connection closed: " + e.cause.Error()
}

func (e *closedError) Unwrap() error { return e.cause }

func (e *closedError) Is(target error) bool { return target == ErrConnectionClosed }

func closedErr(cause error) error {
	if cause == nil {
		return ErrConnectionClosed
	}
	return &closedError{cause: cause}
}

// AdvancedConn wraps a byte stream with an independent send side and
// recv side. Each side owns a MessageBuffer and a worker goroutine;
// deadlines equal to the refresh interval keep the workers responsive
// to half-close and shutdown. Any I/O failure latches an error on the
// failing side, surfaced by the next Send/Recv on that side.
type AdvancedConn struct {
	conn    net.Conn
	refresh time.Duration

	sendBuf *MessageBuffer
	recvBuf *MessageBuffer

	sending   atomic.Bool
	receiving atomic.Bool

	errMu   sync.Mutex
	sendErr error
	recvErr error

	sendWG sync.WaitGroup
	recvWG sync.WaitGroup
}

// NewAdvancedConn creates an unstarted connection wrapper. refresh <= 0
// selects DefaultRefresh.
func NewAdvancedConn(refresh time.Duration) *AdvancedConn {
	if refresh <= 0 {
		refresh = DefaultRefresh
	}
	return &AdvancedConn{
		refresh: refresh,
		sendBuf: NewMessageBuffer(BufferedState(0)),
		recvBuf: NewMessageBuffer(BufferedState(0)),
	}
}

// Start attaches a connected stream and launches both workers.
func (c *AdvancedConn) Start(conn net.Conn, in, out BufferState) {
	c.conn = conn
	c.SwitchState(in, out)
	c.sending.Store(true)
	c.receiving.Store(true)
	c.sendWG.Add(1)
	c.recvWG.Add(1)
	go c.sendLoop()
	go c.recvLoop()
}

// SwitchState changes both buffer modes. Callers drain first: pending
// messages are dropped when a state actually changes.
func (c *AdvancedConn) SwitchState(in, out BufferState) {
	c.recvBuf.SwitchState(in)
	c.sendBuf.SwitchState(out)
}

// Running reports whether either worker is still meant to run.
func (c *AdvancedConn) Running() bool {
	return c.sending.Load() || c.receiving.Load()
}

func (c *AdvancedConn) setSendErr(err error) {
	c.errMu.Lock()
	if c.sendErr == nil {
		c.sendErr = err
	}
	c.errMu.Unlock()
}

func (c *AdvancedConn) setRecvErr(err error) {
	c.errMu.Lock()
	if c.recvErr == nil {
		c.recvErr = err
	}
	c.errMu.Unlock()
}

func (c *AdvancedConn) sendHealthy() error {
	if !c.sending.Load() {
		return closedErr(nil)
	}
	c.errMu.Lock()
	err := c.sendErr
	c.errMu.Unlock()
	if err != nil {
		return closedErr(err)
	}
	return nil
}

func (c *AdvancedConn) recvHealthy() error {
	if !c.receiving.Load() {
		return closedErr(nil)
	}
	c.errMu.Lock()
	err := c.recvErr
	c.errMu.Unlock()
	if err != nil {
		return closedErr(err)
	}
	return nil
}

// Send enqueues a message for the send worker. With drain set it also
// blocks until the send buffer is empty, so the buffers can be switched
// or the socket torn down without losing the message.
func (c *AdvancedConn) Send(m *Message, drain bool) error {
	for {
		if err := c.sendHealthy(); err != nil {
			return err
		}
		if err := c.sendBuf.Add(m, c.refresh); err == nil {
			break
		}
	}
	if drain {
		for !c.sendBuf.Empty() {
			if err := c.sendHealthy(); err != nil {
				return err
			}
			time.Sleep(drainPoll)
		}
	}
	return nil
}

// Recv dequeues the next received message. With block set it waits for
// one; otherwise it returns (nil, nil) when none is pending. Messages
// already buffered are delivered before a dead socket is reported, so
// nothing the remote managed to send is lost.
func (c *AdvancedConn) Recv(block bool) (*Message, error) {
	for {
		if m := c.recvBuf.Pop(0); m != nil {
			return m, nil
		}
		if err := c.recvHealthy(); err != nil {
			return nil, err
		}
		if !block {
			return nil, nil
		}
		// Bounded wait so the health check above runs every refresh.
		if m := c.recvBuf.Pop(c.refresh); m != nil {
			return m, nil
		}
	}
}

// CloseSend half-closes the sending side. One-way channels use this to
// drop the worker they never need.
func (c *AdvancedConn) CloseSend() {
	c.sending.Store(false)
}

// CloseRecv half-closes the receiving side.
func (c *AdvancedConn) CloseRecv() {
	c.receiving.Store(false)
}

// Shutdown stops both workers. With block set it waits for them to
// exit, which takes at most one refresh interval.
func (c *AdvancedConn) Shutdown(block bool) {
	c.CloseSend()
	c.CloseRecv()
	if block {
		c.sendWG.Wait()
		c.recvWG.Wait()
	}
}

// Close closes the underlying stream. Shutdown first; a worker still
// running will treat the dead socket as an I/O error. Teardown paths
// may race on Close; only the first call touches the socket.
func (c *AdvancedConn) Close() error {
	c.errMu.Lock()
	conn := c.conn
	c.conn = nil
	c.errMu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (c *AdvancedConn) sendLoop() {
	defer c.sendWG.Done()
	for {
		if !c.sending.Load() {
			return
		}
		m := c.sendBuf.Pop(c.refresh)
		if m == nil {
			continue
		}
		packet, err := EncodeMessage(m)
		if err == nil {
			err = c.writeFrame(packet)
		}
		if err != nil {
			if errors.Is(err, ErrConnectionClosed) {
				return // half-closed while writing
			}
			c.setSendErr(err)
			return
		}
	}
}

// writeFrame writes the whole packet, refreshing the write deadline and
// re-checking the run flag on every timeout. A started frame is never
// abandoned except through ErrConnectionClosed.
func (c *AdvancedConn) writeFrame(packet []byte) error {
	sent := 0
	for sent < len(packet) {
		c.conn.SetWriteDeadline(time.Now().Add(c.refresh))
		n, err := c.conn.Write(packet[sent:])
		sent += n
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				if !c.sending.Load() {
					return closedErr(nil)
				}
				continue
			}
			return errors.Wrap(err, "write frame")
		}
	}
	return nil
}

func (c *AdvancedConn) recvLoop() {
	defer c.recvWG.Done()
	r := &refreshReader{c: c}
	for {
		if !c.receiving.Load() {
			return
		}
		m, err := ReadMessage(r)
		if err != nil {
			if errors.Is(err, ErrConnectionClosed) {
				return // half-closed while reading
			}
			// Clean remote EOF and protocol errors both latch; the
			// owner decides between orderly and crash teardown.
			c.setRecvErr(err)
			return
		}
		for {
			if !c.receiving.Load() {
				return
			}
			if err := c.recvBuf.Add(m, c.refresh); err == nil {
				break
			}
		}
	}
}

// refreshReader reads from the socket under a rolling deadline so a
// blocked read wakes every refresh interval to poll the run flag.
// Timeouts without progress are retried silently.
type refreshReader struct {
	c *AdvancedConn
}

func (r *refreshReader) Read(p []byte) (int, error) {
	for {
		if !r.c.receiving.Load() {
			return 0, closedErr(nil)
		}
		r.c.conn.SetReadDeadline(time.Now().Add(r.c.refresh))
		n, err := r.c.conn.Read(p)
		if n > 0 {
			// Let io.ReadFull continue; a real error repeats on the
			// next call.
			return n, nil
		}
		if err == nil {
			continue
		}
		if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
			continue
		}
		if err == io.EOF {
			return 0, io.EOF
		}
		return 0, err
	}
}
