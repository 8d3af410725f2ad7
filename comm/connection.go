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
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Status is the lifecycle state of a Connection. Transitions run
// NotStarted → Connecting → Connected → Disconnecting → Disconnected →
// Closing → Closed, with Error reachable from any non-terminal state.
// A status leaving Connected is the sole cancellation signal every role
// loop polls.
type Status int32

const (
	StatusNotStarted Status = iota
	StatusConnecting
	StatusConnected
	StatusDisconnecting
	StatusDisconnected
	StatusClosing
	StatusClosed
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusNotStarted:
		return "not started"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnecting:
		return "disconnecting"
	case StatusDisconnected:
		return "disconnected"
	case StatusClosing:
		return "closing"
	case StatusClosed:
		return "closed"
	case StatusError:
		return "error"
	}
	return "unknown"
}

// ConnType selects the role main loop a connection runs. The values are
// the exact strings clients present during admission.
type ConnType string

const (
	TypeConnector        ConnType = "connector"
	TypeMain             ConnType = "main"
	TypeSettings         ConnType = "settings"
	TypeFrameSender      ConnType = "frame - sender"
	TypeFrameReceiver    ConnType = "frame - receiver"
	TypeKeyboardSender   ConnType = "keyboard - sender"
	TypeKeyboardReceiver ConnType = "keyboard - receiver"
	TypeMouseSender      ConnType = "mouse - sender"
	TypeMouseReceiver    ConnType = "mouse - receiver"
)

// ParseConnType validates a connection type string from admission info.
func ParseConnType(s string) (ConnType, error) {
	switch t := ConnType(s); t {
	case TypeConnector, TypeMain, TypeSettings,
		TypeFrameSender, TypeFrameReceiver,
		TypeKeyboardSender, TypeKeyboardReceiver,
		TypeMouseSender, TypeMouseReceiver:
		return t, nil
	}
	return "", errors.Errorf("connection type %q does not exist", s)
}

// IsSender reports whether the role relays data towards a partner.
func (t ConnType) IsSender() bool {
	switch t {
	case TypeFrameSender, TypeKeyboardSender, TypeMouseSender, TypeSettings:
		return true
	}
	return false
}

// IsReceiver reports whether the role only has data written into it by
// a partner's forwarder (no loop of its own on the mediator side).
func (t ConnType) IsReceiver() bool {
	switch t {
	case TypeFrameReceiver, TypeKeyboardReceiver, TypeMouseReceiver:
		return true
	}
	return false
}

// Connection is one logical substream of a logged-in user: an
// AdvancedConn plus its per-user-unique name, role type and status.
type Connection struct {
	Name string
	Type ConnType
	Sock *AdvancedConn

	status atomic.Int32
}

// NewConnection wraps a started or unstarted AdvancedConn. Status
// starts at NotStarted.
func NewConnection(name string, sock *AdvancedConn, connType ConnType) *Connection {
	return &Connection{Name: name, Type: connType, Sock: sock}
}

// Status returns the connection's current lifecycle state.
func (c *Connection) Status() Status {
	return Status(c.status.Load())
}

// SetStatus transitions the state machine. Stores are atomic so role
// loops can poll without locks.
func (c *Connection) SetStatus(s Status) {
	c.status.Store(int32(s))
}

// Disconnect stops the socket workers and marks the connection
// Disconnected. The owning side closes afterwards.
func (c *Connection) Disconnect() {
	c.Sock.Shutdown(true)
	c.SetStatus(StatusDisconnected)
}

// Close releases the socket and marks the connection Closed. Callers
// remove the connection from its client map before calling this.
func (c *Connection) Close() error {
	err := c.Sock.Close()
	c.SetStatus(StatusClosed)
	return err
}

// connectorQueueSize bounds the connector's command queue; commands are
// short strings and sibling workers block rather than drop.
const connectorQueueSize = 16

// Connector is the distinguished control connection of a client. On
// top of a Connection it carries the command queue through which
// sibling workers request control work without holding any lock.
type Connector struct {
	*Connection
	Commands chan string
}

// NewConnector builds a connector around an admitted connection.
func NewConnector(conn *Connection) *Connector {
	return &Connector{
		Connection: conn,
		Commands:   make(chan string, connectorQueueSize),
	}
}

// Enqueue hands the connector a command from another worker.
func (c *Connector) Enqueue(command string) {
	c.Commands <- command
}

// ParseCommand splits a connector command of the form <verb>:<argument>.
// The bare word "finished" is legal without a colon; everything else
// must carry one.
func ParseCommand(command string) (verb, arg string, err error) {
	i := strings.IndexByte(command, ':')
	if i < 0 {
		if command == VerbFinished {
			return VerbFinished, "", nil
		}
		return "", "", errors.Errorf("connector command %q is missing ':'", command)
	}
	return command[:i], command[i+1:], nil
}

// Connector command verbs.
const (
	VerbGenerateToken = "generate-token"
	VerbClose         = "close"
	VerbDisconnect    = "disconnect"
	VerbFinished      = "finished"
)
