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

package main

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/screenlink/screenlink/comm"
)

// pollInterval paces the cooperative wait loops of the close
// choreography and the forwarders.
const pollInterval = 10 * time.Millisecond

// closeGrace bounds how long an orderly close waits on the remote side
// before falling back to crash-close.
const closeGrace = 30 * time.Second

// User is the authenticated identity a client logged in with.
type User struct {
	Username string
	Password string
}

// Client is the server-side representation of one logged-in user: its
// named connections, its connector, and the optional partner reference.
// The partner pointer is read under the lock and used without one;
// consumers tolerate it going stale between observations.
type Client struct {
	User User

	mu        sync.Mutex
	conns     map[string]*comm.Connection
	connector *comm.Connector
	partner   *Client
	accepting bool

	log *logrus.Entry
}

// NewClient creates a client with an empty connection map.
func NewClient(user User) *Client {
	return &Client{
		User:      user,
		conns:     make(map[string]*comm.Connection),
		accepting: true,
		log:       logrus.WithField("user", user.Username),
	}
}

// Partner returns the current partner client, possibly nil.
func (c *Client) Partner() *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.partner
}

// SetPartner assigns the partner client.
func (c *Client) SetPartner(p *Client) {
	c.mu.Lock()
	c.partner = p
	c.mu.Unlock()
}

// CanAddConnections reports whether admission may attach new
// connections to this client.
func (c *Client) CanAddConnections() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accepting
}

// StopAddingConnections flips the admission flag for good; called when
// teardown begins.
func (c *Client) StopAddingConnections() {
	c.mu.Lock()
	c.accepting = false
	c.mu.Unlock()
}

// AddConnection attaches a connection under its name.
func (c *Client) AddConnection(conn *comm.Connection) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.accepting {
		return errors.Errorf("client %s is not accepting connections", c.User.Username)
	}
	if _, ok := c.conns[conn.Name]; ok {
		return errors.Errorf("connection %q already exists", conn.Name)
	}
	c.conns[conn.Name] = conn
	return nil
}

// SetConnector attaches the client's connector. It also appears in the
// connection map under its name like any sibling.
func (c *Client) SetConnector(connector *comm.Connector) error {
	if err := c.AddConnection(connector.Connection); err != nil {
		return err
	}
	c.mu.Lock()
	c.connector = connector
	c.mu.Unlock()
	return nil
}

// Connector returns the client's control connection, nil before
// admission completes.
func (c *Client) Connector() *comm.Connector {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connector
}

// GetConnection looks a connection up by name.
func (c *Client) GetConnection(name string) (*comm.Connection, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.conns[name]
	return conn, ok
}

// HasConnection reports whether a connection of that name is attached.
func (c *Client) HasConnection(name string) bool {
	_, ok := c.GetConnection(name)
	return ok
}

// SafeRemoveConnection removes a connection if present and reports
// whether it was there. Teardown paths may race on removal.
func (c *Client) SafeRemoveConnection(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.conns[name]; !ok {
		return false
	}
	delete(c.conns, name)
	return true
}

// HasForwardingConnections reports whether any forwarding role is
// attached (everything except the connector and the main channel).
func (c *Client) HasForwardingConnections() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, conn := range c.conns {
		if conn.Type != comm.TypeConnector && conn.Type != comm.TypeMain {
			return true
		}
	}
	return false
}

// AllConnections returns a snapshot of the attached connections.
func (c *Client) AllConnections() []*comm.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	conns := make([]*comm.Connection, 0, len(c.conns))
	for _, conn := range c.conns {
		conns = append(conns, conn)
	}
	return conns
}

// ConnectionNames returns the attached connection names. REPL status.
func (c *Client) ConnectionNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.conns))
	for name := range c.conns {
		names = append(names, name)
	}
	return names
}

// CloseConnection runs the role-loop side of an orderly close: stop the
// socket workers, let the connector drive the finished handshake, then
// remove and release. Falls back to crash-close when the connector is
// gone.
func (c *Client) CloseConnection(conn *comm.Connection) {
	connector := c.Connector()
	if connector == nil || connector.Status() != comm.StatusConnected {
		c.CrashConnection(conn)
		return
	}
	c.log.WithField("connection", conn.Name).Debug("shutting down connection")
	conn.Disconnect()
	deadline := time.Now().Add(closeGrace)
	for connector.Status() == comm.StatusConnected &&
		conn.Status() == comm.StatusDisconnected &&
		time.Now().Before(deadline) {
		time.Sleep(pollInterval)
	}
	c.SafeRemoveConnection(conn.Name)
	conn.Close()
	c.log.WithField("connection", conn.Name).Debug("connection closed")
}

// CrashConnection forces a connection down without the connector
// handshake. It must not depend on any component being torn down,
// in particular not on the connector.
func (c *Client) CrashConnection(conn *comm.Connection) {
	c.log.WithField("connection", conn.Name).Debug("crashing connection")
	conn.SetStatus(comm.StatusError)
	conn.Sock.Shutdown(true)
	conn.SetStatus(comm.StatusClosing)
	c.SafeRemoveConnection(conn.Name)
	conn.Close()
}

// ConnectorCloseConnection is the connector side of an orderly close as
// described by the close choreography: mark the connection
// disconnecting, wait for its owner to finish in-flight work, exchange
// "finished" with the remote connector, then move to closing. thisSide
// tells whether this mediator initiated the close (and so must send the
// close command to the remote client first). Commands the client
// pipelined ahead of its confirmation are returned as stray for the
// connector loop to replay after the handshake.
func (c *Client) ConnectorCloseConnection(name string, thisSide bool, running func() bool) (stray []string, err error) {
	conn, ok := c.GetConnection(name)
	if !ok {
		return nil, errors.Errorf("connection %q does not exist", name)
	}
	connector := c.Connector()
	if connector == nil {
		c.CrashConnection(conn)
		return nil, errors.New("no connector to close through")
	}
	clog := c.log.WithField("connection", name)

	if thisSide {
		if err := connector.Sock.Send(comm.MustText(comm.TypeServerInteraction, comm.VerbClose+":"+name), false); err != nil {
			c.CrashConnection(conn)
			return nil, errors.Wrap(err, "send close command")
		}
	}
	if conn.Status() == comm.StatusConnected {
		conn.SetStatus(comm.StatusDisconnecting)
	}
	clog.Debug("connector set connection to disconnecting")

	// Receiver roles have no loop of their own; the connector stops
	// their workers directly.
	if conn.Type.IsReceiver() {
		conn.Disconnect()
	}

	deadline := time.Now().Add(closeGrace)
	for conn.Status() == comm.StatusDisconnecting {
		if !running() || connector.Status() != comm.StatusConnected || !time.Now().Before(deadline) {
			c.CrashConnection(conn)
			return nil, errors.Errorf("orderly close of %q abandoned", name)
		}
		time.Sleep(pollInterval)
	}
	clog.Debug("connection disconnected, sending finished")

	if err := connector.Sock.Send(comm.MustText(comm.TypeServerInteraction, comm.VerbFinished), false); err != nil {
		c.CrashConnection(conn)
		return nil, errors.Wrap(err, "send finished")
	}
	for {
		if !running() || connector.Status() != comm.StatusConnected || !time.Now().Before(deadline) {
			c.CrashConnection(conn)
			return stray, errors.Errorf("no close confirmation for %q", name)
		}
		resp, err := connector.Sock.Recv(false)
		if err != nil {
			c.CrashConnection(conn)
			return stray, errors.Wrap(err, "await close confirmation")
		}
		if resp != nil {
			if resp.Text() == comm.VerbFinished {
				clog.Debug("close confirmed")
				break
			}
			// A command the client sent ahead of its confirmation;
			// replayed by the caller once the handshake is done.
			stray = append(stray, resp.Text())
			continue
		}
		time.Sleep(pollInterval)
	}
	conn.SetStatus(comm.StatusClosing)

	// The role loop's CloseConnection removes loop-owned connections;
	// connector-owned receivers are released here.
	if conn.Type.IsReceiver() {
		c.SafeRemoveConnection(name)
		conn.Close()
		// A receiver closed on the client's request also takes the
		// partner's sender down. Closes raised on this side came from
		// the partner already, so only the client-raised case notifies.
		if !thisSide {
			if partner := c.Partner(); partner != nil {
				if pconnector := partner.Connector(); pconnector != nil && partner.HasConnection(name) {
					pconnector.Enqueue(comm.VerbClose + ":" + name)
				}
			}
		}
	}
	return stray, nil
}

// ConnectorCloseAll tears the whole client down: every sibling first,
// one at a time since each handshake owns the connector socket, the
// connector itself strictly last.
func (c *Client) ConnectorCloseAll(thisSide bool, running func() bool) {
	c.StopAddingConnections()
	connector := c.Connector()

	var failed bool
	for _, conn := range c.AllConnections() {
		if conn.Type == comm.TypeConnector {
			continue
		}
		stray, err := c.ConnectorCloseConnection(conn.Name, thisSide, running)
		if err != nil {
			c.log.WithError(err).WithField("connection", conn.Name).
				Error("orderly close failed")
			failed = true
		}
		if len(stray) > 0 {
			// The whole client is going away; late commands are moot.
			c.log.WithField("commands", stray).Debug("discarding commands sent during teardown")
		}
	}
	if failed {
		// Orderly teardown itself failed; crash whatever is left
		// without routing anything through the connector.
		c.CrashRemaining()
	}
	if connector == nil {
		return
	}
	if thisSide && !failed {
		if err := connector.Sock.Send(comm.MustText(comm.TypeServerInteraction, comm.VerbDisconnect+":"), true); err != nil {
			c.log.WithError(err).Debug("disconnect notice not delivered")
		}
	}
	connector.Disconnect()
	connector.SetStatus(comm.StatusClosing)
	c.SafeRemoveConnection(connector.Name)
	if err := connector.Close(); err != nil {
		c.log.WithError(err).Debug("error closing connector socket")
	}
	c.log.Info("client disconnected")
}

// CrashRemaining crash-closes every still-attached connection in
// parallel, connector last. The crash path shares no state with the
// orderly one, so a half-dead connector cannot wedge it.
func (c *Client) CrashRemaining() {
	c.StopAddingConnections()
	var g errgroup.Group
	for _, conn := range c.AllConnections() {
		if conn.Type == comm.TypeConnector {
			continue
		}
		conn := conn
		g.Go(func() error {
			c.CrashConnection(conn)
			return nil
		})
	}
	g.Wait()
	if connector := c.Connector(); connector != nil {
		c.CrashConnection(connector.Connection)
	}
}
