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
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/screenlink/screenlink/comm"
)

// frameAck is echoed to a frame sender for every frame the mediator
// takes, and expected from a frame receiver before the next forward.
const frameAck = "Message received"

// Main-channel RPC verbs.
const (
	rpcSetPartner        = "set partner"
	rpcAllUsernames      = "get all usernames"
	rpcConnectedUsers    = "get all connected usernames"
	rpcPartnerMissing    = "Partner does not exists"
	rpcPartnerBusy       = "Can not set partner while connections are open"
	rpcPartnerBadRequest = "Set partner requires a username"
)

// runRole switches the admitted connection's buffers into the shape its
// role needs, marks it connected and runs the role's main loop. The
// returned cause selects the teardown shape; receiver roles return
// immediately because the partner's forwarder writes into them.
func (s *Server) runRole(conn *comm.Connection, client *Client) error {
	buffered := comm.BufferedState(s.bufferCap())
	switch conn.Type {
	case comm.TypeConnector:
		conn.SetStatus(comm.StatusConnected)
		return s.runConnector(client)
	case comm.TypeMain:
		conn.SetStatus(comm.StatusConnected)
		return s.runMain(conn, client)
	case comm.TypeSettings:
		conn.Sock.SwitchState(buffered, buffered)
		conn.SetStatus(comm.StatusConnected)
		return s.runOrderedForwarder(conn, client)
	case comm.TypeKeyboardSender, comm.TypeMouseSender:
		conn.Sock.SwitchState(buffered, buffered)
		// The mediator never writes to a sender stream; drop its send
		// worker.
		conn.Sock.CloseSend()
		conn.SetStatus(comm.StatusConnected)
		return s.runOrderedForwarder(conn, client)
	case comm.TypeKeyboardReceiver, comm.TypeMouseReceiver:
		conn.Sock.SwitchState(buffered, buffered)
		// The mediator never reads from an event receiver; drop its
		// recv worker.
		conn.Sock.CloseRecv()
		conn.SetStatus(comm.StatusConnected)
		return nil
	case comm.TypeFrameSender:
		conn.Sock.SwitchState(comm.CoalescingState(), comm.BufferedState(0))
		conn.SetStatus(comm.StatusConnected)
		return s.runFrameForwarder(conn, client)
	case comm.TypeFrameReceiver:
		// Recv stays open: the partner's forwarder reads frame ACKs
		// from this socket.
		conn.Sock.SwitchState(comm.BufferedState(0), comm.CoalescingState())
		conn.SetStatus(comm.StatusConnected)
		return nil
	}
	conn.SetStatus(comm.StatusError)
	return errors.Errorf("connection type %q does not exist", conn.Type)
}

// finishConnection runs the teardown matching the role loop's exit
// cause.
func (s *Server) finishConnection(conn *comm.Connection, client *Client, cause error) {
	clog := s.log.WithField("user", client.User.Username).
		WithField("connection", conn.Name)

	if conn.Type == comm.TypeConnector {
		if cause == ErrClientDisconnected {
			return // disconnectClient already removed everything
		}
		// A connector going down takes the whole client with it; the
		// survivors crash-close without touching the dead connector.
		clog.WithField("cause", causeString(cause)).Warn("connector down, crashing client")
		s.removeClient(client.User.Username)
		client.CrashRemaining()
		return
	}
	if conn.Type.IsReceiver() && cause == nil {
		return // alive until the connector closes it
	}
	clog.WithField("cause", causeString(cause)).Info("connection closing")
	s.disconnectConnection(conn, client, cause)
}

func causeString(cause error) string {
	if cause == nil {
		return "none"
	}
	return cause.Error()
}

// disconnectConnection implements the partner-pair teardown: a closing
// sender also closes its counterpart on the partner side, unless the
// partner is the one who started it.
func (s *Server) disconnectConnection(conn *comm.Connection, client *Client, cause error) {
	if conn.Type.IsSender() && cause != ErrPartnerConnectionDisconnected {
		s.closePartnerCounterpart(conn, client)
	}
	client.CloseConnection(conn)
}

// closePartnerCounterpart asks the partner's connector to close its
// same-named connection and waits for it to leave the connected state.
func (s *Server) closePartnerCounterpart(conn *comm.Connection, client *Client) {
	partner := client.Partner()
	if partner == nil {
		return
	}
	pconnector := partner.Connector()
	pc, ok := partner.GetConnection(conn.Name)
	if pconnector == nil || !ok {
		return
	}
	pconnector.Enqueue(comm.VerbClose + ":" + conn.Name)
	deadline := time.Now().Add(closeGrace)
	for time.Now().Before(deadline) {
		if pconnector.Status() != comm.StatusConnected {
			return // partner connector gone; its crash path owns the rest
		}
		if pc.Status() != comm.StatusConnected {
			return
		}
		time.Sleep(pollInterval)
	}
}

// runConnector services the control channel: inbound commands from the
// client socket and queued commands from sibling workers, round-robin
// so neither side starves.
func (s *Server) runConnector(client *Client) error {
	connector := client.Connector()
	clog := s.log.WithField("user", client.User.Username).WithField("connection", connector.Name)
	clog.Info("connector loop started")
	for {
		if !s.Running() {
			return ErrServerDisconnected
		}
		if connector.Status() != comm.StatusConnected {
			return ErrConnectionDisconnected
		}
		progressed := false

		msg, err := connector.Sock.Recv(false)
		if err != nil {
			clog.WithError(err).Info("connector socket lost")
			return ErrConnectionDisconnected
		}
		if msg != nil {
			progressed = true
			if done, herr := s.handleConnectorCommand(client, msg.Text(), false); done {
				return herr
			} else if herr != nil {
				clog.WithError(herr).Error("connector command failed")
				connector.SetStatus(comm.StatusDisconnecting)
				return ErrConnectionDisconnected
			}
		}

		select {
		case cmd := <-connector.Commands:
			progressed = true
			if done, herr := s.handleConnectorCommand(client, cmd, true); done {
				return herr
			} else if herr != nil {
				clog.WithError(herr).Error("queued connector command failed")
			}
		default:
		}

		if !progressed {
			time.Sleep(pollInterval)
		}
	}
}

// handleConnectorCommand executes one connector command. fromQueue
// marks commands raised on this side of the network (sibling workers,
// operator), which therefore must be pushed to the remote client too.
// done reports that the connector loop should exit with the returned
// cause.
func (s *Server) handleConnectorCommand(client *Client, command string, fromQueue bool) (done bool, err error) {
	verb, arg, err := comm.ParseCommand(command)
	if err != nil {
		return false, err
	}
	switch verb {
	case comm.VerbGenerateToken:
		return false, s.generateToken(client, arg)
	case comm.VerbClose:
		stray, err := client.ConnectorCloseConnection(arg, fromQueue, s.Running)
		if err != nil {
			// The connection was crash-closed inside; the connector
			// itself lives on.
			s.log.WithError(err).WithField("user", client.User.Username).
				Warn("orderly close degraded to crash")
		}
		// Commands the client pipelined ahead of its close confirmation
		// run now, in order, as if they had arrived after the handshake.
		for _, cmd := range stray {
			if done, herr := s.handleConnectorCommand(client, cmd, false); done || herr != nil {
				return done, herr
			}
		}
		return false, nil
	case comm.VerbDisconnect:
		s.disconnectClient(client, fromQueue)
		return true, ErrClientDisconnected
	case comm.VerbFinished:
		// Stray close confirmation after a degraded close; ignore.
		return false, nil
	}
	return false, errors.Errorf("connector command %q does not exist", verb)
}

// generateToken mints a token for the user's next connection and sends
// it back over the connector.
func (s *Server) generateToken(client *Client, connName string) error {
	connector := client.Connector()
	token, err := s.tokens.Generate(client.User.Username, connName)
	if err != nil {
		reply, merr := comm.NewMessage(comm.TypeServerInteraction, []byte("error\n"+err.Error()))
		if merr != nil {
			return merr
		}
		return connector.Sock.Send(reply, false)
	}
	s.log.WithField("user", client.User.Username).
		WithField("connection", connName).Debug("token minted")
	reply, err := comm.NewMessage(comm.TypeServerInteraction, append([]byte("ok\n"), token...))
	if err != nil {
		return err
	}
	return connector.Sock.Send(reply, false)
}

// runMain serves the user-level RPCs on the main channel.
func (s *Server) runMain(conn *comm.Connection, client *Client) error {
	mlog := s.log.WithField("user", client.User.Username).WithField("connection", conn.Name)
	for {
		if conn.Status() != comm.StatusConnected {
			return ErrConnectionDisconnected
		}
		if !s.Running() {
			return ErrServerDisconnected
		}
		msg, err := conn.Sock.Recv(false)
		if err != nil {
			mlog.WithError(err).Info("main socket lost")
			return ErrConnectionDisconnected
		}
		if msg == nil {
			time.Sleep(pollInterval)
			continue
		}
		params := strings.Split(msg.Text(), "\n")
		switch params[0] {
		case rpcSetPartner:
			err = s.setPartner(conn, client, params)
		case rpcAllUsernames:
			err = s.sendAllUsernames(conn)
		case rpcConnectedUsers:
			err = s.sendConnectedUsernames(conn)
		default:
			mlog.WithField("rpc", params[0]).Error("main rpc does not exist")
			conn.SetStatus(comm.StatusError)
			return ErrConnectionDisconnected
		}
		if err != nil {
			mlog.WithError(err).Error("main rpc failed")
			conn.SetStatus(comm.StatusError)
			return ErrConnectionDisconnected
		}
	}
}

func (s *Server) setPartner(conn *comm.Connection, client *Client, params []string) error {
	reply := func(text string) error {
		return conn.Sock.Send(comm.MustText(comm.TypeServerInteraction, text), false)
	}
	if len(params) < 2 {
		return reply(rpcPartnerBadRequest)
	}
	if client.HasForwardingConnections() {
		return reply(rpcPartnerBusy)
	}
	partner, ok := s.getClient(params[1])
	if !ok {
		return reply(rpcPartnerMissing)
	}
	client.SetPartner(partner)
	s.log.WithField("user", client.User.Username).
		WithField("partner", params[1]).Info("partner set")
	return reply(rpcSetPartner)
}

func (s *Server) sendAllUsernames(conn *comm.Connection) error {
	names, err := s.db.AllUsernames()
	if err != nil {
		return errors.Wrap(err, "list usernames")
	}
	return conn.Sock.Send(comm.MustText(comm.TypeServerInteraction, strings.Join(names, ", ")), false)
}

func (s *Server) sendConnectedUsernames(conn *comm.Connection) error {
	names := s.connectedUsernames()
	return conn.Sock.Send(comm.MustText(comm.TypeServerInteraction, strings.Join(names, ", ")), false)
}

// partnerConnection waits, cooperatively, until the partner client
// exists and its same-named connection is connected. Every turn
// re-checks this connection's status and the server's running flag, and
// re-resolves the partner connection through the partner's map: removal
// from the map is the authoritative gone signal, so a stale pointer is
// never watched across turns.
func (s *Server) partnerConnection(conn *comm.Connection, client *Client) (*comm.Connection, error) {
	seen := false
	for {
		if conn.Status() != comm.StatusConnected {
			return nil, ErrConnectionDisconnected
		}
		if !s.Running() {
			return nil, ErrServerDisconnected
		}
		partner := client.Partner()
		if partner != nil {
			if _, ok := s.getClient(partner.User.Username); !ok {
				conn.SetStatus(comm.StatusError)
				return nil, ErrPartnerDisconnected
			}
			pc, ok := partner.GetConnection(conn.Name)
			switch {
			case ok:
				seen = true
				switch pc.Status() {
				case comm.StatusConnected:
					return pc, nil
				case comm.StatusNotStarted, comm.StatusConnecting:
					// still being admitted
				default:
					// Disconnecting, crash-closed or failed admission;
					// it will never come up again under this identity.
					return nil, ErrPartnerConnectionDisconnected
				}
			case seen:
				// A connection we were watching has been removed.
				return nil, ErrPartnerConnectionDisconnected
			}
		}
		time.Sleep(pollInterval)
	}
}

// runOrderedForwarder relays events in strict FIFO order: socket →
// shared bounded buffer → helper goroutine → partner connection. A full
// buffer propagates backpressure to the sender; there are no ACKs.
func (s *Server) runOrderedForwarder(conn *comm.Connection, client *Client) error {
	buf := comm.NewMessageBuffer(comm.BufferedState(s.bufferCap()))
	return s.runForwarder(conn, client, buf, false)
}

// runFrameForwarder relays frames latest-wins: a coalescing cell keeps
// at most one pending frame, the helper sends it and waits for the
// receiver's ACK before the next, and every frame taken from the sender
// is ACKed back so it can release the next one.
func (s *Server) runFrameForwarder(conn *comm.Connection, client *Client) error {
	buf := comm.NewMessageBuffer(comm.CoalescingState())
	return s.runForwarder(conn, client, buf, true)
}

func (s *Server) runForwarder(conn *comm.Connection, client *Client, buf *comm.MessageBuffer, withAck bool) error {
	flog := s.log.WithField("user", client.User.Username).WithField("connection", conn.Name)
	flog.Info("forwarder waiting for partner")

	pc, err := s.partnerConnection(conn, client)
	if err != nil {
		return err
	}
	flog.Info("forwarder linked to partner")

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.pumpToPartner(pc, buf, withAck, stop, flog)
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	for {
		if pc.Status() != comm.StatusConnected {
			return ErrPartnerConnectionDisconnected
		}
		if conn.Status() != comm.StatusConnected {
			return ErrConnectionDisconnected
		}
		if !s.Running() {
			return ErrServerDisconnected
		}
		msg, err := conn.Sock.Recv(false)
		if err != nil {
			flog.WithError(err).Info("forwarder socket lost")
			return ErrConnectionDisconnected
		}
		if msg == nil {
			time.Sleep(pollInterval)
			continue
		}
		for {
			if aerr := buf.Add(msg, s.cfg.RefreshInterval()); aerr == nil {
				break
			}
			// Bounded buffer still full: re-check the cancellation
			// signals, then lean on the sender again.
			if conn.Status() != comm.StatusConnected {
				return ErrConnectionDisconnected
			}
			if pc.Status() != comm.StatusConnected {
				return ErrPartnerConnectionDisconnected
			}
			if !s.Running() {
				return ErrServerDisconnected
			}
		}
		if withAck {
			ack := comm.MustText(comm.TypeControlledFrame, frameAck)
			if err := conn.Sock.Send(ack, false); err != nil {
				flog.WithError(err).Info("frame ack not delivered")
				return ErrConnectionDisconnected
			}
		}
	}
}

// pumpToPartner is the helper side of both forwarder flavours: dequeue
// and write to the partner's same-named connection. With ACKs on, at
// most one message is in flight until the receiver confirms it.
func (s *Server) pumpToPartner(pc *comm.Connection, buf *comm.MessageBuffer, withAck bool, stop <-chan struct{}, flog *logrus.Entry) {
	canSend := true
	for {
		select {
		case <-stop:
			return
		default:
		}
		if pc.Status() != comm.StatusConnected || !s.Running() {
			return
		}
		if canSend {
			m := buf.Pop(pollInterval)
			if m == nil {
				continue
			}
			if err := pc.Sock.Send(m, false); err != nil {
				flog.WithError(err).Info("partner write failed")
				pc.SetStatus(comm.StatusDisconnecting)
				return
			}
			if withAck {
				canSend = false
			}
		} else {
			resp, err := pc.Sock.Recv(false)
			if err != nil {
				flog.WithError(err).Info("partner ack read failed")
				pc.SetStatus(comm.StatusDisconnecting)
				return
			}
			if resp != nil {
				canSend = true
			} else {
				time.Sleep(pollInterval)
			}
		}
	}
}
