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

	"github.com/pkg/errors"

	"github.com/screenlink/screenlink/comm"
)

// Wire status strings of the admission dialogue. Clients match them
// verbatim.
const (
	statusReady            = "ready"
	statusWrongCredentials = "Username or password are wrong"
	statusAlreadyConnected = "User already connected"
	statusBadMethod        = "Connection method does not exists"
	statusUnknownError     = "Unknown server Error"
)

// Admission methods.
const (
	methodLogin  = "login"
	methodSignup = "signup"
	methodToken  = "token"
)

// admissionError is an admission failure whose status string goes back
// to the client before the socket is dropped.
type admissionError struct {
	status string
}

func (e *admissionError) Error() string { return e.status }

func admitErr(status string) error { return &admissionError{status: status} }

// admissionStatus maps an admission failure to the wire string sent to
// the client. Inner failures never leak; they become the catch-all.
func admissionStatus(err error) string {
	var ae *admissionError
	if errors.As(err, &ae) {
		return ae.status
	}
	return statusUnknownError
}

// admit drives the admission dialogue on a fresh socket: method, info,
// validation, then the ready handshake that confirms both buffers are
// drained before any state change. On failure the status string is
// sent (best effort) and the caller drops the socket.
func (s *Server) admit(sock *comm.AdvancedConn) (*comm.Connection, *Client, error) {
	methodMsg, err := sock.Recv(true)
	if err != nil {
		return nil, nil, errors.Wrap(err, "recv admission method")
	}
	infoMsg, err := sock.Recv(true)
	if err != nil {
		return nil, nil, errors.Wrap(err, "recv admission info")
	}
	method := methodMsg.Text()
	info := strings.Split(infoMsg.Text(), "\n")

	var (
		conn   *comm.Connection
		client *Client
	)
	switch method {
	case methodLogin:
		conn, client, err = s.admitLogin(sock, info)
	case methodSignup:
		conn, client, err = s.admitSignup(sock, info)
	case methodToken:
		conn, client, err = s.admitToken(sock, info)
	default:
		err = admitErr(statusBadMethod)
	}
	if err != nil {
		status := admissionStatus(err)
		if serr := sock.Send(comm.MustText(comm.TypeServerInteraction, status), true); serr != nil {
			s.log.WithError(serr).Debug("admission status not delivered")
		}
		return nil, nil, err
	}

	if err := s.readyHandshake(sock); err != nil {
		conn.SetStatus(comm.StatusError)
		s.unwindAdmission(conn, client)
		return nil, nil, err
	}
	s.log.WithField("user", client.User.Username).
		WithField("connection", conn.Name).
		WithField("type", string(conn.Type)).
		Info("connection admitted")
	return conn, client, nil
}

// readyHandshake sends ready and requires ready back, proving both
// sides drained their admission traffic before buffers switch modes.
func (s *Server) readyHandshake(sock *comm.AdvancedConn) error {
	if err := sock.Send(comm.MustText(comm.TypeServerInteraction, statusReady), false); err != nil {
		return errors.Wrap(err, "send ready")
	}
	resp, err := sock.Recv(true)
	if err != nil {
		return errors.Wrap(err, "recv ready")
	}
	if resp.Text() != statusReady {
		return errors.Errorf("client sent %q instead of ready", resp.Text())
	}
	return nil
}

// unwindAdmission detaches a connection whose handshake failed. A
// failed connector also releases the username claim.
func (s *Server) unwindAdmission(conn *comm.Connection, client *Client) {
	client.SafeRemoveConnection(conn.Name)
	if conn.Type == comm.TypeConnector {
		s.removeClient(client.User.Username)
	}
}

func (s *Server) admitLogin(sock *comm.AdvancedConn, info []string) (*comm.Connection, *Client, error) {
	if len(info) < 4 {
		return nil, nil, errors.New("not enough connection info parameters")
	}
	username, password := info[0], info[1]
	connType, connName := info[2], info[3]

	if err := s.checkCredentials(username, password); err != nil {
		return nil, nil, err
	}
	if connType != string(comm.TypeConnector) {
		return nil, nil, errors.Errorf("login requires a connector, got %q", connType)
	}

	// The username check and the claim happen under one lock; a second
	// device racing the same login loses cleanly.
	client, err := s.registerClient(User{Username: username, Password: password})
	if err != nil {
		return nil, nil, err
	}
	conn := comm.NewConnection(connName, sock, comm.TypeConnector)
	conn.SetStatus(comm.StatusConnecting)
	connector := comm.NewConnector(conn)
	if err := client.SetConnector(connector); err != nil {
		s.removeClient(username)
		return nil, nil, err
	}
	return conn, client, nil
}

func (s *Server) checkCredentials(username, password string) error {
	exists, err := s.db.UsernameExists(username)
	if err != nil {
		return errors.Wrap(err, "user lookup")
	}
	if !exists {
		return admitErr(statusWrongCredentials)
	}
	ok, err := s.db.VerifyPassword(username, password)
	if err != nil {
		return errors.Wrap(err, "password lookup")
	}
	if !ok {
		return admitErr(statusWrongCredentials)
	}
	return nil
}

func (s *Server) admitSignup(sock *comm.AdvancedConn, info []string) (*comm.Connection, *Client, error) {
	if len(info) < 4 {
		return nil, nil, errors.New("not enough connection info parameters")
	}
	if err := s.db.AddUser(info[0], info[1]); err != nil {
		return nil, nil, errors.Wrap(err, "add user")
	}
	return s.admitLogin(sock, info)
}

func (s *Server) admitToken(sock *comm.AdvancedConn, info []string) (*comm.Connection, *Client, error) {
	if len(info) < 4 {
		return nil, nil, errors.New("not enough connection info parameters")
	}
	username, token := info[0], info[1]
	typeStr, connName := info[2], info[3]

	client, ok := s.getClient(username)
	if !ok {
		return nil, nil, errors.Errorf("user %q is not connected", username)
	}
	if err := s.tokens.Release([]byte(token), username, connName); err != nil {
		// Token error strings are themselves the wire status.
		return nil, nil, admitErr(err.Error())
	}
	connType, err := comm.ParseConnType(typeStr)
	if err != nil {
		return nil, nil, err
	}
	conn := comm.NewConnection(connName, sock, connType)
	conn.SetStatus(comm.StatusConnecting)
	if err := client.AddConnection(conn); err != nil {
		return nil, nil, err
	}
	s.log.WithField("user", username).WithField("connection", connName).
		Debug("token connection attached")
	return conn, client, nil
}
