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
	"crypto/tls"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/screenlink/screenlink/comm"
)

// Disconnect causes. Each one selects a specific teardown shape when a
// role loop returns it.
var (
	ErrConnectionDisconnected        = errors.New("connection disconnected")
	ErrClientDisconnected            = errors.New("client disconnected")
	ErrPartnerConnectionDisconnected = errors.New("partner connection disconnected")
	ErrPartnerDisconnected           = errors.New("partner disconnected")
	ErrServerDisconnected            = errors.New("server disconnected")
)

// Server is the mediator: it owns the accept loop, the client registry,
// the token table and one worker per connection.
type Server struct {
	cfg    *Config
	db     UserDB
	tokens *TokenGenerator

	tlsConf *tls.Config
	ln      *net.TCPListener

	mu      sync.Mutex
	clients map[string]*Client

	running   atomic.Bool
	accepting atomic.Bool
	acceptWG  sync.WaitGroup

	log *logrus.Entry
}

// NewServer wires a server to its config and credential store.
func NewServer(cfg *Config, db UserDB) *Server {
	return &Server{
		cfg:     cfg,
		db:      db,
		tokens:  NewTokenGenerator(),
		clients: make(map[string]*Client),
		log:     logrus.WithField("component", "mediator"),
	}
}

// Running reports whether role loops should keep going. Leaving the
// running state is, together with per-connection status, the only
// cancellation signal the loops observe.
func (s *Server) Running() bool {
	return s.running.Load()
}

// Addr returns the bound listen address, nil before Start.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Start binds the listener and launches the accept worker.
func (s *Server) Start() error {
	if s.cfg.TLS {
		cert, err := tls.LoadX509KeyPair(s.cfg.Cert, s.cfg.Key)
		if err != nil {
			return errors.Wrap(err, "load TLS certificate")
		}
		s.tlsConf = &tls.Config{Certificates: []tls.Certificate{cert}}
	}
	addr, err := net.ResolveTCPAddr("tcp", s.cfg.Listen)
	if err != nil {
		return errors.Wrap(err, "resolve listen address")
	}
	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	s.ln = ln
	s.running.Store(true)
	s.accepting.Store(true)
	s.acceptWG.Add(1)
	go s.acceptLoop()
	s.log.WithField("listen", ln.Addr()).Info("mediator listening")
	return nil
}

func (s *Server) acceptLoop() {
	defer s.acceptWG.Done()
	for s.accepting.Load() {
		s.ln.SetDeadline(time.Now().Add(s.cfg.RefreshInterval()))
		conn, err := s.ln.Accept()
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				continue
			}
			if !s.accepting.Load() {
				break
			}
			s.log.WithError(err).Error("accept failed")
			continue
		}
		if s.tlsConf != nil {
			conn = tls.Server(conn, s.tlsConf)
		}
		s.log.WithField("remote", conn.RemoteAddr()).Info("new client socket")
		go s.runConnection(conn)
	}
	s.log.Info("accept worker exiting")
}

// runConnection drives one byte stream from admission through its role
// loop to teardown.
func (s *Server) runConnection(raw net.Conn) {
	sock := comm.NewAdvancedConn(s.cfg.RefreshInterval())
	sock.Start(raw, comm.BufferedState(0), comm.BufferedState(0))

	conn, client, err := s.admit(sock)
	if err != nil {
		s.log.WithError(err).WithField("remote", raw.RemoteAddr()).
			Info("admission failed")
		sock.Shutdown(true)
		sock.Close()
		return
	}

	cause := s.runRole(conn, client)
	s.finishConnection(conn, client, cause)
}

func (s *Server) bufferCap() int {
	if s.cfg.BufferCap < 0 {
		return 0
	}
	return s.cfg.BufferCap
}

// registerClient atomically checks the already-connected rule and
// claims the username.
func (s *Server) registerClient(user User) (*Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[user.Username]; ok {
		return nil, admitErr(statusAlreadyConnected)
	}
	client := NewClient(user)
	s.clients[user.Username] = client
	return client, nil
}

func (s *Server) getClient(username string) (*Client, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	client, ok := s.clients[username]
	return client, ok
}

func (s *Server) removeClient(username string) {
	s.mu.Lock()
	delete(s.clients, username)
	s.mu.Unlock()
}

func (s *Server) allClients() []*Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	return clients
}

func (s *Server) connectedUsernames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.clients))
	for name := range s.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// disconnectClient closes every connection of the client (connector
// last) and drops it from the registry. serverSide tells whether the
// mediator initiated the disconnect and so must command the remote.
func (s *Server) disconnectClient(client *Client, serverSide bool) {
	defer s.removeClient(client.User.Username)
	client.ConnectorCloseAll(serverSide, s.Running)
}

// Shutdown is the graceful path: stop accepting, ask every connector to
// disconnect its client, wait for the registry to drain, then stop the
// role loops and join the accept worker.
func (s *Server) Shutdown() {
	s.log.Info("shutting down")
	s.accepting.Store(false)
	for _, client := range s.allClients() {
		if connector := client.Connector(); connector != nil {
			connector.Enqueue(comm.VerbDisconnect + ":")
		}
	}
	deadline := time.Now().Add(closeGrace)
	for time.Now().Before(deadline) {
		if len(s.allClients()) == 0 {
			break
		}
		time.Sleep(pollInterval)
	}
	s.running.Store(false)
	s.acceptWG.Wait()
	s.log.Info("shutdown complete")
}

// Close is the immediate path: stop everything, crash-close whatever is
// still connected and release the listener.
func (s *Server) Close() error {
	s.accepting.Store(false)
	s.running.Store(false)
	for _, client := range s.allClients() {
		s.removeClient(client.User.Username)
		client.CrashRemaining()
	}
	if s.ln == nil {
		return nil
	}
	err := s.ln.Close()
	s.acceptWG.Wait()
	return errors.Wrap(err, "close listener")
}
