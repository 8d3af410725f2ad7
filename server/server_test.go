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
	"net"
	"strings"
	"testing"
	"time"

	"github.com/screenlink/screenlink/comm"
)

const (
	testTimeout = 5 * time.Second
	testRefresh = 50 * time.Millisecond
)

func startTestServer(t *testing.T) *Server {
	t.Helper()
	db := NewMemoryUserDB()
	for _, u := range []string{"alice", "bob"} {
		if err := db.AddUser(u, "pw"); err != nil {
			t.Fatal(err)
		}
	}
	cfg := &Config{Listen: "127.0.0.1:0", DB: "", BufferCap: 16}
	srv := NewServer(cfg, db)
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv
}

func dialSock(t *testing.T, srv *Server) *comm.AdvancedConn {
	t.Helper()
	raw, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	sock := comm.NewAdvancedConn(testRefresh)
	sock.Start(raw, comm.BufferedState(0), comm.BufferedState(0))
	t.Cleanup(func() {
		sock.Shutdown(true)
		sock.Close()
	})
	return sock
}

func sendText(t *testing.T, sock *comm.AdvancedConn, mt comm.MessageType, text string) {
	t.Helper()
	if err := sock.Send(comm.MustText(mt, text), false); err != nil {
		t.Fatal(err)
	}
}

func recvMsg(t *testing.T, sock *comm.AdvancedConn) *comm.Message {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		m, err := sock.Recv(false)
		if err != nil {
			t.Fatal(err)
		}
		if m != nil {
			return m
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for a message")
	return nil
}

func recvText(t *testing.T, sock *comm.AdvancedConn) string {
	t.Helper()
	return recvMsg(t, sock).Text()
}

// admitStatus runs the admission dialogue and returns the status string
// sent back. On "ready" it completes the handshake.
func admitStatus(t *testing.T, srv *Server, method, username, secret, connType, name string) (*comm.AdvancedConn, string) {
	t.Helper()
	sock := dialSock(t, srv)
	sendText(t, sock, comm.TypeServerInteraction, method)
	sendText(t, sock, comm.TypeServerInteraction,
		strings.Join([]string{username, secret, connType, name}, "\n"))
	status := recvText(t, sock)
	if status == "ready" {
		sendText(t, sock, comm.TypeServerInteraction, "ready")
	}
	return sock, status
}

func admitOK(t *testing.T, srv *Server, method, username, secret, connType, name string) *comm.AdvancedConn {
	t.Helper()
	sock, status := admitStatus(t, srv, method, username, secret, connType, name)
	if status != "ready" {
		t.Fatalf("admission of %s/%s failed: %q", username, name, status)
	}
	waitFor(t, func() bool {
		client, ok := srv.getClient(username)
		if !ok {
			return false
		}
		conn, ok := client.GetConnection(name)
		return ok && conn.Status() == comm.StatusConnected
	}, "connection "+name+" never reached connected")
	return sock
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal(msg)
}

func genToken(t *testing.T, connector *comm.AdvancedConn, connName string) string {
	t.Helper()
	sendText(t, connector, comm.TypeServerInteraction, comm.VerbGenerateToken+":"+connName)
	reply := recvText(t, connector)
	parts := strings.SplitN(reply, "\n", 2)
	if len(parts) != 2 || parts[0] != "ok" {
		t.Fatalf("token reply %q", reply)
	}
	return parts[1]
}

func TestLoginAndTokenAdmission(t *testing.T) {
	srv := startTestServer(t)

	connector := admitOK(t, srv, "login", "alice", "pw", "connector", "control")
	token := genToken(t, connector, "mouse tracker")
	admitOK(t, srv, "token", "alice", token, "mouse - receiver", "mouse tracker")

	client, ok := srv.getClient("alice")
	if !ok {
		t.Fatal("alice not registered")
	}
	if !client.HasConnection("mouse tracker") {
		t.Fatal("token connection not attached")
	}
}

func TestAdmissionRejections(t *testing.T) {
	srv := startTestServer(t)

	if _, status := admitStatus(t, srv, "login", "alice", "wrong", "connector", "c"); status != "Username or password are wrong" {
		t.Fatalf("wrong password: %q", status)
	}
	if _, status := admitStatus(t, srv, "login", "mallory", "pw", "connector", "c"); status != "Username or password are wrong" {
		t.Fatalf("unknown user: %q", status)
	}
	if _, status := admitStatus(t, srv, "teleport", "alice", "pw", "connector", "c"); status != "Connection method does not exists" {
		t.Fatalf("bad method: %q", status)
	}

	connector := admitOK(t, srv, "login", "alice", "pw", "connector", "control")
	if _, status := admitStatus(t, srv, "login", "alice", "pw", "connector", "c2"); status != "User already connected" {
		t.Fatalf("second connector: %q", status)
	}

	if _, status := admitStatus(t, srv, "token", "alice", "deadbeef", "main", "main"); status != "Token does not exists" {
		t.Fatalf("bad token: %q", status)
	}
	token := genToken(t, connector, "main")
	if _, status := admitStatus(t, srv, "token", "alice", token, "main", "other name"); status != "Token's username or connection name is wrong" {
		t.Fatalf("misbound token: %q", status)
	}
}

func TestSignup(t *testing.T) {
	srv := startTestServer(t)

	admitOK(t, srv, "signup", "carol", "s3cret", "connector", "control")
	exists, err := srv.db.UsernameExists("carol")
	if err != nil || !exists {
		t.Fatalf("carol not stored: %v %v", exists, err)
	}
	if _, status := admitStatus(t, srv, "signup", "carol", "again", "connector", "c"); status != "Unknown server Error" {
		t.Fatalf("duplicate signup: %q", status)
	}
}

// mainChannel admits a main connection for a logged-in user.
func mainChannel(t *testing.T, srv *Server, connector *comm.AdvancedConn, username string) *comm.AdvancedConn {
	t.Helper()
	token := genToken(t, connector, "main")
	return admitOK(t, srv, "token", username, token, "main", "main")
}

func TestMainRPCs(t *testing.T) {
	srv := startTestServer(t)

	aliceCtl := admitOK(t, srv, "login", "alice", "pw", "connector", "control")
	aliceMain := mainChannel(t, srv, aliceCtl, "alice")

	sendText(t, aliceMain, comm.TypeServerInteraction, "set partner\nbob")
	if reply := recvText(t, aliceMain); reply != "Partner does not exists" {
		t.Fatalf("absent partner: %q", reply)
	}

	admitOK(t, srv, "login", "bob", "pw", "connector", "control")
	sendText(t, aliceMain, comm.TypeServerInteraction, "set partner\nbob")
	if reply := recvText(t, aliceMain); reply != "set partner" {
		t.Fatalf("set partner: %q", reply)
	}

	sendText(t, aliceMain, comm.TypeServerInteraction, "get all usernames")
	if reply := recvText(t, aliceMain); reply != "alice, bob" {
		t.Fatalf("all usernames: %q", reply)
	}
	sendText(t, aliceMain, comm.TypeServerInteraction, "get all connected usernames")
	if reply := recvText(t, aliceMain); reply != "alice, bob" {
		t.Fatalf("connected usernames: %q", reply)
	}
}

// pairFixture holds the two-user setup the forwarding tests share.
type pairFixture struct {
	srv      *Server
	aliceCtl *comm.AdvancedConn
	bobCtl   *comm.AdvancedConn
}

func setupPair(t *testing.T) *pairFixture {
	t.Helper()
	srv := startTestServer(t)
	f := &pairFixture{
		srv:      srv,
		aliceCtl: admitOK(t, srv, "login", "alice", "pw", "connector", "control"),
		bobCtl:   admitOK(t, srv, "login", "bob", "pw", "connector", "control"),
	}

	aliceMain := mainChannel(t, srv, f.aliceCtl, "alice")
	sendText(t, aliceMain, comm.TypeServerInteraction, "set partner\nbob")
	if reply := recvText(t, aliceMain); reply != "set partner" {
		t.Fatalf("set partner: %q", reply)
	}
	return f
}

// attachPair admits a same-named sender for alice and receiver for bob.
func (f *pairFixture) attachPair(t *testing.T, senderType, receiverType, name string) (*comm.AdvancedConn, *comm.AdvancedConn) {
	t.Helper()
	sender := admitOK(t, f.srv, "token", "alice", genToken(t, f.aliceCtl, name), senderType, name)
	receiver := admitOK(t, f.srv, "token", "bob", genToken(t, f.bobCtl, name), receiverType, name)
	return sender, receiver
}

func TestOrderedForwarding(t *testing.T) {
	f := setupPair(t)
	sender, receiver := f.attachPair(t, "keyboard - sender", "keyboard - receiver", "kb")

	for _, key := range []string{"K1", "K2", "K3"} {
		sendText(t, sender, comm.TypeControllerFrame, key)
	}
	for _, want := range []string{"K1", "K2", "K3"} {
		m := recvMsg(t, receiver)
		if m.Text() != want {
			t.Fatalf("want %q, got %q", want, m.Text())
		}
	}
}

func TestFrameForwardingWithAck(t *testing.T) {
	f := setupPair(t)
	sender, receiver := f.attachPair(t, "frame - sender", "frame - receiver", "screen")

	sendText(t, sender, comm.TypeControllerFrame, "F1")
	// The mediator acknowledges taking the frame so the capturer can
	// release the next one.
	if ack := recvText(t, sender); ack != "Message received" {
		t.Fatalf("sender ack: %q", ack)
	}
	if m := recvMsg(t, receiver); m.Text() != "F1" {
		t.Fatalf("receiver got %q", m.Text())
	}

	// While the receiver withholds its ACK, newer frames supersede the
	// pending one instead of queueing behind it.
	sendText(t, sender, comm.TypeControllerFrame, "F2")
	if ack := recvText(t, sender); ack != "Message received" {
		t.Fatalf("sender ack: %q", ack)
	}
	sendText(t, sender, comm.TypeControllerFrame, "F3")
	if ack := recvText(t, sender); ack != "Message received" {
		t.Fatalf("sender ack: %q", ack)
	}
	if m, err := receiver.Recv(false); err != nil || m != nil {
		t.Fatalf("frame crossed before ack: %v %v", m, err)
	}
	sendText(t, receiver, comm.TypeControlledFrame, "Message received")
	if m := recvMsg(t, receiver); m.Text() != "F3" {
		t.Fatalf("receiver got %q, want the superseding frame", m.Text())
	}
}

func TestCloseHandshake(t *testing.T) {
	f := setupPair(t)
	f.attachPair(t, "keyboard - sender", "keyboard - receiver", "kb")

	// Alice asks her connector to close the stream.
	sendText(t, f.aliceCtl, comm.TypeServerInteraction, comm.VerbClose+":kb")

	// The partner side is told to close its counterpart.
	if cmd := recvText(t, f.bobCtl); cmd != comm.VerbClose+":kb" {
		t.Fatalf("bob got %q", cmd)
	}
	if cmd := recvText(t, f.bobCtl); cmd != comm.VerbFinished {
		t.Fatalf("bob got %q", cmd)
	}
	sendText(t, f.bobCtl, comm.TypeServerInteraction, comm.VerbFinished)

	// Alice's own close completes with the finished exchange.
	if cmd := recvText(t, f.aliceCtl); cmd != comm.VerbFinished {
		t.Fatalf("alice got %q", cmd)
	}
	sendText(t, f.aliceCtl, comm.TypeServerInteraction, comm.VerbFinished)

	waitFor(t, func() bool {
		alice, ok := f.srv.getClient("alice")
		if !ok || alice.HasConnection("kb") {
			return false
		}
		bob, ok := f.srv.getClient("bob")
		return ok && !bob.HasConnection("kb")
	}, "kb still attached after close")
}

// A sender whose counterpart dies during admission must not wait on it
// forever: crash-closed and failed-admission counterparts never return
// to connected, and removal from the partner's map is final.
func TestPartnerWaitAbortsOnDeadCounterpart(t *testing.T) {
	srv := startTestServer(t)
	alice, err := srv.registerClient(User{Username: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	bob, err := srv.registerClient(User{Username: "bob"})
	if err != nil {
		t.Fatal(err)
	}
	alice.SetPartner(bob)

	conn := comm.NewConnection("kb", comm.NewAdvancedConn(0), comm.TypeKeyboardSender)
	conn.SetStatus(comm.StatusConnected)
	if err := alice.AddConnection(conn); err != nil {
		t.Fatal(err)
	}
	pc := comm.NewConnection("kb", comm.NewAdvancedConn(0), comm.TypeKeyboardReceiver)
	pc.SetStatus(comm.StatusConnecting)
	if err := bob.AddConnection(pc); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, werr := srv.partnerConnection(conn, alice)
		done <- werr
	}()

	// Let the waiter observe the half-admitted counterpart first, then
	// fail its admission the way admit does: error status, then removal.
	time.Sleep(5 * pollInterval)
	pc.SetStatus(comm.StatusError)
	bob.SafeRemoveConnection("kb")

	select {
	case werr := <-done:
		if werr != ErrPartnerConnectionDisconnected {
			t.Fatalf("wait ended with %v", werr)
		}
	case <-time.After(testTimeout):
		t.Fatal("waiter never noticed the dead counterpart")
	}
}

// A command the client pipelines ahead of its close confirmation must
// not be mistaken for the confirmation; it runs after the handshake.
func TestCloseHandshakeReplaysPipelinedCommand(t *testing.T) {
	f := setupPair(t)
	f.attachPair(t, "keyboard - sender", "keyboard - receiver", "kb")

	sendText(t, f.aliceCtl, comm.TypeServerInteraction, comm.VerbClose+":kb")

	if cmd := recvText(t, f.bobCtl); cmd != comm.VerbClose+":kb" {
		t.Fatalf("bob got %q", cmd)
	}
	if cmd := recvText(t, f.bobCtl); cmd != comm.VerbFinished {
		t.Fatalf("bob got %q", cmd)
	}
	sendText(t, f.bobCtl, comm.TypeServerInteraction, comm.VerbFinished)

	if cmd := recvText(t, f.aliceCtl); cmd != comm.VerbFinished {
		t.Fatalf("alice got %q", cmd)
	}
	// Alice slips in a command before confirming the close.
	sendText(t, f.aliceCtl, comm.TypeServerInteraction, comm.VerbGenerateToken+":settings")
	sendText(t, f.aliceCtl, comm.TypeServerInteraction, comm.VerbFinished)

	// The deferred command is answered once the handshake is done.
	reply := recvText(t, f.aliceCtl)
	parts := strings.SplitN(reply, "\n", 2)
	if len(parts) != 2 || parts[0] != "ok" || parts[1] == "" {
		t.Fatalf("deferred token reply %q", reply)
	}
	waitFor(t, func() bool {
		alice, ok := f.srv.getClient("alice")
		return ok && !alice.HasConnection("kb")
	}, "kb still attached after close")
}

func TestClientDisconnect(t *testing.T) {
	srv := startTestServer(t)
	ctl := admitOK(t, srv, "login", "alice", "pw", "connector", "control")

	sendText(t, ctl, comm.TypeServerInteraction, comm.VerbDisconnect+":")
	waitFor(t, func() bool {
		_, ok := srv.getClient("alice")
		return !ok
	}, "alice still registered after disconnect")

	// The username is free again.
	admitOK(t, srv, "login", "alice", "pw", "connector", "control")
}

func TestConnectorDeathCrashesClient(t *testing.T) {
	srv := startTestServer(t)
	ctl := admitOK(t, srv, "login", "alice", "pw", "connector", "control")
	token := genToken(t, ctl, "mouse tracker")
	admitOK(t, srv, "token", "alice", token, "mouse - receiver", "mouse tracker")

	// The connector socket dies without any protocol goodbye.
	ctl.Shutdown(true)
	ctl.Close()

	waitFor(t, func() bool {
		_, ok := srv.getClient("alice")
		return !ok
	}, "alice survived her connector")
}

func TestServerShutdownDrainsClients(t *testing.T) {
	srv := startTestServer(t)
	admitOK(t, srv, "login", "alice", "pw", "connector", "control")

	done := make(chan struct{})
	go func() {
		srv.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("shutdown never returned")
	}
	if _, ok := srv.getClient("alice"); ok {
		t.Fatal("alice still registered after shutdown")
	}
	if srv.Running() {
		t.Fatal("server still running after shutdown")
	}
}
