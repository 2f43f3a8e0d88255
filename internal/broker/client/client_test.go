package client

import (
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zvolchak/FAME-Z/internal/broker/dispatch"
	"github.com/zvolchak/FAME-Z/internal/broker/server"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func startBroker(t *testing.T, silent bool) *server.Broker {
	t.Helper()
	dir := t.TempDir()
	cfg := server.Config{
		Mailbox:    filepath.Join(dir, "mailbox"),
		SocketPath: filepath.Join(dir, "famez.sock"),
		NClients:   4,
		Silent:     silent,
	}
	b, err := server.New(cfg, testLogger())
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	go b.Run()
	t.Cleanup(func() { b.Close() })
	return b
}

func TestConnectReachesReadyAndPings(t *testing.T) {
	b := startBroker(t, false)

	c, err := Connect(socketPathOf(b), false, testLogger())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	if c.state != StateReady {
		t.Fatalf("state = %v, want Ready", c.state)
	}
	if c.MyID() != 1 {
		t.Fatalf("myID = %d, want 1", c.MyID())
	}
	if _, ok := c.vectors[c.serverID]; !ok {
		t.Fatal("expected to have learned the broker's own eventfd vector")
	}

	pongReceived := make(chan struct{}, 1)
	c.disp.RegisterHandler("pong", func(_ *dispatch.Dispatcher, _ int, _ []string) bool {
		pongReceived <- struct{}{}
		return true
	})

	go c.Run()
	time.Sleep(50 * time.Millisecond) // let the reactor arm readers

	if err := c.disp.Send(c.serverID, "ping", false, ""); err != nil {
		t.Fatalf("ping send: %v", err)
	}

	select {
	case <-pongReceived:
	case <-time.After(time.Second):
		t.Fatal("never received pong from broker")
	}
}

func TestTwoClientsLearnEachOther(t *testing.T) {
	b := startBroker(t, true)

	c1, err := Connect(socketPathOf(b), false, testLogger())
	if err != nil {
		t.Fatalf("Connect c1: %v", err)
	}
	defer c1.Close()

	c2, err := Connect(socketPathOf(b), false, testLogger())
	if err != nil {
		t.Fatalf("Connect c2: %v", err)
	}
	defer c2.Close()

	if c1.MyID() == c2.MyID() {
		t.Fatalf("expected distinct ids, both got %d", c1.MyID())
	}
	if _, ok := c2.peers.Get(c1.MyID()); !ok {
		t.Fatalf("c2 should have learned about c1 (id %d) during its own handshake", c1.MyID())
	}
}

func socketPathOf(b *server.Broker) string {
	return b.SocketPath()
}
