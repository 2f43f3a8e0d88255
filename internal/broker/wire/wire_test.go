package wire

import (
	"net"
	"os"
	"testing"
)

func socketPair(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	t.Helper()
	a, b, err := socketpair()
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() { a.Close(); b.Close() })
	return a, b
}

func TestSendRecvWithoutFD(t *testing.T) {
	a, b := socketPair(t)

	if err := Send(a, 42, NoFD); err != nil {
		t.Fatalf("Send: %v", err)
	}
	val, fd, err := Recv(b)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if val != 42 {
		t.Fatalf("val = %d, want 42", val)
	}
	if fd != NoFD {
		t.Fatalf("fd = %d, want NoFD", fd)
	}
}

func TestSendRecvWithFD(t *testing.T) {
	a, b := socketPair(t)

	f, err := os.CreateTemp(t.TempDir(), "wire-fd")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer f.Close()

	if err := Send(a, -1, int(f.Fd())); err != nil {
		t.Fatalf("Send: %v", err)
	}
	val, fd, err := Recv(b)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if val != -1 {
		t.Fatalf("val = %d, want -1", val)
	}
	if fd == NoFD {
		t.Fatal("expected a real fd, got NoFD")
	}
	defer func() { _ = fd }()
}

func TestSendRecvSequence(t *testing.T) {
	a, b := socketPair(t)
	values := []int64{0, 1, 7, -1}
	for _, v := range values {
		if err := Send(a, v, NoFD); err != nil {
			t.Fatalf("Send(%d): %v", v, err)
		}
	}
	for _, want := range values {
		got, _, err := Recv(b)
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if got != want {
			t.Fatalf("Recv = %d, want %d", got, want)
		}
	}
}
