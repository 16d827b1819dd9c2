package netsrv

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/credacash/ccnode/internal/netconn"
)

func TestServeAcceptsAndDispatches(t *testing.T) {
	mgr := NewConnectionManager(4, 4, netconn.Options{Mode: netconn.Terminated, Terminator: '\n'}, nil)

	received := make(chan []byte, 1)
	srv := New(nil, DefaultSocketOptions(), mgr, func(peerID string, conn *netconn.Connection) netconn.Handler {
		return func(msg []byte) error {
			received <- msg
			return nil
		}
	})

	if err := srv.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	addr := srv.listener.Addr().String()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("hi\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case msg := <-received:
		if string(msg) != "hi" {
			t.Fatalf("message = %q, want %q", msg, "hi")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server to dispatch message")
	}
}

func TestConnectionManagerTakeBlocksWhenEmpty(t *testing.T) {
	mgr := NewConnectionManager(0, 4, netconn.Options{Mode: netconn.Terminated, Terminator: '\n'}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := mgr.Take(ctx)
	if err == nil {
		t.Fatal("expected Take to block and time out on an empty pool")
	}
}
