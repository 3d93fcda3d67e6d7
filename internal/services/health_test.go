package services

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestPingService(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	ctx := context.Background()
	if err := pingService(ctx, "http://"+ln.Addr().String(), time.Second); err != nil {
		t.Errorf("Expected listening service to answer, got %v", err)
	}
	if err := pingService(ctx, "/relative/path", time.Second); err == nil {
		t.Error("Expected an error for a URL without a host")
	}

	addr := ln.Addr().String()
	ln.Close()
	if err := pingService(ctx, "http://"+addr, time.Second); err == nil {
		t.Error("Expected an error once the service stopped listening")
	}
}
