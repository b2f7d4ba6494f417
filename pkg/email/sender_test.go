package email

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestSendMail_HonorsContextDeadline(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		// Never send the SMTP greeting; the client has to give up on its own.
		defer conn.Close()
		time.Sleep(2 * time.Second)
	}()

	host, port, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	s := NewSender(Config{Host: host, Port: port, From: "alerts@clearwater.local"})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	if err := s.SendMail(ctx, "ops@example.com", "subject", "<p>body</p>"); err == nil {
		t.Fatal("expected an error from the stalled server")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("send ignored the context deadline, took %v", elapsed)
	}
}

func TestSendMail_CancelledContextFailsFast(t *testing.T) {
	s := NewSender(Config{Host: "127.0.0.1", Port: "2525", From: "alerts@clearwater.local"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.SendMail(ctx, "ops@example.com", "subject", "<p>body</p>"); err == nil {
		t.Fatal("expected an error with a cancelled context")
	}
}

func TestSanitizeHeader_StripsCRLF(t *testing.T) {
	if got := sanitizeHeader("ops@example.com\r\nBcc: evil@example.com"); got != "ops@example.comBcc: evil@example.com" {
		t.Fatalf("sanitize = %q", got)
	}
}
