package notification

import (
	"bufio"
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"gopkg.in/gomail.v2"
)

// smtpServer is a minimal plain-text SMTP responder. With stall set it
// accepts connections and never greets.
type smtpServer struct {
	ln    net.Listener
	stall bool

	mu     sync.Mutex
	rcpts  []string
	data   string
	closed chan struct{}
}

func startSMTP(t *testing.T, stall bool) *smtpServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := &smtpServer{ln: ln, stall: stall, closed: make(chan struct{})}
	t.Cleanup(func() { ln.Close() })
	go s.serve()
	return s
}

func (s *smtpServer) port() int { return s.ln.Addr().(*net.TCPAddr).Port }

func (s *smtpServer) serve() {
	conn, err := s.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	defer close(s.closed)

	r := bufio.NewReader(conn)
	if s.stall {
		// Returns once the client side goes away.
		r.ReadByte()
		return
	}

	reply := func(line string) { conn.Write([]byte(line + "\r\n")) }
	reply("220 test ready")
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.ToUpper(strings.TrimSpace(line))
		switch {
		case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
			reply("250 test")
		case strings.HasPrefix(cmd, "MAIL FROM"):
			reply("250 ok")
		case strings.HasPrefix(cmd, "RCPT TO"):
			s.mu.Lock()
			s.rcpts = append(s.rcpts, strings.TrimSpace(line))
			s.mu.Unlock()
			reply("250 ok")
		case cmd == "DATA":
			reply("354 go ahead")
			var b strings.Builder
			for {
				l, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if l == ".\r\n" {
					break
				}
				b.WriteString(l)
			}
			s.mu.Lock()
			s.data = b.String()
			s.mu.Unlock()
			reply("250 queued")
		case cmd == "QUIT":
			reply("221 bye")
			return
		default:
			reply("502 not implemented")
		}
	}
}

func TestSMTPSender_Delivers(t *testing.T) {
	srv := startSMTP(t, false)
	ch := NewEmailChannel("mail", EmailConfig{
		Host: "127.0.0.1", Port: srv.port(),
		From: "radar@example.com", To: []string{"a@example.com", "b@example.com"},
		Timeout: 5 * time.Second,
	})

	msg := Message{Subject: "3 signals", Body: "plain body"}
	if err := ch.Send(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	<-srv.closed

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if len(srv.rcpts) != 2 {
		t.Fatalf("recipients = %v", srv.rcpts)
	}
	if !strings.Contains(srv.data, "Subject: 3 signals") || !strings.Contains(srv.data, "plain body") {
		t.Fatalf("message data = %q", srv.data)
	}
}

func TestSMTPSender_CancelClosesStalledConnection(t *testing.T) {
	srv := startSMTP(t, true)
	ch := NewEmailChannel("mail", EmailConfig{
		Host: "127.0.0.1", Port: srv.port(),
		From: "radar@example.com", To: []string{"a@example.com"},
		Timeout: time.Minute,
	})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	err := ch.Send(ctx, Message{Subject: "s"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if d := time.Since(start); d > 5*time.Second {
		t.Fatalf("send returned after %v", d)
	}
	select {
	case <-srv.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("connection still open after cancel")
	}
}

func TestSMTPSender_TimeoutBoundsConversation(t *testing.T) {
	srv := startSMTP(t, true)
	s := &smtpSender{cfg: EmailConfig{Host: "127.0.0.1", Port: srv.port(), Timeout: 100 * time.Millisecond}}

	start := time.Now()
	err := s.SendMail(context.Background(), gomail.NewMessage())
	if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if d := time.Since(start); d > 5*time.Second {
		t.Fatalf("send returned after %v", d)
	}
}
