package notification

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"gopkg.in/gomail.v2"
)

// mailSender delivers one composed message.
type mailSender interface {
	SendMail(ctx context.Context, m *gomail.Message) error
}

// EmailConfig holds SMTP settings for the email channel.
type EmailConfig struct {
	Host     string   `yaml:"host" validate:"required"`
	Port     int      `yaml:"port" default:"587" validate:"min=1,max=65535"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from" validate:"required,email"`
	To       []string `yaml:"to" validate:"required,min=1,dive,email"`

	// Timeout bounds one whole SMTP conversation.
	Timeout time.Duration `yaml:"timeout" default:"30s"`
}

// EmailChannel sends digests over SMTP (STARTTLS when offered) with a
// plain-text body and an optional HTML alternative.
type EmailChannel struct {
	name   string
	from   string
	to     []string
	sender mailSender
}

// NewEmailChannel creates an SMTP channel.
func NewEmailChannel(name string, cfg EmailConfig) *EmailChannel {
	if name == "" {
		name = "email"
	}
	return &EmailChannel{
		name:   name,
		from:   cfg.From,
		to:     cfg.To,
		sender: &smtpSender{cfg: cfg},
	}
}

func (e *EmailChannel) Name() string { return e.name }

func (e *EmailChannel) buildMessage(msg Message) *gomail.Message {
	m := gomail.NewMessage()
	m.SetHeader("From", e.from)
	m.SetHeader("To", e.to...)
	subject := msg.Subject
	if msg.Level == AlertCritical {
		subject = "[CRITICAL] " + subject
	}
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", msg.Body)
	if msg.HTML != "" {
		m.AddAlternative("text/html", msg.HTML)
	}
	return m
}

// Send dials, authenticates and delivers. Cancelling ctx closes the
// connection, so a stuck server cannot outlive the run.
func (e *EmailChannel) Send(ctx context.Context, msg Message) error {
	if err := e.sender.SendMail(ctx, e.buildMessage(msg)); err != nil {
		return fmt.Errorf("email: send: %w", err)
	}
	slog.DebugContext(ctx, "[email] sent digest", "to", len(e.to), "subject", msg.Subject)
	return nil
}

// smtpSender speaks SMTP over a connection it owns, with a deadline from ctx
// and EmailConfig.Timeout. Port 465 uses implicit TLS, other ports upgrade
// with STARTTLS when the server offers it.
type smtpSender struct {
	cfg EmailConfig
}

func (s *smtpSender) SendMail(ctx context.Context, m *gomail.Message) (err error) {
	timeout := s.cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer raw.Close()
	if dl, ok := ctx.Deadline(); ok {
		raw.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() { raw.Close() })
	defer func() {
		stop()
		if err != nil && ctx.Err() != nil {
			err = fmt.Errorf("%w (%v)", ctx.Err(), err)
		}
	}()

	conn := raw
	tlsCfg := &tls.Config{ServerName: s.cfg.Host}
	if s.cfg.Port == 465 {
		conn = tls.Client(raw, tlsCfg)
	}
	c, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		return err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok && s.cfg.Port != 465 {
		if err := c.StartTLS(tlsCfg); err != nil {
			return err
		}
	}
	if s.cfg.Username != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)); err != nil {
				return err
			}
		}
	}

	from := m.GetHeader("From")
	if len(from) == 0 {
		return errors.New("no From header")
	}
	if err := c.Mail(from[0]); err != nil {
		return err
	}
	for _, rcpt := range m.GetHeader("To") {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := m.WriteTo(w); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}
