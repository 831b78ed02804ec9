package notify

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/go-tick/caretaker/internal/event"
)

// SendFunc matches smtp.SendMail.
type SendFunc func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error

// EmailConfig configures an SMTP channel. smtp.SendMail upgrades to
// STARTTLS when the server offers it.
type EmailConfig struct {
	Name     string
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
	Send     SendFunc
}

type Email struct {
	cfg EmailConfig
}

func NewEmail(cfg EmailConfig) *Email {
	if cfg.Name == "" {
		cfg.Name = "email"
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Send == nil {
		cfg.Send = smtp.SendMail
	}
	return &Email{cfg: cfg}
}

func (e *Email) Name() string { return e.cfg.Name }

// Deliver sends ev as a plain-text mail. smtp.SendMail takes no context, so
// a cancelled ctx only stops a send that has not begun.
func (e *Email) Deliver(ctx context.Context, ev event.Event) error {
	if len(e.cfg.To) == 0 {
		return Permanent(fmt.Errorf("email channel %s has no recipients", e.cfg.Name))
	}

	var auth smtp.Auth
	if e.cfg.Username != "" {
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
	}
	addr := net.JoinHostPort(e.cfg.Host, strconv.Itoa(e.cfg.Port))
	msg := e.message(ev)

	done := make(chan error, 1)
	go func() {
		done <- e.cfg.Send(addr, auth, e.cfg.From, e.cfg.To, msg)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Email) message(ev event.Event) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", e.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(e.cfg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", sanitizeHeader(ev.Subject()))
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Message-ID: <%s@caretaker>\r\n", ev.ID)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")

	fmt.Fprintf(&b, "Job:        %s\r\n", ev.JobName)
	fmt.Fprintf(&b, "Severity:   %s\r\n", ev.Severity)
	fmt.Fprintf(&b, "Transition: %s\r\n", ev.Transition)
	fmt.Fprintf(&b, "First seen: %s\r\n", ev.FirstSeenAt.Format(time.RFC3339))
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(ev.Message, "\n", "\r\n"))
	b.WriteString("\r\n")

	return b.Bytes()
}

func sanitizeHeader(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}

var _ Channel = (*Email)(nil)
