// Package email delivers notifications over SMTP.
package email

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"remindflow/internal/domain"
	"remindflow/internal/ports"
)

// MetaAddress carries the recipient address on the notification metadata.
const MetaAddress = "email"

var _ ports.ChannelSender = (*Email)(nil)

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type Email struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string

	send sendFunc
	now  func() time.Time
}

func New(host string, port int, username, password, from string) *Email {
	if port == 0 {
		port = 25
	}
	return &Email{
		Host:     host,
		Port:     port,
		Username: username,
		Password: password,
		From:     from,
		send:     smtp.SendMail,
		now:      time.Now,
	}
}

func (e *Email) Channel() domain.Channel { return domain.ChannelEmail }

// Send blocks until the SMTP exchange finishes or ctx ends. net/smtp has no
// context support, so an abandoned exchange runs on in the background.
func (e *Email) Send(ctx context.Context, n *domain.Notification) error {
	to := strings.TrimSpace(n.Metadata[MetaAddress])
	if to == "" || !strings.Contains(to, "@") {
		return domain.Permanent(domain.ChannelEmail, fmt.Sprintf("invalid address %q", to), nil)
	}
	if e.Host == "" || e.From == "" {
		return domain.Permanent(domain.ChannelEmail, "smtp host and from are required", nil)
	}

	var auth smtp.Auth
	if e.Username != "" {
		auth = smtp.PlainAuth("", e.Username, e.Password, e.Host)
	}
	addr := net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
	msg := e.message(to, n)

	done := make(chan error, 1)
	go func() { done <- e.send(addr, auth, e.From, []string{to}, msg) }()
	select {
	case err := <-done:
		return classify(err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Email) message(to string, n *domain.Notification) []byte {
	now := time.Now
	if e.now != nil {
		now = e.now
	}
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", e.From)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", n.Title)
	fmt.Fprintf(&b, "Date: %s\r\n", now().Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Message-ID: <%s@remindflow>\r\n", n.ID)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(n.Content)
	b.WriteString("\r\n")
	return []byte(b.String())
}

// classify maps SMTP replies to delivery errors: 5xx is permanent, 4xx and
// transport failures are retryable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var tp *textproto.Error
	if errors.As(err, &tp) && tp.Code >= 500 {
		return domain.Permanent(domain.ChannelEmail, fmt.Sprintf("smtp %d", tp.Code), err)
	}
	return domain.Transient(domain.ChannelEmail, "smtp send", err)
}
