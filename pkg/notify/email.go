package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/loadrudder/pkg/log"
)

// Email sends plain text messages through an SMTP server. STARTTLS is used
// whenever the server offers it.
type Email struct {
	server        string
	port          int
	username      string
	password      string
	from          string
	to            []string
	subjectPrefix string
	timeout       time.Duration
	now           func() time.Time
}

func configuredEmail() *Email {
	e := &Email{now: time.Now}
	server := lflag.String("email-smtp-server", "", "SMTP server used to send emails, emails are disabled if empty")
	port := lflag.Int("email-smtp-port", 587, "Port of the SMTP server")
	username := lflag.String("email-smtp-username", "", "Username to log in to the SMTP server with")
	password := lflag.String("email-smtp-password", "", "Password to log in to the SMTP server with")
	from := lflag.String("email-from", "", "Sender address, defaults to the SMTP username")
	to := lflag.String("email-to", "", "Comma separated list of recipients")
	prefix := lflag.String("email-subject-prefix", "", "Prefix added to the subject of every email")
	timeout := lflag.Duration("email-timeout", 30*time.Second, "Timeout for sending an email")
	lflag.Do(func() {
		e.server = *server
		e.port = *port
		e.username = *username
		e.password = *password
		e.from = *from
		e.to = splitAddresses(*to)
		e.subjectPrefix = *prefix
		e.timeout = *timeout
		if e.server != "" {
			if err := e.Validate(); err != nil {
				panic(fmt.Sprintf("email validation failed: %v", err))
			}
		}
	})
	return e
}

// NewEmail returns an Email sending through server:port without logging in
// when username is empty.
func NewEmail(server string, port int, username, password, from string, to []string, subjectPrefix string) *Email {
	return &Email{
		server:        server,
		port:          port,
		username:      username,
		password:      password,
		from:          from,
		to:            to,
		subjectPrefix: subjectPrefix,
		timeout:       30 * time.Second,
		now:           time.Now,
	}
}

func splitAddresses(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

// Validate ensures the configuration is valid.
func (e *Email) Validate() error {
	if e.server == "" {
		return fmt.Errorf("email-smtp-server is required")
	}
	if e.port <= 0 || e.port > 65535 {
		return fmt.Errorf("invalid email-smtp-port: %d", e.port)
	}
	if len(e.to) == 0 {
		return fmt.Errorf("email-to is required")
	}
	if e.sender() == "" {
		return fmt.Errorf("email-from or email-smtp-username is required")
	}
	return nil
}

// Enabled reports whether emails will be sent.
func (e *Email) Enabled() bool {
	return e.server != ""
}

func (e *Email) sender() string {
	if e.from != "" {
		return e.from
	}
	return e.username
}

func (e *Email) message(subject, body string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", e.sender())
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(e.to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", e.subjectPrefix+subject))
	fmt.Fprintf(&b, "Date: %s\r\n", e.now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	// the DATA writer takes care of dot stuffing
	for _, line := range strings.Split(body, "\n") {
		b.WriteString(strings.TrimRight(line, "\r"))
		b.WriteString("\r\n")
	}
	return b.Bytes()
}

// Send implements Notifier. It does nothing when no server is configured.
func (e *Email) Send(ctx context.Context, subject, body string) error {
	if !e.Enabled() {
		log.Ctx(ctx).DebugContext(ctx, "email not configured, skipping", slog.String("subject", subject))
		return nil
	}

	timeout := e.timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addr := net.JoinHostPort(e.server, strconv.Itoa(e.port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to smtp server %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, e.server)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to start smtp session: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: e.server}); err != nil {
			return fmt.Errorf("failed to start tls: %w", err)
		}
	}
	if e.username != "" {
		if err := c.Auth(smtp.PlainAuth("", e.username, e.password, e.server)); err != nil {
			return fmt.Errorf("failed to log in to smtp server: %w", err)
		}
	}
	if err := c.Mail(e.sender()); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	for _, to := range e.to {
		if err := c.Rcpt(to); err != nil {
			return fmt.Errorf("failed to add recipient %s: %w", to, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("failed to start message: %w", err)
	}
	if _, err := w.Write(e.message(subject, body)); err != nil {
		w.Close()
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	if err := c.Quit(); err != nil {
		log.Ctx(ctx).DebugContext(ctx, "smtp quit failed", slog.Any("error", err))
	}

	log.Ctx(ctx).InfoContext(ctx, "email sent", slog.String("subject", subject), slog.Int("recipients", len(e.to)))
	return nil
}
