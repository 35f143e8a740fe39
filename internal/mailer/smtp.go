package mailer

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
)

// SMTPTransport submits messages to a configured relay (a smarthost or
// the provider's submission endpoint), with opportunistic STARTTLS and
// optional AUTH PLAIN.
type SMTPTransport struct {
	addr     string // host:port
	host     string // for TLS SNI and HELO
	hostname string // our HELO name
	username string
	password string
	timeout  time.Duration
	logger   *slog.Logger
}

// SMTPConfig configures the submission transport
type SMTPConfig struct {
	Addr     string        `yaml:"addr"`
	Hostname string        `yaml:"hostname"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Timeout  time.Duration `yaml:"timeout"`
}

// NewSMTPTransport creates a transport for the given relay
func NewSMTPTransport(cfg SMTPConfig, logger *slog.Logger) *SMTPTransport {
	host := cfg.Addr
	if h, _, err := net.SplitHostPort(cfg.Addr); err == nil {
		host = h
	}
	hostname := cfg.Hostname
	if hostname == "" {
		hostname = "localhost"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &SMTPTransport{
		addr:     cfg.Addr,
		host:     host,
		hostname: hostname,
		username: cfg.Username,
		password: cfg.Password,
		timeout:  timeout,
		logger:   logger,
	}
}

// Send submits one message and returns its message id
func (t *SMTPTransport) Send(ctx context.Context, msg *Message) (string, error) {
	client, err := t.connect(ctx)
	if err != nil {
		return "", err
	}
	defer client.Close()

	if t.username != "" {
		if err := client.Auth(sasl.NewPlainClient("", t.username, t.password)); err != nil {
			se := classifyError(err, "AUTH")
			se.SenderFault = true
			return "", se
		}
	}

	if err := client.Mail(msg.From, nil); err != nil {
		return "", classifyError(err, "MAIL FROM")
	}
	if err := client.Rcpt(msg.To, nil); err != nil {
		return "", classifyError(err, "RCPT TO")
	}

	id := uuid.New().String()
	data := buildMessage(msg, id, t.hostname)

	wc, err := client.Data()
	if err != nil {
		return "", classifyError(err, "DATA")
	}
	if _, err := wc.Write(data); err != nil {
		wc.Close()
		return "", &SendError{Message: fmt.Sprintf("failed to write message data: %v", err)}
	}
	if err := wc.Close(); err != nil {
		return "", classifyError(err, "DATA close")
	}

	client.Quit()

	t.logger.Debug("message submitted",
		"relay", t.addr,
		"to", msg.To,
		"message_id", id,
	)
	return id, nil
}

// connect opens an SMTP session with the relay, upgrading to TLS when
// the server offers STARTTLS. The upgrade is opportunistic: a relay
// without STARTTLS gets a plaintext session on a fresh connection, since
// the failed upgrade tears the first one down.
func (t *SMTPTransport) connect(ctx context.Context) (*smtp.Client, error) {
	conn, err := t.dial(ctx)
	if err != nil {
		return nil, &SendError{Message: fmt.Sprintf("connection failed to %s: %v", t.addr, err)}
	}

	tlsConfig := &tls.Config{
		ServerName: t.host,
		MinVersion: tls.VersionTLS12,
	}
	client, err := smtp.NewClientStartTLS(conn, tlsConfig)
	if err == nil {
		return client, nil
	}
	t.logger.Warn("STARTTLS failed, continuing without encryption",
		"relay", t.addr,
		"error", err,
	)

	conn, err = t.dial(ctx)
	if err != nil {
		return nil, &SendError{Message: fmt.Sprintf("connection failed to %s: %v", t.addr, err)}
	}
	client = smtp.NewClient(conn)
	if err := client.Hello(t.hostname); err != nil {
		client.Close()
		return nil, classifyError(err, "HELO")
	}
	return client, nil
}

func (t *SMTPTransport) dial(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: t.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(t.timeout))
	}
	return conn, nil
}

// buildMessage assembles an RFC 5322 message with an HTML body
func buildMessage(msg *Message, id, hostname string) []byte {
	var b strings.Builder

	from := msg.From
	if msg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", msg.FromName), msg.From)
	}

	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + msg.To + "\r\n")
	if msg.ReplyTo != "" {
		b.WriteString("Reply-To: " + msg.ReplyTo + "\r\n")
	}
	b.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", msg.Subject) + "\r\n")
	b.WriteString("Message-ID: <" + id + "@" + hostname + ">\r\n")
	b.WriteString("Date: " + time.Now().UTC().Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.HTML)
	b.WriteString("\r\n")

	return []byte(b.String())
}
