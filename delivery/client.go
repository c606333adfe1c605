package delivery

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"time"

	"mailq/tlsconfig"
)

const (
	defaultPort     = "25"
	defaultHelo     = "localhost"
	sessionDeadline = 2 * time.Minute
)

// Target is a single SMTP server a message is handed to.
type Target struct {
	Host     string
	Port     string
	HeloName string
}

func (t Target) addr() string {
	port := t.Port
	if port == "" {
		port = defaultPort
	}
	return net.JoinHostPort(t.Host, port)
}

func (t Target) helo() string {
	if t.HeloName == "" {
		return defaultHelo
	}
	return t.HeloName
}

var deliverFunc = Deliver

// Deliver attempts SMTP delivery to a given host with raw message data.
// Cancelling ctx aborts the session.
func Deliver(ctx context.Context, target Target, from string, to string, data []byte) error {
	dialer := &net.Dialer{Timeout: 30 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", target.addr())
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	deadline := time.Now().Add(sessionDeadline)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}

	client, err := smtp.NewClient(conn, target.Host)
	if err != nil {
		return fmt.Errorf("new client: %w", err)
	}
	defer client.Close()

	if err := client.Hello(target.helo()); err != nil {
		return fmt.Errorf("helo: %w", err)
	}

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(tlsconfig.ClientConfig(target.Host)); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data start: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("data write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("data close: %w", err)
	}

	if err := client.Quit(); err != nil {
		return fmt.Errorf("quit: %w", err)
	}

	return nil
}
