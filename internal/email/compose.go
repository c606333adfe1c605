package email

import (
	"bytes"
	"errors"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"strings"
	"time"
)

// Envelope holds what Compose needs to build a plain-text message.
type Envelope struct {
	From      string
	To        string
	Subject   string
	Body      string
	MessageID string
	Date      time.Time
}

// Compose renders e as an RFC 5322 message with CRLF line endings and a
// quoted-printable UTF-8 body.
func Compose(e Envelope) ([]byte, error) {
	from, err := ParseAddress(e.From)
	if err != nil {
		return nil, fmt.Errorf("from: %w", err)
	}
	to, err := ParseAddress(e.To)
	if err != nil {
		return nil, fmt.Errorf("to: %w", err)
	}
	if strings.ContainsAny(e.Subject, "\r\n") {
		return nil, errors.New("subject contains a line break")
	}
	if strings.ContainsAny(e.MessageID, "\r\n<>") {
		return nil, errors.New("invalid message id")
	}
	date := e.Date
	if date.IsZero() {
		date = time.Now()
	}

	var buf bytes.Buffer
	header := func(k, v string) {
		buf.WriteString(k)
		buf.WriteString(": ")
		buf.WriteString(v)
		buf.WriteString("\r\n")
	}
	header("From", from)
	header("To", to)
	if e.Subject != "" {
		header("Subject", mime.QEncoding.Encode("utf-8", e.Subject))
	}
	header("Date", date.Format(time.RFC1123Z))
	if e.MessageID != "" {
		header("Message-ID", "<"+e.MessageID+">")
	}
	header("MIME-Version", "1.0")
	header("Content-Type", "text/plain; charset=UTF-8")
	header("Content-Transfer-Encoding", "quoted-printable")
	buf.WriteString("\r\n")

	qp := quotedprintable.NewWriter(&buf)
	if _, err := qp.Write([]byte(toCRLF(e.Body))); err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	if err := qp.Close(); err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	if !bytes.HasSuffix(buf.Bytes(), []byte("\r\n")) {
		buf.WriteString("\r\n")
	}
	return buf.Bytes(), nil
}

func toCRLF(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}
