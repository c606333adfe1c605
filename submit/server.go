// Package submit accepts messages over a minimal SMTP submission dialogue
// and hands each recipient to the delivery queue.
package submit

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net"
	"net/mail"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"mailq/internal/email"
	"mailq/queue"
)

const (
	defaultMaxBytes   = 10 << 20
	defaultMaxRcpt    = 100
	sessionTimeout    = 5 * time.Minute
	maxCommandSummary = 120
	maxMIMEDepth      = 4
)

var lookupAddr = net.DefaultResolver.LookupAddr

// Enqueuer is the part of queue.Manager the listener needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg queue.Message, maxRetries int) string
}

// Options configures the listener.
type Options struct {
	Hostname string
	// AllowNetworks and AllowHosts restrict clients. With both empty only
	// loopback clients are accepted.
	AllowNetworks   []*net.IPNet
	AllowHosts      []string
	MaxMessageBytes int64
}

// Server is an SMTP submission endpoint in front of the queue.
type Server struct {
	queue  Enqueuer
	opts   Options
	logger *zap.Logger
	wg     sync.WaitGroup
}

// New returns a Server.
func New(q Enqueuer, opts Options, logger *zap.Logger) *Server {
	if opts.Hostname == "" {
		opts.Hostname = "localhost"
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = defaultMaxBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{queue: q, opts: opts, logger: logger}
}

// Serve accepts connections until ctx is cancelled, then closes ln and
// waits for open sessions to end.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer s.wg.Wait()

	s.logger.Info("SMTP submission listening", zap.String("addr", ln.Addr().String()))
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		if !s.connAllowed(ctx, conn.RemoteAddr()) {
			s.logger.Warn("Rejected submission client", zap.String("remote", conn.RemoteAddr().String()))
			fmt.Fprintf(conn, "554 %s access denied\r\n", s.opts.Hostname)
			conn.Close()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleSession(ctx, conn)
		}()
	}
}

func (s *Server) connAllowed(ctx context.Context, addr net.Addr) bool {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return false
	}
	if len(s.opts.AllowNetworks) == 0 && len(s.opts.AllowHosts) == 0 {
		return tcp.IP.IsLoopback()
	}
	for _, n := range s.opts.AllowNetworks {
		if n.Contains(tcp.IP) {
			return true
		}
	}
	if len(s.opts.AllowHosts) == 0 {
		return false
	}
	lookupCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	names, err := lookupAddr(lookupCtx, tcp.IP.String())
	if err != nil {
		return false
	}
	for _, name := range names {
		name = strings.ToLower(strings.TrimSuffix(name, "."))
		for _, allowed := range s.opts.AllowHosts {
			if name == allowed {
				return true
			}
		}
	}
	return false
}

func (s *Server) handleSession(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	tp := textproto.NewConn(conn)
	defer tp.Close()

	log := s.logger.With(zap.String("remote", conn.RemoteAddr().String()))
	send := func(code int, msg string) {
		_ = tp.PrintfLine("%d %s", code, msg)
	}

	send(220, s.opts.Hostname+" ESMTP mailq ready")
	var from string
	var to []string

	for {
		if err := conn.SetDeadline(time.Now().Add(sessionTimeout)); err != nil {
			log.Debug("Failed to refresh deadline", zap.Error(err))
			return
		}
		line, err := tp.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug("Session error", zap.Error(err))
			}
			return
		}
		cmd := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(cmd, "HELO"):
			send(250, s.opts.Hostname)
		case strings.HasPrefix(cmd, "EHLO"):
			_ = tp.PrintfLine("250-%s", s.opts.Hostname)
			_ = tp.PrintfLine("250-SIZE %d", s.opts.MaxMessageBytes)
			send(250, "8BITMIME")
		case strings.HasPrefix(cmd, "MAIL FROM:"):
			addr, err := email.ParseCommandAddress(line)
			if err != nil {
				send(501, "Invalid sender address")
				continue
			}
			from = addr
			to = nil
			send(250, "Sender OK")
		case strings.HasPrefix(cmd, "RCPT TO:"):
			if from == "" {
				send(503, "Need MAIL command first")
				continue
			}
			if len(to) >= defaultMaxRcpt {
				send(452, "Too many recipients")
				continue
			}
			addr, err := email.ParseCommandAddress(line)
			if err != nil {
				send(501, "Invalid recipient address")
				continue
			}
			to = append(to, addr)
			send(250, "Recipient OK")
		case cmd == "DATA":
			if from == "" || len(to) == 0 {
				send(503, "Need sender and recipient before DATA")
				continue
			}
			send(354, "End with <CR><LF>.<CR><LF>")
			var data bytes.Buffer
			dr := tp.DotReader()
			n, err := io.Copy(&data, io.LimitReader(dr, s.opts.MaxMessageBytes+1))
			if err != nil {
				send(554, "Read error")
				return
			}
			if n > s.opts.MaxMessageBytes {
				// Drain the rest so the dialogue stays in sync.
				_, _ = io.Copy(io.Discard, dr)
				send(552, "Message exceeds size limit")
				from, to = "", nil
				continue
			}
			ids, err := s.accept(ctx, data.Bytes(), to)
			if err != nil {
				send(554, "Message rejected: "+err.Error())
				from, to = "", nil
				continue
			}
			log.Info("Submission accepted",
				zap.String("sender", from),
				zap.Strings("message_ids", ids))
			send(250, "Queued as "+strings.Join(ids, ","))
			from, to = "", nil
		case strings.HasPrefix(cmd, "RSET"):
			from, to = "", nil
			send(250, "OK")
		case strings.HasPrefix(cmd, "NOOP"):
			send(250, "OK")
		case strings.HasPrefix(cmd, "QUIT"):
			send(221, "Bye")
			return
		default:
			log.Debug("Unsupported command", zap.String("command", summarizeCommand(line)))
			send(502, "Command not implemented")
		}
	}
}

// accept parses the submitted message and enqueues one copy per recipient.
func (s *Server) accept(ctx context.Context, data []byte, recipients []string) ([]string, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		return nil, errors.New("malformed message")
	}
	body, err := textBody(textproto.MIMEHeader(msg.Header), msg.Body, 0)
	if err != nil {
		return nil, err
	}
	subject := msg.Header.Get("Subject")
	if decoded, err := new(mime.WordDecoder).DecodeHeader(subject); err == nil {
		subject = decoded
	}

	ids := make([]string, 0, len(recipients))
	for _, rcpt := range recipients {
		ids = append(ids, s.queue.Enqueue(ctx, queue.Message{
			Channel: queue.ChannelEmail,
			To:      rcpt,
			Subject: subject,
			Body:    string(body),
		}, 0))
	}
	return ids, nil
}

// textBody returns the decoded plain-text content of a message or MIME part.
// For multipart content the first text/plain part wins.
func textBody(header textproto.MIMEHeader, r io.Reader, depth int) (string, error) {
	mediaType := "text/plain"
	var params map[string]string
	if ct := header.Get("Content-Type"); ct != "" {
		var err error
		mediaType, params, err = mime.ParseMediaType(ct)
		if err != nil {
			return "", errors.New("malformed content type")
		}
	}

	switch {
	case mediaType == "text/plain":
		decoded, err := decodeTransfer(header.Get("Content-Transfer-Encoding"), r)
		if err != nil {
			return "", err
		}
		data, err := io.ReadAll(decoded)
		if err != nil {
			return "", errors.New("malformed body")
		}
		return string(data), nil
	case strings.HasPrefix(mediaType, "multipart/"):
		if depth >= maxMIMEDepth || params["boundary"] == "" {
			return "", errors.New("unsupported multipart structure")
		}
		mr := multipart.NewReader(r, params["boundary"])
		for {
			part, err := mr.NextRawPart()
			if errors.Is(err, io.EOF) {
				return "", errors.New("no text/plain part")
			}
			if err != nil {
				return "", errors.New("malformed multipart body")
			}
			body, err := textBody(part.Header, part, depth+1)
			if err == nil {
				return body, nil
			}
		}
	default:
		return "", fmt.Errorf("unsupported content type %s", mediaType)
	}
}

func decodeTransfer(encoding string, r io.Reader) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "7bit", "8bit", "binary":
		return r, nil
	case "quoted-printable":
		return quotedprintable.NewReader(r), nil
	case "base64":
		return base64.NewDecoder(base64.StdEncoding, r), nil
	default:
		return nil, fmt.Errorf("unsupported transfer encoding %s", encoding)
	}
}

// summarizeCommand trims a client command for logging.
func summarizeCommand(line string) string {
	line = strings.TrimSpace(line)
	if len(line) <= maxCommandSummary {
		return line
	}
	return line[:maxCommandSummary-3] + "..."
}
