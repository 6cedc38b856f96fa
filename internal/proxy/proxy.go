// Package proxy implements the loopback SMTP-layer policy filter: a
// listener, a per-connection command/response state machine, and the
// outbound re-injection client that hands accepted mail to the downstream
// MTA.
package proxy

import (
	"bufio"
	"fmt"
	"net"
	"strings"

	"go.uber.org/zap"

	"github.com/themadorg/madfilter/internal/config"
	"github.com/themadorg/madfilter/internal/metrics"
	"github.com/themadorg/madfilter/internal/mimeclassifier"
	"github.com/themadorg/madfilter/internal/policy"
	"github.com/themadorg/madfilter/internal/ratelimit"
)

// Server is one listening instance of the filter, bound to either the
// outgoing or incoming port.
type Server struct {
	Mode         policy.Mode
	ModeName     string
	Config       *config.Config
	RateLimiter  *ratelimit.Limiter
	Metrics      *metrics.Metrics
	Logger       *zap.SugaredLogger
	ListenPort   uint16
	ReinjectPort uint16
}

// ListenAndServe binds the loopback listener for s and runs the accept
// loop until Accept returns an error.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("127.0.0.1:%d", s.ListenPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.Logger.Infow("listening", "mode", s.ModeName, "addr", addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

type envelope struct {
	mailFrom string
	rcptTos  []string
}

func (e *envelope) reset() {
	e.mailFrom = ""
	e.rcptTos = nil
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	peer := conn.RemoteAddr().String()
	log := s.Logger.With("mode", s.ModeName, "remote_addr", peer)

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	if _, err := w.WriteString("220 localhost ESMTP\r\n"); err != nil {
		log.Debugw("write greeting failed", "error", err)
		return
	}
	if err := w.Flush(); err != nil {
		return
	}

	// The connection cycles Greeting -> Envelope -> Data -> Envelope; the
	// loop below drives that with a plain read/dispatch/reply cycle, since
	// Data is always re-entered through the same DATA command and exited
	// by either QUIT (return) or EOF (return).
	env := &envelope{}

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			log.Debugw("connection closed", "error", err)
			return
		}
		cmd := strings.TrimRight(line, "\r\n")
		upper := strings.ToUpper(cmd)

		var reply string
		switch {
		case strings.HasPrefix(upper, "HELO") || strings.HasPrefix(upper, "EHLO"):
			reply = fmt.Sprintf("250-localhost\r\n250-PIPELINING\r\n250-SIZE %d\r\n250 OK\r\n", s.Config.MaxMessageSize)

		case strings.HasPrefix(upper, "MAIL FROM:"):
			addr := extractAddr(cmd, "MAIL FROM:")
			env.mailFrom = addr
			if s.Mode == policy.Outgoing && !s.RateLimiter.Allow(addr, s.Config.MaxUserSendPerMinute) {
				log.Infow("rate limited", "sender", addr)
				s.Metrics.IncRateLimited(s.ModeName)
				reply = fmt.Sprintf("450 4.7.1: Too much mail from %s\r\n", addr)
				break
			}
			reply = "250 OK\r\n"

		case strings.HasPrefix(upper, "RCPT TO:"):
			addr := extractAddr(cmd, "RCPT TO:")
			env.rcptTos = append(env.rcptTos, addr)
			reply = "250 OK\r\n"

		case upper == "DATA":
			if _, err := w.WriteString("354 End data with <CR><LF>.<CR><LF>\r\n"); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}

			body, err := readDataBody(r)
			if err != nil {
				log.Debugw("reading DATA failed", "error", err)
				return
			}

			replyLine := s.processData(log, env, body)
			if _, err := w.WriteString(replyLine); err != nil {
				return
			}
			env.reset()
			if err := w.Flush(); err != nil {
				return
			}
			continue

		case upper == "RSET":
			env.reset()
			reply = "250 OK\r\n"

		case upper == "NOOP":
			reply = "250 OK\r\n"

		case upper == "QUIT":
			reply = "221 Bye\r\n"
			if _, err := w.WriteString(reply); err == nil {
				w.Flush()
			}
			return

		default:
			reply = "500 Unknown command\r\n"
		}

		if _, err := w.WriteString(reply); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

// processData evaluates an accumulated message body against policy and, on
// acceptance, re-injects it. It returns the literal SMTP reply line
// (including trailing CRLF) to send the client.
func (s *Server) processData(log *zap.SugaredLogger, env *envelope, body []byte) string {
	msg, err := mimeclassifier.ParseMessage(body)
	if err != nil {
		log.Infow("message parse failed", "error", err)
		return "451 Malformed message\r\n"
	}

	accept, rejectLine := policy.Decide(msg, env.mailFrom, env.rcptTos, s.Config, s.Mode)
	if !accept {
		log.Infow("rejected", "sender", env.mailFrom, "recipients", env.rcptTos, "reply", rejectLine)
		s.Metrics.IncRejected(s.ModeName, leadingCode(rejectLine))
		return rejectLine + "\r\n"
	}

	if err := s.reinject(env, body); err != nil {
		log.Infow("reinject failed", "error", err)
		return "451 Error re-injecting mail\r\n"
	}

	s.Metrics.IncAccepted(s.ModeName)
	return "250 OK\r\n"
}

func leadingCode(rejectLine string) string {
	i := strings.IndexByte(rejectLine, ' ')
	if i < 0 {
		return rejectLine
	}
	return rejectLine[:i]
}

// readDataBody reads CRLF/LF-terminated lines until a line consisting of
// exactly "." is seen, reverse-dot-stuffing as it goes. It operates on raw
// bytes only; the body is never decoded as UTF-8 or otherwise interpreted,
// so arbitrary binary MIME payloads survive intact.
func readDataBody(r *bufio.Reader) ([]byte, error) {
	var body []byte
	for {
		line, err := r.ReadBytes('\n')
		if len(line) == 0 && err != nil {
			return body, nil
		}

		if isDotTerminator(line) {
			return body, nil
		}

		if len(line) > 0 && line[0] == '.' {
			line = line[1:]
		}
		body = append(body, line...)

		if err != nil {
			return body, nil
		}
	}
}

func isDotTerminator(line []byte) bool {
	return string(line) == ".\r\n" || string(line) == ".\n"
}

// extractAddr strips the command prefix, any trailing ESMTP parameters, and
// surrounding angle brackets, preserving the address's original case.
func extractAddr(cmd, prefix string) string {
	rest := strings.TrimSpace(cmd[len(prefix):])
	if i := strings.IndexByte(rest, ' '); i >= 0 {
		rest = rest[:i]
	}
	if strings.HasPrefix(rest, "<") && strings.HasSuffix(rest, ">") {
		rest = rest[1 : len(rest)-1]
	}
	return rest
}

// reinject opens a new SMTP client session to the downstream MTA and
// relays the envelope and body unchanged, dot-stuffing over the raw byte
// stream rather than any UTF-8 decoding of it.
func (s *Server) reinject(env *envelope, body []byte) error {
	addr := fmt.Sprintf("127.0.0.1:%d", s.ReinjectPort)
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	r := bufio.NewReader(conn)

	if _, err := r.ReadString('\n'); err != nil {
		return fmt.Errorf("read greeting: %w", err)
	}

	if err := sendAndRead(conn, r, "HELO localhost\r\n"); err != nil {
		return err
	}
	if err := sendAndRead(conn, r, fmt.Sprintf("MAIL FROM:<%s>\r\n", env.mailFrom)); err != nil {
		return err
	}
	for _, rcpt := range env.rcptTos {
		if err := sendAndRead(conn, r, fmt.Sprintf("RCPT TO:<%s>\r\n", rcpt)); err != nil {
			return err
		}
	}
	if err := sendAndRead(conn, r, "DATA\r\n"); err != nil {
		return err
	}

	stuffed := dotStuff(body)
	if _, err := conn.Write(stuffed); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	if err := sendAndRead(conn, r, ".\r\n"); err != nil {
		return err
	}

	if _, err := conn.Write([]byte("QUIT\r\n")); err != nil {
		return fmt.Errorf("write QUIT: %w", err)
	}
	return nil
}

func sendAndRead(conn net.Conn, r *bufio.Reader, line string) error {
	if _, err := conn.Write([]byte(line)); err != nil {
		return fmt.Errorf("write %q: %w", strings.TrimSpace(line), err)
	}
	// Read one response line without interpreting its status code.
	if _, err := r.ReadString('\n'); err != nil {
		return fmt.Errorf("read response to %q: %w", strings.TrimSpace(line), err)
	}
	return nil
}

// dotStuff scans the raw byte stream for line boundaries (CRLF or bare LF)
// and prefixes any line beginning with '.' with an extra '.', without ever
// decoding the bytes as text. This replaces the source implementation's
// lossy split-on-UTF-8-lines re-encoding.
func dotStuff(data []byte) []byte {
	out := make([]byte, 0, len(data)+8)
	start := 0
	for i := 0; i < len(data); i++ {
		if data[i] != '\n' {
			continue
		}
		end := i + 1
		lineStart := start
		if lineStart < end && data[lineStart] == '.' {
			out = append(out, '.')
		}
		out = append(out, data[lineStart:end]...)
		start = end
	}
	if start < len(data) {
		if data[start] == '.' {
			out = append(out, '.')
		}
		out = append(out, data[start:]...)
		out = append(out, '\r', '\n')
	}
	return out
}

