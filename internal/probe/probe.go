// Package probe answers "is something listening on host:port" with a
// bounded-time TCP connection attempt.
package probe

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"strconv"
	"syscall"
	"time"
)

// DefaultTimeout bounds a probe when the caller passes a non-positive timeout.
const DefaultTimeout = 500 * time.Millisecond

// Result is the advisory liveness observation. Detail is empty for a plain
// refusal and carries the transport fault otherwise.
type Result struct {
	Listening bool          `json:"listening"`
	Detail    string        `json:"detail,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Prober is implemented by anything that can probe a TCP endpoint.
// Implementations must be stateless and safe for concurrent use.
type Prober interface {
	Probe(ctx context.Context, host string, port int, timeout time.Duration) Result
}

// TCPProber dials the endpoint and closes the connection immediately.
type TCPProber struct {
	Logger *slog.Logger
}

func (p TCPProber) Probe(ctx context.Context, host string, port int, timeout time.Duration) Result {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	start := time.Now()
	if port <= 0 || port > 65535 {
		return p.inconclusive(host, port, start, "invalid port "+strconv.Itoa(port))
	}
	d := net.Dialer{Timeout: timeout}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := d.DialContext(cctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err == nil {
		_ = conn.Close()
		return Result{Listening: true, Elapsed: time.Since(start)}
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return Result{Elapsed: time.Since(start)}
	}
	if isTimeout(err) {
		return Result{Detail: "timeout after " + timeout.String(), Elapsed: time.Since(start)}
	}
	return p.inconclusive(host, port, start, err.Error())
}

func (p TCPProber) inconclusive(host string, port int, start time.Time, detail string) Result {
	l := p.Logger
	if l == nil {
		l = slog.Default()
	}
	l.Debug("probe inconclusive", "host", host, "port", port, "detail", detail)
	return Result{Detail: detail, Elapsed: time.Since(start)}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Probe is a convenience wrapper using a zero-value TCPProber.
func Probe(ctx context.Context, host string, port int, timeout time.Duration) bool {
	return TCPProber{}.Probe(ctx, host, port, timeout).Listening
}
