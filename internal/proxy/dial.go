package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"syscall"

	"go.uber.org/zap"
)

// dialTarget resolves host through the DNS cache and connects to it,
// retrying transient failures against alternate IPs. Every transient
// failure with attempts left marks the IP down and asks the cache for a
// fresh candidate, so a host with a partially dead record set converges on
// its live IPs. Returns the connection and the IP it landed on.
func (s *Server) dialTarget(ctx context.Context, host string, port int) (net.Conn, string, error) {
	attempts := s.cfg.DialAttempts
	if attempts <= 0 {
		attempts = DefaultDialAttempts
	}

	dial := s.cfg.DialContext
	if dial == nil {
		d := &net.Dialer{Timeout: s.cfg.ConnectTimeout}
		dial = d.DialContext
	}

	var lastErr error
	for attempt := range attempts {
		ip, err := s.cfg.Cache.Get(ctx, host, port)
		if err != nil {
			return nil, "", err
		}

		conn, err := dial(ctx, "tcp", net.JoinHostPort(ip, strconv.Itoa(port)))
		if err == nil {
			if tc, ok := conn.(*net.TCPConn); ok {
				_ = tc.SetKeepAliveConfig(s.cfg.KeepAlive)
			}
			return conn, ip, nil
		}
		lastErr = err

		// The request itself going away is never grounds for retry.
		if ctx.Err() != nil {
			return nil, "", fmt.Errorf("dial %s:%d: %w", host, port, err)
		}

		if !isTransient(err) {
			return nil, "", fmt.Errorf("dial %s:%d: %w", host, port, err)
		}

		if attempt < attempts-1 {
			s.metrics.dialRetries.Inc()
			s.logger.Debug("dial failed, retrying",
				zap.String("host", host),
				zap.String("ip", ip),
				zap.Int("port", port),
				zap.Error(err))
			s.cfg.Cache.MarkDown(host, ip, port)
		}
	}

	return nil, "", fmt.Errorf("dial %s:%d: attempts exhausted: %w", host, port, lastErr)
}

// isTransient reports whether a dial failure is worth retrying against a
// different IP: connect timeouts and refused/unreachable errors. Anything
// else (bad address, caller cancellation) aborts the request. Note the
// net package's own dial timeouts also match context.DeadlineExceeded, so
// caller-initiated deadlines are detected in dialTarget via ctx.Err(), not
// here.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}

	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH)
}
