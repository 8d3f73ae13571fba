package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"html"
	"net"
	"net/http"
	"net/http/httputil"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Server is the forward proxy. CONNECT requests are hijacked and tunneled
// as opaque byte streams to an IP picked by the DNS cache; every other
// method is proxied conventionally via httputil.ReverseProxy, whose
// transport dials through the same cache.
type Server struct {
	ctx     context.Context
	cfg     Config
	logger  *zap.Logger
	metrics *serverMetrics
	srv     *http.Server
	rp      *httputil.ReverseProxy
}

// NewServer constructs a proxy server with the given config.
//
// Serve starts accepting connections on a listener; Close stops the
// underlying http.Server.
func NewServer(ctx context.Context, cfg Config) *Server {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	s := &Server{
		ctx:     ctx,
		cfg:     cfg,
		logger:  cfg.Logger,
		metrics: newServerMetrics(),
	}
	s.rp = s.newReverseProxy()
	s.srv = &http.Server{
		Handler:           http.HandlerFunc(s.handle),
		ReadHeaderTimeout: cfg.NegotiationTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		BaseContext: func(net.Listener) context.Context {
			return s.ctx
		},
	}
	return s
}

// Serve serves proxy requests on ln.
func (s *Server) Serve(ln net.Listener) error {
	return s.srv.Serve(ln)
}

// Close stops the HTTP server.
func (s *Server) Close() error {
	return s.srv.Close()
}

// RegisterMetrics adds the server's collectors to reg.
func (s *Server) RegisterMetrics(reg prometheus.Registerer) {
	s.metrics.register(reg)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if strings.EqualFold(r.Method, http.MethodConnect) {
		s.handleConnect(w, r)
		return
	}
	s.rp.ServeHTTP(w, r)
}

// handleConnect runs the tunnel: hijack the client connection, parse the
// target, dial through the cache with retry, answer the handshake, then
// splice bytes until either side closes.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	clientConn, brw, err := hj.Hijack()
	if err != nil {
		http.Error(w, "hijack failed", http.StatusInternalServerError)
		return
	}
	_ = brw.Flush()

	ctx := r.Context()

	host, port, err := parseTarget(r)
	if err != nil {
		s.metrics.tunnelsFailed.Inc()
		s.failTunnel(brw, clientConn, "Bad CONNECT Request", err)
		return
	}

	remoteConn, ip, err := s.dialTarget(ctx, host, port)
	if err != nil {
		s.metrics.tunnelsFailed.Inc()
		s.logger.Debug("tunnel failed",
			zap.String("host", host),
			zap.Int("port", port),
			zap.Error(err))
		s.failTunnel(brw, clientConn, "Gateway Error", err)
		return
	}

	fmt.Fprintf(brw, "HTTP/1.1 200 Connection established\r\nX-Connected-IP: %s\r\nContent-Length: 0\r\n\r\n", ip)
	if err := brw.Flush(); err != nil {
		_ = clientConn.Close()
		_ = remoteConn.Close()
		return
	}

	s.metrics.tunnelsOpened.Inc()
	s.logger.Debug("tunnel established",
		zap.String("host", host),
		zap.String("ip", ip),
		zap.Int("port", port),
		zap.Stringer("client", clientConn.RemoteAddr()))

	n, _ := CopyBidirectional(ctx, clientConn, remoteConn)
	s.metrics.relayedBytes.Add(float64(n))
}

// failTunnel answers a hijacked CONNECT with the 501 error surface and
// closes the client connection. The client always gets a definitive
// response; the connection is never left hanging.
func (s *Server) failTunnel(brw *bufio.ReadWriter, clientConn net.Conn, reason string, err error) {
	fmt.Fprintf(brw, "HTTP/1.1 501 %s\r\nContent-Type: text/html\r\nConnection: close\r\n\r\n<html><body>%s</body></html>\r\n",
		reason, html.EscapeString(err.Error()))
	_ = brw.Flush()
	_ = clientConn.Close()
}

// parseTarget extracts host and port from a CONNECT request. A bare host
// gets the scheme's conventional port, 443 when the scheme is absent, since
// CONNECT targets are almost always TLS.
func parseTarget(r *http.Request) (string, int, error) {
	target := r.Host
	if target == "" && r.URL != nil {
		target = r.URL.Host
		if target == "" {
			target = r.URL.Opaque
		}
	}
	if target == "" {
		return "", 0, fmt.Errorf("malformed CONNECT target: %q", r.RequestURI)
	}

	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		scheme := ""
		if r.URL != nil {
			scheme = r.URL.Scheme
		}
		return strings.Trim(target, "[]"), defaultPortForScheme(scheme), nil
	}
	if host == "" {
		return "", 0, fmt.Errorf("malformed CONNECT target: %q", target)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("malformed CONNECT port: %q", target)
	}
	return host, port, nil
}

func defaultPortForScheme(scheme string) int {
	switch strings.ToLower(scheme) {
	case "http":
		return 80
	case "ftp":
		return 21
	default:
		return 443
	}
}

// newReverseProxy builds the non-CONNECT forward-proxy path. Destination
// IP selection goes through the same dialTarget loop, so plain HTTP
// proxying gets the cache's health behavior for free.
func (s *Server) newReverseProxy() *httputil.ReverseProxy {
	director := func(r *http.Request) {
		// Forward-proxy handling: ensure URL is absolute and points at
		// the origin server.
		if r.URL == nil {
			return
		}
		if r.URL.Scheme == "" {
			r.URL.Scheme = "http"
		}
		if r.URL.Host == "" {
			r.URL.Host = r.Host
		}
		r.Host = r.URL.Host

		// Ask that X-Forwarded-For not be set.
		r.Header["X-Forwarded-For"] = nil
	}

	errHandler := func(w http.ResponseWriter, _ *http.Request, err error) {
		http.Error(w, err.Error(), http.StatusBadGateway)
	}

	return &httputil.ReverseProxy{
		Director:      director,
		Transport:     s.newTransport(),
		FlushInterval: 10 * time.Millisecond, // Only buffer incomplete responses briefly
		ErrorHandler:  errHandler,
		BufferPool:    NewBufferPool(relayBufferSize),
	}
}

func (s *Server) newTransport() http.RoundTripper {
	return &http.Transport{
		DialContext:         s.transportDial,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        s.cfg.HTTPMaxIdleConns,
		MaxIdleConnsPerHost: s.cfg.HTTPMaxIdleConns,
		IdleConnTimeout:     s.cfg.HTTPIdleTimeout,
		TLSHandshakeTimeout: s.cfg.NegotiationTimeout,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			ClientSessionCache: tls.NewLRUClientSessionCache(0),
		},
	}
}

// transportDial adapts dialTarget to the address-string contract of
// http.Transport.
func (s *Server) transportDial(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("dial %s %s: unsupported network", network, address)
	}

	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}

	conn, _, err := s.dialTarget(ctx, host, port)
	return conn, err
}
