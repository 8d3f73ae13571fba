package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/tecart/tecproxy/internal/dnscache"
	"github.com/tecart/tecproxy/internal/testutil"
)

type staticResolver struct {
	addrs []string
	err   error
}

func (s staticResolver) Resolve(context.Context, string, int) ([]string, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([]string, len(s.addrs))
	copy(out, s.addrs)
	return out, nil
}

type nopProber struct{}

func (nopProber) Probe(context.Context, string, int) error { return nil }

func startTestProxy(t *testing.T, resolver dnscache.Resolver) net.Listener {
	t.Helper()

	cache := dnscache.New(dnscache.Config{
		Resolver:   resolver,
		Prober:     nopProber{},
		GCInterval: time.Hour,
		IPv6:       true,
	})
	t.Cleanup(func() { _ = cache.Close() })

	cfg := Config{
		Cache:              cache,
		ConnectTimeout:     2 * time.Second,
		NegotiationTimeout: 2 * time.Second,
		HTTPIdleTimeout:    time.Minute,
		HTTPMaxIdleConns:   16,
	}

	ln, err := ListenTCP(context.Background(), "tcp", "127.0.0.1:0", net.KeepAliveConfig{})
	if err != nil {
		t.Fatal(err)
	}

	srv := NewServer(context.Background(), cfg)
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() {
		_ = srv.Close()
		_ = ln.Close()
	})

	return ln
}

// connect sends a CONNECT for target through the proxy at proxyAddr and
// returns the connection, its buffered reader, and the proxy's response.
func connect(t *testing.T, proxyAddr, target string) (net.Conn, *bufio.Reader, *http.Response) {
	t.Helper()

	c, err := net.Dial("tcp", proxyAddr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })

	req := &http.Request{Method: http.MethodConnect, Host: target, URL: &url.URL{Opaque: target}}
	bw := bufio.NewWriter(c)
	if err := req.Write(bw); err != nil {
		t.Fatal(err)
	}
	if err := bw.Flush(); err != nil {
		t.Fatal(err)
	}

	br := bufio.NewReader(c)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })

	return c, br, resp
}

func TestConnectTunnelEcho(t *testing.T) {
	ctx := context.Background()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	defer echoLn.Close()
	_, portStr, _ := net.SplitHostPort(echoLn.Addr().String())

	ln := startTestProxy(t, staticResolver{addrs: []string{"127.0.0.1"}})

	c, br, resp := connect(t, ln.Addr().String(), "echo.test:"+portStr)
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200 got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Connected-IP"); got != "127.0.0.1" {
		t.Fatalf("X-Connected-IP = %q, want 127.0.0.1", got)
	}

	testutil.AssertEcho(t, c, br, []byte("hello tunnel"))
	testutil.AssertEcho(t, c, br, []byte("and again"))
}

func TestConnectRetriesAlternateIP(t *testing.T) {
	ctx := context.Background()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	defer echoLn.Close()
	_, portStr, _ := net.SplitHostPort(echoLn.Addr().String())

	// 127.0.0.2 refuses (nothing listens there on this port); the tunnel
	// must mark it down and land on 127.0.0.1.
	ln := startTestProxy(t, staticResolver{addrs: []string{"127.0.0.2", "127.0.0.1"}})

	c, br, resp := connect(t, ln.Addr().String(), "flaky.test:"+portStr)
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200 got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Connected-IP"); got != "127.0.0.1" {
		t.Fatalf("X-Connected-IP = %q, want 127.0.0.1", got)
	}

	testutil.AssertEcho(t, c, br, []byte("failover"))
}

func TestConnectAllAttemptsFail(t *testing.T) {
	// Grab a port nobody listens on.
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	_, portStr, _ := net.SplitHostPort(probe.Addr().String())
	_ = probe.Close()

	ln := startTestProxy(t, staticResolver{addrs: []string{"127.0.0.2"}})

	_, _, resp := connect(t, ln.Addr().String(), "dead.test:"+portStr)
	if resp.StatusCode != 501 {
		t.Fatalf("expected 501 got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/html" {
		t.Fatalf("Content-Type = %q, want text/html", ct)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if len(body) == 0 {
		t.Fatal("expected a descriptive error body")
	}
}

func TestConnectResolutionFailure(t *testing.T) {
	ln := startTestProxy(t, staticResolver{err: errors.New("NXDOMAIN")})

	_, _, resp := connect(t, ln.Addr().String(), "nope.invalid:443")
	if resp.StatusCode != 501 {
		t.Fatalf("expected 501 got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "NXDOMAIN") {
		t.Fatalf("body %q should describe the resolution failure", body)
	}
}

func TestTunnelClosePropagation(t *testing.T) {
	ctx := context.Background()

	remoteClosed := make(chan struct{})
	remoteLn, wait := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		// Block until the remote side is torn down.
		_, _ = io.Copy(io.Discard, c)
		close(remoteClosed)
	})
	defer wait()
	_, portStr, _ := net.SplitHostPort(remoteLn.Addr().String())

	ln := startTestProxy(t, staticResolver{addrs: []string{"127.0.0.1"}})

	c, _, resp := connect(t, ln.Addr().String(), "closes.test:"+portStr)
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200 got %d", resp.StatusCode)
	}

	// Closing the client side must close the remote side too.
	_ = c.Close()
	select {
	case <-remoteClosed:
	case <-time.After(5 * time.Second):
		t.Fatal("remote connection not closed after client close")
	}
}

func TestPlainHTTPProxy(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "plain ok")
	}))
	defer upstream.Close()
	_, portStr, _ := net.SplitHostPort(upstream.Listener.Addr().String())

	ln := startTestProxy(t, staticResolver{addrs: []string{"127.0.0.1"}})

	proxyURL := &url.URL{Scheme: "http", Host: ln.Addr().String()}
	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		Timeout:   5 * time.Second,
	}
	defer client.CloseIdleConnections()

	resp, err := client.Get("http://plain.test:" + portStr + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Fatalf("expected 200 got %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "plain ok" {
		t.Fatalf("body = %q", body)
	}
}

func TestParseTarget(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		host     string
		uri      string
		wantHost string
		wantPort int
		wantErr  bool
	}{
		{name: "host and port", host: "example.com:8443", wantHost: "example.com", wantPort: 8443},
		{name: "bare host defaults to 443", host: "example.com", wantHost: "example.com", wantPort: 443},
		{name: "ipv6 literal with port", host: "[2001:db8::1]:443", wantHost: "2001:db8::1", wantPort: 443},
		{name: "ipv6 literal without port", host: "[2001:db8::1]", wantHost: "2001:db8::1", wantPort: 443},
		{name: "uri fallback", host: "", uri: "example.org:443", wantHost: "example.org", wantPort: 443},
		{name: "port out of range", host: "example.com:99999", wantErr: true},
		{name: "port not numeric", host: "example.com:https", wantErr: true},
		{name: "empty", host: "", wantErr: true},
		{name: "missing host", host: ":443", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &http.Request{Method: http.MethodConnect, Host: tt.host, URL: &url.URL{Opaque: tt.uri}}
			host, port, err := parseTarget(r)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err=%v wantErr=%v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if host != tt.wantHost || port != tt.wantPort {
				t.Fatalf("got %s:%d want %s:%d", host, port, tt.wantHost, tt.wantPort)
			}
		})
	}
}
