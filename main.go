package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tecart/tecproxy/internal/dnscache"
	"github.com/tecart/tecproxy/internal/logging"
	"github.com/tecart/tecproxy/internal/proxy"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		listen      = pflag.String("listen", "127.0.0.1:8080", "HTTP proxy listen address")
		debugListen = pflag.String("debug-listen", "", "Debug HTTP listen address exposing /debug/pprof and /metrics (e.g. 127.0.0.1:6060). Empty disables.")

		connectTimeout = pflag.Duration("connect-timeout", 30*time.Second, "Timeout for each outbound TCP connect")
		dialAttempts   = pflag.Int("dial-attempts", proxy.DefaultDialAttempts, "Outbound dials per request before giving up")

		dnsTTL        = pflag.Duration("dns-ttl", time.Hour, "Longest time a cached IP is kept without being used")
		dnsGCInterval = pflag.Duration("dns-gc-interval", time.Minute, "Period of DNS cache garbage collection and liveness probing")
		probeTimeout  = pflag.Duration("probe-timeout", dnscache.DefaultProbeTimeout, "Timeout for background liveness probes")
		dnsServer     = pflag.String("dns-server", "", "DNS server to query directly (host[:port]). Empty uses the system resolver.")

		negotiationTimeout = pflag.Duration("negotiation-timeout", 10*time.Second, "Timeout for reading request headers")
		httpIdleTimeout    = pflag.Duration("http-idle-timeout", 4*time.Minute, "Timeout for idle HTTP proxy connections")
		httpMaxIdleConns   = pflag.Int("http-max-idle-conns", 100, "Maximum number of idle HTTP proxy connections")
		tcpKeepAlive       = pflag.String("tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")

		logLevel = pflag.String("log-level", "info", "Log level: debug|info|warn|error")
		logDest  = pflag.String("log-dest", "stderr", "Log destination: stderr|syslog")
	)

	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	logger, err := logging.New(logging.Config{Level: *logLevel, Destination: *logDest})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ka, err := parseTCPKeepAlive(*tcpKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}

	var resolver dnscache.Resolver
	if *dnsServer != "" {
		up := dnscache.NewUpstreamResolver(*dnsServer)
		logger.Info("using upstream DNS server", zap.String("server", up.Server()))
		resolver = up
	} else {
		resolver = dnscache.NewSystemResolver()
	}

	ipv6 := dnscache.HasIPv6()
	logger.Info("IPv6 connectivity", zap.Bool("enabled", ipv6))

	// One cache for the whole process; every handler dials through it.
	cache := dnscache.New(dnscache.Config{
		Resolver:   resolver,
		Prober:     dnscache.NewTCPProber(*probeTimeout),
		TTL:        *dnsTTL,
		GCInterval: *dnsGCInterval,
		IPv6:       ipv6,
		Logger:     logger.Named("dnscache"),
	})
	defer func() { _ = cache.Close() }()

	cfg := proxy.Config{
		Cache:              cache,
		ConnectTimeout:     *connectTimeout,
		DialAttempts:       *dialAttempts,
		NegotiationTimeout: *negotiationTimeout,
		HTTPIdleTimeout:    *httpIdleTimeout,
		HTTPMaxIdleConns:   *httpMaxIdleConns,
		KeepAlive:          ka,
		Logger:             logger.Named("proxy"),
	}

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := proxy.NewServer(ctx, cfg)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	cache.RegisterMetrics(reg)
	srv.RegisterMetrics(reg)

	if *debugListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

		debugSrv := &http.Server{Handler: mux} //nolint:gosec // Not concerned about timeouts on debug port.
		debugLn, err := proxy.ListenTCP(ctx, "tcp", *debugListen, ka)
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
			_ = debugLn.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		logger.Info("debug listening", zap.String("addr", *debugListen))
	}

	ln, err := proxy.ListenTCP(ctx, "tcp", *listen, ka)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	context.AfterFunc(ctx, func() {
		_ = srv.Close()
		_ = ln.Close()
	})

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil {
			return fmt.Errorf("proxy serve: %w", err)
		}
		return nil
	})
	logger.Info("proxy listening", zap.String("addr", *listen))

	err = g.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	logger.Info("shutting down")
	return err
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return net.KeepAliveConfig{}, errors.New("empty")
	}
	if s == "on" {
		return net.KeepAliveConfig{Enable: true}, nil
	}
	if s == "off" {
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveSeconds(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveSeconds(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepIdle,
		Interval: keepIntvl,
		Count:    keepCnt,
	}, nil
}

func parsePositiveSeconds(s string) (time.Duration, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return time.Duration(n) * time.Second, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}
