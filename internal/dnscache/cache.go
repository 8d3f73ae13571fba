package dnscache

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultTTL        = time.Hour
	defaultGCInterval = time.Minute

	// Bounds concurrent resolutions and probes during one sweep.
	gcConcurrency = 8
)

// Key identifies one cache bucket. Two ports on the same host are distinct
// buckets: an IP may accept connections on 80 but not 443.
type Key struct {
	Host string
	Port int
}

// bucket maps candidate IPs to last-accessed time. A bucket never exists
// with zero IPs; any mutation that empties it also removes it from the
// table. All reads and writes of ips happen inside table.Compute, which
// serializes per-key access.
type bucket struct {
	ips map[string]time.Time
}

// ResolutionError reports that a lookup produced no usable address for a
// host, either because DNS returned nothing or because every record was
// filtered out (e.g. AAAA-only on a host without IPv6 connectivity).
type ResolutionError struct {
	Host string
	Port int
	Err  error
}

func (e *ResolutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resolve %s port %d: %v", e.Host, e.Port, e.Err)
	}
	return fmt.Sprintf("resolve %s port %d: no usable addresses", e.Host, e.Port)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// Config carries the collaborators and tunables for a Cache.
type Config struct {
	// Resolver performs DNS lookups. Defaults to the system resolver.
	Resolver Resolver

	// Prober checks candidate IP:port reachability during sweeps.
	// Defaults to a TCP prober with DefaultProbeTimeout.
	Prober Prober

	// TTL is the longest an IP stays cached without being returned by
	// Get. Defaults to one hour.
	TTL time.Duration

	// GCInterval is the period of the background sweep. Defaults to one
	// minute.
	GCInterval time.Duration

	// IPv6 allows AAAA records into the cache. Callers typically pass
	// HasIPv6(), determined once at startup.
	IPv6 bool

	Logger *zap.Logger
}

// Cache is a process-lifetime DNS cache shared by every request handler.
// It is constructed once at startup and injected; the background sweep
// starts lazily on the first Get and runs until Close.
type Cache struct {
	resolver   Resolver
	prober     Prober
	ttl        time.Duration
	gcInterval time.Duration
	ipv6       bool
	logger     *zap.Logger
	metrics    *cacheMetrics

	table *xsync.MapOf[Key, *bucket]

	gcStarted atomic.Bool
	closeOnce sync.Once
	closeCh   chan struct{}

	now func() time.Time
}

func New(cfg Config) *Cache {
	if cfg.Resolver == nil {
		cfg.Resolver = NewSystemResolver()
	}
	if cfg.Prober == nil {
		cfg.Prober = NewTCPProber(DefaultProbeTimeout)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = defaultGCInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Cache{
		resolver:   cfg.Resolver,
		prober:     cfg.Prober,
		ttl:        cfg.TTL,
		gcInterval: cfg.GCInterval,
		ipv6:       cfg.IPv6,
		logger:     cfg.Logger,
		metrics:    newCacheMetrics(),
		table:      xsync.NewMapOf[Key, *bucket](),
		closeCh:    make(chan struct{}),
		now:        time.Now,
	}
}

// Get returns an IP for host reachable (as far as the cache knows) on port.
// On a cache miss it resolves the host, filters out IPv6 addresses when
// IPv6 connectivity is unavailable, and populates the bucket. The returned
// IP is chosen uniformly at random among the bucket's candidates and its
// last-accessed time is refreshed.
//
// The first Get on a Cache starts the background sweep.
func (c *Cache) Get(ctx context.Context, host string, port int) (string, error) {
	c.startGC()

	key := Key{Host: host, Port: port}
	if ip, ok := c.pick(key); ok {
		c.metrics.hits.Inc()
		return ip, nil
	}
	c.metrics.misses.Inc()

	addrs, err := c.resolve(ctx, host, port)
	if err != nil {
		return "", &ResolutionError{Host: host, Port: port, Err: err}
	}
	if len(addrs) == 0 {
		return "", &ResolutionError{Host: host, Port: port}
	}

	var chosen string
	c.table.Compute(key, func(b *bucket, loaded bool) (*bucket, bool) {
		if !loaded {
			b = &bucket{ips: make(map[string]time.Time, len(addrs))}
		}
		now := c.now()
		for _, ip := range addrs {
			if _, ok := b.ips[ip]; !ok {
				b.ips[ip] = now
			}
		}
		chosen = c.choose(b)
		return b, false
	})

	return chosen, nil
}

// pick selects and touches an IP from an existing bucket.
func (c *Cache) pick(key Key) (string, bool) {
	var (
		ip string
		ok bool
	)
	c.table.Compute(key, func(b *bucket, loaded bool) (*bucket, bool) {
		if !loaded {
			return nil, true
		}
		ip = c.choose(b)
		ok = true
		return b, false
	})
	return ip, ok
}

// choose draws uniformly over a sorted snapshot of the bucket's keys so the
// distribution does not depend on map iteration order. Caller must hold the
// bucket via Compute.
func (c *Cache) choose(b *bucket) string {
	keys := make([]string, 0, len(b.ips))
	for ip := range b.ips {
		keys = append(keys, ip)
	}
	sort.Strings(keys)
	ip := keys[rand.IntN(len(keys))]
	b.ips[ip] = c.now()
	return ip
}

// MarkDown removes ip from the (host, port) bucket, deleting the bucket if
// it was the last one. Called from failure paths, so it never fails: a
// missing bucket or IP is a no-op.
func (c *Cache) MarkDown(host, ip string, port int) {
	c.table.Compute(Key{Host: host, Port: port}, func(b *bucket, loaded bool) (*bucket, bool) {
		if !loaded {
			return nil, true
		}
		if _, ok := b.ips[ip]; ok {
			delete(b.ips, ip)
			c.metrics.markdowns.Inc()
			c.logger.Debug("marked down",
				zap.String("host", host),
				zap.String("ip", ip),
				zap.Int("port", port))
		}
		return b, len(b.ips) == 0
	})
}

// Len reports the number of buckets currently cached.
func (c *Cache) Len() int {
	return c.table.Size()
}

// Close stops the background sweep. The proxy never calls this (the cache
// lives for the process), but tests do.
func (c *Cache) Close() error {
	c.closeOnce.Do(func() {
		close(c.closeCh)
	})
	return nil
}

// startGC launches the sweep loop exactly once, no matter how many Gets
// race on first use.
func (c *Cache) startGC() {
	if c.gcStarted.CompareAndSwap(false, true) {
		go c.gcLoop()
	}
}

func (c *Cache) gcLoop() {
	ticker := time.NewTicker(c.gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closeCh:
			return
		case <-ticker.C:
			c.gcSweep(context.Background())
		}
	}
}

// gcSweep evicts idle entries and re-checks liveness. TTL eviction and
// liveness are independent: an IP can go for being idle even if reachable,
// and be marked down for being unreachable even if recently used.
//
// Liveness probing works from a fresh resolution of each surviving host,
// not from the cached IP set. A cached IP that DNS no longer returns is
// never probed here and ages out only by TTL or request-path MarkDown.
// Probe successes have no effect; in particular they never re-add an
// evicted IP. Only a cache-miss Get repopulates a bucket.
func (c *Cache) gcSweep(ctx context.Context) {
	var keys []Key
	c.table.Range(func(key Key, _ *bucket) bool {
		keys = append(keys, key)
		return true
	})

	cutoff := c.now().Add(-c.ttl)
	var survivors []Key
	for _, key := range keys {
		alive := false
		c.table.Compute(key, func(b *bucket, loaded bool) (*bucket, bool) {
			if !loaded {
				return nil, true
			}
			for ip, lastUsed := range b.ips {
				if lastUsed.Before(cutoff) {
					delete(b.ips, ip)
					c.metrics.evictions.Inc()
					c.logger.Debug("evicted idle record",
						zap.String("host", key.Host),
						zap.String("ip", ip),
						zap.Int("port", key.Port))
				}
			}
			alive = len(b.ips) > 0
			return b, !alive
		})
		if alive {
			survivors = append(survivors, key)
		}
	}

	type target struct {
		key Key
		ip  string
	}
	var (
		mu      sync.Mutex
		targets []target
	)

	rg, rctx := errgroup.WithContext(ctx)
	rg.SetLimit(gcConcurrency)
	for _, key := range survivors {
		rg.Go(func() error {
			addrs, err := c.resolve(rctx, key.Host, key.Port)
			if err != nil {
				// One host failing to resolve must not disturb the
				// rest of the sweep.
				c.logger.Debug("sweep resolution failed",
					zap.String("host", key.Host),
					zap.Int("port", key.Port),
					zap.Error(err))
				return nil
			}
			mu.Lock()
			for _, ip := range addrs {
				targets = append(targets, target{key: key, ip: ip})
			}
			mu.Unlock()
			return nil
		})
	}
	_ = rg.Wait()

	pg, pctx := errgroup.WithContext(ctx)
	pg.SetLimit(gcConcurrency)
	for _, t := range targets {
		pg.Go(func() error {
			if err := c.prober.Probe(pctx, t.ip, t.key.Port); err != nil {
				c.metrics.probeFailures.Inc()
				c.logger.Debug("probe failed",
					zap.String("host", t.key.Host),
					zap.String("ip", t.ip),
					zap.Int("port", t.key.Port),
					zap.Error(err))
				c.MarkDown(t.key.Host, t.ip, t.key.Port)
			}
			return nil
		})
	}
	_ = pg.Wait()
}

// resolve runs the configured resolver and applies the IPv6 filter.
func (c *Cache) resolve(ctx context.Context, host string, port int) ([]string, error) {
	addrs, err := c.resolver.Resolve(ctx, host, port)
	if err != nil {
		return nil, err
	}

	usable := make([]string, 0, len(addrs))
	for _, ip := range addrs {
		if !c.ipv6 && isIPv6(ip) {
			continue
		}
		usable = append(usable, ip)
	}
	return usable, nil
}

func isIPv6(s string) bool {
	ip := net.ParseIP(s)
	return ip != nil && ip.To4() == nil
}
