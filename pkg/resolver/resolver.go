// Package resolver resolves proxy target names, either through the system
// resolver or through a configured DNS server, with a small expiring cache.
package resolver

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/miekg/dns"
	"go.uber.org/zap"
)

const (
	DefaultCacheSize = 1024
	DefaultCacheTTL  = 60 * time.Second
	DefaultTimeout   = 5 * time.Second
)

// Config holds resolver configuration
type Config struct {
	// Server is a host:port DNS server. Empty uses the system resolver.
	Server    string
	CacheSize int
	CacheTTL  time.Duration // upper bound for cached answers; 0 uses the default
	Timeout   time.Duration
}

type cacheEntry struct {
	addrs   []netip.Addr
	expires time.Time
}

// Resolver looks up A and AAAA records
type Resolver struct {
	server   string
	udp      *dns.Client
	tcp      *dns.Client
	system   *net.Resolver
	cache    *expirable.LRU[string, cacheEntry]
	cacheTTL time.Duration
	log      *zap.Logger
}

// New creates a resolver. A nil config resolves through the system with
// default cache settings.
func New(config *Config) *Resolver {
	if config == nil {
		config = &Config{}
	}

	size := config.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	ttl := config.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Resolver{
		server:   config.Server,
		udp:      &dns.Client{Net: "udp", Timeout: timeout},
		tcp:      &dns.Client{Net: "tcp", Timeout: timeout},
		system:   net.DefaultResolver,
		cache:    expirable.NewLRU[string, cacheEntry](size, nil, ttl),
		cacheTTL: ttl,
		log:      zap.L().Named("resolver"),
	}
}

// LookupNetIP returns the addresses for host, IPv4 first
func (r *Resolver) LookupNetIP(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, nil
	}

	name := strings.ToLower(strings.TrimSuffix(host, "."))
	if entry, ok := r.cache.Get(name); ok && time.Now().Before(entry.expires) {
		return append([]netip.Addr(nil), entry.addrs...), nil
	}

	var (
		addrs []netip.Addr
		ttl   time.Duration
		err   error
	)
	if r.server == "" {
		addrs, err = r.system.LookupNetIP(ctx, "ip", name)
		ttl = r.cacheTTL
		addrs = sortV4First(addrs)
	} else {
		addrs, ttl, err = r.query(ctx, name)
	}
	if err != nil {
		return nil, err
	}

	if ttl > r.cacheTTL {
		ttl = r.cacheTTL
	}
	if ttl > 0 {
		r.cache.Add(name, cacheEntry{addrs: addrs, expires: time.Now().Add(ttl)})
	}

	return append([]netip.Addr(nil), addrs...), nil
}

// query asks the configured server for A then AAAA records
func (r *Resolver) query(ctx context.Context, name string) ([]netip.Addr, time.Duration, error) {
	var (
		addrs  []netip.Addr
		minTTL uint32
		errs   []error
	)

	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		resp, err := r.exchange(ctx, name, qtype)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		if resp.Rcode == dns.RcodeNameError {
			return nil, 0, &net.DNSError{Err: "no such host", Name: name, Server: r.server, IsNotFound: true}
		}
		if resp.Rcode != dns.RcodeSuccess {
			errs = append(errs, errors.New(dns.RcodeToString[resp.Rcode]))
			continue
		}

		for _, rr := range resp.Answer {
			var ip net.IP
			switch v := rr.(type) {
			case *dns.A:
				ip = v.A
			case *dns.AAAA:
				ip = v.AAAA
			default:
				continue
			}
			addr, ok := netip.AddrFromSlice(ip)
			if !ok {
				continue
			}
			addrs = append(addrs, addr.Unmap())
			if ttl := rr.Header().Ttl; minTTL == 0 || ttl < minTTL {
				minTTL = ttl
			}
		}
	}

	if len(addrs) == 0 {
		if len(errs) > 0 {
			r.log.Debug("lookup failed", zap.String("name", name), zap.Errors("errors", errs))
			return nil, 0, &net.DNSError{Err: errors.Join(errs...).Error(), Name: name, Server: r.server}
		}
		return nil, 0, &net.DNSError{Err: "no such host", Name: name, Server: r.server, IsNotFound: true}
	}

	return addrs, time.Duration(minTTL) * time.Second, nil
}

// exchange sends one query over UDP, retrying over TCP when truncated
func (r *Resolver) exchange(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.RecursionDesired = true

	resp, _, err := r.udp.ExchangeContext(ctx, msg, r.server)
	if err != nil {
		return nil, err
	}
	if resp.Truncated {
		resp, _, err = r.tcp.ExchangeContext(ctx, msg, r.server)
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func sortV4First(addrs []netip.Addr) []netip.Addr {
	out := make([]netip.Addr, 0, len(addrs))
	for _, a := range addrs {
		if a.Unmap().Is4() {
			out = append(out, a.Unmap())
		}
	}
	for _, a := range addrs {
		if !a.Unmap().Is4() {
			out = append(out, a)
		}
	}
	return out
}

// Purge drops all cached answers
func (r *Resolver) Purge() {
	r.cache.Purge()
}
