// Package discovery finds hosts with an open SSH port on the local IPv4 subnets.
package discovery

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/and161185/nodex/internal/model"
)

// Defaults
const (
	DefaultPort          = model.DefaultSSHPort
	DefaultProbeTimeout  = 600 * time.Millisecond
	DefaultWorkers       = 80
	DefaultMaxHosts      = 512
	DefaultLookupTimeout = 2 * time.Second
)

// Prober reports whether ip accepts a connection.
type Prober interface {
	Probe(ctx context.Context, ip string) bool
}

// Resolver performs reverse DNS lookups. *net.Resolver satisfies it.
type Resolver interface {
	LookupAddr(ctx context.Context, addr string) ([]string, error)
}

// InterfaceAddrs lists the host's interface addresses.
type InterfaceAddrs func() ([]net.Addr, error)

// TCPProber treats a completed TCP handshake as available; no banner is read.
type TCPProber struct {
	Port    int
	Timeout time.Duration
	dialer  net.Dialer
}

// Probe dials ip once under the probe timeout.
func (p *TCPProber) Probe(ctx context.Context, ip string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	conn, err := p.dialer.DialContext(probeCtx, "tcp", net.JoinHostPort(ip, strconv.Itoa(p.Port)))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Scanner probes local subnets for SSH endpoints.
type Scanner struct {
	prober        Prober
	resolver      Resolver
	interfaces    InterfaceAddrs
	workers       int
	maxHosts      int
	lookupTimeout time.Duration
	log           *zap.Logger
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithProber replaces the TCP prober.
func WithProber(p Prober) Option { return func(s *Scanner) { s.prober = p } }

// WithProbeTimeout sets the per-host connect timeout of the default prober.
func WithProbeTimeout(d time.Duration) Option {
	return func(s *Scanner) {
		if tp, ok := s.prober.(*TCPProber); ok && d > 0 {
			tp.Timeout = d
		}
	}
}

// WithResolver replaces the reverse DNS resolver.
func WithResolver(r Resolver) Option { return func(s *Scanner) { s.resolver = r } }

// WithInterfaces replaces the interface address source.
func WithInterfaces(f InterfaceAddrs) Option { return func(s *Scanner) { s.interfaces = f } }

// WithWorkers sets the probe concurrency ceiling.
func WithWorkers(n int) Option {
	return func(s *Scanner) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithMaxHosts caps candidates taken from each interface.
func WithMaxHosts(n int) Option {
	return func(s *Scanner) {
		if n > 0 {
			s.maxHosts = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(s *Scanner) { s.log = l } }

// NewScanner constructs a Scanner probing DefaultPort.
func NewScanner(opts ...Option) *Scanner {
	s := &Scanner{
		prober:        &TCPProber{Port: DefaultPort, Timeout: DefaultProbeTimeout},
		resolver:      net.DefaultResolver,
		interfaces:    net.InterfaceAddrs,
		workers:       DefaultWorkers,
		maxHosts:      DefaultMaxHosts,
		lookupTimeout: DefaultLookupTimeout,
		log:           zap.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Scan probes every candidate host once and returns the reachable ones
// sorted by address. Reverse DNS failures leave Hostname nil.
func (s *Scanner) Scan(ctx context.Context) ([]model.ScanResult, error) {
	addrs, err := s.interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interface addresses: %w", err)
	}
	candidates := Candidates(addrs, s.maxHosts)
	if len(candidates) == 0 {
		return []model.ScanResult{}, nil
	}

	started := time.Now()
	workCh := make(chan string, len(candidates))
	for _, ip := range candidates {
		workCh <- ip
	}
	close(workCh)

	var (
		mu  sync.Mutex
		out = []model.ScanResult{}
	)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < min(s.workers, len(candidates)); i++ {
		g.Go(func() error {
			for ip := range workCh {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				if !s.prober.Probe(gctx, ip) {
					continue
				}
				res := model.ScanResult{IP: ip, Hostname: s.reverse(gctx, ip)}
				mu.Lock()
				out = append(out, res)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sortIPs(out, func(r model.ScanResult) string { return r.IP })
	s.log.Debug("scan finished",
		zap.Int("candidates", len(candidates)),
		zap.Int("reachable", len(out)),
		zap.Duration("elapsed", time.Since(started)),
	)
	return out, nil
}

func (s *Scanner) reverse(ctx context.Context, ip string) *string {
	lctx, cancel := context.WithTimeout(ctx, s.lookupTimeout)
	defer cancel()

	names, err := s.resolver.LookupAddr(lctx, ip)
	if err != nil || len(names) == 0 {
		return nil
	}
	name := strings.TrimSuffix(names[0], ".")
	if name == "" {
		return nil
	}
	return &name
}

func sortIPs[T any](items []T, ipOf func(T) string) {
	slices.SortFunc(items, func(a, b T) int {
		x, errX := netip.ParseAddr(ipOf(a))
		y, errY := netip.ParseAddr(ipOf(b))
		if errX != nil || errY != nil {
			return strings.Compare(ipOf(a), ipOf(b))
		}
		return x.Compare(y)
	})
}
