package discovery

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/pion/logging"
)

// Service and domain defaults.
const (
	// DefaultService is the DNS-SD service type of session peers.
	DefaultService = "_mtsession._tcp"

	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."

	// DefaultBrowseTimeout bounds a Resolve that has no deadline.
	DefaultBrowseTimeout = 5 * time.Second
)

// Resolver yields the address a session dials. It is called before every
// connect attempt, so a peer that moves is found again on reconnect.
type Resolver interface {
	Resolve(ctx context.Context) (string, error)
}

// Static is a Resolver that always returns the same address.
type Static string

// Resolve implements Resolver.
func (s Static) Resolve(context.Context) (string, error) {
	if s == "" {
		return "", ErrNoAddresses
	}
	return string(s), nil
}

// ResolvedService contains information about a discovered DNS-SD service.
type ResolvedService struct {
	// InstanceName is the DNS-SD instance name.
	InstanceName string

	// HostName is the target host name.
	HostName string

	// Port is the service port.
	Port int

	// IPs contains the resolved IP addresses, sorted by preference.
	IPs []net.IP

	// Text contains the raw TXT record key-value pairs.
	Text map[string]string
}

// Address returns the preferred dialable address of the service.
func (r *ResolvedService) Address() (string, error) {
	if len(r.IPs) == 0 || r.Port <= 0 {
		return "", ErrNoAddresses
	}
	return JoinHostPort(r.IPs[0], r.Port), nil
}

// MDNSResolver is the interface for mDNS service resolution.
// This allows for dependency injection in tests.
//
// Both methods follow zeroconf's contract: they return once the query is
// running, deliver results on entries, and close entries when ctx is done.
type MDNSResolver interface {
	// Browse browses for services of the given type.
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

	// Lookup looks up a specific service instance.
	Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

// zeroconfResolver is the production implementation using grandcat/zeroconf.
type zeroconfResolver struct {
	resolver *zeroconf.Resolver
}

func newZeroconfResolver() (*zeroconfResolver, error) {
	r, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, err
	}
	return &zeroconfResolver{resolver: r}, nil
}

func (z *zeroconfResolver) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	return z.resolver.Browse(ctx, service, domain, entries)
}

func (z *zeroconfResolver) Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	return z.resolver.Lookup(ctx, instance, service, domain, entries)
}

// MDNSConfig holds configuration for an MDNS resolver.
type MDNSConfig struct {
	// MDNSResolver is the underlying mDNS resolver implementation.
	// If nil, the default zeroconf resolver is used.
	MDNSResolver MDNSResolver

	// Service is the DNS-SD service type. Default: DefaultService.
	Service string

	// Domain is the mDNS domain. Default: DefaultDomain.
	Domain string

	// Instance, if set, restricts resolution to one named instance.
	Instance string

	// Timeout bounds a Resolve or Lookup whose context has no deadline.
	// If zero, DefaultBrowseTimeout is used.
	Timeout time.Duration

	// LoggerFactory for creating loggers.
	LoggerFactory logging.LoggerFactory
}

// MDNS discovers session peers via DNS-SD and implements Resolver.
type MDNS struct {
	config   MDNSConfig
	resolver MDNSResolver
	log      logging.LeveledLogger
}

// NewMDNS creates an mDNS resolver.
func NewMDNS(config MDNSConfig) (*MDNS, error) {
	resolver := config.MDNSResolver
	if resolver == nil {
		zr, err := newZeroconfResolver()
		if err != nil {
			return nil, err
		}
		resolver = zr
	}
	if config.Service == "" {
		config.Service = DefaultService
	}
	if config.Domain == "" {
		config.Domain = DefaultDomain
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultBrowseTimeout
	}

	m := &MDNS{
		config:   config,
		resolver: resolver,
	}
	if config.LoggerFactory != nil {
		m.log = config.LoggerFactory.NewLogger("discovery")
	}
	return m, nil
}

// Browse streams discovered services until ctx is done.
func (m *MDNS) Browse(ctx context.Context) (<-chan ResolvedService, error) {
	entries := make(chan *zeroconf.ServiceEntry)
	if err := m.resolver.Browse(ctx, m.config.Service, m.config.Domain, entries); err != nil {
		return nil, err
	}

	results := make(chan ResolvedService)
	go func() {
		defer close(results)
		for entry := range entries {
			if entry == nil {
				continue
			}
			select {
			case results <- entryToResolvedService(entry):
			case <-ctx.Done():
				drain(entries)
				return
			}
		}
	}()
	return results, nil
}

// Lookup resolves one named instance.
func (m *MDNS) Lookup(ctx context.Context, instance string) (*ResolvedService, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := m.resolver.Lookup(ctx, instance, m.config.Service, m.config.Domain, entries); err != nil {
		return nil, err
	}
	defer func() { go drain(entries) }()

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				if ctx.Err() != nil {
					return nil, contextError(ctx)
				}
				return nil, ErrServiceNotFound
			}
			if entry == nil || entry.Instance != instance {
				continue
			}
			svc := entryToResolvedService(entry)
			return &svc, nil
		case <-ctx.Done():
			return nil, contextError(ctx)
		}
	}
}

// Resolve implements Resolver. It returns the address of the configured
// instance, or of the first service found with a usable address.
func (m *MDNS) Resolve(ctx context.Context) (string, error) {
	if m.config.Instance != "" {
		svc, err := m.Lookup(ctx, m.config.Instance)
		if err != nil {
			return "", err
		}
		return svc.Address()
	}

	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	results, err := m.Browse(ctx)
	if err != nil {
		return "", err
	}
	for svc := range results {
		addr, err := svc.Address()
		if err != nil {
			continue
		}
		if m.log != nil {
			m.log.Debugf("resolved %s to %s", svc.InstanceName, addr)
		}
		return addr, nil
	}
	if ctx.Err() != nil {
		return "", contextError(ctx)
	}
	return "", ErrServiceNotFound
}

func (m *MDNS) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.config.Timeout)
}

func drain(entries <-chan *zeroconf.ServiceEntry) {
	for range entries {
	}
}

func contextError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ctx.Err()
}

// entryToResolvedService converts a zeroconf.ServiceEntry to ResolvedService.
func entryToResolvedService(entry *zeroconf.ServiceEntry) ResolvedService {
	ips := make([]net.IP, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	ips = append(ips, entry.AddrIPv4...)
	ips = append(ips, entry.AddrIPv6...)

	return ResolvedService{
		InstanceName: entry.Instance,
		HostName:     entry.HostName,
		Port:         entry.Port,
		IPs:          SortIPsByPreference(ips),
		Text:         ParseTXT(entry.Text),
	}
}

var (
	_ Resolver = Static("")
	_ Resolver = (*MDNS)(nil)
)
