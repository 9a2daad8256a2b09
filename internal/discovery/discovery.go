// Package discovery locates the fleet registry through DNS SRV records so a
// deployment can move the registry without reconfiguring every view.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"
)

var ErrNoEndpoints = errors.New("no registry endpoints advertised")

const (
	defaultServer  = "127.0.0.1:53"
	defaultTimeout = 2 * time.Second
)

// Endpoint is one advertised registry instance.
type Endpoint struct {
	Target   string
	Port     uint16
	Priority uint16
	Weight   uint16
}

func (e Endpoint) HostPort() string {
	return net.JoinHostPort(e.Target, strconv.Itoa(int(e.Port)))
}

type Options struct {
	// Server is the DNS server as host:port. Empty uses the first nameserver
	// of /etc/resolv.conf.
	Server  string
	Timeout time.Duration
}

// Resolver looks up SRV records with a plain DNS client.
type Resolver struct {
	log    zerolog.Logger
	server string
	client *dns.Client
}

func NewResolver(log zerolog.Logger, opts Options) *Resolver {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	server := opts.Server
	if server == "" {
		server = systemServer()
	}
	return &Resolver{
		log:    log.With().Str("component", "discovery").Logger(),
		server: server,
		client: &dns.Client{Net: "udp", Timeout: timeout},
	}
}

func systemServer() string {
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(cfg.Servers) == 0 {
		return defaultServer
	}
	return net.JoinHostPort(cfg.Servers[0], cfg.Port)
}

// LookupSRV returns the endpoints advertised for name, ordered by
// preference: lowest priority first, then highest weight, then target name.
func (r *Resolver) LookupSRV(ctx context.Context, name string) ([]Endpoint, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeSRV)
	m.RecursionDesired = true

	in, _, err := r.client.ExchangeContext(ctx, m, r.server)
	if err != nil {
		return nil, fmt.Errorf("lookup srv %s: %w", name, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("lookup srv %s: %s", name, dns.RcodeToString[in.Rcode])
	}

	out := make([]Endpoint, 0, len(in.Answer))
	seen := make(map[string]struct{}, len(in.Answer))
	for _, rr := range in.Answer {
		srv, ok := rr.(*dns.SRV)
		if !ok {
			continue
		}
		target := strings.TrimSpace(strings.TrimSuffix(srv.Target, "."))
		// A lone "." target means the service is explicitly unavailable.
		if target == "" {
			continue
		}
		e := Endpoint{Target: target, Port: srv.Port, Priority: srv.Priority, Weight: srv.Weight}
		key := strings.ToLower(e.HostPort())
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, e)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("lookup srv %s: %w", name, ErrNoEndpoints)
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.Weight != b.Weight {
			return a.Weight > b.Weight
		}
		return a.Target < b.Target
	})
	return out, nil
}

// BaseURL resolves name and builds the registry base URL of the preferred
// endpoint.
func (r *Resolver) BaseURL(ctx context.Context, name, scheme string) (string, error) {
	endpoints, err := r.LookupSRV(ctx, name)
	if err != nil {
		return "", err
	}
	if scheme == "" {
		scheme = "http"
	}
	best := endpoints[0]
	u := url.URL{Scheme: scheme, Host: best.HostPort()}
	r.log.Debug().
		Str("srv", name).
		Str("endpoint", best.HostPort()).
		Int("candidates", len(endpoints)).
		Msg("registry endpoint discovered")
	return u.String(), nil
}
