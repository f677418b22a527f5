package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
)

const (
	// ServiceLabel is the SRV owner prefix a SCEP server is published under.
	ServiceLabel = "_scep._tcp."

	DefaultPath       = "/scep"
	defaultResolvConf = "/etc/resolv.conf"
	fallbackResolver  = "127.0.0.53:53"
)

var ErrNoServer = errors.New("no SCEP server published")

// SRVLocator finds a SCEP server through the _scep._tcp SRV records of a
// domain.
type SRVLocator struct {
	// Domain the SRV lookup is made under, e.g. "example.com"
	Domain string
	// Nameserver as host:port; empty uses the first resolv.conf server
	Nameserver string
	// Path appended to the located host, DefaultPath when empty
	Path string

	Client *dns.Client
	Log    *slog.Logger
}

// Locate returns the URL of the preferred server: lowest priority, then
// highest weight. Port 443 selects https.
func (l *SRVLocator) Locate(ctx context.Context) (string, error) {
	records, err := l.Lookup(ctx)
	if err != nil {
		return "", err
	}
	best := records[0]

	host := strings.TrimSuffix(best.Target, ".")
	scheme := "http"
	if best.Port == 443 {
		scheme = "https"
	}
	path := l.Path
	if path == "" {
		path = DefaultPath
	}
	return fmt.Sprintf("%s://%s%s", scheme, net.JoinHostPort(host, strconv.Itoa(int(best.Port))), path), nil
}

// Lookup returns the SRV records for the domain in preference order.
func (l *SRVLocator) Lookup(ctx context.Context) ([]*dns.SRV, error) {
	if l.Domain == "" {
		return nil, errors.New("no discovery domain")
	}
	nameserver, err := l.nameserver()
	if err != nil {
		return nil, err
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(ServiceLabel+l.Domain), dns.TypeSRV)
	m.RecursionDesired = true

	c := l.Client
	if c == nil {
		c = &dns.Client{Timeout: 5 * time.Second}
	}
	in, _, err := c.ExchangeContext(ctx, m, nameserver)
	if err != nil {
		return nil, fmt.Errorf("SRV lookup for %s failed: %w", l.Domain, err)
	}
	if in.Rcode != dns.RcodeSuccess && in.Rcode != dns.RcodeNameError {
		return nil, fmt.Errorf("SRV lookup for %s failed: %s", l.Domain, dns.RcodeToString[in.Rcode])
	}

	records := make([]*dns.SRV, 0, len(in.Answer))
	for _, answer := range in.Answer {
		if srv, ok := answer.(*dns.SRV); ok && srv.Target != "." {
			records = append(records, srv)
		}
	}
	if len(records) == 0 {
		return nil, ErrNoServer
	}
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Priority != records[j].Priority {
			return records[i].Priority < records[j].Priority
		}
		return records[i].Weight > records[j].Weight
	})

	if l.Log != nil {
		l.Log.Debug("SCEP SRV records", "domain", l.Domain, "count", len(records))
	}
	return records, nil
}

func (l *SRVLocator) nameserver() (string, error) {
	if l.Nameserver != "" {
		return l.Nameserver, nil
	}
	conf, err := dns.ClientConfigFromFile(defaultResolvConf)
	if err != nil || len(conf.Servers) == 0 {
		return fallbackResolver, nil
	}
	return net.JoinHostPort(conf.Servers[0], conf.Port), nil
}
