package netns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"
)

// ErrResolve — Endpoint не удалось разрешить в IPv4.
var ErrResolve = errors.New("endpoint resolution failed")

// Resolver превращает host из Endpoint в IPv4.
type Resolver interface {
	Resolve(ctx context.Context, host string) (netip.Addr, error)
}

// DNSResolver — A-запрос к заданным серверам по очереди.
type DNSResolver struct {
	servers []string // host:port
	client  *dns.Client
}

// NewDNSResolver: пустой список серверов — берутся из /etc/resolv.conf.
func NewDNSResolver(servers []string, timeout time.Duration) (*DNSResolver, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	var addrs []string
	if len(servers) == 0 {
		cc, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil {
			return nil, fmt.Errorf("read resolv.conf: %w", err)
		}
		for _, s := range cc.Servers {
			addrs = append(addrs, net.JoinHostPort(s, cc.Port))
		}
	} else {
		for _, s := range servers {
			if _, _, err := net.SplitHostPort(s); err != nil {
				s = net.JoinHostPort(s, "53")
			}
			addrs = append(addrs, s)
		}
	}
	if len(addrs) == 0 {
		return nil, errors.New("no dns servers configured")
	}
	return &DNSResolver{servers: addrs, client: &dns.Client{Net: "udp", Timeout: timeout}}, nil
}

func (r *DNSResolver) Resolve(ctx context.Context, host string) (netip.Addr, error) {
	if a, err := netip.ParseAddr(host); err == nil {
		if !a.Is4() {
			return netip.Addr{}, fmt.Errorf("%w: %s is not ipv4", ErrResolve, host)
		}
		return a, nil
	}

	req := &dns.Msg{MsgHdr: dns.MsgHdr{RecursionDesired: true}}
	req.SetQuestion(dns.Fqdn(host), dns.TypeA)

	var lastErr error
	for _, server := range r.servers {
		resp, _, err := r.client.ExchangeContext(ctx, req, server)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("rcode %s", dns.RcodeToString[resp.Rcode])
			continue
		}
		for _, rr := range resp.Answer {
			if a, ok := rr.(*dns.A); ok {
				if addr, ok := netip.AddrFromSlice(a.A.To4()); ok {
					return addr, nil
				}
			}
		}
		lastErr = errors.New("no A records")
	}
	return netip.Addr{}, fmt.Errorf("%w: %s: %v", ErrResolve, host, lastErr)
}
