package netns

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"tpn/internal/reserve"
)

// owner — link, на котором висит адрес; NS пустой для host namespace.
type owner struct {
	NS  Name
	Dev Name
}

// claimAddress ждёт, пока адрес сессии освободится, и записывает его в
// резервирования сессии. Пока идёт ожидание, остальные резервирования
// продлеваются. По истечении IPWait принудительно чистит tpn-хвосты.
func (p *Provisioner) claimAddress(ctx context.Context, s Session, log *logrus.Entry) error {
	addr := s.Address.Addr()
	key := reserve.Key(reserve.KindIP, addr.String())
	deadline := p.clock.Now().Add(p.opts.IPWait)
	log = log.WithField("address", addr)

	try := func() bool {
		tok, ok := p.table.Claim(key, p.opts.IDTTL)
		if !ok {
			return false
		}
		owners, err := p.addressOwners(ctx, addr)
		if err == nil && len(owners) == 0 {
			s.claims[key] = tok
			return true
		}
		p.table.ReleaseIf(key, tok)
		return false
	}

	for {
		if try() {
			return nil
		}
		if !p.renew(s) {
			log.WithField("id_ttl", p.opts.IDTTL).Error("tunnel ids expired while waiting for address")
			return fmt.Errorf("%w: tunnel ids expired", ErrSetup)
		}
		if !p.clock.Now().Before(deadline) {
			break
		}
		log.WithField("poll", p.opts.IPPoll).Info("address in use, waiting for it to become free")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.clock.After(p.opts.IPPoll):
		}
	}

	if p.table.Held(key) {
		// адрес держит живая сессия этого процесса, её не трогаем
		return fmt.Errorf("%w: %s", ErrAddressConflict, addr)
	}
	log.Warn("address still in use, forcing cleanup of tpn links")
	p.forceCleanup(ctx, addr, log)
	if try() {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrAddressConflict, addr)
}

// addressOwners ищет адрес в host namespace и во всех tpn-namespace.
func (p *Provisioner) addressOwners(ctx context.Context, addr netip.Addr) ([]owner, error) {
	res, err := p.run(ctx, AddrShow())
	if err != nil {
		return nil, err
	}
	var owners []owner
	for _, dev := range parseAddrOwners(res.Stdout, addr) {
		owners = append(owners, owner{Dev: dev})
	}

	namespaces, err := p.tpnNamespaces(ctx)
	if err != nil {
		return nil, err
	}
	for _, ns := range namespaces {
		res, err := p.run(ctx, AddrShowIn(ns))
		if err != nil {
			// namespace мог исчезнуть между list и show
			continue
		}
		for _, dev := range parseAddrOwners(res.Stdout, addr) {
			owners = append(owners, owner{NS: ns, Dev: dev})
		}
	}
	return owners, nil
}

func (p *Provisioner) tpnNamespaces(ctx context.Context) ([]Name, error) {
	res, err := p.run(ctx, NetnsList())
	if err != nil {
		return nil, err
	}
	var out []Name
	for _, line := range strings.Split(res.Stdout, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 || !strings.HasPrefix(fields[0], NamespacePrefix+InterfacePrefix) {
			continue
		}
		if n, err := NewName(fields[0]); err == nil {
			out = append(out, n)
		}
	}
	return out, nil
}

// forceCleanup удаляет только то, что создал tpn: namespace ns_tpn* и
// линки tpn* в host namespace. Чужие интерфейсы не трогаются.
func (p *Provisioner) forceCleanup(ctx context.Context, addr netip.Addr, log *logrus.Entry) {
	owners, err := p.addressOwners(ctx, addr)
	if err != nil {
		log.WithError(err).Warn("list address owners")
		return
	}
	for _, o := range owners {
		var c Command
		switch {
		case o.NS != "":
			c = NetnsDel(o.NS)
		case strings.HasPrefix(o.Dev.String(), InterfacePrefix):
			c = LinkDel(o.Dev)
		default:
			log.WithField("dev", o.Dev).Warn("address bound to a foreign interface, leaving it alone")
			continue
		}
		if _, err := p.run(ctx, c); err != nil {
			log.WithError(err).WithField("cmd", c.String()).Warn("forced cleanup step failed")
		}
	}
}

// parseAddrOwners разбирает `ip -o addr show`:
// "7: tpn1abcde    inet 10.8.0.2/32 scope global tpn1abcde\ ..."
func parseAddrOwners(out string, addr netip.Addr) []Name {
	var devs []Name
	for _, line := range strings.Split(out, "\n") {
		f := strings.Fields(line)
		if len(f) < 4 || (f[2] != "inet" && f[2] != "inet6") {
			continue
		}
		p, err := netip.ParsePrefix(f[3])
		if err != nil || p.Addr() != addr {
			continue
		}
		dev, _, _ := strings.Cut(f[1], "@")
		if n, err := NewName(strings.TrimSuffix(dev, ":")); err == nil {
			devs = append(devs, n)
		}
	}
	return devs
}

// egress — интерфейс для MASQUERADE.
func (p *Provisioner) egress(ctx context.Context, log *logrus.Entry) Name {
	if p.opts.EgressInterface != "" {
		if n, err := NewName(p.opts.EgressInterface); err == nil {
			return n
		}
		log.WithField("egress", p.opts.EgressInterface).Warn("invalid egress interface in config, detecting")
	}
	if res, err := p.run(ctx, DefaultRouteShow()); err == nil {
		if dev := parseDefaultDev(res.Stdout); dev != "" {
			if n, err := NewName(dev); err == nil {
				return n
			}
		}
	}
	return "eth0"
}

// parseDefaultDev: "default via 172.17.0.1 dev eth0 proto dhcp" -> eth0.
func parseDefaultDev(out string) string {
	for _, line := range strings.Split(out, "\n") {
		f := strings.Fields(line)
		if len(f) == 0 || f[0] != "default" {
			continue
		}
		for i := 0; i+1 < len(f); i++ {
			if f[i] == "dev" {
				return f[i+1]
			}
		}
	}
	return ""
}

func isNotExist(err error) bool { return errors.Is(err, os.ErrNotExist) }
