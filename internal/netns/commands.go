package netns

import (
	"fmt"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Command — одна команда ОС. Собирается только из Name, netip-типов и
// проверенных путей/URL, поэтому строки из конфига майнера не попадают
// в argv как есть.
type Command struct {
	argv []string
}

func (c Command) Argv() []string { return append([]string(nil), c.argv...) }

func (c Command) String() string { return strings.Join(c.argv, " ") }

func ip(args ...string) Command { return Command{argv: append([]string{"ip"}, args...)} }

func inNS(ns Name, args ...string) Command {
	return ip(append([]string{"-n", ns.String()}, args...)...)
}

func execNS(ns Name, args ...string) Command {
	return ip(append([]string{"netns", "exec", ns.String()}, args...)...)
}

func NetnsAdd(ns Name) Command { return ip("netns", "add", ns.String()) }
func NetnsDel(ns Name) Command { return ip("netns", "del", ns.String()) }
func NetnsList() Command       { return ip("netns", "list") }

func LoopbackUp(ns Name) Command { return inNS(ns, "link", "set", "lo", "up") }

func WireGuardAdd(ns, iface Name) Command {
	return inNS(ns, "link", "add", iface.String(), "type", "wireguard")
}

// VethAdd создаёт пару; оба конца пока в host namespace.
func VethAdd(host, peer Name) Command {
	return ip("link", "add", peer.String(), "type", "veth", "peer", "name", host.String())
}

func LinkSetNetns(dev, ns Name) Command { return ip("link", "set", dev.String(), "netns", ns.String()) }

func LinkUp(dev Name) Command        { return ip("link", "set", dev.String(), "up") }
func LinkUpIn(ns, dev Name) Command  { return inNS(ns, "link", "set", dev.String(), "up") }
func LinkDel(dev Name) Command       { return ip("link", "del", dev.String()) }
func LinkDelIn(ns, dev Name) Command { return inNS(ns, "link", "del", dev.String()) }
func AddrShow() Command              { return ip("-o", "addr", "show") }
func AddrShowIn(ns Name) Command     { return inNS(ns, "-o", "addr", "show") }
func DefaultRouteShow() Command      { return ip("route", "show", "default") }

func AddrAdd(p netip.Prefix, dev Name) Command {
	return ip("addr", "add", p.String(), "dev", dev.String())
}

func AddrAddIn(ns Name, p netip.Prefix, dev Name) Command {
	return inNS(ns, "addr", "add", p.String(), "dev", dev.String())
}

func DefaultRouteVia(ns, dev Name) Command {
	return inNS(ns, "route", "add", "default", "dev", dev.String())
}

// HostRoute — исключение для Endpoint: до него идём через veth, а не в туннель.
func HostRoute(ns Name, dst, via netip.Addr) Command {
	return inNS(ns, "route", "add", netip.PrefixFrom(dst, dst.BitLen()).String(), "via", via.String())
}

func EnableForwarding() Command {
	return Command{argv: []string{"sysctl", "-w", "net.ipv4.ip_forward=1"}}
}

func masquerade(op string, src netip.Prefix, egress Name) Command {
	return Command{argv: []string{"iptables", "-t", "nat", op, "POSTROUTING",
		"-s", src.Masked().String(), "-o", egress.String(), "-j", "MASQUERADE"}}
}

func NATAdd(src netip.Prefix, egress Name) Command { return masquerade("-A", src, egress) }
func NATDel(src netip.Prefix, egress Name) Command { return masquerade("-D", src, egress) }

// WgSetConf применяет файл в формате `wg setconf`. path формируется
// провайдером из имени интерфейса.
func WgSetConf(ns, iface Name, path string) Command {
	return execNS(ns, "wg", "setconf", iface.String(), path)
}

// Curl — HTTP GET изнутри namespace.
func Curl(ns Name, timeout time.Duration, target *url.URL) (Command, error) {
	if target == nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return Command{}, fmt.Errorf("probe url must be http(s)")
	}
	secs := int(timeout / time.Second)
	if secs < 1 {
		secs = 1
	}
	return execNS(ns, "curl", "-m", strconv.Itoa(secs), "-s", "--", target.String()), nil
}
