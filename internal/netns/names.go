// Package netns поднимает изолированный network namespace с WireGuard-туннелем
// по недоверенному конфигу, прогоняет через него HTTP-пробу и гарантированно
// всё разбирает.
package netns

import (
	"fmt"
	"math/rand/v2"
	"net/netip"
	"regexp"
	"strings"
)

// Name — имя интерфейса, veth или namespace. До 15 символов (IFNAMSIZ),
// без пробелов и ведущего '-', поэтому безопасно передаётся в argv.
type Name string

var nameRe = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]{0,14}$`)

func NewName(s string) (Name, error) {
	if !nameRe.MatchString(s) {
		return "", fmt.Errorf("invalid link name %q", s)
	}
	return Name(s), nil
}

func (n Name) String() string { return string(n) }

// Префиксы имён; по ним же ищутся хвосты упавших сессий.
const (
	InterfacePrefix = "tpn"
	NamespacePrefix = "ns_"
	VethPrefix      = "veth"
)

const suffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

func randomSuffix() string {
	b := make([]byte, 5)
	for i := range b {
		b[i] = suffixAlphabet[rand.IntN(len(suffixAlphabet))]
	}
	return string(b)
}

func randomOctet() int { return 1 + rand.IntN(254) }

// peerDigits оставляет из peer id только цифры, не больше 4, чтобы имя
// интерфейса влезло в 15 символов.
func peerDigits(peerID string) string {
	var b strings.Builder
	for _, r := range peerID {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
			if b.Len() == 4 {
				break
			}
		}
	}
	return b.String()
}

func interfaceName(peerID, suffix string) (Name, error) {
	return NewName(InterfacePrefix + peerDigits(peerID) + suffix)
}

func namespaceName(iface Name) (Name, error) {
	return NewName(NamespacePrefix + string(iface))
}

// vethNames — host и namespace концы пары.
func vethNames(suffix string) (host, peer Name, err error) {
	if host, err = NewName(VethPrefix + suffix + "h"); err != nil {
		return "", "", err
	}
	if peer, err = NewName(VethPrefix + suffix + "n"); err != nil {
		return "", "", err
	}
	return host, peer, nil
}

// subnet — 10.200.<octet>.0/24.
func subnet(octet int) netip.Prefix {
	return netip.PrefixFrom(netip.AddrFrom4([4]byte{10, 200, byte(octet), 0}), 24)
}

// hostAddr / nsAddr — .1 и .2 в подсети veth.
func hostAddr(p netip.Prefix) netip.Prefix { return withLast(p, 1) }
func nsAddr(p netip.Prefix) netip.Prefix   { return withLast(p, 2) }

func withLast(p netip.Prefix, last byte) netip.Prefix {
	a := p.Masked().Addr().As4()
	a[3] = last
	return netip.PrefixFrom(netip.AddrFrom4(a), p.Bits())
}
