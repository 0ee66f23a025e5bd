package wireguard

import (
	"fmt"
	"net/netip"
	"strings"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// Peer — свежесгенерированный клиентский пир в формате peerN.conf.
type Peer struct {
	PrivateKey   wgtypes.Key
	PresharedKey wgtypes.Key
	Address      netip.Prefix
	DNS          []netip.Addr
	ServerPub    wgtypes.Key
	Endpoint     string // host:port
	AllowedIPs   []netip.Prefix
	ListenPort   int
	Keepalive    int
}

// GeneratePeer создаёт пир с новыми ключами.
func GeneratePeer(address netip.Prefix, serverPub wgtypes.Key, endpoint string, allowed []netip.Prefix, keepalive int) (*Peer, error) {
	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}
	psk, err := wgtypes.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate preshared key: %w", err)
	}
	return &Peer{
		PrivateKey:   priv,
		PresharedKey: psk,
		Address:      address,
		ServerPub:    serverPub,
		Endpoint:     endpoint,
		AllowedIPs:   allowed,
		ListenPort:   51820,
		Keepalive:    keepalive,
	}, nil
}

// Render — текст конфига в том виде, в каком его отдаёт wg-сервер майнера.
func (p *Peer) Render() string {
	var b strings.Builder
	b.WriteString("[Interface]\n")
	fmt.Fprintf(&b, "Address = %s\n", p.Address)
	fmt.Fprintf(&b, "PrivateKey = %s\n", p.PrivateKey)
	fmt.Fprintf(&b, "ListenPort = %d\n", p.ListenPort)
	if len(p.DNS) > 0 {
		dns := make([]string, len(p.DNS))
		for i, a := range p.DNS {
			dns[i] = a.String()
		}
		fmt.Fprintf(&b, "DNS = %s\n", strings.Join(dns, ","))
	}
	b.WriteString("\n[Peer]\n")
	fmt.Fprintf(&b, "PublicKey = %s\n", p.ServerPub)
	fmt.Fprintf(&b, "PresharedKey = %s\n", p.PresharedKey)
	fmt.Fprintf(&b, "Endpoint = %s\n", p.Endpoint)
	allowed := make([]string, len(p.AllowedIPs))
	for i, a := range p.AllowedIPs {
		allowed[i] = a.String()
	}
	fmt.Fprintf(&b, "AllowedIPs = %s\n", strings.Join(allowed, ", "))
	if p.Keepalive > 0 {
		fmt.Fprintf(&b, "PersistentKeepalive = %d\n", p.Keepalive)
	}
	return b.String()
}
