package lease

import (
	"errors"
	"fmt"
	"net/netip"
	"path/filepath"

	"github.com/spf13/afero"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"tpn/internal/vpn/wireguard"
)

// SeedOptions — параметры генерации пула peerN/peerN.conf.
type SeedOptions struct {
	Count     int
	Subnet    netip.Prefix // .1 — сервер, пиры с .2
	Endpoint  string       // host:port сервера
	DNS       []netip.Addr
	ServerKey wgtypes.Key // приватный ключ сервера
	Keepalive int
}

// Seed пишет Count клиентских конфигов в dir так же, как их раскладывает
// wg-сервер майнера. Существующие файлы перезаписываются.
func Seed(fs afero.Fs, dir string, o SeedOptions) error {
	if o.Count <= 0 {
		return errors.New("seed count must be positive")
	}
	if !o.Subnet.Addr().Is4() {
		return fmt.Errorf("seed subnet %s is not ipv4", o.Subnet)
	}
	if hosts := 1<<(32-o.Subnet.Bits()) - 3; o.Count > hosts {
		return fmt.Errorf("subnet %s fits only %d peers", o.Subnet, hosts)
	}

	pub := o.ServerKey.PublicKey()
	allowed := []netip.Prefix{netip.MustParsePrefix("0.0.0.0/0")}
	addr := o.Subnet.Masked().Addr().Next() // сервер
	for id := 1; id <= o.Count; id++ {
		addr = addr.Next()
		p, err := wireguard.GeneratePeer(netip.PrefixFrom(addr, 32), pub, o.Endpoint, allowed, o.Keepalive)
		if err != nil {
			return err
		}
		p.DNS = o.DNS

		dir := filepath.Join(dir, fmt.Sprintf("peer%d", id))
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		if err := afero.WriteFile(fs, filepath.Join(dir, fmt.Sprintf("peer%d.conf", id)), []byte(p.Render()), 0o600); err != nil {
			return err
		}
	}
	return nil
}
