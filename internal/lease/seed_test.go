package lease

import (
	"net/netip"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"tpn/internal/cmdrun"
	"tpn/internal/vpn/wireguard"
)

func TestSeedWritesParsablePool(t *testing.T) {
	fs := afero.NewMemMapFs()
	key, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)

	require.NoError(t, Seed(fs, "/wg", SeedOptions{
		Count:     3,
		Subnet:    netip.MustParsePrefix("10.13.13.0/24"),
		Endpoint:  "203.0.113.7:51820",
		DNS:       []netip.Addr{netip.MustParseAddr("1.1.1.1")},
		ServerKey: key,
	}))

	s := NewFSServer(fs, "/wg", &cmdrun.Recorder{}, nil)
	require.Equal(t, 3, s.Count(10))

	for id, want := range map[int]string{1: "10.13.13.2/32", 3: "10.13.13.4/32"} {
		text, err := s.Read(id)
		require.NoError(t, err)
		cfg, err := wireguard.Parse(text)
		require.NoError(t, err)
		require.Equal(t, want, cfg.Address.String())
		require.Equal(t, key.PublicKey(), cfg.PublicKey)
		require.Equal(t, []netip.Addr{netip.MustParseAddr("1.1.1.1")}, cfg.DNS)
	}
}

func TestSeedRejectsBadInput(t *testing.T) {
	fs := afero.NewMemMapFs()
	key, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)

	require.Error(t, Seed(fs, "/wg", SeedOptions{Count: 0, Subnet: netip.MustParsePrefix("10.0.0.0/24"), ServerKey: key}))
	require.Error(t, Seed(fs, "/wg", SeedOptions{Count: 10, Subnet: netip.MustParsePrefix("10.0.0.0/29"), ServerKey: key}))
	require.Error(t, Seed(fs, "/wg", SeedOptions{Count: 1, Subnet: netip.MustParsePrefix("fd00::/64"), ServerKey: key}))
}
