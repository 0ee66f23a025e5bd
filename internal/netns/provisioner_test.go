package netns

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"tpn/internal/cmdrun"
	"tpn/internal/logs"
	"tpn/internal/reserve"
	"tpn/internal/vpn/wireguard"
)

var endpoint = netip.MustParseAddr("203.0.113.7")

func testConfig(t *testing.T, address string) *wireguard.PeerConfig {
	t.Helper()
	srv, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	peer, err := wireguard.GeneratePeer(netip.MustParsePrefix(address), srv.PublicKey(), "203.0.113.7:51820",
		[]netip.Prefix{netip.MustParsePrefix("0.0.0.0/0")}, 0)
	require.NoError(t, err)
	cfg, err := wireguard.Parse(peer.Render())
	require.NoError(t, err)
	return cfg
}

func testOptions() Options {
	return Options{
		ConfigDir:    "/tmp/tpn",
		ResolvDir:    "/etc/netns",
		ProbeTimeout: time.Second,
		IDAttempts:   60,
		IDBackoff:    time.Millisecond,
		IPPoll:       5 * time.Millisecond,
		IPWait:       30 * time.Millisecond,
	}
}

func newTestProvisioner(rec *cmdrun.Recorder) (*Provisioner, *reserve.Table, afero.Fs) {
	table := reserve.New(nil)
	fs := afero.NewMemMapFs()
	return New(rec, fs, table, nil, testOptions()), table, fs
}

func curlReplies(stdout string) cmdrun.Handler {
	return func(argv []string) (cmdrun.Result, error) {
		if slices.Contains(argv, "curl") {
			return cmdrun.Result{Stdout: stdout}, nil
		}
		return cmdrun.Result{}, nil
	}
}

func indexOf(calls []string, prefix string) int {
	for i, c := range calls {
		if strings.HasPrefix(c, prefix) {
			return i
		}
	}
	return -1
}

func lastIndexOf(calls []string, prefix string) int {
	for i := len(calls) - 1; i >= 0; i-- {
		if strings.HasPrefix(calls[i], prefix) {
			return i
		}
	}
	return -1
}

func TestWithTunnelSetupProbeTeardown(t *testing.T) {
	rec := &cmdrun.Recorder{}
	rec.On("ip netns exec", curlReplies("* banner\n{\"response\":\"r-123\"}\n"))
	p, table, fs := newTestProvisioner(rec)
	cfg := testConfig(t, "10.8.0.2/32")

	var s Session
	err := p.WithTunnel(context.Background(), Request{PeerID: "7", Config: cfg, Endpoint: endpoint, Tag: "t"},
		func(ctx context.Context, tun *Tunnel) error {
			s = tun.Session()

			setconf, err := afero.ReadFile(fs, s.SetConfPath)
			require.NoError(t, err)
			require.Contains(t, string(setconf), "Endpoint = 203.0.113.7:51820")
			require.NotContains(t, string(setconf), "Address")

			resolv, err := afero.ReadFile(fs, filepath.Join(s.ResolvDir, "resolv.conf"))
			require.NoError(t, err)
			require.Equal(t, "nameserver 1.1.1.1\n", string(resolv))

			raw, err := tun.Fetch(ctx, "http://validator.example:3000/challenge/abc")
			require.NoError(t, err)
			require.JSONEq(t, `{"response":"r-123"}`, string(raw))
			return nil
		})
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(s.Interface.String(), "tpn7"))
	require.Equal(t, "ns_"+s.Interface.String(), s.Namespace.String())
	require.Equal(t, "eth0", s.Egress.String())

	calls := rec.Calls()
	gw := hostAddr(s.Subnet).Addr()
	for _, want := range []string{
		"ip netns add " + s.Namespace.String(),
		fmt.Sprintf("ip -n %s link add %s type wireguard", s.Namespace, s.Interface),
		fmt.Sprintf("iptables -t nat -A POSTROUTING -s %s -o eth0 -j MASQUERADE", s.Subnet),
		fmt.Sprintf("ip netns exec %s wg setconf %s %s", s.Namespace, s.Interface, s.SetConfPath),
		fmt.Sprintf("ip -n %s addr add 10.8.0.2/32 dev %s", s.Namespace, s.Interface),
		fmt.Sprintf("ip -n %s route add 203.0.113.7/32 via %s", s.Namespace, gw),
		fmt.Sprintf("ip netns exec %s curl -m 1 -s -- http://validator.example:3000/challenge/abc", s.Namespace),
	} {
		require.Contains(t, calls, want)
	}

	add := indexOf(calls, "ip netns add")
	setconf := indexOf(calls, fmt.Sprintf("ip netns exec %s wg setconf", s.Namespace))
	curl := indexOf(calls, fmt.Sprintf("ip netns exec %s curl", s.Namespace))
	del := lastIndexOf(calls, "ip netns del "+s.Namespace.String())
	require.True(t, add < setconf && setconf < curl && curl < del, "unexpected order: %v", calls)

	// разборка до и после
	require.Equal(t, 2, rec.Count("ip netns del "+s.Namespace.String()))
	require.Equal(t, 2, rec.Count(fmt.Sprintf("iptables -t nat -D POSTROUTING -s %s", s.Subnet)))

	for _, path := range []string{s.ConfigPath, s.SetConfPath, s.ResolvDir} {
		ok, err := afero.Exists(fs, path)
		require.NoError(t, err)
		require.False(t, ok, path)
	}
	require.Zero(t, table.Len())
}

func TestWithTunnelSetupFailureTearsDown(t *testing.T) {
	rec := &cmdrun.Recorder{}
	rec.On("ip link add", func([]string) (cmdrun.Result, error) {
		return cmdrun.Result{Stderr: "RTNETLINK answers: secret detail", ExitCode: 2},
			&cmdrun.ExitError{Argv: []string{"ip"}, ExitCode: 2, Stderr: "RTNETLINK answers: secret detail"}
	})
	p, table, fs := newTestProvisioner(rec)

	called := false
	err := p.WithTunnel(context.Background(), Request{PeerID: "3", Config: testConfig(t, "10.8.0.3/32"), Endpoint: endpoint},
		func(context.Context, *Tunnel) error { called = true; return nil })
	require.ErrorIs(t, err, ErrSetup)
	require.NotContains(t, err.Error(), "secret detail")
	require.False(t, called)

	require.Zero(t, rec.Count("ip netns exec"))
	require.Equal(t, 2, rec.Count("ip netns del ns_tpn3"))
	require.Zero(t, table.Len())

	files, err := afero.Glob(fs, "/tmp/tpn/*")
	require.NoError(t, err)
	require.Empty(t, files)
}

func TestWithTunnelCallbackErrorPropagates(t *testing.T) {
	rec := &cmdrun.Recorder{}
	p, table, _ := newTestProvisioner(rec)
	boom := errors.New("boom")

	err := p.WithTunnel(context.Background(), Request{PeerID: "1", Config: testConfig(t, "10.8.0.4/32"), Endpoint: endpoint},
		func(context.Context, *Tunnel) error { return boom })
	require.ErrorIs(t, err, boom)
	require.Equal(t, 2, rec.Count("ip netns del ns_tpn1"))
	require.Zero(t, table.Len())
}

func TestWithTunnelRejectsIncompleteRequest(t *testing.T) {
	rec := &cmdrun.Recorder{}
	p, _, _ := newTestProvisioner(rec)

	err := p.WithTunnel(context.Background(), Request{PeerID: "1"}, func(context.Context, *Tunnel) error { return nil })
	require.Error(t, err)
	err = p.WithTunnel(context.Background(), Request{PeerID: "1", Config: testConfig(t, "10.8.0.5/32")},
		func(context.Context, *Tunnel) error { return nil })
	require.Error(t, err)
	require.Empty(t, rec.Calls())
}

func TestFetchFailures(t *testing.T) {
	cases := map[string]struct {
		handler cmdrun.Handler
		want    error
	}{
		"curl error": {
			handler: func(argv []string) (cmdrun.Result, error) {
				if slices.Contains(argv, "curl") {
					return cmdrun.Result{Stderr: "curl: (28) timeout", ExitCode: 28}, &cmdrun.ExitError{Argv: argv, ExitCode: 28}
				}
				return cmdrun.Result{}, nil
			},
			want: ErrProbe,
		},
		"no json": {
			handler: curlReplies("<html>bad gateway</html>"),
			want:    ErrNoJSON,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rec := &cmdrun.Recorder{}
			rec.On("ip netns exec", tc.handler)
			p, table, _ := newTestProvisioner(rec)

			err := p.WithTunnel(context.Background(), Request{PeerID: "2", Config: testConfig(t, "10.8.0.6/32"), Endpoint: endpoint},
				func(ctx context.Context, tun *Tunnel) error {
					_, err := tun.Fetch(ctx, "http://validator.example/challenge/x")
					return err
				})
			require.ErrorIs(t, err, tc.want)
			require.NotContains(t, err.Error(), "bad gateway")
			require.NotContains(t, err.Error(), "timeout")
			require.Zero(t, table.Len())
		})
	}
}

func TestFetchRejectsNonHTTPURL(t *testing.T) {
	rec := &cmdrun.Recorder{}
	p, _, _ := newTestProvisioner(rec)
	err := p.WithTunnel(context.Background(), Request{PeerID: "2", Config: testConfig(t, "10.8.0.7/32"), Endpoint: endpoint},
		func(ctx context.Context, tun *Tunnel) error {
			_, err := tun.Fetch(ctx, "file:///etc/shadow")
			return err
		})
	require.ErrorIs(t, err, ErrProbe)
	for _, c := range rec.Calls() {
		require.NotContains(t, c, "curl")
	}
}

func sequence(vals ...string) func() string {
	var mu sync.Mutex
	i := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		v := vals[min(i, len(vals)-1)]
		i++
		return v
	}
}

func TestReserveIDsRegeneratesOnlyCollidingIdentifier(t *testing.T) {
	rec := &cmdrun.Recorder{}
	p, table, _ := newTestProvisioner(rec)
	// interface, veth, затем снова interface
	p.suffix = sequence("aaaaa", "vvvvv", "bbbbb")
	p.octet = func() int { return 9 }
	require.True(t, table.Reserve(reserve.Key(reserve.KindInterface, "tpn7aaaaa"), time.Minute))

	var s Session
	err := p.WithTunnel(context.Background(), Request{PeerID: "7", Config: testConfig(t, "10.8.0.8/32"), Endpoint: endpoint},
		func(_ context.Context, tun *Tunnel) error { s = tun.Session(); return nil })
	require.NoError(t, err)

	require.Equal(t, Name("tpn7bbbbb"), s.Interface)
	require.Equal(t, Name("vethvvvvvh"), s.VethHost)
	require.Equal(t, Name("vethvvvvvn"), s.VethPeer)
	require.Equal(t, netip.MustParsePrefix("10.200.9.0/24"), s.Subnet)
	require.Equal(t, 1, table.Len()) // только чужое резервирование
}

func TestReserveIDsGivesUpAfterMaxAttempts(t *testing.T) {
	rec := &cmdrun.Recorder{}
	p, table, _ := newTestProvisioner(rec)
	p.opts.IDAttempts = 3
	p.suffix = func() string { return "aaaaa" }
	p.octet = func() int { return 9 }
	require.True(t, table.Reserve(reserve.Key(reserve.KindSubnet, "10.200.9.0/24"), time.Minute))

	err := p.WithTunnel(context.Background(), Request{PeerID: "7", Config: testConfig(t, "10.8.0.9/32"), Endpoint: endpoint},
		func(context.Context, *Tunnel) error { return nil })
	require.ErrorIs(t, err, ErrIdentifierCollision)
	require.Empty(t, rec.Calls())
	require.Equal(t, 1, table.Len())
}

func TestConcurrentSessionsNeverShareIdentifiers(t *testing.T) {
	rec := &cmdrun.Recorder{}
	p, table, _ := newTestProvisioner(rec)
	const n = 8

	configs := make([]*wireguard.PeerConfig, n)
	for i := range configs {
		configs[i] = testConfig(t, fmt.Sprintf("10.8.2.%d/32", i+2))
	}

	var mu sync.Mutex
	var sessions []Session
	arrived := make(chan struct{}, n)
	release := make(chan struct{})
	errs := make(chan error, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(cfg *wireguard.PeerConfig) {
			defer wg.Done()
			req := Request{PeerID: "5", Config: cfg, Endpoint: endpoint}
			errs <- p.WithTunnel(context.Background(), req, func(_ context.Context, tun *Tunnel) error {
				mu.Lock()
				sessions = append(sessions, tun.Session())
				mu.Unlock()
				arrived <- struct{}{}
				// все сессии держат ресурсы одновременно
				select {
				case <-release:
					return nil
				case <-time.After(10 * time.Second):
					return errors.New("never released")
				}
			})
		}(configs[i])
	}
	for i := 0; i < n; i++ {
		select {
		case <-arrived:
		case <-time.After(10 * time.Second):
			close(release)
			t.Fatalf("only %d of %d sessions came up", i, n)
		}
	}

	ifaces, netnss, veths, subnets := map[Name]bool{}, map[Name]bool{}, map[Name]bool{}, map[netip.Prefix]bool{}
	mu.Lock()
	for _, s := range sessions {
		require.False(t, ifaces[s.Interface], "interface %s reused", s.Interface)
		require.False(t, netnss[s.Namespace], "namespace %s reused", s.Namespace)
		require.False(t, veths[s.VethHost], "veth %s reused", s.VethHost)
		require.False(t, subnets[s.Subnet], "subnet %s reused", s.Subnet)
		ifaces[s.Interface], netnss[s.Namespace], veths[s.VethHost], subnets[s.Subnet] = true, true, true, true
	}
	mu.Unlock()

	close(release)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Zero(t, table.Len())
}

func TestAddressConflictWithForeignInterface(t *testing.T) {
	rec := &cmdrun.Recorder{}
	rec.On("ip -o addr show", func([]string) (cmdrun.Result, error) {
		return cmdrun.Result{Stdout: "2: eth0    inet 10.8.0.2/24 brd 10.8.0.255 scope global eth0\\       valid_lft forever\n"}, nil
	})
	p, table, _ := newTestProvisioner(rec)

	err := p.WithTunnel(context.Background(), Request{PeerID: "1", Config: testConfig(t, "10.8.0.2/32"), Endpoint: endpoint},
		func(context.Context, *Tunnel) error { return nil })
	require.ErrorIs(t, err, ErrAddressConflict)
	require.Zero(t, rec.Count("ip netns add"))
	require.Zero(t, rec.Count("ip link del eth0"))
	require.Zero(t, table.Len())
}

func TestAddressConflictResolvedByForcedCleanup(t *testing.T) {
	var bound atomic.Bool
	bound.Store(true)
	rec := &cmdrun.Recorder{}
	rec.On("ip -o addr show", func([]string) (cmdrun.Result, error) {
		if bound.Load() {
			return cmdrun.Result{Stdout: "9: tpn9zzzzz    inet 10.8.0.2/32 scope global tpn9zzzzz\n"}, nil
		}
		return cmdrun.Result{}, nil
	})
	rec.On("ip link del tpn9zzzzz", func([]string) (cmdrun.Result, error) {
		bound.Store(false)
		return cmdrun.Result{}, nil
	})
	p, table, _ := newTestProvisioner(rec)

	err := p.WithTunnel(context.Background(), Request{PeerID: "1", Config: testConfig(t, "10.8.0.2/32"), Endpoint: endpoint},
		func(context.Context, *Tunnel) error { return nil })
	require.NoError(t, err)
	require.Equal(t, 1, rec.Count("ip link del tpn9zzzzz"))
	require.Equal(t, 1, rec.Count("ip netns add"))
	require.Zero(t, table.Len())
}

func TestAddressConflictInLingeringNamespace(t *testing.T) {
	var bound atomic.Bool
	bound.Store(true)
	rec := &cmdrun.Recorder{}
	rec.On("ip netns list", func([]string) (cmdrun.Result, error) {
		if bound.Load() {
			return cmdrun.Result{Stdout: "ns_tpn4qqqqq (id: 3)\nother\n"}, nil
		}
		return cmdrun.Result{}, nil
	})
	rec.On("ip -n ns_tpn4qqqqq -o addr show", func([]string) (cmdrun.Result, error) {
		return cmdrun.Result{Stdout: "3: tpn4qqqqq    inet 10.8.0.2/32 scope global tpn4qqqqq\n"}, nil
	})
	rec.On("ip netns del ns_tpn4qqqqq", func([]string) (cmdrun.Result, error) {
		bound.Store(false)
		return cmdrun.Result{}, nil
	})
	p, table, _ := newTestProvisioner(rec)

	err := p.WithTunnel(context.Background(), Request{PeerID: "1", Config: testConfig(t, "10.8.0.2/32"), Endpoint: endpoint},
		func(context.Context, *Tunnel) error { return nil })
	require.NoError(t, err)
	require.Equal(t, 1, rec.Count("ip netns del ns_tpn4qqqqq"))
	require.Zero(t, table.Len())
}

func TestAddressHeldByLiveSessionIsLeftAlone(t *testing.T) {
	rec := &cmdrun.Recorder{}
	p, table, _ := newTestProvisioner(rec)
	require.True(t, table.Reserve(reserve.Key(reserve.KindIP, "10.8.0.2"), time.Minute))

	err := p.WithTunnel(context.Background(), Request{PeerID: "1", Config: testConfig(t, "10.8.0.2/32"), Endpoint: endpoint},
		func(context.Context, *Tunnel) error { return nil })
	require.ErrorIs(t, err, ErrAddressConflict)
	require.Zero(t, rec.Count("ip netns add"))
	require.Equal(t, 1, table.Len())
}

func TestEgressFromDefaultRoute(t *testing.T) {
	rec := &cmdrun.Recorder{}
	rec.On("ip route show default", func([]string) (cmdrun.Result, error) {
		return cmdrun.Result{Stdout: "default via 172.17.0.1 dev ens5 proto dhcp metric 100\n"}, nil
	})
	p, _, _ := newTestProvisioner(rec)

	var s Session
	err := p.WithTunnel(context.Background(), Request{PeerID: "1", Config: testConfig(t, "10.8.0.2/32"), Endpoint: endpoint},
		func(_ context.Context, tun *Tunnel) error { s = tun.Session(); return nil })
	require.NoError(t, err)
	require.Equal(t, Name("ens5"), s.Egress)
	require.Equal(t, 1, rec.Count(fmt.Sprintf("iptables -t nat -A POSTROUTING -s %s -o ens5", s.Subnet)))
}

func TestCancelDuringProbeTearsEverythingDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &cmdrun.Recorder{}
	// curl убит вместе с отменённым ctx
	rec.On("ip netns exec", func(argv []string) (cmdrun.Result, error) {
		if !slices.Contains(argv, "curl") {
			return cmdrun.Result{}, nil
		}
		cancel()
		return cmdrun.Result{}, &cmdrun.ExitError{Argv: argv, ExitCode: -1}
	})
	p, table, fs := newTestProvisioner(rec)

	var s Session
	err := p.WithTunnel(ctx, Request{PeerID: "6", Config: testConfig(t, "10.8.0.10/32"), Endpoint: endpoint},
		func(ctx context.Context, tun *Tunnel) error {
			s = tun.Session()
			_, err := tun.Fetch(ctx, "http://validator.example/challenge/x")
			return err
		})
	require.ErrorIs(t, err, ErrProbe)
	require.ErrorIs(t, err, context.Canceled)

	require.Zero(t, table.Len())
	require.Equal(t, 2, rec.Count("ip netns del "+s.Namespace.String()))
	require.Equal(t, 2, rec.Count("ip link del "+s.VethHost.String()))
	require.Equal(t, 2, rec.Count(fmt.Sprintf("iptables -t nat -D POSTROUTING -s %s", s.Subnet)))
	// последняя команда разборки NAT идёт после пробы
	calls := rec.Calls()
	require.Greater(t, lastIndexOf(calls, "iptables -t nat -D"), indexOf(calls, fmt.Sprintf("ip netns exec %s curl", s.Namespace)))
	for _, path := range []string{s.ConfigPath, s.SetConfPath, s.ResolvDir} {
		ok, err := afero.Exists(fs, path)
		require.NoError(t, err)
		require.False(t, ok, path)
	}
}

func TestLongAddressWaitKeepsIdentifiersReserved(t *testing.T) {
	var bound atomic.Bool
	bound.Store(true)
	rec := &cmdrun.Recorder{}
	rec.On("ip -o addr show", func([]string) (cmdrun.Result, error) {
		if bound.Load() {
			return cmdrun.Result{Stdout: "9: tpn9zzzzz    inet 10.8.0.11/32 scope global tpn9zzzzz\n"}, nil
		}
		return cmdrun.Result{}, nil
	})
	clk := fakeclock.NewFakeClock(time.Now())
	table := reserve.New(clk)
	opts := testOptions()
	opts.IDTTL = 10 * time.Second
	opts.ProbeTimeout = time.Second
	opts.TeardownTimeout = time.Second
	opts.IPPoll = time.Second
	opts.IPWait = time.Minute
	opts.IDAttempts = 1
	p := New(rec, afero.NewMemMapFs(), table, clk, opts)
	p.octet = func() int { return 77 }
	sub := netip.MustParsePrefix("10.200.77.0/24")

	done := make(chan error, 1)
	go func() {
		done <- p.WithTunnel(context.Background(), Request{PeerID: "1", Config: testConfig(t, "10.8.0.11/32"), Endpoint: endpoint},
			func(context.Context, *Tunnel) error { return nil })
	}()

	// ожидание адреса втрое дольше IDTTL
	for i := 0; i < 30; i++ {
		clk.WaitForWatcherAndIncrement(time.Second)
	}
	require.True(t, table.Held(reserve.Key(reserve.KindSubnet, sub.String())))

	// вторая сессия не получает ту же подсеть
	_, err := p.reserveIDs(context.Background(), "2", logs.Tagged("second"))
	require.ErrorIs(t, err, ErrIdentifierCollision)

	bound.Store(false)
	clk.WaitForWatcherAndIncrement(time.Second)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("tunnel never came up after the address was freed")
	}
	require.Zero(t, table.Len())
}
