package netns

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"path/filepath"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"tpn/internal/cmdrun"
	"tpn/internal/logs"
	"tpn/internal/reserve"
	"tpn/internal/vpn/wireguard"
)

var (
	// ErrIdentifierCollision — не удалось подобрать свободные имена за
	// отведённое число попыток. Внутренняя ошибка, майнер ни при чём.
	ErrIdentifierCollision = errors.New("could not reserve unique tunnel identifiers")
	// ErrAddressConflict — адрес из конфига так и остался занят.
	ErrAddressConflict = errors.New("tunnel address is still in use")
	// ErrSetup — одна из команд построения namespace завершилась ошибкой.
	ErrSetup = errors.New("tunnel setup failed")
)

// State — шаг жизненного цикла сессии (для логов).
type State string

const (
	StateInit             State = "INIT"
	StateIDsReserved      State = "IDS_RESERVED"
	StateConfigParsed     State = "CONFIG_PARSED"
	StateNamespaceUp      State = "NAMESPACE_UP"
	StateWireGuardApplied State = "WIREGUARD_APPLIED"
	StateProbed           State = "PROBED"
	StateTornDown         State = "TORN_DOWN"
	StateFailed           State = "FAILED"
)

type Options struct {
	ConfigDir       string     // временные wg-конфиги
	ResolvDir       string     // /etc/netns
	Nameserver      netip.Addr // DNS внутри namespace
	EgressInterface string     // пусто — по default route, затем eth0
	ProbeTimeout    time.Duration
	IDTTL           time.Duration // продлевается на каждом шаге сессии
	IDAttempts      int
	IDBackoff       time.Duration // пауза перед попыткой N равна N*IDBackoff
	IPPoll          time.Duration
	IPWait          time.Duration // 0 — 5*ProbeTimeout
	TeardownTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		ConfigDir:       "/tmp",
		ResolvDir:       "/etc/netns",
		Nameserver:      netip.MustParseAddr("1.1.1.1"),
		ProbeTimeout:    30 * time.Second,
		IDTTL:           120 * time.Second,
		IDAttempts:      60,
		IDBackoff:       time.Second,
		IPPoll:          5 * time.Second,
		TeardownTimeout: 30 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ConfigDir == "" {
		o.ConfigDir = d.ConfigDir
	}
	if o.ResolvDir == "" {
		o.ResolvDir = d.ResolvDir
	}
	if !o.Nameserver.IsValid() {
		o.Nameserver = d.Nameserver
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = d.ProbeTimeout
	}
	if o.IDAttempts <= 0 {
		o.IDAttempts = d.IDAttempts
	}
	if o.IDBackoff <= 0 {
		o.IDBackoff = d.IDBackoff
	}
	if o.IPPoll <= 0 {
		o.IPPoll = d.IPPoll
	}
	if o.IPWait <= 0 {
		o.IPWait = 5 * o.ProbeTimeout
	}
	if o.TeardownTimeout <= 0 {
		o.TeardownTimeout = d.TeardownTimeout
	}
	if o.IDTTL <= 0 {
		o.IDTTL = d.IDTTL
	}
	// после последнего продления идут проба и разборка
	if floor := o.ProbeTimeout + o.TeardownTimeout + o.IPPoll; o.IDTTL < floor {
		o.IDTTL = floor
	}
	return o
}

// Provisioner строит сессии туннелей. Безопасен для параллельного
// использования: уникальность имён, подсетей и адресов держит reserve.Table.
type Provisioner struct {
	runner cmdrun.Runner
	fs     afero.Fs
	table  *reserve.Table
	clock  clock.Clock
	opts   Options

	suffix func() string
	octet  func() int
}

func New(runner cmdrun.Runner, fs afero.Fs, table *reserve.Table, clk clock.Clock, opts Options) *Provisioner {
	if runner == nil {
		runner = cmdrun.ExecRunner{}
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if clk == nil {
		clk = clock.NewClock()
	}
	if table == nil {
		table = reserve.New(clk)
	}
	return &Provisioner{
		runner: runner,
		fs:     fs,
		table:  table,
		clock:  clk,
		opts:   opts.withDefaults(),
		suffix: randomSuffix,
		octet:  randomOctet,
	}
}

// ProbeTimeout — таймаут одной HTTP-пробы через туннель.
func (p *Provisioner) ProbeTimeout() time.Duration { return p.opts.ProbeTimeout }

// Request — вход одной сессии. Config уже разобран, Endpoint уже разрешён.
type Request struct {
	PeerID   string
	Config   *wireguard.PeerConfig
	Endpoint netip.Addr
	Tag      string // метка логов
}

// Session — неизменяемый набор идентификаторов одной сессии.
type Session struct {
	Interface   Name
	Namespace   Name
	VethHost    Name
	VethPeer    Name
	Subnet      netip.Prefix // 10.200.X.0/24
	Address     netip.Prefix // адрес из конфига, нормализованный
	Endpoint    netip.AddrPort
	Egress      Name
	ConfigPath  string // нормализованный текст конфига
	SetConfPath string // вход для wg setconf
	ResolvDir   string // <resolv_dir>/<namespace>

	config *wireguard.PeerConfig
	claims map[string]reserve.Token // ключ -> токен этой сессии
}

// renew продлевает все резервирования сессии на IDTTL. false — хотя бы
// одно уже протухло.
func (p *Provisioner) renew(s Session) bool {
	ok := true
	for k, tok := range s.claims {
		if !p.table.Extend(k, tok, p.opts.IDTTL) {
			ok = false
		}
	}
	return ok
}

// release отпускает только то, чем сессия всё ещё владеет.
func (p *Provisioner) release(s Session) {
	for k, tok := range s.claims {
		p.table.ReleaseIf(k, tok)
	}
}

// WithTunnel поднимает туннель, вызывает fn и разбирает всё обратно.
// Резервирования освобождаются на любом пути, включая ошибки разборки.
func (p *Provisioner) WithTunnel(ctx context.Context, req Request, fn func(context.Context, *Tunnel) error) (err error) {
	if req.Config == nil || !req.Endpoint.Is4() {
		return errors.New("tunnel request needs a parsed config and an ipv4 endpoint")
	}
	log := logs.Tagged(req.Tag).WithField("peer_id", req.PeerID)
	state := StateInit
	setState := func(s State) {
		state = s
		log.WithField("state", s).Debug("tunnel session state")
	}

	s, err := p.reserveIDs(ctx, req.PeerID, log)
	if err != nil {
		return err
	}
	// резервирования, включая адрес, отпускаются после разборки
	defer p.release(s)
	setState(StateIDsReserved)

	s.Address = req.Config.Address
	s.Endpoint = netip.AddrPortFrom(req.Endpoint, uint16(req.Config.EndpointPort))
	s.Egress = p.egress(ctx, log)
	s.ConfigPath = filepath.Join(p.opts.ConfigDir, s.Interface.String()+".conf")
	s.SetConfPath = filepath.Join(p.opts.ConfigDir, "wg_"+s.Interface.String()+".conf")
	s.ResolvDir = filepath.Join(p.opts.ResolvDir, s.Namespace.String())
	s.config = req.Config
	log = log.WithFields(logrus.Fields{"iface": s.Interface, "netns": s.Namespace, "subnet": s.Subnet})
	setState(StateConfigParsed)

	defer func() {
		if err != nil {
			setState(StateFailed)
		}
		p.teardown(s, log)
		setState(StateTornDown)
	}()
	// хвосты прошлого упавшего запуска с теми же именами
	p.teardown(s, log)

	if err = p.claimAddress(ctx, s, log); err != nil {
		return err
	}
	if err = p.setup(ctx, s, log, setState); err != nil {
		return err
	}
	if !p.renew(s) {
		log.WithField("id_ttl", p.opts.IDTTL).Error("tunnel ids expired during setup")
		return fmt.Errorf("%w: tunnel ids expired", ErrSetup)
	}

	err = fn(ctx, &Tunnel{p: p, s: s, log: log})
	if err == nil && state == StateWireGuardApplied {
		setState(StateProbed)
	}
	return err
}

// reserveIDs подбирает и резервирует интерфейс+namespace, veth и подсеть.
// Конфликт перегенерирует только конфликтующий идентификатор.
func (p *Provisioner) reserveIDs(ctx context.Context, peerID string, log *logrus.Entry) (Session, error) {
	s := Session{claims: map[string]reserve.Token{}}
	var haveIface, haveVeth, haveSub bool
	ttl := p.opts.IDTTL
	release := func() { p.release(s) }

	for attempt := 1; ; attempt++ {
		if !haveIface {
			iface, err := interfaceName(peerID, p.suffix())
			if err != nil {
				release()
				return Session{}, err
			}
			ns, err := namespaceName(iface)
			if err != nil {
				release()
				return Session{}, err
			}
			ik, nk := reserve.Key(reserve.KindInterface, iface.String()), reserve.Key(reserve.KindNamespace, ns.String())
			if itok, ok := p.table.Claim(ik, ttl); ok {
				if ntok, ok := p.table.Claim(nk, ttl); ok {
					s.Interface, s.Namespace, haveIface = iface, ns, true
					s.claims[ik], s.claims[nk] = itok, ntok
				} else {
					p.table.ReleaseIf(ik, itok)
				}
			}
		}
		if !haveVeth {
			host, peer, err := vethNames(p.suffix())
			if err != nil {
				release()
				return Session{}, err
			}
			vk := reserve.Key(reserve.KindVeth, host.String())
			if tok, ok := p.table.Claim(vk, ttl); ok {
				s.VethHost, s.VethPeer, haveVeth = host, peer, true
				s.claims[vk] = tok
			}
		}
		if !haveSub {
			sub := subnet(p.octet())
			sk := reserve.Key(reserve.KindSubnet, sub.String())
			if tok, ok := p.table.Claim(sk, ttl); ok {
				s.Subnet, haveSub = sub, true
				s.claims[sk] = tok
			}
		}
		if haveIface && haveVeth && haveSub {
			return s, nil
		}
		// уже взятые ключи не должны протухнуть за время backoff
		p.renew(s)

		if attempt >= p.opts.IDAttempts {
			release()
			log.WithField("attempts", attempt).Error("exceeded attempts to generate unique tunnel ids")
			return Session{}, fmt.Errorf("%w for peer %s after %d attempts", ErrIdentifierCollision, peerID, attempt)
		}
		wait := time.Duration(attempt) * p.opts.IDBackoff
		log.WithFields(logrus.Fields{"attempt": attempt, "wait": wait}).Info("tunnel id collision, regenerating")
		select {
		case <-ctx.Done():
			release()
			return Session{}, ctx.Err()
		case <-p.clock.After(wait):
		}
	}
}

func (p *Provisioner) run(ctx context.Context, c Command) (cmdrun.Result, error) {
	return p.runner.Run(ctx, c.Argv())
}

// setup строит namespace, veth, NAT и wg-интерфейс.
func (p *Provisioner) setup(ctx context.Context, s Session, log *logrus.Entry, setState func(State)) error {
	if err := p.writeConfigs(s); err != nil {
		log.WithError(err).Error("write wireguard config files")
		return fmt.Errorf("%w: write config files", ErrSetup)
	}

	gw := hostAddr(s.Subnet)
	namespace := []Command{
		NetnsAdd(s.Namespace),
		LoopbackUp(s.Namespace),
		WireGuardAdd(s.Namespace, s.Interface),
		VethAdd(s.VethHost, s.VethPeer),
		LinkSetNetns(s.VethPeer, s.Namespace),
		AddrAdd(gw, s.VethHost),
		LinkUp(s.VethHost),
		AddrAddIn(s.Namespace, nsAddr(s.Subnet), s.VethPeer),
		LinkUpIn(s.Namespace, s.VethPeer),
		EnableForwarding(),
		NATAdd(s.Subnet, s.Egress),
	}
	if err := p.runAll(ctx, namespace, log); err != nil {
		return err
	}
	setState(StateNamespaceUp)

	wg := []Command{
		WgSetConf(s.Namespace, s.Interface, s.SetConfPath),
		AddrAddIn(s.Namespace, s.Address, s.Interface),
		LinkUpIn(s.Namespace, s.Interface),
		DefaultRouteVia(s.Namespace, s.Interface),
		HostRoute(s.Namespace, s.Endpoint.Addr(), gw.Addr()),
	}
	if err := p.runAll(ctx, wg, log); err != nil {
		return err
	}
	if err := p.writeResolv(s); err != nil {
		log.WithError(err).Error("write namespace resolv.conf")
		return fmt.Errorf("%w: write resolv.conf", ErrSetup)
	}
	setState(StateWireGuardApplied)
	return nil
}

func (p *Provisioner) runAll(ctx context.Context, cmds []Command, log *logrus.Entry) error {
	for _, c := range cmds {
		res, err := p.run(ctx, c)
		if err != nil {
			// вывод команды остаётся в логах и не уходит в вердикт
			log.WithError(err).WithFields(logrus.Fields{"cmd": c.String(), "stderr": res.Stderr}).Warn("tunnel setup command failed")
			return fmt.Errorf("%w: %s", ErrSetup, c)
		}
	}
	return nil
}

func (p *Provisioner) writeConfigs(s Session) error {
	if err := p.fs.MkdirAll(p.opts.ConfigDir, 0o755); err != nil {
		return err
	}
	if err := afero.WriteFile(p.fs, s.ConfigPath, []byte(s.config.Text), 0o600); err != nil {
		return err
	}
	return afero.WriteFile(p.fs, s.SetConfPath, []byte(s.config.SetConf(s.Endpoint)), 0o600)
}

func (p *Provisioner) writeResolv(s Session) error {
	if err := p.fs.MkdirAll(s.ResolvDir, 0o755); err != nil {
		return err
	}
	return afero.WriteFile(p.fs, filepath.Join(s.ResolvDir, "resolv.conf"),
		[]byte(fmt.Sprintf("nameserver %s\n", p.opts.Nameserver)), 0o644)
}

// teardown никогда не возвращает ошибку: «не существует» — нормальный исход.
func (p *Provisioner) teardown(s Session, log *logrus.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.TeardownTimeout)
	defer cancel()

	cmds := []Command{
		LinkDel(s.VethHost),
		LinkDel(s.VethPeer),
		LinkDelIn(s.Namespace, s.Interface),
		NetnsDel(s.Namespace),
		NATDel(s.Subnet, s.Egress),
	}
	for _, c := range cmds {
		if _, err := p.run(ctx, c); err != nil {
			log.WithError(err).WithField("cmd", c.String()).Debug("teardown step skipped")
		}
	}
	for _, path := range []string{s.ConfigPath, s.SetConfPath} {
		if path == "" {
			continue
		}
		if err := p.fs.Remove(path); err != nil && !isNotExist(err) {
			log.WithError(err).WithField("path", path).Warn("remove tunnel config")
		}
	}
	if s.ResolvDir != "" {
		if err := p.fs.RemoveAll(s.ResolvDir); err != nil {
			log.WithError(err).WithField("path", s.ResolvDir).Warn("remove namespace resolv dir")
		}
	}
}
