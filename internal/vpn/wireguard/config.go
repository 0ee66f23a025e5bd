package wireguard

import (
	"bufio"
	"fmt"
	"net"
	"net/netip"
	"regexp"
	"strconv"
	"strings"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// Kind — классификация ошибки валидации конфига.
type Kind int

const (
	// Misconfigured — конфиг сломан на стороне майнера.
	Misconfigured Kind = iota
	// Impersonation — Endpoint указывает не на тот IP, который заявлен майнером.
	Impersonation
)

func (k Kind) String() string {
	if k == Impersonation {
		return "impersonation"
	}
	return "misconfigured"
}

// ValidationError перечисляет все найденные проблемы конфига.
type ValidationError struct {
	Kind     Kind
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("wireguard config is %s: %s", e.Kind, strings.Join(e.Problems, ", "))
}

func misconfigured(problems ...string) *ValidationError {
	return &ValidationError{Kind: Misconfigured, Problems: problems}
}

// RequiredFields — подстроки, без которых конфиг отклоняется сразу.
var RequiredFields = []string{
	"[Interface]", "[Peer]",
	"Address", "PrivateKey", "ListenPort",
	"PublicKey", "PresharedKey", "AllowedIPs", "Endpoint",
}

// PeerConfig — разобранный и проверенный конфиг пира.
type PeerConfig struct {
	Address      netip.Prefix // всегда с длиной префикса
	PrivateKey   wgtypes.Key
	ListenPort   int
	DNS          []netip.Addr
	PublicKey    wgtypes.Key
	PresharedKey wgtypes.Key
	AllowedIPs   []netip.Prefix
	EndpointHost string // IP или имя хоста, как в конфиге
	EndpointPort int
	Keepalive    int

	// Text — исходный текст с нормализованной строкой Address.
	Text string
}

// EndpointAddr — Endpoint как IPv4, если он уже задан адресом.
func (c *PeerConfig) EndpointAddr() (netip.Addr, bool) {
	a, err := netip.ParseAddr(c.EndpointHost)
	if err != nil || !a.Is4() {
		return netip.Addr{}, false
	}
	return a, true
}

var (
	addressLine = regexp.MustCompile(`(?m)^([ \t]*Address[ \t]*=[ \t]*)(.*)$`)
	hostnameRe  = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]*[A-Za-z0-9])?(\.[A-Za-z0-9]([A-Za-z0-9-]*[A-Za-z0-9])?)*\.?$`)
)

// Parse разбирает текст wg-конфига без каких-либо побочных эффектов.
// Ошибка всегда *ValidationError вида Misconfigured.
func Parse(text string) (*PeerConfig, error) {
	if strings.TrimSpace(text) == "" {
		return nil, misconfigured("no wireguard config provided")
	}
	var missing []string
	for _, f := range RequiredFields {
		if !strings.Contains(text, f) {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return nil, misconfigured("missing required properties: " + strings.Join(missing, ", "))
	}

	iface, peer := sections(text)
	cfg := &PeerConfig{}
	var problems []string
	bad := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }

	required := func(sec map[string]string, key string) (string, bool) {
		v := sec[strings.ToLower(key)]
		if v == "" {
			bad("%s is empty", key)
			return "", false
		}
		return v, true
	}

	if v, ok := required(iface, "Address"); ok {
		p, err := parseAddress(v)
		if err != nil {
			bad("Address is not a valid IPv4 address")
		} else {
			cfg.Address = p
		}
	}
	parseKey := func(sec map[string]string, name string, dst *wgtypes.Key) {
		if v, ok := required(sec, name); ok {
			k, err := wgtypes.ParseKey(v)
			if err != nil {
				bad("%s is not a valid base64 key", name)
				return
			}
			*dst = k
		}
	}
	parseKey(iface, "PrivateKey", &cfg.PrivateKey)
	parseKey(peer, "PublicKey", &cfg.PublicKey)
	parseKey(peer, "PresharedKey", &cfg.PresharedKey)

	if v, ok := required(iface, "ListenPort"); ok {
		port, err := strconv.Atoi(v)
		if err != nil || port < 0 || port > 65535 {
			bad("ListenPort is not a number")
		} else {
			cfg.ListenPort = port
		}
	}

	if v := iface["dns"]; v != "" {
		for _, s := range splitList(v) {
			a, err := netip.ParseAddr(s)
			if err != nil || !a.Is4() {
				bad("DNS is not a valid IP address")
				cfg.DNS = nil
				break
			}
			cfg.DNS = append(cfg.DNS, a)
		}
	}

	if v, ok := required(peer, "AllowedIPs"); ok {
		var has4 bool
		for _, s := range splitList(v) {
			p, err := parsePrefix(s)
			if err != nil {
				has4 = false
				break
			}
			has4 = has4 || p.Addr().Is4()
			cfg.AllowedIPs = append(cfg.AllowedIPs, p)
		}
		if !has4 {
			bad("AllowedIPs is not a valid IP address")
		}
	}

	if v, ok := required(peer, "Endpoint"); ok {
		host, port, err := splitEndpoint(v)
		if err != nil {
			bad("Endpoint must be host:port")
		} else {
			cfg.EndpointHost, cfg.EndpointPort = host, port
		}
	}

	if v := peer["persistentkeepalive"]; v != "" && !strings.EqualFold(v, "off") {
		ka, err := strconv.Atoi(v)
		if err != nil || ka < 0 || ka > 65535 {
			bad("PersistentKeepalive is not a number")
		} else {
			cfg.Keepalive = ka
		}
	}

	if len(problems) > 0 {
		return nil, misconfigured(problems...)
	}
	cfg.Text = rewriteAddress(text, cfg.Address)
	return cfg, nil
}

// CheckClaimedIP сверяет IP эндпоинта с заявленным IP майнера.
// Невалидный claimed означает «не проверять».
func CheckClaimedIP(endpoint, claimed netip.Addr) error {
	if !claimed.IsValid() || endpoint == claimed {
		return nil
	}
	return &ValidationError{
		Kind:     Impersonation,
		Problems: []string{fmt.Sprintf("endpoint %s does not belong to miner ip %s", endpoint, claimed)},
	}
}

// SetConf возвращает конфиг в формате `wg setconf`: только ключи, понятные
// wg, и Endpoint, заменённый уже разрешённым адресом.
func (c *PeerConfig) SetConf(endpoint netip.AddrPort) string {
	var b strings.Builder
	b.WriteString("[Interface]\n")
	fmt.Fprintf(&b, "PrivateKey = %s\n", c.PrivateKey)
	if c.ListenPort > 0 {
		fmt.Fprintf(&b, "ListenPort = %d\n", c.ListenPort)
	}
	b.WriteString("\n[Peer]\n")
	fmt.Fprintf(&b, "PublicKey = %s\n", c.PublicKey)
	fmt.Fprintf(&b, "PresharedKey = %s\n", c.PresharedKey)
	allowed := make([]string, len(c.AllowedIPs))
	for i, p := range c.AllowedIPs {
		allowed[i] = p.String()
	}
	fmt.Fprintf(&b, "AllowedIPs = %s\n", strings.Join(allowed, ", "))
	fmt.Fprintf(&b, "Endpoint = %s\n", endpoint)
	if c.Keepalive > 0 {
		fmt.Fprintf(&b, "PersistentKeepalive = %d\n", c.Keepalive)
	}
	return b.String()
}

// sections собирает ключи [Interface] и первого [Peer]; ключи в нижнем регистре.
func sections(text string) (iface, peer map[string]string) {
	iface, peer = map[string]string{}, map[string]string{}
	var cur map[string]string
	peers := 0
	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "[") {
			switch strings.ToLower(line) {
			case "[interface]":
				cur = iface
			case "[peer]":
				peers++
				cur = nil
				if peers == 1 {
					cur = peer
				}
			default:
				cur = nil
			}
			continue
		}
		if cur == nil {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k = strings.ToLower(strings.TrimSpace(k))
		if _, seen := cur[k]; !seen {
			cur[k] = strings.TrimSpace(v)
		}
	}
	return iface, peer
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// parseAddress берёт первый адрес списка; без длины префикса — /32.
func parseAddress(v string) (netip.Prefix, error) {
	list := splitList(v)
	if len(list) == 0 {
		return netip.Prefix{}, fmt.Errorf("empty address")
	}
	p, err := parsePrefix(list[0])
	if err != nil {
		return netip.Prefix{}, err
	}
	if !p.Addr().Is4() {
		return netip.Prefix{}, fmt.Errorf("not ipv4: %s", p)
	}
	return p, nil
}

func parsePrefix(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		return netip.ParsePrefix(s)
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(a, a.BitLen()), nil
}

func splitEndpoint(v string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(v)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("bad port %q", portStr)
	}
	if _, err := netip.ParseAddr(host); err != nil && !hostnameRe.MatchString(host) {
		return "", 0, fmt.Errorf("bad host %q", host)
	}
	return host, port, nil
}

// rewriteAddress заменяет значение первой строки Address нормализованным.
func rewriteAddress(text string, addr netip.Prefix) string {
	done := false
	return addressLine.ReplaceAllStringFunc(text, func(line string) string {
		if done {
			return line
		}
		done = true
		m := addressLine.FindStringSubmatch(line)
		return m[1] + addr.String()
	})
}
