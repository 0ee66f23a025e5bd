// Package verify проверяет WireGuard-конфиг майнера: поднимает по нему
// туннель, забирает через него challenge и классифицирует майнера.
package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"tpn/internal/challenge"
	"tpn/internal/logs"
	"tpn/internal/models"
	"tpn/internal/netns"
	"tpn/internal/vpn/wireguard"
)

// saveTimeout ограничивает запись вердикта, когда ctx вызывающего уже истёк.
const saveTimeout = 10 * time.Second

var verifications = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "tpn_verifications_total",
	Help: "Tunnel verifications by resulting miner status.",
}, []string{"status"})

func init() {
	prometheus.MustRegister(verifications)
}

type Ledger interface {
	Generate(ctx context.Context, minerUID string) (string, error)
	Solve(ctx context.Context, challenge, response string, readOnly bool) (challenge.Solution, error)
}

// Tunneler — *netns.Provisioner.
type Tunneler interface {
	WithTunnel(ctx context.Context, req netns.Request, fn func(context.Context, *netns.Tunnel) error) error
}

type StatusStore interface {
	Save(ctx context.Context, minerUID string, status models.MinerStatusValue) error
}

type VerificationStore interface {
	Save(ctx context.Context, v *models.Verification) error
}

// Request — то, что прислал майнер. ClaimedIP опционален: пустой —
// проверка соответствия Endpoint пропускается.
type Request struct {
	MinerUID   string `json:"miner_uid"`
	PeerConfig string `json:"peer_config"`
	PeerID     string `json:"peer_id"`
	ClaimedIP  string `json:"miner_ip,omitempty"`
}

type Verdict struct {
	Valid     bool                    `json:"valid"`
	Status    models.MinerStatusValue `json:"status"`
	Message   string                  `json:"message"`
	Challenge string                  `json:"challenge,omitempty"`
	MsToSolve int64                   `json:"ms_to_solve,omitempty"`
}

type Verifier struct {
	ledger        Ledger
	tunnels       Tunneler
	resolver      netns.Resolver
	statuses      StatusStore
	verifications VerificationStore
	publicURL     *url.URL
}

// New: publicURL — база, от которой майнер отдаёт /challenge/{id}.
func New(ledger Ledger, tunnels Tunneler, resolver netns.Resolver, statuses StatusStore, verifications VerificationStore, publicURL string) (*Verifier, error) {
	u, err := url.Parse(publicURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid public url %q", publicURL)
	}
	return &Verifier{
		ledger:        ledger,
		tunnels:       tunnels,
		resolver:      resolver,
		statuses:      statuses,
		verifications: verifications,
		publicURL:     u,
	}, nil
}

// challengeURL — <public_url>/challenge/<challenge>.
func (v *Verifier) challengeURL(c string) string {
	u := *v.publicURL
	u.Path = strings.TrimSuffix(u.Path, "/") + "/challenge/" + url.PathEscape(c)
	u.RawQuery = ""
	return u.String()
}

// Verify прогоняет полную проверку. Ошибка возвращается только при сбое
// хранилища или исчерпании идентификаторов туннеля; всё, что связано с
// самим майнером, уходит в Verdict и историю статусов.
func (v *Verifier) Verify(ctx context.Context, req Request) (Verdict, error) {
	if req.MinerUID == "" {
		req.MinerUID = models.UnknownMiner
	}
	tag := uuid.NewString()[:8]
	log := logs.Tagged(tag).WithFields(logrus.Fields{"miner_uid": req.MinerUID, "peer_id": req.PeerID})
	rec := &models.Verification{MinerUID: req.MinerUID, PeerID: req.PeerID}

	verdict, err := v.verify(ctx, req, tag, rec, log)
	if err != nil {
		log.WithError(err).Error("verification aborted")
		return Verdict{}, err
	}

	// вердикт по таймауту тоже попадает в историю
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()
	if err := v.statuses.Save(saveCtx, req.MinerUID, verdict.Status); err != nil {
		return Verdict{}, fmt.Errorf("save miner status: %w", err)
	}
	rec.Valid, rec.Status, rec.Message = verdict.Valid, verdict.Status, verdict.Message
	rec.Challenge, rec.MsToSolve = verdict.Challenge, verdict.MsToSolve
	if err := v.verifications.Save(saveCtx, rec); err != nil {
		return Verdict{}, fmt.Errorf("save verification: %w", err)
	}
	verifications.WithLabelValues(string(verdict.Status)).Inc()
	log.WithFields(logrus.Fields{"status": verdict.Status, "valid": verdict.Valid}).Info("verification finished")
	return verdict, nil
}

func fail(status models.MinerStatusValue, format string, args ...any) Verdict {
	return Verdict{Status: status, Message: fmt.Sprintf(format, args...)}
}

func (v *Verifier) verify(ctx context.Context, req Request, tag string, rec *models.Verification, log *logrus.Entry) (Verdict, error) {
	cfg, err := wireguard.Parse(req.PeerConfig)
	if err != nil {
		log.WithError(err).Info("peer config rejected")
		return fail(models.MinerMisconfigured, "wireguard config for peer %s: %v", req.PeerID, err), nil
	}

	endpoint, err := v.resolver.Resolve(ctx, cfg.EndpointHost)
	if err != nil {
		log.WithError(err).Info("endpoint resolution failed")
		return fail(models.MinerMisconfigured, "could not resolve endpoint %s of peer %s", cfg.EndpointHost, req.PeerID), nil
	}

	if req.ClaimedIP != "" {
		claimed, err := netip.ParseAddr(req.ClaimedIP)
		if err != nil {
			return fail(models.MinerMisconfigured, "claimed miner ip %q is not an ip address", req.ClaimedIP), nil
		}
		if err := wireguard.CheckClaimedIP(endpoint, claimed); err != nil {
			log.WithError(err).Warn("endpoint does not match claimed miner ip")
			return fail(models.MinerCheat, "wireguard config for peer %s: %v", req.PeerID, err), nil
		}
	}

	c, err := v.ledger.Generate(ctx, req.MinerUID)
	if err != nil {
		return Verdict{}, fmt.Errorf("generate challenge: %w", err)
	}
	rec.Challenge = c

	var verdict Verdict
	err = v.tunnels.WithTunnel(ctx, netns.Request{PeerID: req.PeerID, Config: cfg, Endpoint: endpoint, Tag: tag},
		func(ctx context.Context, tun *netns.Tunnel) error {
			raw, err := tun.Fetch(ctx, v.challengeURL(c))
			if err != nil {
				return err
			}
			rec.Reply = datatypes.JSON(raw)
			verdict, err = v.judge(ctx, req.PeerID, c, raw)
			return err
		})
	switch {
	case err == nil:
	case errors.Is(err, netns.ErrIdentifierCollision):
		return Verdict{}, err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fail(models.MinerOffline, "verification of peer %s timed out", req.PeerID), nil
	case errors.Is(err, netns.ErrNoJSON):
		return fail(models.MinerOffline, "no json response from peer %s through the tunnel", req.PeerID), nil
	case errors.Is(err, netns.ErrProbe):
		return fail(models.MinerOffline, "challenge url unreachable through the tunnel of peer %s", req.PeerID), nil
	case errors.Is(err, netns.ErrAddressConflict):
		return fail(models.MinerOffline, "tunnel address of peer %s is in use, try again later", req.PeerID), nil
	case errors.Is(err, netns.ErrSetup):
		return fail(models.MinerOffline, "could not bring up the tunnel of peer %s", req.PeerID), nil
	default:
		// ошибки хранилища из judge
		return Verdict{}, err
	}
	verdict.Challenge = c
	return verdict, nil
}

// judge сверяет response из ответа майнера с ledger'ом.
func (v *Verifier) judge(ctx context.Context, peerID, c string, raw json.RawMessage) (Verdict, error) {
	var reply struct {
		Response *string `json:"response"`
	}
	if err := json.Unmarshal(raw, &reply); err != nil || reply.Response == nil {
		return fail(models.MinerMisconfigured, "challenge reply of peer %s has no response field", peerID), nil
	}
	sol, err := v.ledger.Solve(ctx, c, *reply.Response, false)
	if err != nil {
		return Verdict{}, fmt.Errorf("solve challenge: %w", err)
	}
	if !sol.Correct {
		return fail(models.MinerCheat, "wireguard config failed challenge for peer %s", peerID), nil
	}
	return Verdict{
		Valid:     true,
		Status:    models.MinerOnline,
		Message:   fmt.Sprintf("wireguard config passed for peer %s", peerID),
		MsToSolve: sol.MsToSolve,
	}, nil
}
