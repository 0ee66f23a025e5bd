// Package api — HTTP-поверхность валидатора и майнера.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"tpn/internal/challenge"
	"tpn/internal/lease"
	"tpn/internal/logs"
	"tpn/internal/middleware"
	"tpn/internal/models"
	"tpn/internal/verify"
)

type Ledger interface {
	Generate(ctx context.Context, minerUID string) (string, error)
	Resolve(ctx context.Context, challenge string) (models.Challenge, error)
	Solve(ctx context.Context, challenge, response string, readOnly bool) (challenge.Solution, error)
}

type LeaseIssuer interface {
	NewConfig(ctx context.Context, req lease.Request) (*lease.Lease, error)
}

type Verifier interface {
	Verify(ctx context.Context, req verify.Request) (verify.Verdict, error)
}

type StatusReader interface {
	Last(ctx context.Context, minerUID string) (*models.MinerStatus, error)
	History(ctx context.Context, minerUID string, from, to time.Time) ([]models.MinerStatus, error)
}

// Deps — зависимости обработчиков. Группа маршрутов регистрируется только
// если её зависимость задана: майнеру нужен Leases, валидатору остальное.
type Deps struct {
	Ledger     Ledger
	Leases     LeaseIssuer
	Verifier   Verifier
	Statuses   StatusReader
	PublicURL  string // база для challenge_url
	TrustProxy bool   // X-Forwarded-For выставляет доверенный прокси
}

type Handler struct {
	d Deps
}

func NewHandler(d Deps) *Handler { return &Handler{d: d} }

func logFor(r *http.Request) *logrus.Entry {
	return logs.Logger.WithField("reqid", middleware.GetRequestID(r))
}

// clientIP — адрес, с которого пришёл запрос. X-Forwarded-For учитывается
// только за доверенным прокси.
func clientIP(r *http.Request, trustProxy bool) (netip.Addr, bool) {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if a, err := netip.ParseAddr(strings.TrimSpace(first)); err == nil {
				return a.Unmap(), true
			}
		}
	}
	ap, err := netip.ParseAddrPort(r.RemoteAddr)
	if err != nil {
		return netip.Addr{}, false
	}
	return ap.Addr().Unmap(), true
}

// NewChallenge — GET /challenge/new?miner_uid=
func (h *Handler) NewChallenge(w http.ResponseWriter, r *http.Request) {
	uid := r.URL.Query().Get("miner_uid")
	if uid == "" {
		logFor(r).Warn("challenge requested without miner_uid")
		uid = models.UnknownMiner
	}
	c, err := h.d.Ledger.Generate(r.Context(), uid)
	if err != nil {
		logFor(r).WithError(err).Error("generate challenge")
		models.WriteInternal(w)
		return
	}
	u, err := url.Parse(h.d.PublicURL)
	if err != nil {
		logFor(r).WithError(err).Error("parse public url")
		models.WriteInternal(w)
		return
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/challenge/" + url.PathEscape(c)
	u.RawQuery = url.Values{"miner_uid": {uid}}.Encode()
	models.WriteJSON(w, http.StatusOK, map[string]string{
		"challenge":     c,
		"challenge_url": u.String(),
	})
}

// GetChallenge — GET /challenge/{challenge}: отдаёт response. Этот маршрут
// дёргается через туннель майнера.
func (h *Handler) GetChallenge(w http.ResponseWriter, r *http.Request) {
	c := mux.Vars(r)["challenge"]
	rec, err := h.d.Ledger.Resolve(r.Context(), c)
	if err != nil {
		logFor(r).WithError(err).Error("resolve challenge")
		models.WriteInternal(w)
		return
	}
	if rec.Response == "" {
		models.WriteProblem(w, http.StatusNotFound, "Not Found", "unknown challenge", nil)
		return
	}
	models.WriteJSON(w, http.StatusOK, map[string]any{
		"response":  rec.Response,
		"miner_uid": rec.MinerUID,
		"created":   rec.Created,
	})
}

// CheckSolution — GET /challenge/{challenge}/{response}: проверка без записи.
func (h *Handler) CheckSolution(w http.ResponseWriter, r *http.Request) {
	h.solve(w, r, true)
}

type solveBody struct {
	WireGuardConfig *struct {
		PeerConfig string          `json:"peer_config"`
		PeerID     json.RawMessage `json:"peer_id"`
	} `json:"wireguard_config"`
}

type solveReply struct {
	challenge.Solution
	Verdict *verify.Verdict `json:"verdict,omitempty"`
}

// Solve — POST /challenge/{challenge}/{response}. Если в теле есть
// wireguard_config, после верного ответа конфиг проверяется через туннель.
func (h *Handler) Solve(w http.ResponseWriter, r *http.Request) {
	h.solve(w, r, false)
}

func (h *Handler) solve(w http.ResponseWriter, r *http.Request, readOnly bool) {
	vars := mux.Vars(r)
	c, resp := vars["challenge"], vars["response"]

	var body solveBody
	if !readOnly && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			models.WriteBadRequest(w, "invalid json body")
			return
		}
	}

	sol, err := h.d.Ledger.Solve(r.Context(), c, resp, readOnly)
	if err != nil {
		logFor(r).WithError(err).Error("solve challenge")
		models.WriteInternal(w)
		return
	}
	out := solveReply{Solution: sol}
	if sol.Correct && body.WireGuardConfig != nil && h.d.Verifier != nil {
		// Endpoint конфига должен совпасть с адресом, с которого прислали ответ
		var claimed string
		if ip, ok := clientIP(r, h.d.TrustProxy); ok && ip.Is4() {
			claimed = ip.String()
		} else {
			logFor(r).WithField("remote_addr", r.RemoteAddr).Warn("no ipv4 client address, endpoint ownership not checked")
		}
		verdict, err := h.d.Verifier.Verify(r.Context(), verify.Request{
			MinerUID:   r.URL.Query().Get("miner_uid"),
			PeerConfig: body.WireGuardConfig.PeerConfig,
			PeerID:     strings.Trim(string(body.WireGuardConfig.PeerID), `"`),
			ClaimedIP:  claimed,
		})
		if err != nil {
			logFor(r).WithError(err).Error("verify wireguard config")
			models.WriteInternal(w)
			return
		}
		out.Verdict = &verdict
	}
	models.WriteJSON(w, http.StatusOK, out)
}

// VerifyConfig — POST /wireguard/verify.
func (h *Handler) VerifyConfig(w http.ResponseWriter, r *http.Request) {
	var req verify.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		models.WriteBadRequest(w, "invalid json body")
		return
	}
	verdict, err := h.d.Verifier.Verify(r.Context(), req)
	if err != nil {
		logFor(r).WithError(err).Error("verify wireguard config")
		models.WriteInternal(w)
		return
	}
	models.WriteJSON(w, http.StatusOK, verdict)
}

// NewLease — GET /wireguard/new?lease_minutes=&validator=
func (h *Handler) NewLease(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	raw := q.Get("lease_minutes")
	if raw == "" {
		models.WriteBadRequest(w, "lease_minutes is required")
		return
	}
	minutes, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(minutes) {
		models.WriteBadRequest(w, "lease_minutes must be a number")
		return
	}
	if err := lease.ValidateMinutes(minutes); err != nil {
		models.WriteBadRequest(w, err.Error())
		return
	}
	validator, _ := strconv.ParseBool(q.Get("validator"))

	l, err := h.d.Leases.NewConfig(r.Context(), lease.Request{Validator: validator, Minutes: minutes})
	var noSlots *lease.NoAvailableSlotsError
	switch {
	case err == nil:
		models.WriteJSON(w, http.StatusOK, l)
	case errors.As(err, &noSlots):
		secs := int(math.Ceil(noSlots.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		models.WriteProblem(w, http.StatusServiceUnavailable, "No Available Slots", err.Error(),
			map[string]any{"retry_after_s": secs})
	case errors.Is(err, context.DeadlineExceeded):
		models.WriteProblem(w, http.StatusServiceUnavailable, "Busy", "timed out waiting for the lease lock", nil)
	case errors.Is(err, lease.ErrLockLost):
		models.WriteProblem(w, http.StatusServiceUnavailable, "Busy", "lease allocation was interrupted, retry", nil)
	default:
		logFor(r).WithError(err).Error("issue wireguard lease")
		models.WriteInternal(w)
	}
}

// MinerStatus — GET /miners/{uid}/status[?from=&to=] (RFC 3339).
// Без from — последний статус, с from — история окна.
func (h *Handler) MinerStatus(w http.ResponseWriter, r *http.Request) {
	uid := mux.Vars(r)["uid"]
	q := r.URL.Query()

	if q.Get("from") == "" {
		st, err := h.d.Statuses.Last(r.Context(), uid)
		if err != nil {
			logFor(r).WithError(err).Error("read miner status")
			models.WriteInternal(w)
			return
		}
		if st == nil {
			models.WriteProblem(w, http.StatusNotFound, "Not Found", fmt.Sprintf("no status recorded for miner %s", uid), nil)
			return
		}
		models.WriteJSON(w, http.StatusOK, st)
		return
	}

	from, err := time.Parse(time.RFC3339, q.Get("from"))
	if err != nil {
		models.WriteBadRequest(w, "from must be an RFC 3339 timestamp")
		return
	}
	var to time.Time
	if s := q.Get("to"); s != "" {
		if to, err = time.Parse(time.RFC3339, s); err != nil {
			models.WriteBadRequest(w, "to must be an RFC 3339 timestamp")
			return
		}
	}
	rows, err := h.d.Statuses.History(r.Context(), uid, from, to)
	if err != nil {
		logFor(r).WithError(err).Error("read miner status history")
		models.WriteInternal(w)
		return
	}
	if rows == nil {
		rows = []models.MinerStatus{}
	}
	models.WriteJSON(w, http.StatusOK, rows)
}
