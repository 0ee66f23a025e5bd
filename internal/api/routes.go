package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

// RegisterRoutes вешает маршруты тех групп, для которых заданы зависимости.
// Служебные маршруты закрыты shared secret'ом.
func RegisterRoutes(r *mux.Router, h *Handler, sharedSecret string) {
	auth := SharedSecretAuth(sharedSecret)
	protected := func(fn http.HandlerFunc) http.Handler { return auth(fn) }

	if h.d.Ledger != nil {
		r.Handle("/challenge/new", protected(h.NewChallenge)).Methods(http.MethodGet)
		r.HandleFunc("/challenge/{challenge}", h.GetChallenge).Methods(http.MethodGet)
		r.HandleFunc("/challenge/{challenge}/{response}", h.CheckSolution).Methods(http.MethodGet)
		r.Handle("/challenge/{challenge}/{response}", protected(h.Solve)).Methods(http.MethodPost)
	}
	if h.d.Verifier != nil {
		r.Handle("/wireguard/verify", protected(h.VerifyConfig)).Methods(http.MethodPost)
	}
	if h.d.Leases != nil {
		r.Handle("/wireguard/new", protected(h.NewLease)).Methods(http.MethodGet)
	}
	if h.d.Statuses != nil {
		r.HandleFunc("/miners/{uid}/status", h.MinerStatus).Methods(http.MethodGet)
	}
}
