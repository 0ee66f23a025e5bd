package health

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"gorm.io/gorm"

	"tpn/internal/models"
)

// Check — одна проверка готовности; nil — всё в порядке.
type Check func(ctx context.Context) error

// RegisterRoutes — liveness + readiness по набору проверок.
func RegisterRoutes(r *mux.Router, checks map[string]Check) {
	r.HandleFunc("/healthz", liveness).Methods(http.MethodGet)
	r.HandleFunc("/readyz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 3*time.Second)
		defer cancel()

		names := make([]string, 0, len(checks))
		for n := range checks {
			names = append(names, n)
		}
		sort.Strings(names)

		failed := map[string]string{}
		for _, n := range names {
			if err := checks[n](ctx); err != nil {
				failed[n] = err.Error()
			}
		}
		if len(failed) > 0 {
			models.WriteProblem(w, http.StatusServiceUnavailable, "Not Ready", "readiness checks failed", failed)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}).Methods(http.MethodGet)
}

// DB — пинг БД.
func DB(db *gorm.DB) Check {
	return func(ctx context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}
}

func liveness(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}
