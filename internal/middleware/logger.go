package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"tpn/internal/logs"
)

var requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "tpn_http_request_duration_seconds",
	Help:    "HTTP request latency by route template and status code.",
	Buckets: prometheus.DefBuckets,
}, []string{"method", "route", "code"})

func init() { prometheus.MustRegister(requestDuration) }

type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusWriter) WriteHeader(code int) { w.status = code; w.ResponseWriter.WriteHeader(code) }
func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// LoggerMW пишет access-лог и гистограмму длительности. В метрике —
// шаблон маршрута, а не URI, чтобы challenge не раздували кардинальность.
func LoggerMW(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(sw, r)
		d := time.Since(start)
		if sw.status == 0 {
			sw.status = http.StatusOK
		}

		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		requestDuration.WithLabelValues(r.Method, route, strconv.Itoa(sw.status)).Observe(d.Seconds())

		logs.Logger.WithFields(logrus.Fields{
			"reqid":  GetRequestID(r),
			"method": r.Method,
			"route":  route,
			"status": sw.status,
			"bytes":  sw.bytes,
			"dur":    d,
			"ip":     r.RemoteAddr,
		}).Info("http request")
	})
}
