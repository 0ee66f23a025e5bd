package middleware

import (
	"context"
	"net/http"
	"regexp"

	"github.com/google/uuid"
)

// RequestIDHeader — заголовок, в котором id запроса приходит и уходит.
const RequestIDHeader = "X-Request-Id"

type reqIDKey struct{}

// id от клиента: только короткий и без управляющих символов
var validRequestID = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// RequestID берёт id запроса от клиента или прокси, либо выдаёт новый uuid,
// и кладёт его в контекст и в ответ.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if !validRequestID.MatchString(id) {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), reqIDKey{}, id)))
	})
}

// GetRequestID — id текущего запроса; пусто, если RequestID не стоит в цепочке.
func GetRequestID(r *http.Request) string {
	id, _ := r.Context().Value(reqIDKey{}).(string)
	return id
}
