package middleware

import (
	"net/http"

	"github.com/forgeline/director/pkg/requestid"
	"github.com/go-chi/chi/v5/middleware"
)

// RequestID takes the id from the X-Request-Id header, falls back to chi's generated id and
// finally to a fresh uuid. The id is echoed back so directorctl can print it on errors.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(requestid.Header)

		if requestID == "" {
			requestID = middleware.GetReqID(r.Context())
		}

		if requestID == "" {
			requestID = requestid.Generate()
		}

		w.Header().Set(requestid.Header, requestID)
		next.ServeHTTP(w, r.WithContext(requestid.ToContext(r.Context(), requestID)))
	})
}
