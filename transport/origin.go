package transport

import (
	"net/http"
)

// OriginValidationMiddleware rejects browser requests whose Origin header is
// not allowed. Requests without Origin pass; "*" allows any origin.
func OriginValidationMiddleware(allowed []string) Middleware {
	return func(next http.Handler) http.Handler {
		if len(allowed) == 0 {
			return next
		}
		allowedMap := make(map[string]bool, len(allowed))
		for _, v := range allowed {
			allowedMap[v] = true
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" || allowedMap["*"] || allowedMap[origin] {
				next.ServeHTTP(w, r)
				return
			}
			http.Error(w, "origin not allowed", http.StatusForbidden)
		})
	}
}
