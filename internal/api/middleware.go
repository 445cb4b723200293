package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	camerrors "github.com/camctl/cam/internal/errors"
)

// withMiddleware wraps the mux with CORS and bearer auth.
func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		if !s.authorized(r) {
			writeError(w, camerrors.Forbidden("invalid or missing bearer token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authorized checks the bearer token. Health stays open so probes work
// unauthenticated; streaming endpoints also accept ?token= because
// EventSource cannot set headers.
func (s *Server) authorized(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}
	if r.URL.Path == "/api/health" {
		return true
	}

	token := ""
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		token = strings.TrimPrefix(h, "Bearer ")
	} else if q := r.URL.Query().Get("token"); q != "" {
		token = q
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) == 1
}
