package apiserver

import (
	"errors"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// adminTokenMiddleware guards mutating routes with a bearer token checked
// against a bcrypt hash. An empty hash leaves the routes open, matching a
// deployment that fronts the service with its own access control.
func adminTokenMiddleware(tokenHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tokenHash == "" {
				next.ServeHTTP(w, r)
				return
			}

			authorization := r.Header.Get("Authorization")
			token := strings.TrimPrefix(authorization, "Bearer ")
			if token == "" || token == authorization {
				writeError(w, http.StatusForbidden, errors.New("forbidden to use"))
				return
			}

			if err := bcrypt.CompareHashAndPassword([]byte(tokenHash), []byte(token)); err != nil {
				writeError(w, http.StatusForbidden, errors.New("forbidden to use"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
