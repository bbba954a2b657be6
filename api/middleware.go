package api

import (
	"net/http"
	"strings"

	"github.com/wusul/settlement-engine/auth"
)

// RequireSession resolves the bearer token into an actor and stores it in
// the request context. Requests without a live session get 401.
func (h *Handler) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "Login required", auth.ErrNoSession)
			return
		}

		actor, _, err := h.Auth.Authenticate(r.Context(), token)
		if err != nil {
			h.fail(w, "Login required", err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithActor(r.Context(), actor)))
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
