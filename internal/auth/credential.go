package auth

import (
	"net/http"
	"strings"
)

// CredentialFromRequest extracts a bearer token from the upgrade request.
// The Authorization header wins over the ?token= query parameter.
func CredentialFromRequest(r *http.Request) string {
	tokenString := r.URL.Query().Get("token")

	if header := r.Header.Get("Authorization"); header != "" {
		if strings.HasPrefix(header, "Bearer ") {
			tokenString = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		} else {
			tokenString = strings.TrimSpace(header)
		}
	}

	return tokenString
}
