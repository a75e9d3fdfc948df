package services

import (
	"net/http"
	"strconv"
)

// userIDFromContext extracts the authenticated user id placed in the request
// context by the auth middleware.
func userIDFromContext(r *http.Request) (int, bool) {
	raw, ok := r.Context().Value("userID").(string)
	if !ok || raw == "" {
		return 0, false
	}
	id, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return id, true
}
