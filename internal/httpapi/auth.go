package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// authorizeBearer accepts any request when token is empty.
func authorizeBearer(authHeader, token string) *authError {
	if token == "" {
		return nil
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	presented := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
		return &authError{
			status:  http.StatusForbidden,
			code:    "forbidden",
			message: "bearer token rejected",
		}
	}
	return nil
}
