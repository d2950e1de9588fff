package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/ernie/squad-tracker/internal/auth"
)

type claimsKey struct{}

// TokenRequest is the request body for a client token
type TokenRequest struct {
	Client string `json:"client"`
	Secret string `json:"secret"`
}

// TokenResponse is the response body for a successful authentication
type TokenResponse struct {
	Token  string `json:"token"`
	Client string `json:"client"`
}

// handleIssueToken authenticates a bot client and returns a JWT
func (r *Router) handleIssueToken(w http.ResponseWriter, req *http.Request) {
	if r.auth == nil {
		writeError(w, http.StatusNotFound, "authentication is not configured")
		return
	}

	var body TokenRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Client == "" || body.Secret == "" {
		writeError(w, http.StatusBadRequest, "client and secret are required")
		return
	}

	token, err := r.auth.Authenticate(body.Client, body.Secret)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		r.log.Warn().Str("client", body.Client).Msg("rejected client credentials")
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}
	writeJSON(w, http.StatusOK, TokenResponse{Token: token, Client: body.Client})
}

// requireClient validates the bearer token when authentication is configured.
// Without it the routes are open, which suits a loopback-only listener.
func (r *Router) requireClient(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if r.auth == nil {
			next.ServeHTTP(w, req)
			return
		}
		claims := r.getAuthClaims(req)
		if claims == nil {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, req.WithContext(context.WithValue(req.Context(), claimsKey{}, claims)))
	})
}

// getAuthClaims extracts and validates JWT from Authorization header
func (r *Router) getAuthClaims(req *http.Request) *auth.Claims {
	authHeader := req.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return nil
	}

	claims, err := r.auth.ValidateToken(strings.TrimPrefix(authHeader, "Bearer "))
	if err != nil {
		return nil
	}
	return claims
}

// clientFrom returns the authenticated client name, or "" when auth is off
func clientFrom(ctx context.Context) string {
	if c, ok := ctx.Value(claimsKey{}).(*auth.Claims); ok {
		return c.Client
	}
	return ""
}
