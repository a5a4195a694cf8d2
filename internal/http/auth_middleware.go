package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/splax/modpulse/pkg/jwt"
)

// IngestTokenHeader carries the shared secret of trusted event emitters.
const IngestTokenHeader = "X-Ingest-Token"

type authContextKey string

type authInfo struct {
	UserID string
	Role   string
	Ingest bool
}

func (a authInfo) actor() string {
	switch {
	case a.Ingest:
		return "ingest"
	case a.Role == jwt.RoleAdmin:
		return "admin"
	default:
		return "user"
	}
}

const contextKeyAuth authContextKey = "modpulse-auth-info"

type contextSetter interface {
	SetContext(context.Context)
}

// requireAdmin ensures the request carries an admin bearer token before invoking the handler.
func (r *Router) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx, info, ok := r.ensureAuth(w, req)
		if !ok {
			return
		}
		if info.Role != jwt.RoleAdmin {
			r.logger.Warn("admin role required", "path", req.URL.Path, "user_id", info.UserID)
			writeError(w, http.StatusForbidden, "admin role required")
			return
		}
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

// ensureAuth validates the bearer token and enriches the context. Browsers
// cannot set headers on WebSocket and EventSource requests, so those may pass
// the token in the access_token query parameter.
func (r *Router) ensureAuth(w http.ResponseWriter, req *http.Request) (context.Context, authInfo, bool) {
	token, err := requestToken(req)
	if err != nil {
		r.logger.Warn("authorization header invalid", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "authentication required")
		return req.Context(), authInfo{}, false
	}
	info, err := r.authorize(token)
	if err != nil {
		r.logger.Warn("token validation failed", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "authentication failed")
		return req.Context(), authInfo{}, false
	}
	ctx := context.WithValue(req.Context(), contextKeyAuth, info)
	return ctx, info, true
}

func (r *Router) authorize(token string) (authInfo, error) {
	if r.jwtSecret == "" {
		return authInfo{}, errors.New("jwt secret not configured")
	}
	claims, err := jwt.Parse(token, r.jwtSecret)
	if err != nil {
		return authInfo{}, err
	}
	return authInfo{UserID: claims.UserID, Role: claims.Role}, nil
}

// authInfoFromContext extracts auth metadata from context.
func authInfoFromContext(ctx context.Context) (authInfo, bool) {
	value := ctx.Value(contextKeyAuth)
	if value == nil {
		return authInfo{}, false
	}
	info, ok := value.(authInfo)
	return info, ok
}

func requestToken(req *http.Request) (string, error) {
	if header := req.Header.Get("Authorization"); strings.TrimSpace(header) != "" {
		return bearerToken(header)
	}
	if token := strings.TrimSpace(req.URL.Query().Get("access_token")); token != "" {
		return token, nil
	}
	return "", errors.New("missing authorization header")
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}
