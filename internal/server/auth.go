package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"helixctl/internal/domain"
	"helixctl/internal/tracker"
)

type AuthConfig struct {
	JWTSecret   string
	TokenTTL    time.Duration
	AdminEmails []string
	Logger      *log.Logger
}

// Principal is the authenticated identity attached to each request.
type Principal struct {
	UID   string
	Email string
	Role  string
}

func (p Principal) IsAdmin() bool { return p.Role == domain.RoleAdmin }

type principalKey struct{}

func (c AuthConfig) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

func (c AuthConfig) tokenTTL() time.Duration {
	if c.TokenTTL > 0 {
		return c.TokenTTL
	}
	return 24 * time.Hour
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func principalFromRequest(ctx context.Context) (Principal, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.Email != "" {
		return p, nil
	}
	return Principal{}, newAPIError(http.StatusUnauthorized, "credentials_missing", "credentials were not provided", nil)
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
}

// uidForEmail derives a stable identity from the email so repeated logins
// map to the same user row.
func uidForEmail(email string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("mailto:"+strings.ToLower(email))).String()
}

func (c AuthConfig) mintToken(uid, email string, now time.Time) (string, error) {
	if strings.TrimSpace(c.JWTSecret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uid,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.tokenTTL())),
		},
		Email: email,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(c.JWTSecret))
}

func authenticateJWT(token, secret string) (uid, email string, err error) {
	if strings.TrimSpace(secret) == "" {
		return "", "", errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return "", "", err
	}
	if !parsed.Valid {
		return "", "", errors.New("invalid token")
	}
	if claims.Subject == "" || claims.Email == "" {
		return "", "", errors.New("subject and email claims required")
	}
	return claims.Subject, claims.Email, nil
}

func isAdminEmail(emails []string, email string) bool {
	for _, e := range emails {
		if strings.EqualFold(e, email) {
			return true
		}
	}
	return false
}

// newAuthMiddleware validates the bearer token, provisions the user row on
// first contact, and resolves the effective role. Invalid or expired tokens
// produce a 401 whose body names the token so clients can distinguish a
// dead session from an auth backend outage.
func newAuthMiddleware(basePath string, cfg AuthConfig, trk tracker.Tracker) func(http.Handler) http.Handler {
	open := map[string]bool{
		path.Join(basePath, "health") + "/":         true,
		path.Join(basePath, "auth/dev/login") + "/": true,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if open[req.URL.Path] || open[req.URL.Path+"/"] {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			if authz == "" {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "credentials_missing", "credentials were not provided", nil))
				return
			}
			raw, ok := bearerToken(authz)
			if !ok {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid or expired token", nil))
				return
			}
			if strings.TrimSpace(cfg.JWTSecret) == "" {
				cfg.logger().Printf("WARNING: rejecting request, jwt secret not configured")
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "backend_error", "credential verification unavailable", nil))
				return
			}
			uid, email, err := authenticateJWT(raw, cfg.JWTSecret)
			if err != nil {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid or expired token", nil))
				return
			}
			u, err := trk.EnsureUser(req.Context(), uid, email)
			if err != nil {
				respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil))
				return
			}
			role := u.Role
			if isAdminEmail(cfg.AdminEmails, email) && role != domain.RoleAdmin {
				if err := trk.Repo.SetRoleByEmail(req.Context(), email, domain.RoleAdmin); err == nil {
					role = domain.RoleAdmin
				}
			}
			ctx := withPrincipal(req.Context(), Principal{UID: uid, Email: email, Role: role})
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	}
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
