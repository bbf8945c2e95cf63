package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// Roles recognised by the call API
const (
	RoleAdmin      = "admin"
	RoleSupervisor = "supervisor"
	RoleRecruiter  = "recruiter"
	RoleViewer     = "viewer"
)

type Claims struct {
	Email  string   `json:"email"`
	Name   string   `json:"name"`
	Role   string   `json:"role"`
	Groups []string `json:"groups"`
	jwt.RegisteredClaims
}

type contextKey string

const UserContextKey contextKey = "user"

// Options configures token verification
type Options struct {
	// SkipAuth bypasses verification and injects an admin dev user
	SkipAuth bool
	// Issuer is the OIDC issuer URL; the JWKS is fetched from its Keycloak
	// certs endpoint
	Issuer string
	// Keyfunc overrides JWKS lookup
	Keyfunc jwt.Keyfunc
}

// Authenticator validates bearer tokens against the issuer's JWKS
type Authenticator struct {
	keyfunc jwt.Keyfunc
	issuer  string
	skip    bool
	logger  zerolog.Logger
}

// NewAuthenticator fetches the issuer's JWKS unless auth is skipped
func NewAuthenticator(ctx context.Context, opts Options, logger zerolog.Logger) (*Authenticator, error) {
	a := &Authenticator{
		keyfunc: opts.Keyfunc,
		issuer:  opts.Issuer,
		skip:    opts.SkipAuth,
		logger:  logger.With().Str("component", "auth").Logger(),
	}
	if a.skip {
		a.logger.Warn().Msg("SKIP_AUTH enabled - bypassing authentication")
		return a, nil
	}
	if a.keyfunc != nil {
		return a, nil
	}
	if opts.Issuer == "" {
		return nil, fmt.Errorf("OIDC_ISSUER not configured for JWT verification")
	}

	// Keycloak JWKS location
	jwksURL := strings.TrimSuffix(opts.Issuer, "/") + "/protocol/openid-connect/certs"
	a.logger.Info().Str("jwks_url", jwksURL).Msg("fetching JWKS")

	k, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("failed to create keyfunc: %w", err)
	}
	a.keyfunc = k.Keyfunc
	return a, nil
}

// Middleware validates JWT tokens from the OIDC provider
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.skip {
			ctx := context.WithValue(r.Context(), UserContextKey, &Claims{
				Email:  "dev@recruitcall.local",
				Name:   "Dev User",
				Role:   RoleAdmin,
				Groups: []string{"developers"},
			})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		tokenString := extractToken(r)
		if tokenString == "" {
			a.logger.Debug().Str("path", r.URL.Path).Msg("missing authorization token")
			writeError(w, http.StatusUnauthorized, "missing token")
			return
		}

		claims, err := a.validateToken(tokenString)
		if err != nil {
			a.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("token validation failed")
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		a.logger.Debug().Str("email", claims.Email).Str("role", claims.Role).Msg("user authenticated")

		ctx := context.WithValue(r.Context(), UserContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole allows only users holding one of roles
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := GetUserFromContext(r.Context())
			if !ok || !HasRole(claims, roles...) {
				writeError(w, http.StatusForbidden, strings.Join(roles, " or ")+" role required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q}`, msg)
}

// extractToken gets the token from Authorization header or query parameter
func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString != authHeader {
			return tokenString
		}
	}

	// Recording links are opened directly by the browser
	return r.URL.Query().Get("token")
}

// validateToken verifies the signature and maps the claims
func (a *Authenticator) validateToken(tokenString string) (*Claims, error) {
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(a.issuer))
	}

	token, err := jwt.Parse(tokenString, a.keyfunc, parserOpts...)
	if err != nil {
		return nil, fmt.Errorf("token verification failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}

	claims := &Claims{}
	if email, ok := mapClaims["email"].(string); ok {
		claims.Email = email
	}
	if name, ok := mapClaims["name"].(string); ok {
		claims.Name = name
	} else if preferredUsername, ok := mapClaims["preferred_username"].(string); ok {
		claims.Name = preferredUsername
	}
	claims.Role = extractRoleFromMapClaims(mapClaims)
	claims.Groups = extractGroupsFromMapClaims(mapClaims)
	if sub, ok := mapClaims["sub"].(string); ok {
		claims.Subject = sub
	}
	return claims, nil
}

// extractRoleFromMapClaims extracts role from various possible token claim locations
func extractRoleFromMapClaims(mapClaims jwt.MapClaims) string {
	// Check realm_access.roles (Keycloak)
	if realmAccess, ok := mapClaims["realm_access"].(map[string]interface{}); ok {
		if roles, ok := realmAccess["roles"].([]interface{}); ok {
			// Priority order: admin > supervisor > recruiter > viewer
			for _, priority := range []string{RoleAdmin, RoleSupervisor, RoleRecruiter, RoleViewer} {
				for _, role := range roles {
					if roleStr, ok := role.(string); ok && roleStr == priority {
						return roleStr
					}
				}
			}
		}
	}

	// Check cognito:groups (AWS Cognito)
	if cognitoGroups, ok := mapClaims["cognito:groups"].([]interface{}); ok {
		for _, group := range cognitoGroups {
			if groupStr, ok := group.(string); ok {
				switch {
				case strings.Contains(groupStr, RoleAdmin):
					return RoleAdmin
				case strings.Contains(groupStr, RoleSupervisor):
					return RoleSupervisor
				case strings.Contains(groupStr, RoleRecruiter):
					return RoleRecruiter
				}
			}
		}
	}

	return RoleViewer
}

// extractGroupsFromMapClaims extracts groups from token claims
func extractGroupsFromMapClaims(mapClaims jwt.MapClaims) []string {
	var groups []string
	for _, key := range []string{"groups", "cognito:groups"} {
		if list, ok := mapClaims[key].([]interface{}); ok {
			for _, group := range list {
				if groupStr, ok := group.(string); ok {
					groups = append(groups, groupStr)
				}
			}
		}
	}
	return groups
}

// GetUserFromContext retrieves user claims from request context
func GetUserFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(UserContextKey).(*Claims)
	return claims, ok
}

// HasRole reports whether the user holds any of roles
func HasRole(claims *Claims, roles ...string) bool {
	for _, role := range roles {
		if claims.Role == role {
			return true
		}
	}
	return false
}
