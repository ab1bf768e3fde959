package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ContextKey is the key type for context values
type ContextKey string

const (
	// UserContextKey is the context key for user information
	UserContextKey ContextKey = "user"
)

var (
	ErrMissingUser  = errors.New("missing user context")
	ErrMissingScope = errors.New("missing required scope")
)

// Middleware authenticates HTTP requests with a bearer JWT or a static API key.
type Middleware struct {
	jwtManager *JWTManager
	apiKeys    []string // sha256 hex
	skipAuth   bool
}

// NewMiddleware builds the middleware from cfg. A disabled config lets every
// request through as a local operator.
func NewMiddleware(cfg Config) *Middleware {
	m := &Middleware{skipAuth: !cfg.Enabled}
	if cfg.Enabled {
		m.jwtManager = NewJWTManager(cfg.JWTSecret, cfg.Issuer, cfg.AccessTokenExpiry)
	}
	for _, k := range cfg.APIKeys {
		if k = strings.TrimSpace(k); k != "" {
			m.apiKeys = append(m.apiKeys, hashToken(k))
		}
	}
	return m
}

// JWT returns the token manager, nil when auth is disabled.
func (m *Middleware) JWT() *JWTManager { return m.jwtManager }

// HTTPMiddleware provides HTTP authentication middleware
func (m *Middleware) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipAuth {
			ctx := context.WithValue(r.Context(), UserContextKey, &UserContext{
				UserID:    "local",
				Username:  "local",
				Role:      RoleOperator,
				Scopes:    ScopesForRole(RoleOperator),
				TokenType: "none",
			})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		userCtx, status, msg := m.authenticate(r)
		if userCtx == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
			return
		}
		ctx := context.WithValue(r.Context(), UserContextKey, userCtx)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *Middleware) authenticate(r *http.Request) (*UserContext, int, string) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		token, err := ExtractBearerToken(authHeader)
		if err != nil {
			return nil, http.StatusUnauthorized, "invalid authorization header"
		}
		userCtx, err := m.jwtManager.ValidateAccessToken(token)
		if err != nil {
			return nil, http.StatusUnauthorized, "invalid token"
		}
		return userCtx, 0, ""
	}

	apiKey := r.Header.Get("X-API-Key")
	// Browsers cannot set headers on websocket upgrades.
	if apiKey == "" && strings.Contains(r.URL.Path, "/stream/") {
		if tok := r.URL.Query().Get("token"); tok != "" {
			userCtx, err := m.jwtManager.ValidateAccessToken(tok)
			if err != nil {
				return nil, http.StatusUnauthorized, "invalid token"
			}
			return userCtx, 0, ""
		}
		apiKey = r.URL.Query().Get("api_key")
	}
	if apiKey != "" {
		if m.validAPIKey(apiKey) {
			return &UserContext{
				UserID:    "apikey:" + hashToken(apiKey)[:12],
				Role:      RoleOperator,
				Scopes:    ScopesForRole(RoleOperator),
				IsAPIKey:  true,
				TokenType: "api_key",
			}, 0, ""
		}
		return nil, http.StatusUnauthorized, "invalid API key"
	}
	return nil, http.StatusUnauthorized, "authentication required"
}

func (m *Middleware) validAPIKey(key string) bool {
	h := hashToken(key)
	ok := false
	for _, known := range m.apiKeys {
		if compareTokenHash(h, known) {
			ok = true
		}
	}
	return ok
}

// ExtractBearerToken returns the token from an "Authorization: Bearer" header.
func ExtractBearerToken(header string) (string, error) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", errors.New("invalid authorization header format")
	}
	return strings.TrimSpace(parts[1]), nil
}

// RequireScopes checks if the user has the required scopes
func RequireScopes(ctx context.Context, requiredScopes ...string) error {
	userCtx, err := GetUserContext(ctx)
	if err != nil {
		return err
	}
	for _, required := range requiredScopes {
		if !userCtx.HasScope(required) {
			return fmt.Errorf("%w: %s", ErrMissingScope, required)
		}
	}
	return nil
}

// GetUserContext extracts user context from context
func GetUserContext(ctx context.Context) (*UserContext, error) {
	userCtx, ok := ctx.Value(UserContextKey).(*UserContext)
	if !ok || userCtx == nil {
		return nil, ErrMissingUser
	}
	return userCtx, nil
}
