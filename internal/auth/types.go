package auth

import "time"

// Config controls API authentication.
type Config struct {
	Enabled           bool          `mapstructure:"enabled"`
	JWTSecret         string        `mapstructure:"jwt_secret"`
	Issuer            string        `mapstructure:"issuer"`
	AccessTokenExpiry time.Duration `mapstructure:"access_token_expiry"`
	// APIKeys are accepted through the X-API-Key header.
	APIKeys []string `mapstructure:"api_keys"`
}

// UserContext represents the authenticated context for a request
type UserContext struct {
	UserID    string   `json:"user_id"`
	Username  string   `json:"username"`
	Role      string   `json:"role"`
	Scopes    []string `json:"scopes"`
	IsAPIKey  bool     `json:"is_api_key"`
	TokenType string   `json:"token_type"`
}

// HasScope reports whether the context carries scope.
func (u *UserContext) HasScope(scope string) bool {
	for _, s := range u.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Token is an issued access token.
type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// Scopes for authorization
const (
	ScopeSkillsRead = "skills:read"
	ScopeRunsRead   = "runs:read"
	ScopeRunsWrite  = "runs:write"
	ScopeAdmin      = "admin"
)

// User roles
const (
	RoleUser     = "user"
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)
