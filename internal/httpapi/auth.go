package httpapi

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/fpr1m3/pai-orchestrator/internal/auth"
)

// AuthHTTPHandler exchanges an API key for a short-lived access token, which
// browsers can then pass to the stream endpoints as ?token=.
//
//	POST /api/v1/auth/token
type AuthHTTPHandler struct {
	authMW *auth.Middleware
	logger *zap.Logger
}

// NewAuthHTTPHandler constructs a new handler.
func NewAuthHTTPHandler(authMW *auth.Middleware, logger *zap.Logger) *AuthHTTPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthHTTPHandler{authMW: authMW, logger: logger}
}

// RegisterRoutes registers auth endpoints on the given mux.
func (h *AuthHTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("POST /api/v1/auth/token", instrument("auth_token", h.authMW.HTTPMiddleware(http.HandlerFunc(h.handleToken))))
}

func (h *AuthHTTPHandler) handleToken(w http.ResponseWriter, r *http.Request) {
	jwtManager := h.authMW.JWT()
	if jwtManager == nil {
		writeError(w, http.StatusNotFound, "authentication is disabled")
		return
	}
	user, err := auth.GetUserContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if !user.IsAPIKey {
		writeError(w, http.StatusForbidden, "tokens are issued for API keys only")
		return
	}

	token, err := jwtManager.GenerateToken(user.UserID, user.Username, user.Role)
	if err != nil {
		h.logger.Error("Token issue failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, token)
}
