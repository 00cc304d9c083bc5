package auth

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"member-auth/internal/observability"
	"member-auth/internal/reset"
)

const (
	maxJSONBodyBytes  = 1 << 20
	refreshCookieName = "refresh_token"
	refreshCookiePath = "/auth"
)

type HandlerConfig struct {
	SecureCookies    bool
	RefreshCookieTTL time.Duration
}

type Handler struct {
	service *Service
	cfg     HandlerConfig
	now     func() time.Time
}

func NewHandler(service *Service, cfg HandlerConfig) *Handler {
	return &Handler{service: service, cfg: cfg, now: time.Now}
}

type loginBody struct {
	Login    string `json:"login"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshBody struct {
	RefreshToken string `json:"refresh_token"`
}

type changePasswordBody struct {
	Email           string `json:"email"`
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type resetRequestBody struct {
	Email string `json:"email"`
}

type resetPasswordBody struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginBody
	if !decodeJSON(w, r, &body) {
		return
	}

	login := body.Login
	if strings.TrimSpace(login) == "" {
		login = body.Email
	}

	tokens, err := h.service.Login(r.Context(), LoginRequest{
		Login:     login,
		Password:  body.Password,
		IP:        observability.ClientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		h.writeServiceError(w, err, "failed to login")
		return
	}

	h.setRefreshCookie(w, tokens.RefreshToken)
	writeJSON(w, http.StatusOK, tokens)
}

// Refresh reads the refresh token from the JSON body, falling back to the
// refresh cookie when the body is empty.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var body refreshBody
	if !decodeOptionalJSON(w, r, &body) {
		return
	}

	refreshToken := strings.TrimSpace(body.RefreshToken)
	if refreshToken == "" {
		if cookie, err := r.Cookie(refreshCookieName); err == nil {
			refreshToken = cookie.Value
		}
	}
	if refreshToken == "" {
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	tokens, err := h.service.Refresh(r.Context(), refreshToken)
	if err != nil {
		h.writeServiceError(w, err, "failed to refresh token")
		return
	}

	writeJSON(w, http.StatusOK, tokens)
}

func (h *Handler) Validate(w http.ResponseWriter, r *http.Request) {
	tokenStr := strings.TrimSpace(r.URL.Query().Get("token"))
	if tokenStr == "" {
		tokenStr = bearerToken(r)
	}

	writeJSON(w, http.StatusOK, map[string]bool{"valid": tokenStr != "" && h.service.Validate(tokenStr)})
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	var body refreshBody
	if !decodeOptionalJSON(w, r, &body) {
		return
	}

	refreshToken := strings.TrimSpace(body.RefreshToken)
	if refreshToken == "" {
		if cookie, err := r.Cookie(refreshCookieName); err == nil {
			refreshToken = cookie.Value
		}
	}
	if refreshToken != "" {
		h.service.Logout(refreshToken)
	}

	h.clearRefreshCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var body changePasswordBody
	if !decodeJSON(w, r, &body) {
		return
	}

	err := h.service.ChangePassword(r.Context(), ChangePasswordRequest{
		Email:           body.Email,
		CurrentPassword: body.CurrentPassword,
		NewPassword:     body.NewPassword,
	})
	if err != nil {
		h.writeServiceError(w, err, "failed to change password")
		return
	}

	h.clearRefreshCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var body resetRequestBody
	if !decodeJSON(w, r, &body) {
		return
	}

	if err := h.service.RequestPasswordReset(r.Context(), PasswordResetRequest{Email: body.Email}); err != nil {
		h.writeServiceError(w, err, "failed to request password reset")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "reset link sent"})
}

func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var body resetPasswordBody
	if !decodeJSON(w, r, &body) {
		return
	}

	err := h.service.ResetPassword(r.Context(), ResetPasswordRequest{Token: body.Token, NewPassword: body.NewPassword})
	if err != nil {
		h.writeServiceError(w, err, "failed to reset password")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Me returns the member behind the access token. It must run behind Middleware.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	subject, ok := SubjectFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing authorization token")
		return
	}

	member, err := h.service.Profile(r.Context(), subject)
	if err != nil {
		if errors.Is(err, ErrUnknownIdentity) {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to load member")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":         member.ID.String(),
		"email":      member.Email,
		"nickname":   member.Nickname,
		"created_at": member.CreatedAt.Format(time.RFC3339),
	})
}

// LoginHistory lists recent logins of the authenticated member. It must run
// behind Middleware.
func (h *Handler) LoginHistory(w http.ResponseWriter, r *http.Request) {
	subject, ok := SubjectFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing authorization token")
		return
	}

	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	events, err := h.service.LoginHistory(r.Context(), subject, limit)
	if err != nil {
		if errors.Is(err, ErrUnknownIdentity) {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to load login history")
		return
	}
	if events == nil {
		events = []LoginEvent{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"logins": events})
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error, fallback string) {
	var validationErr *ValidationError
	var lockedErr *LockedError

	switch {
	case errors.As(err, &validationErr):
		writeError(w, http.StatusBadRequest, validationErr.Error())
	case errors.As(err, &lockedErr):
		seconds := int(math.Ceil(lockedErr.Until.Sub(h.now()).Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		writeError(w, http.StatusTooManyRequests, "account temporarily locked")
	case errors.Is(err, ErrUnknownIdentity), errors.Is(err, ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, ErrAccountInactive):
		writeError(w, http.StatusForbidden, "account inactive")
	case errors.Is(err, ErrInvalidRefreshToken):
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
	case errors.Is(err, ErrResetTargetNotFound):
		writeError(w, http.StatusNotFound, "no member with that email")
	case errors.Is(err, reset.ErrInvalidResetToken):
		writeError(w, http.StatusBadRequest, "invalid or expired reset token")
	case errors.Is(err, reset.ErrNotificationFailed):
		sentry.CaptureException(err)
		writeError(w, http.StatusBadGateway, "could not deliver reset link")
	default:
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

func (h *Handler) setRefreshCookie(w http.ResponseWriter, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    value,
		Path:     refreshCookiePath,
		MaxAge:   int(h.cfg.RefreshCookieTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.cfg.SecureCookies,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    "",
		Path:     refreshCookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cfg.SecureCookies,
		SameSite: http.SameSiteStrictMode,
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := readJSON(w, r, dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

// decodeOptionalJSON accepts an empty body, whatever its Content-Length says,
// and leaves dst untouched.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.Body == http.NoBody {
		return true
	}
	if err := readJSON(w, r, dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func readJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
