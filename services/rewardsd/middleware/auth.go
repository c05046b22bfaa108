package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"rewardpool/observability/logging"
)

// Scopes granted to API callers.
const (
	ScopeRead  = "rewards:read"
	ScopeWrite = "rewards:write"
	ScopeAdmin = "rewards:admin"
)

type AuthConfig struct {
	Enabled    bool
	HMACSecret string
	Issuer     string
	Audience   string
	ScopeClaim string
	ClockSkew  time.Duration
}

type contextKey string

const (
	ContextKeySubject contextKey = "rewards.subject"
	ContextKeyScopes  contextKey = "rewards.scopes"
)

type Authenticator struct {
	cfg    AuthConfig
	logger *slog.Logger
	secret []byte
	now    func() time.Time
}

func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ScopeClaim == "" {
		cfg.ScopeClaim = "scope"
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	return &Authenticator{
		cfg:    cfg,
		logger: logger,
		secret: []byte(strings.TrimSpace(cfg.HMACSecret)),
		now:    time.Now,
	}
}

// Middleware rejects requests lacking a valid bearer token carrying every
// required scope. An admin scope satisfies any requirement.
func (a *Authenticator) Middleware(requiredScopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if a == nil || !a.cfg.Enabled {
				next.ServeHTTP(w, r)
				return
			}
			tokenString := extractBearer(r.Header.Get("Authorization"))
			if tokenString == "" {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			claims, err := a.parseToken(tokenString)
			if err != nil {
				a.logger.Warn("auth: token validation failed",
					slog.String("error", err.Error()),
					logging.MaskField("token", tokenString))
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			if err := a.validateClaims(claims); err != nil {
				a.logger.Warn("auth: claim validation failed", slog.String("error", err.Error()))
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			scopes := extractScopes(claims, a.cfg.ScopeClaim)
			if !hasScopes(scopes, requiredScopes) {
				http.Error(w, "insufficient scope", http.StatusForbidden)
				return
			}
			subject, _ := claims["sub"].(string)
			ctx := context.WithValue(r.Context(), ContextKeySubject, subject)
			ctx = context.WithValue(ctx, ContextKeyScopes, scopes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Subject returns the authenticated token subject, if any.
func Subject(ctx context.Context) string {
	subject, _ := ctx.Value(ContextKeySubject).(string)
	return subject
}

func (a *Authenticator) parseToken(tokenString string) (jwt.MapClaims, error) {
	if len(a.secret) == 0 {
		return nil, errors.New("auth secret not configured")
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithLeeway(a.cfg.ClockSkew), jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token invalid")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("claims not map")
	}
	return claims, nil
}

func (a *Authenticator) validateClaims(claims jwt.MapClaims) error {
	if a.cfg.Issuer != "" {
		if value, ok := claims["iss"].(string); !ok || value != a.cfg.Issuer {
			return errors.New("issuer mismatch")
		}
	}
	if a.cfg.Audience != "" {
		switch val := claims["aud"].(type) {
		case string:
			if val != a.cfg.Audience {
				return errors.New("audience mismatch")
			}
		case []interface{}:
			matched := false
			for _, entry := range val {
				if s, ok := entry.(string); ok && s == a.cfg.Audience {
					matched = true
					break
				}
			}
			if !matched {
				return errors.New("audience mismatch")
			}
		default:
			return errors.New("audience missing")
		}
	}
	if _, ok := claims["exp"]; !ok {
		return errors.New("token expiry required")
	}
	return nil
}

func extractScopes(claims jwt.MapClaims, scopeClaim string) []string {
	raw, ok := claims[scopeClaim]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case string:
		return strings.Fields(v)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func hasScopes(scopes []string, required []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(scopes))
	for _, scope := range scopes {
		set[scope] = struct{}{}
	}
	if _, ok := set[ScopeAdmin]; ok {
		return true
	}
	for _, req := range required {
		if _, ok := set[req]; ok {
			continue
		}
		// Write access implies read access.
		if req == ScopeRead {
			if _, ok := set[ScopeWrite]; ok {
				continue
			}
		}
		return false
	}
	return true
}

func extractBearer(header string) string {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
