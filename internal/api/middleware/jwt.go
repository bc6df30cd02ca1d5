package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// agentContextKey is the context key type for authenticated agent data.
type agentContextKey string

const agentNameKey agentContextKey = "agent_name"

// agentTokenTTL is the lifetime of an agent JWT token (12 hours, one shift).
const agentTokenTTL = 12 * time.Hour

// AgentClaims holds the JWT claims the CRM backend issues for an agent.
type AgentClaims struct {
	Agent string `json:"agent"`
	jwt.RegisteredClaims
}

// GenerateAgentToken creates a signed JWT for an agent. The CRM backend
// shares the secret with the local agent process.
func GenerateAgentToken(secret []byte, agent string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(agentTokenTTL)

	claims := AgentClaims{
		Agent: agent,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    "voicedesk",
			Subject:   agent,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}

	return signed, expiresAt, nil
}

// RequireAgentAuth returns middleware that validates JWT bearer tokens on
// control endpoints. On success it stores the agent name in the request
// context.
func RequireAgentAuth(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeAuthError(w, http.StatusUnauthorized, "authentication required")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				writeAuthError(w, http.StatusUnauthorized, "invalid authorization header")
				return
			}

			claims := &AgentClaims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return secret, nil
			})
			if err != nil || !token.Valid {
				slog.Debug("agent auth: invalid jwt", "error", err)
				writeAuthError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			if claims.Agent == "" {
				writeAuthError(w, http.StatusUnauthorized, "invalid token claims")
				return
			}

			ctx := context.WithValue(r.Context(), agentNameKey, claims.Agent)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AgentFromContext retrieves the authenticated agent name from the request
// context. Returns an empty string if not set.
func AgentFromContext(ctx context.Context) string {
	name, _ := ctx.Value(agentNameKey).(string)
	return name
}
