package middleware

import (
	"context"
	"net/http"
	"strings"

	"tonpass/pkg/jwt"
)

type ctxKey string

const SubjectKey ctxKey = "subject"

// JWTAuth пропускает только запросы с валидным admin-токеном в заголовке Authorization
func JWTAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || raw == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := jwt.ParseToken(secret, raw)
			if err != nil || claims.Role != jwt.RoleAdmin {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), SubjectKey, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
