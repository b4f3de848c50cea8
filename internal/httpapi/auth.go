package httpapi

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	svcerr "github.com/r3e-network/invoice-qa-engine/infrastructure/errors"
	"github.com/r3e-network/invoice-qa-engine/infrastructure/security"
	"github.com/r3e-network/invoice-qa-engine/internal/config"
	"github.com/r3e-network/invoice-qa-engine/pkg/logger"
)

type ctxKey string

const ctxActorKey ctxKey = "httpapi.actor"

// actorFromCtx returns the opaque admin identity recorded for the audit log.
// The bearer admin key is shared by every operator, so there is no per-user
// identity to recover beyond "admin".
func actorFromCtx(ctx context.Context) string {
	if v, ok := ctx.Value(ctxActorKey).(string); ok && v != "" {
		return v
	}
	return "admin"
}

var publicPaths = map[string]struct{}{
	"/healthz": {},
	"/readyz":  {},
	"/metrics": {},
}

// wrapWithAuth enforces the bearer admin-key scheme from spec §6: disabled
// (all requests pass) in development or when AdminEnabled is false,
// required otherwise. A single
// shared key authenticates every admin request; there is no per-user login.
func wrapWithAuth(next http.Handler, cfg *config.Config, log *logger.Logger) http.Handler {
	key := strings.TrimSpace(cfg.AdminKey)
	enabled := cfg.AdminEnabled && cfg.Environment != config.EnvDevelopment

	if enabled && key == "" {
		log.Warn("ADMIN_ENABLED is set but ADMIN_KEY is empty; every admin request will be rejected")
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := publicPaths[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}
		if !enabled {
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxActorKey, "admin")))
			return
		}

		token := extractToken(r)
		if token == "" || key == "" || subtle.ConstantTimeCompare([]byte(token), []byte(key)) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			svcErr := svcerr.Unauthorized("invalid or missing admin credentials")
			writeJSON(w, svcErr.HTTPStatus, errorBody{Status: "error", ErrorCode: string(svcErr.Code), Message: svcErr.Message})
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxActorKey, "admin")))
	})
}

func extractToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.Fields(auth)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// wrapWithCORS allows the operator dashboard to call the admin surface
// cross-origin and short-circuits preflight requests.
func wrapWithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// wrapWithSecurityHeaders sets a conservative baseline for an admin-only
// JSON API with no browser-rendered content.
func wrapWithSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// maxBodyBytes bounds request bodies; the bulk-import endpoints override
// this with a larger per-route limit.
const maxBodyBytes = 1 << 20 // 1 MiB

func wrapWithBodyLimit(next http.Handler, limit int64) http.Handler {
	if limit <= 0 {
		limit = maxBodyBytes
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		routeLimit := limit
		if strings.HasPrefix(r.URL.Path, "/admin/market-prices/import/") && routeLimit < maxImportBytes {
			routeLimit = maxImportBytes
		}
		r.Body = http.MaxBytesReader(w, r.Body, routeLimit)
		next.ServeHTTP(w, r)
	})
}

// wrapWithRecovery recovers from a panic inside a single request's handler
// chain, logs it with the request path, and responds 500 instead of
// crashing the process (spec §7 "internal errors").
func wrapWithRecovery(next http.Handler, log *logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				safe := security.SanitizeString(fmt.Sprint(rec))
				log.WithFields(map[string]interface{}{"path": r.URL.Path, "panic": safe}).Error("admin http handler panic recovered")
				writeErrorCode(w, http.StatusInternalServerError, "DEPENDENCY_ERROR", "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// wrapWithAudit records every request's outcome to the ring-buffer audit log.
func wrapWithAudit(next http.Handler, audit *auditLog) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if audit == nil {
			return
		}
		audit.add(auditEntry{
			Time: time.Now().UTC(), User: actorFromCtx(r.Context()), Role: "admin",
			Path: r.URL.Path, Method: r.Method, Status: rec.status,
			RemoteAddr: r.RemoteAddr, UserAgent: r.Header.Get("User-Agent"),
		})
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
