package handler

import (
	"net/http"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/xenking/gatekeeper/internal/domain/authz"
	"github.com/xenking/gatekeeper/internal/token"
)

var errMissingBearer = errors.New("missing bearer token")

// Authenticate verifies the bearer token and stores the principal on the
// request context. Every failure gets the same 401 response; the specific
// reason is only logged and counted.
func (h *Handler) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		raw, ok := bearerToken(r)
		if !ok {
			h.reject(w, r, errMissingBearer, "missing")
			return
		}
		claims, err := h.codec.Verify(raw)
		if err != nil {
			h.reject(w, r, err, token.Reason(err))
			return
		}

		ctx = authz.WithPrincipal(ctx, claims.Principal())
		ctx = zctx.With(ctx, zap.String("subject", claims.Subject))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request, err error, reason string) {
	if reason == "" {
		reason = "unknown"
	}
	h.rejected.Add(r.Context(), 1, metric.WithAttributes(attribute.String("reason", reason)))
	zctx.From(r.Context()).Debug("Bearer token rejected",
		zap.String("reason", reason),
		zap.Error(err),
	)
	w.Header().Set("WWW-Authenticate", `Bearer realm="gatekeeper"`)
	writeError(w, http.StatusUnauthorized, "unauthorized")
}

// Require denies requests whose principal does not satisfy req. It must run
// after Authenticate.
func Require(req authz.Requirement) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := authz.FromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			if err := req.Check(p); err != nil {
				zctx.From(r.Context()).Debug("Access denied",
					zap.String("subject", p.Subject),
					zap.Stringer("requirement", req),
				)
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// bearerToken extracts the token from "Authorization: Bearer <token>". The
// scheme is case-insensitive.
func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, raw, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, token.Type) {
		return "", false
	}
	raw = strings.TrimSpace(raw)
	return raw, raw != ""
}
