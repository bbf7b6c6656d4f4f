package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/gatekeeper/internal/domain/authz"
	"github.com/xenking/gatekeeper/internal/token"
)

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	p, _ := authz.FromContext(r.Context())
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodePrincipal(e, p) })
}

func (h *Handler) handleListRoles(w http.ResponseWriter, _ *http.Request) {
	m := h.catalog.Snapshot()
	if m == nil {
		writeError(w, http.StatusServiceUnavailable, "role catalog not loaded")
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeMapping(e, m) })
}

func (h *Handler) handleReloadCatalog(w http.ResponseWriter, r *http.Request) {
	lg := zctx.From(r.Context())
	if err := h.catalog.Reload(r.Context()); err != nil {
		lg.Warn("Catalog reload failed", zap.Error(err))
		writeError(w, http.StatusUnprocessableEntity, "catalog reload failed; previous catalog kept")
		return
	}
	lg.Info("Catalog reloaded", zap.Strings("roles", h.catalog.Snapshot().Names()))
	w.WriteHeader(http.StatusNoContent)
}

// handleRevoke denies a token until its natural expiry. Revoking an already
// expired token succeeds without doing anything.
func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if h.denyList == nil {
		writeError(w, http.StatusNotImplemented, "token revocation is disabled")
		return
	}

	raw, err := decodeRevokeRequest(r.Body)
	if err != nil || raw == "" {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	claims, err := h.codec.Verify(raw)
	switch {
	case errors.Is(err, token.ErrTokenExpired), errors.Is(err, token.ErrTokenRevoked):
		w.WriteHeader(http.StatusNoContent)
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, "invalid token")
		return
	}

	h.denyList.Revoke(claims.ID, claims.ExpiresAt)
	zctx.From(r.Context()).Info("Token revoked",
		zap.String("jti", claims.ID),
		zap.String("token_subject", claims.Subject),
	)
	w.WriteHeader(http.StatusNoContent)
}

// handleRotateKey switches to a fresh random signing key. Every token issued
// before the call, including the caller's, stops verifying.
func (h *Handler) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	secret, err := token.GenerateSecret()
	if err != nil {
		zctx.From(r.Context()).Error("Generate signing key", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	key, err := h.keys.Rotate(secret)
	if err != nil {
		zctx.From(r.Context()).Error("Rotate signing key", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	zctx.From(r.Context()).Warn("Signing key rotated", zap.String("kid", key.ID))
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("kid")
		e.Str(key.ID)
		e.ObjEnd()
	})
}
