package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/gatekeeper/internal/domain/auth"
)

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	creds, err := decodeCredentials(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.auth.Register(r.Context(), creds)
	if err != nil {
		h.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) { encodeAuthResult(e, res) })
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	creds, err := decodeCredentials(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.auth.Login(r.Context(), creds)
	if err != nil {
		h.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeAuthResult(e, res) })
}

// writeAuthError maps service errors to responses. Storage details never
// reach the client.
func (h *Handler) writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	status, message := mapAuthError(err)
	lg := zctx.From(r.Context())
	if status >= http.StatusInternalServerError {
		lg.Error("Auth request failed", zap.Error(err))
	} else {
		lg.Debug("Auth request rejected", zap.Error(err))
	}
	writeError(w, status, message)
}

func mapAuthError(err error) (int, string) {
	var issueErr *auth.IssueError
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid credentials"
	case errors.Is(err, auth.ErrUsernameTaken):
		return http.StatusConflict, "username taken"
	case errors.Is(err, auth.ErrInvalidInput):
		return http.StatusBadRequest, "invalid input"
	case errors.Is(err, auth.ErrDirectoryUnavailable):
		return http.StatusServiceUnavailable, "directory unavailable"
	case errors.As(err, &issueErr):
		return http.StatusInternalServerError, "account created, token not issued; log in to obtain a token"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
