// Package handler exposes the authentication service and the admin surface
// over HTTP.
package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/xenking/gatekeeper/internal/domain/auth"
	"github.com/xenking/gatekeeper/internal/domain/authz"
	"github.com/xenking/gatekeeper/internal/domain/role"
	"github.com/xenking/gatekeeper/internal/token"
)

// Route requirements.
var (
	requireUser          = authz.Role("USER")
	requireAdmin         = authz.Role("ADMIN")
	requireCatalogReload = authz.Scope("catalog:reload")
	requireTokenRevoke   = authz.Scope("token:revoke")
)

// Config holds the Handler dependencies.
type Config struct {
	Auth    *auth.Service
	Codec   *token.Codec
	Keys    *token.KeyHolder
	Catalog *role.Table
	// DenyList is optional; without it the revoke endpoint answers 501.
	DenyList *token.DenyList
	// MeterProvider defaults to the global provider.
	MeterProvider metric.MeterProvider
}

// Handler serves the /api routes.
type Handler struct {
	auth     *auth.Service
	codec    *token.Codec
	keys     *token.KeyHolder
	catalog  *role.Table
	denyList *token.DenyList

	rejected metric.Int64Counter
}

// NewHandler constructs a Handler from cfg.
func NewHandler(cfg Config) (*Handler, error) {
	mp := cfg.MeterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	rejected, err := mp.Meter("github.com/xenking/gatekeeper/internal/handler").Int64Counter(
		"gatekeeper.token.rejected",
		metric.WithDescription("Bearer tokens rejected, by reason"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "rejected counter")
	}

	return &Handler{
		auth:     cfg.Auth,
		codec:    cfg.Codec,
		keys:     cfg.Keys,
		catalog:  cfg.Catalog,
		denyList: cfg.DenyList,
		rejected: rejected,
	}, nil
}

// Register adds the API routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/auth/register", h.handleRegister)
	mux.HandleFunc("POST /api/auth/login", h.handleLogin)

	mux.Handle("GET /api/me", h.protect(requireUser, http.HandlerFunc(h.handleMe)))
	mux.Handle("GET /api/admin/roles", h.protect(requireAdmin, http.HandlerFunc(h.handleListRoles)))
	mux.Handle("POST /api/admin/catalog/reload", h.protect(requireCatalogReload, http.HandlerFunc(h.handleReloadCatalog)))
	mux.Handle("POST /api/admin/tokens/revoke", h.protect(requireTokenRevoke, http.HandlerFunc(h.handleRevoke)))
	mux.Handle("POST /api/admin/keys/rotate", h.protect(requireAdmin, http.HandlerFunc(h.handleRotateKey)))
}

func (h *Handler) protect(req authz.Requirement, next http.Handler) http.Handler {
	return h.Authenticate(Require(req)(next))
}
