// Package auth implements login and registration on top of an identity
// directory, a role catalog, a secret hasher and a token codec.
package auth

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/gatekeeper/internal/domain/identity"
	"github.com/xenking/gatekeeper/internal/domain/role"
	"github.com/xenking/gatekeeper/internal/secret"
	"github.com/xenking/gatekeeper/internal/token"
)

const instrumentationName = "github.com/xenking/gatekeeper/internal/domain/auth"

// Credentials is a login or registration request.
type Credentials struct {
	Identifier string
	Secret     string
}

// Result is the outcome of a successful login or registration.
type Result struct {
	Token     string
	TokenType string
	ExpiresAt time.Time
	Username  string
	Roles     []string
	Scopes    []string
}

// Option configures a Service.
type Option func(*Service)

// WithDirectoryTimeout bounds every directory call. Zero disables the bound.
func WithDirectoryTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.dirTimeout = d
	}
}

// WithMeterProvider sets the provider for login and registration counters.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *Service) {
		if mp != nil {
			s.meterProvider = mp
		}
	}
}

// WithTracerProvider sets the provider for login and registration spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Service) {
		if tp != nil {
			s.tracerProvider = tp
		}
	}
}

// Service authenticates principals and registers new ones.
type Service struct {
	directory identity.Directory
	catalog   role.Catalog
	hasher    *secret.Hasher
	codec     *token.Codec
	ttl       time.Duration

	dirTimeout     time.Duration
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider

	// dummyHash is verified against when the identifier is unknown so both
	// rejection paths pay for one bcrypt comparison.
	dummyHash string

	tracer        trace.Tracer
	loginCount    metric.Int64Counter
	registerCount metric.Int64Counter
}

// NewService creates an authentication Service issuing tokens valid for ttl.
func NewService(
	directory identity.Directory,
	catalog role.Catalog,
	hasher *secret.Hasher,
	codec *token.Codec,
	ttl time.Duration,
	opts ...Option,
) (*Service, error) {
	if ttl < time.Second {
		return nil, token.ErrInvalidTTL
	}
	s := &Service{
		directory:      directory,
		catalog:        catalog,
		hasher:         hasher,
		codec:          codec,
		ttl:            ttl,
		meterProvider:  otel.GetMeterProvider(),
		tracerProvider: otel.GetTracerProvider(),
	}
	for _, opt := range opts {
		opt(s)
	}

	var err error
	if s.dummyHash, err = hasher.Hash("gatekeeper:unknown-identity"); err != nil {
		return nil, errors.Wrap(err, "dummy hash")
	}

	meter := s.meterProvider.Meter(instrumentationName)
	if s.loginCount, err = meter.Int64Counter("gatekeeper.auth.login",
		metric.WithDescription("Login attempts by outcome"),
	); err != nil {
		return nil, errors.Wrap(err, "login counter")
	}
	if s.registerCount, err = meter.Int64Counter("gatekeeper.auth.register",
		metric.WithDescription("Registration attempts by outcome"),
	); err != nil {
		return nil, errors.Wrap(err, "register counter")
	}
	s.tracer = s.tracerProvider.Tracer(instrumentationName)

	return s, nil
}

// Login verifies credentials and issues a token. An unknown identifier and a
// wrong secret both fail with ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, c Credentials) (_ *Result, rerr error) {
	ctx, span := s.tracer.Start(ctx, "auth.Login")
	defer func() { s.observe(ctx, span, s.loginCount, rerr) }()

	lg := zctx.From(ctx)
	id := identity.NormalizeIdentifier(c.Identifier)
	if id.Value == "" || c.Secret == "" {
		return nil, invalidInput("blank identifier or secret")
	}

	rec, err := s.find(ctx, id.Value)
	switch {
	case errors.Is(err, identity.ErrNotFound):
		s.hasher.Verify(c.Secret, s.dummyHash)
		lg.Debug("Login rejected", zap.String("reason", "unknown identifier"))
		return nil, ErrInvalidCredentials
	case err != nil:
		return nil, unavailable("find identity", err)
	}

	if !s.hasher.Verify(c.Secret, rec.SecretHash) {
		lg.Debug("Login rejected",
			zap.String("reason", "secret mismatch"),
			zap.String("username", rec.Username),
		)
		return nil, ErrInvalidCredentials
	}

	return s.issue(ctx, rec.Username, rec.Roles)
}

// Register creates an account holding the catalog's default role and issues
// a token for it. Checks run in order: blank identifier, taken username,
// blank secret. A failure after the account is saved is an *IssueError.
func (s *Service) Register(ctx context.Context, c Credentials) (_ *Result, rerr error) {
	ctx, span := s.tracer.Start(ctx, "auth.Register")
	defer func() { s.observe(ctx, span, s.registerCount, rerr) }()

	id := identity.NormalizeIdentifier(c.Identifier)
	if id.Value == "" {
		return nil, invalidInput("blank identifier")
	}

	exists, err := s.exists(ctx, id.Value)
	if err != nil {
		return nil, unavailable("check username", err)
	}
	if exists {
		return nil, ErrUsernameTaken
	}

	if strings.TrimSpace(c.Secret) == "" {
		return nil, invalidInput("blank secret")
	}
	hash, err := s.hasher.Hash(c.Secret)
	switch {
	case errors.Is(err, secret.ErrSecretTooLong):
		return nil, invalidInput(err.Error())
	case err != nil:
		return nil, errors.Wrap(err, "hash secret")
	}

	defaultRole, err := s.catalog.DefaultRole(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "default role")
	}

	rec := identity.Record{
		Username:   id.Value,
		SecretHash: hash,
		Roles:      []string{defaultRole},
	}
	if id.IsEmail {
		rec.Email = id.Value
	}
	saved, err := s.save(ctx, rec)
	switch {
	case errors.Is(err, identity.ErrDuplicate):
		return nil, ErrUsernameTaken
	case err != nil:
		return nil, unavailable("save identity", err)
	}
	zctx.From(ctx).Debug("Registered",
		zap.String("username", saved.Username),
		zap.Strings("roles", saved.Roles),
	)

	res, err := s.issue(ctx, saved.Username, saved.Roles)
	if err != nil {
		return nil, &IssueError{Username: saved.Username, Err: err}
	}
	return res, nil
}

func (s *Service) issue(ctx context.Context, username string, roles []string) (*Result, error) {
	scopes, err := role.Union(ctx, s.catalog, roles)
	if err != nil {
		return nil, errors.Wrap(err, "resolve scopes")
	}
	raw, claims, err := s.codec.Issue(username, roles, scopes, s.ttl)
	if err != nil {
		return nil, errors.Wrap(err, "issue token")
	}
	return &Result{
		Token:     raw,
		TokenType: token.Type,
		ExpiresAt: claims.ExpiresAt,
		Username:  claims.Subject,
		Roles:     slices.Clone(claims.Roles),
		Scopes:    slices.Clone(claims.Scopes),
	}, nil
}

func (s *Service) directoryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.dirTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.dirTimeout)
}

func (s *Service) find(ctx context.Context, identifier string) (*identity.Record, error) {
	ctx, cancel := s.directoryContext(ctx)
	defer cancel()
	return s.directory.FindByIdentifier(ctx, identifier)
}

func (s *Service) exists(ctx context.Context, username string) (bool, error) {
	ctx, cancel := s.directoryContext(ctx)
	defer cancel()
	return s.directory.ExistsByUsername(ctx, username)
}

func (s *Service) save(ctx context.Context, rec identity.Record) (*identity.Record, error) {
	ctx, cancel := s.directoryContext(ctx)
	defer cancel()
	return s.directory.Save(ctx, rec)
}

func (s *Service) observe(ctx context.Context, span trace.Span, counter metric.Int64Counter, err error) {
	defer span.End()

	o := Outcome(err)
	counter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", o)))
	span.SetAttributes(attribute.String("auth.outcome", o))

	var issueErr *IssueError
	if errors.Is(err, ErrDirectoryUnavailable) || errors.As(err, &issueErr) || o == "error" {
		span.RecordError(err)
		span.SetStatus(codes.Error, o)
	}
}

// Outcome labels err for metrics and logs.
func Outcome(err error) string {
	var issueErr *IssueError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrUsernameTaken):
		return "username_taken"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrDirectoryUnavailable):
		return "directory_unavailable"
	case errors.As(err, &issueErr):
		return "issue_failed"
	default:
		return "error"
	}
}
