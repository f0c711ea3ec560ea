package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/crypto/bcrypt"

	"github.com/featherbase/featherbase/internal/engine"
	"github.com/featherbase/featherbase/internal/record"
	"github.com/featherbase/featherbase/internal/schema"
)

// Service implements the login flow and superuser bootstrap over the
// engine. The engine itself never sees plaintext passwords; hashing
// happens here and in the API layer before records are written.
type Service struct {
	engine *engine.Engine
	tokens *TokenIssuer
	audit  *Audit
	logger *slog.Logger

	loginSuccesses atomic.Uint64
	loginFailures  atomic.Uint64
}

// ServiceStats reports login counters.
type ServiceStats struct {
	LoginSuccesses uint64 `json:"loginSuccesses"`
	LoginFailures  uint64 `json:"loginFailures"`
}

// Stats returns current counters.
func (s *Service) Stats() ServiceStats {
	return ServiceStats{
		LoginSuccesses: s.loginSuccesses.Load(),
		LoginFailures:  s.loginFailures.Load(),
	}
}

// NewService creates an auth service.
func NewService(eng *engine.Engine, tokens *TokenIssuer, audit *Audit, logger *slog.Logger) *Service {
	return &Service{engine: eng, tokens: tokens, audit: audit, logger: logger}
}

// HashPassword hashes a plaintext password for storage.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// Login authenticates an email/password pair against an auth
// collection and returns a signed token plus the sanitized user.
func (s *Service) Login(ctx context.Context, collection, email, password string) (string, record.Record, error) {
	ok := false
	defer func() {
		if ok {
			s.loginSuccesses.Add(1)
		} else {
			s.loginFailures.Add(1)
		}
	}()

	if !schema.IsAuthCollection(collection) {
		return "", nil, fmt.Errorf("%w: %s is not an auth collection", ErrInvalidCredentials, collection)
	}
	if email == "" || password == "" {
		return "", nil, ErrInvalidCredentials
	}

	result, err := s.engine.List(ctx, collection, engine.ListOptions{
		Filter:  map[string]any{"email": email},
		PerPage: 1,
	})
	if err != nil {
		return "", nil, fmt.Errorf("login lookup failed: %w", err)
	}
	if result.TotalItems == 0 {
		s.audit.Event("login_failed", slog.String("collection", collection), slog.String("email", email))
		return "", nil, ErrInvalidCredentials
	}

	// The listed record is sanitized; fetch the raw row for the hash.
	raw, err := s.engine.GetRaw(ctx, collection, result.Items[0].ID())
	if err != nil || raw == nil {
		return "", nil, ErrInvalidCredentials
	}
	hash, _ := raw["password"].(string)
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		s.audit.Event("login_failed", slog.String("collection", collection), slog.String("email", email))
		return "", nil, ErrInvalidCredentials
	}

	token, err := s.tokens.Issue(raw, collection)
	if err != nil {
		return "", nil, err
	}

	s.audit.Event("login",
		slog.String("collection", collection),
		slog.String("email", email),
		slog.String("user", raw.ID()),
	)
	ok = true
	return token, result.Items[0], nil
}

// Verify validates a bearer token.
func (s *Service) Verify(token string) (*Claims, error) {
	return s.tokens.Verify(token)
}

// BootstrapResult reports what Bootstrap did.
type BootstrapResult struct {
	Created bool
	Email   string
	Message string
}

// Bootstrap seeds the initial superuser when the superuser collection
// is empty. Safe to call on every startup.
func (s *Service) Bootstrap(ctx context.Context, email, password string) (*BootstrapResult, error) {
	if email == "" || password == "" {
		return nil, errors.New("bootstrap requires email and password")
	}

	existing, err := s.engine.List(ctx, schema.SuperusersCollection, engine.ListOptions{PerPage: 1})
	if err != nil {
		return nil, fmt.Errorf("bootstrap lookup failed: %w", err)
	}
	if existing.TotalItems > 0 {
		return &BootstrapResult{Message: "superusers already exist"}, nil
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	_, err = s.engine.Create(ctx, schema.SuperusersCollection, record.Record{
		"email":    email,
		"password": hash,
	})
	if err != nil {
		if errors.Is(err, engine.ErrUniqueness) {
			// Another instance won the race.
			return &BootstrapResult{Message: "superuser created concurrently"}, nil
		}
		return nil, fmt.Errorf("bootstrap create failed: %w", err)
	}

	s.audit.Event("bootstrap", slog.String("email", email))
	s.logger.Info("bootstrap superuser created", slog.String("email", email))
	return &BootstrapResult{Created: true, Email: email}, nil
}
