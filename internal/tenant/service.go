package tenant

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/cadencehq/cadence/internal/shared"
)

// ErrInvalidKey is returned for malformed, unknown or revoked API keys.
var ErrInvalidKey = fmt.Errorf("tenant: invalid api key: %w", shared.ErrUnauthorized)

const verifiedKeyTTL = 5 * time.Minute

// Service issues and verifies tenant API keys. Keys have the form
// "<tenant id>.<secret>"; only a bcrypt hash of the secret is stored.
type Service struct {
	repo  Repository
	redis *redis.Client
	cost  int
}

// NewService constructs a Service. A redis client, when given, remembers
// successful verifications so bcrypt runs once per key per TTL.
func NewService(repo Repository, client *redis.Client) *Service {
	return &Service{repo: repo, redis: client, cost: bcrypt.DefaultCost}
}

// Provision creates a tenant and returns its API key.
func (s *Service) Provision(ctx context.Context, name string) (Tenant, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Tenant{}, "", fmt.Errorf("%w: tenant name required", shared.ErrValidation)
	}
	secret, hash, err := s.newSecret()
	if err != nil {
		return Tenant{}, "", err
	}
	t := Tenant{ID: uuid.New(), Name: name, KeyHash: hash, CreatedAt: time.Now().UTC()}
	if err := s.repo.Create(ctx, t); err != nil {
		return Tenant{}, "", err
	}
	return t, formatKey(t.ID, secret), nil
}

// RotateKey replaces a tenant's API key. Previously verified keys stay valid
// in the cache until their TTL expires.
func (s *Service) RotateKey(ctx context.Context, id uuid.UUID) (string, error) {
	secret, hash, err := s.newSecret()
	if err != nil {
		return "", err
	}
	if err := s.repo.UpdateKeyHash(ctx, id, hash); err != nil {
		return "", err
	}
	return formatKey(id, secret), nil
}

// Authenticate resolves the tenant owning the given API key.
func (s *Service) Authenticate(ctx context.Context, key string) (uuid.UUID, error) {
	id, secret, ok := parseKey(key)
	if !ok {
		return uuid.Nil, ErrInvalidKey
	}
	cacheKey := verifiedKey(key)
	if s.redis != nil {
		cached, err := s.redis.Get(ctx, cacheKey).Result()
		if err == nil && cached == id.String() {
			return id, nil
		}
	}
	t, err := s.repo.Find(ctx, id)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return uuid.Nil, ErrInvalidKey
		}
		return uuid.Nil, err
	}
	if !t.Active() {
		return uuid.Nil, ErrInvalidKey
	}
	if err := bcrypt.CompareHashAndPassword([]byte(t.KeyHash), []byte(secret)); err != nil {
		return uuid.Nil, ErrInvalidKey
	}
	if s.redis != nil {
		_ = s.redis.Set(ctx, cacheKey, id.String(), verifiedKeyTTL).Err()
	}
	return id, nil
}

func (s *Service) newSecret() (string, string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	secret := base64.RawURLEncoding.EncodeToString(buf)
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.cost)
	if err != nil {
		return "", "", err
	}
	return secret, string(hash), nil
}

func formatKey(id uuid.UUID, secret string) string {
	return id.String() + "." + secret
}

func parseKey(key string) (uuid.UUID, string, bool) {
	rawID, secret, found := strings.Cut(strings.TrimSpace(key), ".")
	if !found || secret == "" {
		return uuid.Nil, "", false
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return uuid.Nil, "", false
	}
	return id, secret, true
}

func verifiedKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "tenant:apikey:" + hex.EncodeToString(sum[:])
}
