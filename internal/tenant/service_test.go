package tenant_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/cadencehq/cadence/internal/shared"
	"github.com/cadencehq/cadence/internal/tenant"
)

type stubRepo struct {
	mu      sync.Mutex
	tenants map[uuid.UUID]tenant.Tenant
	finds   int
}

func newStubRepo() *stubRepo {
	return &stubRepo{tenants: make(map[uuid.UUID]tenant.Tenant)}
}

func (s *stubRepo) Find(ctx context.Context, id uuid.UUID) (tenant.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finds++
	t, ok := s.tenants[id]
	if !ok {
		return tenant.Tenant{}, shared.ErrNotFound
	}
	return t, nil
}

func (s *stubRepo) Create(ctx context.Context, t tenant.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[t.ID] = t
	return nil
}

func (s *stubRepo) UpdateKeyHash(ctx context.Context, id uuid.UUID, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return shared.ErrNotFound
	}
	t.KeyHash = hash
	s.tenants[id] = t
	return nil
}

func (s *stubRepo) disable(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tenants[id]
	now := time.Now()
	t.DisabledAt = &now
	s.tenants[id] = t
}

func TestAuthenticateProvisionedKey(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	repo := newStubRepo()
	svc := tenant.NewService(repo, client)

	created, key, err := svc.Provision(ctx, "Acme")
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if !strings.HasPrefix(key, created.ID.String()+".") {
		t.Fatalf("key %q does not carry tenant id", key)
	}
	if strings.Contains(created.KeyHash, strings.SplitN(key, ".", 2)[1]) {
		t.Fatalf("secret stored in clear text")
	}

	id, err := svc.Authenticate(ctx, key)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if id != created.ID {
		t.Fatalf("expected %s, got %s", created.ID, id)
	}
	if len(mr.Keys()) != 1 {
		t.Fatalf("expected verified key to be cached, got %v", mr.Keys())
	}

	if _, err := svc.Authenticate(ctx, key); err != nil {
		t.Fatalf("authenticate cached: %v", err)
	}
	if repo.finds != 1 {
		t.Fatalf("expected one repository lookup, got %d", repo.finds)
	}
}

func TestAuthenticateRejectsBadKeys(t *testing.T) {
	ctx := context.Background()
	repo := newStubRepo()
	svc := tenant.NewService(repo, nil)
	created, key, err := svc.Provision(ctx, "Acme")
	if err != nil {
		t.Fatalf("provision: %v", err)
	}

	cases := map[string]string{
		"malformed":      "not-a-key",
		"missing secret": created.ID.String() + ".",
		"wrong secret":   created.ID.String() + ".nope",
		"unknown tenant": uuid.NewString() + ".secret",
	}
	for name, candidate := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Authenticate(ctx, candidate)
			if !errors.Is(err, tenant.ErrInvalidKey) || !errors.Is(err, shared.ErrUnauthorized) {
				t.Fatalf("expected invalid key, got %v", err)
			}
		})
	}

	repo.disable(created.ID)
	if _, err := svc.Authenticate(ctx, key); !errors.Is(err, tenant.ErrInvalidKey) {
		t.Fatalf("expected disabled tenant to be rejected, got %v", err)
	}
}

func TestRotateKeyInvalidatesOldSecret(t *testing.T) {
	ctx := context.Background()
	svc := tenant.NewService(newStubRepo(), nil)
	created, oldKey, err := svc.Provision(ctx, "Acme")
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	newKey, err := svc.RotateKey(ctx, created.ID)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if _, err := svc.Authenticate(ctx, oldKey); !errors.Is(err, tenant.ErrInvalidKey) {
		t.Fatalf("old key still valid: %v", err)
	}
	if _, err := svc.Authenticate(ctx, newKey); err != nil {
		t.Fatalf("new key rejected: %v", err)
	}
	if _, err := svc.RotateKey(ctx, uuid.New()); !errors.Is(err, shared.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestProvisionRequiresName(t *testing.T) {
	svc := tenant.NewService(newStubRepo(), nil)
	if _, _, err := svc.Provision(context.Background(), "  "); !errors.Is(err, shared.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestMiddlewareSetsTenant(t *testing.T) {
	ctx := context.Background()
	svc := tenant.NewService(newStubRepo(), nil)
	created, key, err := svc.Provision(ctx, "Acme")
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	var seen uuid.UUID
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = shared.TenantFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	handler := tenant.Middleware(nil, svc)(next)

	tests := []struct {
		name   string
		header string
		status int
	}{
		{name: "missing", header: "", status: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic " + key, status: http.StatusUnauthorized},
		{name: "bad key", header: "Bearer " + created.ID.String() + ".wrong", status: http.StatusUnauthorized},
		{name: "valid", header: "Bearer " + key, status: http.StatusNoContent},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/cycles", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
		})
	}
	if seen != created.ID {
		t.Fatalf("expected tenant %s in context, got %s", created.ID, seen)
	}
}
