package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/qryptonic/qstrike-stream/internal/protocol"
)

var (
	ErrMissingToken = errors.New("authentication required")
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrForbidden    = errors.New("stream belongs to another tenant")
)

// Claims carries the tenant a stream token is scoped to.
type Claims struct {
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

type Authenticator struct {
	secret []byte
	now    func() time.Time
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret), now: time.Now}
}

// Mint signs an HS256 token for tenant valid for ttl.
func (a *Authenticator) Mint(tenant, subject string, ttl time.Duration) (string, error) {
	if tenant == "" {
		return "", errors.New("mint: empty tenant")
	}
	now := a.now()
	claims := &Claims{
		TenantID: tenant,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify parses tokenString and returns its claims.
func (a *Authenticator) Verify(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(a.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.TenantID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// CloseCode maps an authorization failure onto the stream close code.
func CloseCode(err error) int {
	switch {
	case errors.Is(err, ErrExpiredToken):
		return protocol.CloseTokenExpired
	case errors.Is(err, ErrForbidden):
		return protocol.CloseForbidden
	default:
		return protocol.CloseUnauthorized
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}

func queryToken(r *http.Request) string {
	return r.URL.Query().Get("token")
}

// Ownership records which tenant owns a job or recorded stream.
type Ownership interface {
	Owner(ctx context.Context, id string) (tenant string, ok bool, err error)
	SetOwner(ctx context.Context, id, tenant string) error
}

type MemoryOwnership struct {
	mu     sync.RWMutex
	owners map[string]string
}

func NewMemoryOwnership() *MemoryOwnership {
	return &MemoryOwnership{owners: make(map[string]string)}
}

func (m *MemoryOwnership) Owner(_ context.Context, id string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.owners[id]
	return t, ok, nil
}

func (m *MemoryOwnership) SetOwner(_ context.Context, id, tenant string) error {
	m.mu.Lock()
	m.owners[id] = tenant
	m.mu.Unlock()
	return nil
}

// checkOwner returns ErrForbidden when id is recorded for another tenant.
// Unknown ids are allowed; ownership is enforced again on first publish.
func checkOwner(ctx context.Context, owners Ownership, id, tenant string) error {
	owner, ok, err := owners.Owner(ctx, id)
	if err != nil {
		return err
	}
	if ok && owner != tenant {
		return ErrForbidden
	}
	return nil
}
