// Package token issues and verifies bearer tokens and tracks the per-principal
// session set, so that a remote "log out everywhere" fences every live token.
package token

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	cache "github.com/patrickmn/go-cache"
)

// Verification failure reasons. RemoteLogout is distinguishable so the HTTP
// layer and the gateway can surface TOKEN_REMOTE_LOGOUT instead of a generic
// rejection.
const (
	ReasonInvalid      = "invalid"
	ReasonExpired      = "expired"
	ReasonRevoked      = "revoked"
	ReasonRemoteLogout = "remote-logout"
)

// VerifyError carries the rejection reason for a bearer token.
type VerifyError struct {
	Reason string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("token verification failed: %s", e.Reason)
}

// IsRemoteLogout reports whether err is a remote-logout rejection.
func IsRemoteLogout(err error) bool {
	ve, ok := err.(*VerifyError)
	return ok && ve.Reason == ReasonRemoteLogout
}

type entry struct {
	PrincipalID  string
	Valid        bool
	RemoteLogout bool
}

const (
	sessionSetTTL = 30 * 24 * time.Hour
	// Invalidated entries linger briefly so in-flight requests observe the
	// remote-logout reason instead of a silent miss.
	invalidatedTTL = 5 * time.Minute
)

// Manager owns the signed-token lifecycle and the in-memory caches.
type Manager struct {
	secret []byte
	ttl    time.Duration

	tokens   *cache.Cache // token string -> entry
	sessions *cache.Cache // principalID -> []string of live tokens

	mu sync.Mutex // serializes session-set read/modify/write
}

func NewManager(secret string, ttl time.Duration) (*Manager, error) {
	if secret == "" {
		return nil, fmt.Errorf("token signing secret is empty")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("token ttl must be positive")
	}
	return &Manager{
		secret:   []byte(secret),
		ttl:      ttl,
		tokens:   cache.New(ttl, 10*time.Minute),
		sessions: cache.New(sessionSetTTL, time.Hour),
	}, nil
}

// TTL returns the configured token lifetime.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Issue signs a bearer for principalID and records it in both caches.
func (m *Manager) Issue(principalID string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   principalID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		ID:        uuid.New().String(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	m.tokens.Set(signed, entry{PrincipalID: principalID, Valid: true}, m.ttl)

	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.sessionSet(principalID)
	set = append(set, signed)
	m.sessions.Set(principalID, set, sessionSetTTL)

	return signed, nil
}

// Verify checks signature, expiry, cache presence and the principal
// cross-check. It returns the principal ID on success.
func (m *Manager) Verify(tokenString string) (string, error) {
	if tokenString == "" {
		return "", &VerifyError{Reason: ReasonInvalid}
	}

	parsed, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", &VerifyError{Reason: ReasonExpired}
		}
		return "", &VerifyError{Reason: ReasonInvalid}
	}
	if !parsed.Valid {
		return "", &VerifyError{Reason: ReasonInvalid}
	}

	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", &VerifyError{Reason: ReasonInvalid}
	}

	v, found := m.tokens.Get(tokenString)
	if !found {
		return "", &VerifyError{Reason: ReasonRevoked}
	}
	ent := v.(entry)
	if !ent.Valid {
		if ent.RemoteLogout {
			return "", &VerifyError{Reason: ReasonRemoteLogout}
		}
		return "", &VerifyError{Reason: ReasonRevoked}
	}
	if ent.PrincipalID != claims.Subject {
		return "", &VerifyError{Reason: ReasonInvalid}
	}
	return claims.Subject, nil
}

// Revoke invalidates a single token (normal logout).
func (m *Manager) Revoke(tokenString string) {
	if v, found := m.tokens.Get(tokenString); found {
		ent := v.(entry)
		m.tokens.Delete(tokenString)

		m.mu.Lock()
		defer m.mu.Unlock()
		set := m.sessionSet(ent.PrincipalID)
		out := set[:0]
		for _, t := range set {
			if t != tokenString {
				out = append(out, t)
			}
		}
		m.sessions.Set(ent.PrincipalID, out, sessionSetTTL)
	}
}

// LogoutAll marks every live token of principalID as remotely logged out,
// then clears the session set. In-flight requests observe the remote-logout
// reason within one cache tick.
func (m *Manager) LogoutAll(principalID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := m.sessionSet(principalID)
	for _, t := range set {
		m.tokens.Set(t, entry{PrincipalID: principalID, Valid: false, RemoteLogout: true}, invalidatedTTL)
	}
	m.sessions.Delete(principalID)
	return len(set)
}

// ActiveSessions returns the number of live tokens for principalID.
func (m *Manager) ActiveSessions(principalID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessionSet(principalID))
}

func (m *Manager) sessionSet(principalID string) []string {
	if v, found := m.sessions.Get(principalID); found {
		return v.([]string)
	}
	return nil
}
