// Package token issues and validates the single-use credentials that
// authorize web-based edits of an approval request.
package token

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/spec-kit/approval-engine/internal/config"
	"github.com/spec-kit/approval-engine/internal/domain"
)

// ValidationReason is the internal outcome of a token check. Callers
// collapse every non-OK reason into one external error so an attacker
// cannot learn which check failed; the reason goes to logs only.
type ValidationReason string

const (
	ReasonOK       ValidationReason = "ok"
	ReasonMissing  ValidationReason = "missing"
	ReasonExpired  ValidationReason = "expired"
	ReasonMismatch ValidationReason = "mismatch"
)

// Issued carries a freshly generated token. Plain is returned to the caller
// exactly once; only Hash is persisted.
type Issued struct {
	Plain     string
	Hash      string
	ExpiresAt time.Time
}

// Manager generates and checks edit tokens.
type Manager struct {
	ttl  time.Duration
	cost int
}

// NewManager builds a manager from config.
func NewManager(cfg config.EditTokenConfig) *Manager {
	cost := cfg.BcryptCost
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Manager{ttl: cfg.TTL(), cost: cost}
}

// Issue generates a 256-bit random token and its bcrypt hash for storage.
func (m *Manager) Issue(now time.Time) (Issued, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return Issued{}, fmt.Errorf("generate edit token: %w", err)
	}
	plain := hex.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(plain), m.cost)
	if err != nil {
		return Issued{}, fmt.Errorf("hash edit token: %w", err)
	}
	return Issued{
		Plain:     plain,
		Hash:      string(hash),
		ExpiresAt: now.Add(m.ttl),
	}, nil
}

// Validate checks the presented token against the request's stored hash and
// expiry. Consumption (clearing the stored fields) is the caller's job and
// must happen in the same transaction as the resulting status change.
func (m *Manager) Validate(req *domain.ApprovalRequest, plain string, now time.Time) ValidationReason {
	if req.EditTokenHash == nil || req.EditTokenExpiresAt == nil {
		return ReasonMissing
	}
	if now.After(*req.EditTokenExpiresAt) {
		return ReasonExpired
	}
	if bcrypt.CompareHashAndPassword([]byte(*req.EditTokenHash), []byte(plain)) != nil {
		return ReasonMismatch
	}
	return ReasonOK
}

// TTL exposes the configured validity window.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}
