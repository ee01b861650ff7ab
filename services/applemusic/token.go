package applemusic

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"billboard-api-go/cache"
	"billboard-api-go/logcolors"
	"billboard-api-go/services/notifier"

	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const tokenCacheKey = "apple_music:token"

var (
	ErrNoCredentials  = errors.New("apple music credentials not configured")
	ErrTokenIssuance  = errors.New("apple music token issuance failed")
	errTokenNotCached = errors.New("no shared token")
)

// AuthToken is a signed developer token. Tokens are replaced, never mutated.
type AuthToken struct {
	Value     string    `json:"value"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Valid reports whether the token can still be used at now.
func (t *AuthToken) Valid(now time.Time) bool {
	return t != nil && t.Value != "" && now.Before(t.ExpiresAt)
}

// TokenSource hands out currently valid developer tokens.
type TokenSource interface {
	Token(ctx context.Context) (AuthToken, error)
}

// TokenConfig configures a TokenManager.
type TokenConfig struct {
	KeyID   string
	TeamID  string
	AuthKey string // PEM contents, or a path to the .p8 file
	TTL     time.Duration
	Store   cache.Store // optional; shares tokens between instances
	Now     func() time.Time
}

// TokenManager mints ES256 developer tokens on demand. Concurrent callers
// that find the token expired share a single signing operation.
type TokenManager struct {
	keyID  string
	teamID string
	key    *ecdsa.PrivateKey
	ttl    time.Duration
	store  cache.Store
	now    func() time.Time

	mu       sync.RWMutex
	current  *AuthToken
	rejected string // value of the last invalidated token

	group singleflight.Group
	mints atomic.Int64
}

// NewTokenManager parses the signing key. Missing credentials are not an
// error here; Token reports ErrNoCredentials instead.
func NewTokenManager(cfg TokenConfig) (*TokenManager, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = 12 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	m := &TokenManager{
		keyID:  cfg.KeyID,
		teamID: cfg.TeamID,
		ttl:    cfg.TTL,
		store:  cfg.Store,
		now:    cfg.Now,
	}

	if cfg.KeyID == "" || cfg.TeamID == "" || cfg.AuthKey == "" {
		log.Warnf("%s Apple Music credentials incomplete, enrichment disabled", logcolors.LogToken)
		return m, nil
	}

	pemBytes, err := loadKeyMaterial(cfg.AuthKey)
	if err != nil {
		return nil, err
	}
	key, err := jwt.ParseECPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("parse apple music auth key: %w", err)
	}
	m.key = key
	return m, nil
}

// loadKeyMaterial accepts inline PEM (with literal "\n" sequences as
// found in .env files) or a file path.
func loadKeyMaterial(v string) ([]byte, error) {
	v = strings.TrimSpace(v)
	if strings.HasPrefix(v, "-----BEGIN") {
		return []byte(strings.ReplaceAll(v, `\n`, "\n")), nil
	}
	b, err := os.ReadFile(v)
	if err != nil {
		return nil, fmt.Errorf("read apple music auth key: %w", err)
	}
	return b, nil
}

// Configured reports whether tokens can be minted at all.
func (m *TokenManager) Configured() bool {
	return m.key != nil
}

// Mints returns how many tokens this process has signed.
func (m *TokenManager) Mints() int64 {
	return m.mints.Load()
}

// Token returns the cached token while it is valid, otherwise a new one.
func (m *TokenManager) Token(ctx context.Context) (AuthToken, error) {
	if !m.Configured() {
		return AuthToken{}, ErrNoCredentials
	}

	m.mu.RLock()
	cur := m.current
	m.mu.RUnlock()
	if cur.Valid(m.now()) {
		return *cur, nil
	}

	ch := m.group.DoChan("token", func() (interface{}, error) {
		return m.refresh()
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return AuthToken{}, res.Err
		}
		return res.Val.(AuthToken), nil
	case <-ctx.Done():
		return AuthToken{}, ctx.Err()
	}
}

// Invalidate drops the cached token, e.g. after the provider rejected it.
// The shared copy is removed too when it is the same token, so other
// instances mint a fresh one instead of reloading it.
func (m *TokenManager) Invalidate() {
	m.mu.Lock()
	if m.current != nil {
		m.rejected = m.current.Value
	}
	rejected := m.rejected
	m.current = nil
	m.mu.Unlock()

	if m.store == nil || rejected == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	raw, found, err := m.store.Get(ctx, tokenCacheKey)
	if err != nil || !found {
		return
	}
	var shared AuthToken
	if json.Unmarshal([]byte(raw), &shared) == nil && shared.Value != rejected {
		return // already replaced by another instance
	}
	if err := m.store.Delete(ctx, tokenCacheKey); err != nil {
		log.Warnf("%s Failed to drop shared developer token: %v", logcolors.LogToken, err)
	}
}

func (m *TokenManager) refresh() (AuthToken, error) {
	now := m.now()

	// Another caller may have finished a refresh just before this one started.
	m.mu.RLock()
	cur := m.current
	m.mu.RUnlock()
	if cur.Valid(now) {
		return *cur, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if shared, err := m.loadShared(ctx, now); err == nil {
		m.swap(shared)
		return shared, nil
	}

	tok, err := m.mint(now)
	if err != nil {
		notifier.PublishTokenIssuanceFailed(err)
		return AuthToken{}, err
	}
	m.swap(tok)
	m.saveShared(ctx, tok)
	return tok, nil
}

func (m *TokenManager) swap(tok AuthToken) {
	m.mu.Lock()
	m.current = &tok
	m.mu.Unlock()
}

func (m *TokenManager) mint(now time.Time) (AuthToken, error) {
	expires := now.Add(m.ttl)
	claims := jwt.RegisteredClaims{
		Issuer:    m.teamID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = m.keyID

	signed, err := token.SignedString(m.key)
	if err != nil {
		return AuthToken{}, fmt.Errorf("%w: %v", ErrTokenIssuance, err)
	}

	m.mints.Add(1)
	log.Infof("%s Minted developer token (expires %s)", logcolors.LogToken, expires.Format(time.RFC3339))
	return AuthToken{Value: signed, IssuedAt: now, ExpiresAt: expires}, nil
}

func (m *TokenManager) loadShared(ctx context.Context, now time.Time) (AuthToken, error) {
	if m.store == nil {
		return AuthToken{}, errTokenNotCached
	}
	raw, found, err := m.store.Get(ctx, tokenCacheKey)
	if err != nil || !found {
		return AuthToken{}, errTokenNotCached
	}
	var tok AuthToken
	if err := json.Unmarshal([]byte(raw), &tok); err != nil || !tok.Valid(now) {
		return AuthToken{}, errTokenNotCached
	}
	m.mu.RLock()
	rejected := m.rejected
	m.mu.RUnlock()
	if tok.Value == rejected {
		return AuthToken{}, errTokenNotCached
	}
	log.Debugf("%s Reusing shared developer token", logcolors.LogToken)
	return tok, nil
}

func (m *TokenManager) saveShared(ctx context.Context, tok AuthToken) {
	if m.store == nil {
		return
	}
	data, err := json.Marshal(tok)
	if err != nil {
		return
	}
	if err := m.store.Set(ctx, tokenCacheKey, string(data), tok.ExpiresAt.Sub(tok.IssuedAt)); err != nil {
		log.Warnf("%s Failed to share developer token: %v", logcolors.LogToken, err)
	}
}
