// Package auth validates bearer credentials for the HTTP surface. Two
// credential shapes are accepted: HS256 JWTs whose subject is the tenant
// account key, and opaque API keys stored as SHA-256 hashes. Plaintext keys
// are never persisted.
package auth

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"recalld/internal/config"
	"recalld/internal/memory"
)

// Principal is an authenticated caller.
type Principal struct {
	AccountKey string
	Scopes     []string
	Method     string // "jwt" or "api_key"
}

// Allows reports whether the principal may use the named scope. A principal
// with no scopes is unrestricted.
func (p *Principal) Allows(scope string) bool {
	if len(p.Scopes) == 0 {
		return true
	}
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Verifier checks bearer tokens against the JWT secret and the API key
// table.
type Verifier struct {
	cfg    config.AuthConfig
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewVerifier initializes the API key schema on the shared database.
func NewVerifier(db *sql.DB, cfg config.AuthConfig, logger *zap.Logger) (*Verifier, error) {
	v := &Verifier{cfg: cfg, db: db, logger: logger, now: time.Now}
	schema := `
	CREATE TABLE IF NOT EXISTS api_keys (
		key_hash TEXT PRIMARY KEY,
		account_key TEXT NOT NULL,
		scopes TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		revoked_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_api_keys_account ON api_keys(account_key);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create api_keys schema: %w", err)
	}
	return v, nil
}

type tokenClaims struct {
	Scopes []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// Authenticate resolves a bearer token into a principal. Tokens with two
// dots are treated as JWTs; anything else is looked up as an opaque API key.
func (v *Verifier) Authenticate(ctx context.Context, token string) (*Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: missing bearer token", memory.ErrAuth)
	}
	if strings.Count(token, ".") == 2 {
		return v.verifyJWT(token)
	}
	return v.verifyAPIKey(ctx, token)
}

func (v *Verifier) verifyJWT(token string) (*Principal, error) {
	if v.cfg.JWTSecret == "" {
		return nil, fmt.Errorf("%w: JWT authentication is not configured", memory.ErrAuth)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if v.cfg.JWTIssuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.JWTIssuer))
	}
	if v.cfg.JWTAudience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.JWTAudience))
	}

	claims := &tokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(v.cfg.JWTSecret), nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", memory.ErrAuth, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("%w: token has no subject", memory.ErrAuth)
	}
	if claims.IssuedAt == nil {
		return nil, fmt.Errorf("%w: token has no issued-at claim", memory.ErrAuth)
	}

	return &Principal{
		AccountKey: claims.Subject,
		Scopes:     claims.Scopes,
		Method:     "jwt",
	}, nil
}

func (v *Verifier) verifyAPIKey(ctx context.Context, key string) (*Principal, error) {
	var accountKey, scopes string
	var revoked sql.NullTime
	err := v.db.QueryRowContext(ctx, `
		SELECT account_key, scopes, revoked_at FROM api_keys WHERE key_hash = ?`,
		hashKey(key)).Scan(&accountKey, &scopes, &revoked)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: unknown api key", memory.ErrAuth)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: key lookup failed: %v", memory.ErrServer, err)
	}
	if revoked.Valid {
		return nil, fmt.Errorf("%w: api key revoked", memory.ErrAuth)
	}

	return &Principal{
		AccountKey: accountKey,
		Scopes:     splitScopes(scopes),
		Method:     "api_key",
	}, nil
}

// CreateAPIKey mints a new opaque key for a tenant and returns the plaintext
// exactly once. Only the SHA-256 hash is stored.
func (v *Verifier) CreateAPIKey(ctx context.Context, accountKey string, scopes []string) (string, error) {
	if accountKey == "" {
		return "", memory.Validationf("account key is required")
	}
	key := "rk_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	_, err := v.db.ExecContext(ctx, `
		INSERT INTO api_keys (key_hash, account_key, scopes, created_at)
		VALUES (?,?,?,?)`,
		hashKey(key), accountKey, strings.Join(scopes, ","), v.now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to store api key: %w", err)
	}
	return key, nil
}

// RevokeAPIKey marks a key unusable by its plaintext value.
func (v *Verifier) RevokeAPIKey(ctx context.Context, key string) error {
	res, err := v.db.ExecContext(ctx, `
		UPDATE api_keys SET revoked_at = ? WHERE key_hash = ? AND revoked_at IS NULL`,
		v.now().UTC(), hashKey(key))
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: api key", memory.ErrNotFound)
	}
	return nil
}

// IssueToken signs a JWT for a tenant, used by operators and tests.
func (v *Verifier) IssueToken(accountKey string, scopes []string, ttl time.Duration) (string, error) {
	if v.cfg.JWTSecret == "" {
		return "", fmt.Errorf("jwt secret is not configured")
	}
	now := v.now().UTC()
	claims := tokenClaims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountKey,
			Issuer:    v.cfg.JWTIssuer,
			Audience:  jwt.ClaimStrings{v.cfg.JWTAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(v.cfg.JWTSecret))
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func splitScopes(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
