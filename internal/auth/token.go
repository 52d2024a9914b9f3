package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/BradenHooton/warden/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const refreshTokenBytes = 32

// TokenManager mints and verifies access credentials. Access credentials
// are stateless HS256 JWTs bound to a session id; refresh credentials are
// opaque random values persisted by hash.
type TokenManager struct {
	secret    []byte
	accessTTL time.Duration
	now       func() time.Time
}

// NewTokenManager creates a new TokenManager
func NewTokenManager(secret string, accessTTL time.Duration) *TokenManager {
	return &TokenManager{
		secret:    []byte(secret),
		accessTTL: accessTTL,
		now:       time.Now,
	}
}

// AccessTTL is the lifetime of minted access credentials
func (tm *TokenManager) AccessTTL() time.Duration {
	return tm.accessTTL
}

// GenerateAccessToken creates a short-lived access token with a unique JTI
func (tm *TokenManager) GenerateAccessToken(account *models.Account, sessionID string) (string, error) {
	now := tm.now()
	claims := &models.TokenClaims{
		Type:      models.TokenTypeAccess,
		AccountID: account.ID,
		Username:  account.Username,
		Role:      account.Role,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   account.ID,
			ExpiresAt: jwt.NewNumericDate(now.Add(tm.accessTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(tm.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return tokenString, nil
}

// ValidateAccessToken verifies signature, lifetime and type. Every failure
// wraps models.ErrTokenInvalid.
func (tm *TokenManager) ValidateAccessToken(tokenString string) (*models.TokenClaims, error) {
	claims := &models.TokenClaims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return tm.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(tm.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrTokenInvalid, err)
	}
	if !token.Valid {
		return nil, models.ErrTokenInvalid
	}

	if claims.Type != models.TokenTypeAccess {
		return nil, fmt.Errorf("%w: wrong token type %q", models.ErrTokenInvalid, claims.Type)
	}
	if claims.AccountID == "" || claims.SessionID == "" {
		return nil, fmt.Errorf("%w: missing subject or session", models.ErrTokenInvalid)
	}

	return claims, nil
}

// GenerateRefreshToken returns a new opaque refresh value and its storage hash
func GenerateRefreshToken() (raw, hash string, err error) {
	b := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("failed to generate refresh token: %w", err)
	}
	raw = base64.RawURLEncoding.EncodeToString(b)
	return raw, HashToken(raw), nil
}

// HashToken is the storage form of an opaque token: hex SHA-256
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

var errMalformedRefresh = errors.New("malformed refresh token")

// ParseRefreshToken rejects values that could not have been minted by
// GenerateRefreshToken before any storage lookup happens
func ParseRefreshToken(raw string) error {
	b, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil || len(b) != refreshTokenBytes {
		return errMalformedRefresh
	}
	return nil
}

// DeviceFingerprint identifies a client device as a hash of its address and
// user agent. Refresh credentials are bound to the fingerprint they were
// issued to.
func DeviceFingerprint(ipAddress, userAgent string) string {
	sum := sha256.Sum256([]byte(ipAddress + "|" + userAgent))
	return hex.EncodeToString(sum[:])
}
