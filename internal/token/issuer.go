// Package token issues and verifies the signed bearer tokens that bind a
// session to a (user, device) pair.
package token

import (
	"time"

	finerrors "fintrust/pkg/errors"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token types carried in the "type" claim.
const (
	TypeSession = "session"
	TypeRefresh = "refresh"
)

// Claims are the verified contents of a bearer token.
type Claims struct {
	UserID   string
	DeviceID string
	Type     string
	TokenID  string
	IssuedAt time.Time
	Expiry   time.Time
}

// Issuer signs and verifies HS256 bearer tokens. The signing key is loaded
// once at startup; rotation is handled by external key management.
type Issuer struct {
	secret []byte
	issuer string
}

func NewIssuer(secret, issuer string) *Issuer {
	return &Issuer{secret: []byte(secret), issuer: issuer}
}

// IssueSessionToken mints a session bearer token for (user, device).
func (i *Issuer) IssueSessionToken(userID, deviceID string, ttl time.Duration) (string, error) {
	return i.issue(userID, deviceID, TypeSession, ttl)
}

// IssueRefreshToken mints a refresh token for (user, device).
func (i *Issuer) IssueRefreshToken(userID, deviceID string, ttl time.Duration) (string, error) {
	return i.issue(userID, deviceID, TypeRefresh, ttl)
}

func (i *Issuer) issue(userID, deviceID, typ string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":       userID,
		"device_id": deviceID,
		"type":      typ,
		"jti":       uuid.NewString(),
		"iss":       i.issuer,
		"iat":       now.Unix(),
		"exp":       now.Add(ttl).Unix(),
	}

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(i.secret)
}

// Verify parses and validates a token. Any failure, signature mismatch,
// expiry, or malformed structure, collapses into ErrInvalidToken so callers
// cannot distinguish why verification failed.
func (i *Issuer) Verify(tokenString string) (*Claims, error) {
	parsed, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return i.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, finerrors.ErrInvalidToken
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, finerrors.ErrInvalidToken
	}

	sub, _ := claims["sub"].(string)
	deviceID, _ := claims["device_id"].(string)
	typ, _ := claims["type"].(string)
	jti, _ := claims["jti"].(string)
	if sub == "" || deviceID == "" || (typ != TypeSession && typ != TypeRefresh) {
		return nil, finerrors.ErrInvalidToken
	}

	out := &Claims{
		UserID:   sub,
		DeviceID: deviceID,
		Type:     typ,
		TokenID:  jti,
	}
	if iat, ok := claims["iat"].(float64); ok {
		out.IssuedAt = time.Unix(int64(iat), 0)
	}
	exp, ok := claims["exp"].(float64)
	if !ok {
		return nil, finerrors.ErrInvalidToken
	}
	out.Expiry = time.Unix(int64(exp), 0)
	if time.Now().After(out.Expiry) {
		return nil, finerrors.ErrInvalidToken
	}

	return out, nil
}
