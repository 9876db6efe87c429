package http

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"proctored-assessment-service/internal/domain"

	"github.com/dgrijalva/jwt-go"
)

// Claims are the bearer token claims; Subject carries the user id.
type Claims struct {
	jwt.StandardClaims
}

// Authenticator verifies HMAC-signed bearer tokens.
type Authenticator struct {
	secret []byte
	issuer string
}

func NewAuthenticator(secret, issuer string) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: issuer}
}

// UserID validates a raw token and returns its subject.
func (a *Authenticator) UserID(raw string) (string, error) {
	if raw == "" {
		return "", domain.ErrUnauthorized
	}
	claims := new(Claims)
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("parse token: %v: %w", err, domain.ErrUnauthorized)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("token without subject: %w", domain.ErrUnauthorized)
	}
	return claims.Subject, nil
}

// Issue signs a token for userID. Used by the token command and tests.
func (a *Authenticator) Issue(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{StandardClaims: jwt.StandardClaims{
		Subject:   userID,
		Issuer:    a.issuer,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	}}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Middleware rejects requests without a valid bearer token and puts the user id
// into the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		userID, err := a.UserID(raw)
		if err != nil {
			writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), userKey{}, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type userKey struct{}

// UserID returns the authenticated user of a request context.
func UserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userKey{}).(string)
	return userID, ok
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
