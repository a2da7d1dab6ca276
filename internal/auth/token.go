// Package auth validates the bearer tokens that identify users at connect
// time and on REST calls. Issuing tokens for real users belongs to an
// external identity service; GenerateToken exists for tools and tests.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/whisper/convo/internal/chat"
)

const Issuer = "convo"

// Claims is the JWT payload.
type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Authenticator signs and validates HS256 tokens with a shared secret.
type Authenticator struct {
	secret []byte
	now    func() time.Time
}

// NewAuthenticator returns an Authenticator for secret, which must not be
// empty.
func NewAuthenticator(secret string) (*Authenticator, error) {
	if secret == "" {
		return nil, errors.New("auth: empty signing secret")
	}
	return &Authenticator{secret: []byte(secret), now: time.Now}, nil
}

// GenerateToken creates a signed token for id valid for ttl.
func (a *Authenticator) GenerateToken(id chat.Identity, ttl time.Duration) (string, error) {
	now := a.now()
	claims := &Claims{
		UserID:   id.UserID,
		Username: id.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			Issuer:    Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken checks the signature, algorithm, issuer and expiry and
// returns the identity the token carries. Every failure is unauthenticated.
func (a *Authenticator) ValidateToken(tokenString string) (chat.Identity, error) {
	if tokenString == "" {
		return chat.Identity{}, chat.NewError(chat.CodeUnauthenticated, "missing token", nil)
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return chat.Identity{}, chat.NewError(chat.CodeUnauthenticated, "invalid token", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return chat.Identity{}, chat.NewError(chat.CodeUnauthenticated, "invalid token", jwt.ErrSignatureInvalid)
	}
	id := chat.Identity{UserID: claims.UserID, Username: claims.Username}
	if !id.Valid() {
		return chat.Identity{}, chat.NewError(chat.CodeUnauthenticated, "token has no user", nil)
	}
	return id, nil
}

// Authenticate validates the request's bearer token. Browsers cannot set
// headers on a WebSocket handshake, so the "token" query parameter is
// accepted as well.
func (a *Authenticator) Authenticate(r *http.Request) (chat.Identity, error) {
	return a.ValidateToken(TokenFromRequest(r))
}

// TokenFromRequest extracts a bearer token from the Authorization header or
// the "token" query parameter.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
