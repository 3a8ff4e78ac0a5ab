package web

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// sessionCookieName is the browser cookie carrying the signed user id.
const sessionCookieName = "agentloop_session"

var errInvalidSessionToken = errors.New("web: invalid session token")

// sessionSigner signs and verifies the user_id carried in the session
// cookie, so the Session Registry's key survives a server restart without
// a server-side cookie store.
type sessionSigner struct {
	secret []byte
}

func newSessionSigner(signingKey string) *sessionSigner {
	return &sessionSigner{secret: []byte(signingKey)}
}

type sessionClaims struct {
	jwt.RegisteredClaims
}

// sign issues a signed token carrying userID as the subject.
func (s *sessionSigner) sign(userID string) (string, error) {
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  userID,
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// verify parses a signed token and returns its subject (the user id).
func (s *sessionSigner) verify(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &sessionClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("web: unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", errInvalidSessionToken
	}
	claims, ok := parsed.Claims.(*sessionClaims)
	if !ok || strings.TrimSpace(claims.Subject) == "" {
		return "", errInvalidSessionToken
	}
	return claims.Subject, nil
}

// userIDFromRequest reads and verifies the session cookie, returning ("",
// false) if it is absent or invalid.
func (s *sessionSigner) userIDFromRequest(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	userID, err := s.verify(cookie.Value)
	if err != nil {
		return "", false
	}
	return userID, true
}

// setSessionCookie signs userID and attaches it to the response.
func (s *sessionSigner) setSessionCookie(w http.ResponseWriter, userID string) error {
	token, err := s.sign(userID)
	if err != nil {
		return fmt.Errorf("web: sign session cookie: %w", err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}
