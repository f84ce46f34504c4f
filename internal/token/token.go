// Package token mints and verifies the short-lived QR attendance tokens.
// Verification is a pure function of (payload, time): no store lookup, so a
// token cannot be revoked early — closing the session is the revocation.
package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"qrattend/internal/session"
)

var (
	// ErrSessionNotOpen is returned when a token is requested for a session
	// that is not currently open.
	ErrSessionNotOpen = errors.New("session not open")
	// ErrInvalid means the payload failed signature or structural checks.
	ErrInvalid = errors.New("invalid attendance token")
	// ErrExpired means the token was well-formed but past its expiry.
	ErrExpired = errors.New("attendance token expired")
)

// Claims is the signed QR payload: one session, one expiry.
type Claims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies attendance tokens with a shared HS256 key.
type Issuer struct {
	key    []byte
	issuer string
	now    func() time.Time
}

// NewIssuer creates an issuer keyed by the signing secret.
func NewIssuer(key, issuer string) *Issuer {
	return &Issuer{key: []byte(key), issuer: issuer, now: time.Now}
}

// Issue produces a signed payload for an open session. The expiry is
// min(now+ttl, session end): a token never outlives its session's window.
func (i *Issuer) Issue(sess session.Session, ttl time.Duration) (string, time.Time, error) {
	if !sess.IsOpen() {
		return "", time.Time{}, ErrSessionNotOpen
	}
	issuedAt := i.now()
	expiresAt := issuedAt.Add(ttl)
	if expiresAt.After(sess.EndAt) {
		expiresAt = sess.EndAt
	}

	claims := Claims{
		SessionID: sess.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   sess.ID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	payload, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return "", time.Time{}, err
	}
	return payload, expiresAt, nil
}

// Verify checks signature and expiry against the supplied time and returns
// the decoded claims. Expired and tampered tokens are distinguished so the
// caller can tell the user "rescan" versus rejecting outright.
func (i *Issuer) Verify(payload string, now time.Time) (Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	var claims Claims
	parsed, err := parser.ParseWithClaims(payload, &claims, func(*jwt.Token) (interface{}, error) {
		return i.key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpired
		}
		return Claims{}, ErrInvalid
	}
	if !parsed.Valid || claims.SessionID == "" {
		return Claims{}, ErrInvalid
	}
	if i.issuer != "" && claims.Issuer != i.issuer {
		return Claims{}, ErrInvalid
	}
	return claims, nil
}
