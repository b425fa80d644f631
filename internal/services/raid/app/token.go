package server

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/spolepaka/mathraid/internal/errors"
)

const resumeTokenIssuer = "mathraid"

// defaultResumeTokenTTL outlives the abandonment sweep so a token minted at
// connect still resumes the session it references.
const defaultResumeTokenTTL = 7 * 24 * time.Hour

// resumeClaims carries the learner identity inside a resume token.
type resumeClaims struct {
	jwt.RegisteredClaims
}

// tokenIssuer mints and verifies learner resume tokens. Tokens let a client
// reconnect as the same learner without storing the raw learner ID anywhere
// it could be tampered with.
type tokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func newTokenIssuer(secret string, ttl time.Duration, now func() time.Time) *tokenIssuer {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = defaultResumeTokenTTL
	}
	if now == nil {
		now = time.Now
	}
	return &tokenIssuer{secret: []byte(secret), ttl: ttl, now: now}
}

// Mint signs a resume token for the learner.
func (t *tokenIssuer) Mint(learnerID string) (string, error) {
	if t == nil {
		return "", nil
	}
	issuedAt := t.now().UTC()
	claims := resumeClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    resumeTokenIssuer,
			Subject:   learnerID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(t.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.CodeUnknown, "sign resume token")
	}
	return signed, nil
}

// Verify validates a resume token and returns the learner ID it names.
func (t *tokenIssuer) Verify(token string) (string, error) {
	if t == nil {
		return "", apperrors.New(apperrors.CodeIdentityTokenInvalid, "resume tokens are not configured")
	}
	var claims resumeClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(resumeTokenIssuer),
		jwt.WithTimeFunc(func() time.Time { return t.now().UTC() }),
	)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.CodeIdentityTokenInvalid, "invalid resume token")
	}
	learnerID := strings.TrimSpace(claims.Subject)
	if learnerID == "" {
		return "", apperrors.New(apperrors.CodeIdentityTokenInvalid, "resume token has no subject")
	}
	return learnerID, nil
}
