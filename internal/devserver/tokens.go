package devserver

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrTokenInvalid   = errors.New("invalid token")
	ErrTokenWrongPoll = errors.New("token was issued for another poll")
)

// pollClaims are the claims of a poll capability token
type pollClaims struct {
	PollID int64 `json:"pid"`
	jwt.RegisteredClaims
}

// TokenIssuer mints and verifies HS256 poll capability tokens
type TokenIssuer struct {
	secret []byte
}

func NewTokenIssuer(secret string) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret)}
}

// Mint issues the capability token for pollID. Tokens do not expire.
func (ti *TokenIssuer) Mint(pollID int64) (string, error) {
	claims := pollClaims{
		PollID: pollID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  fmt.Sprintf("poll:%d", pollID),
			ID:       uuid.NewString(),
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ti.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign poll token: %w", err)
	}
	return signed, nil
}

// Verify checks that token is a valid capability for pollID
func (ti *TokenIssuer) Verify(token string, pollID int64) error {
	var claims pollClaims
	t, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return ti.secret, nil
	})
	if err != nil || !t.Valid {
		return fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if claims.PollID != pollID {
		return ErrTokenWrongPoll
	}
	return nil
}
