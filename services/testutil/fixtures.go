package testutil

import (
	"time"

	"github.com/AfshinJalili/custody/libs/apikey"
	"github.com/AfshinJalili/custody/libs/auth"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	DemoUserID   = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	SecondUserID = uuid.MustParse("00000000-0000-0000-0000-000000000002")
)

// GenerateJWT signs an HS256 token for userID carrying scopes.
func GenerateJWT(userID uuid.UUID, secret []byte, ttl time.Duration, now time.Time, scopes ...string) (string, error) {
	claims := auth.Claims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "custody-auth",
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// GenerateOperatorKey returns a fresh operator key and the record that
// accepts it.
func GenerateOperatorKey(name string, whitelist ...string) (string, apikey.Key, error) {
	full, _, hash, err := apikey.Generate("test")
	if err != nil {
		return "", apikey.Key{}, err
	}
	return full, apikey.Key{Name: name, Hash: hash, IPWhitelist: whitelist}, nil
}
