package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"teleconsulta/config"
)

// Claims identify a station on the relay socket. This is transport plumbing,
// not an access-control boundary: every station shares one access code.
type Claims struct {
	StationID   string `json:"station_id"`
	StationName string `json:"station_name"`
	jwt.RegisteredClaims
}

func GenerateStationToken(cfg *config.JWTConfig, stationID, stationName string) (string, error) {
	claims := Claims{
		StationID:   stationID,
		StationName: stationName,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(cfg.Expiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    cfg.Issuer,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.Secret))
}

var ErrInvalidToken = errors.New("invalid token")

func ParseStationToken(cfg *config.JWTConfig, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return []byte(cfg.Secret), nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
