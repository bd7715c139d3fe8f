package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"teleconsulta/config"
)

func testJWT() *config.JWTConfig {
	return &config.JWTConfig{Secret: "test-secret", Expiry: time.Hour, Issuer: "teleconsulta"}
}

func TestTokenRoundTrip(t *testing.T) {
	cfg := testJWT()
	token, err := GenerateStationToken(cfg, "saavedra", "Saavedra")
	require.NoError(t, err)

	claims, err := ParseStationToken(cfg, token)
	require.NoError(t, err)
	require.Equal(t, "saavedra", claims.StationID)
	require.Equal(t, "Saavedra", claims.StationName)
	require.Equal(t, "teleconsulta", claims.Issuer)
}

func TestWrongSecretRejected(t *testing.T) {
	token, err := GenerateStationToken(testJWT(), "admin", "Administrador")
	require.NoError(t, err)

	other := &config.JWTConfig{Secret: "different", Expiry: time.Hour, Issuer: "teleconsulta"}
	_, err = ParseStationToken(other, token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestExpiredTokenRejected(t *testing.T) {
	cfg := &config.JWTConfig{Secret: "test-secret", Expiry: -time.Minute, Issuer: "teleconsulta"}
	token, err := GenerateStationToken(cfg, "admin", "Administrador")
	require.NoError(t, err)

	_, err = ParseStationToken(cfg, token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestGarbageRejected(t *testing.T) {
	_, err := ParseStationToken(testJWT(), "not-a-token")
	require.ErrorIs(t, err, ErrInvalidToken)
}
