package authn

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestGenerateAndValidateJWT_HS256(t *testing.T) {
	cfg := JWTConfig{
		Secret: []byte("test-secret"),
		Issuer: "extractord",
	}

	claims := Claims{
		UserID: "ops-console",
		Scopes: []string{"run:start", "schedule:write"},
	}

	token, err := GenerateJWT(claims, cfg)
	if err != nil {
		t.Fatalf("GenerateJWT() error = %v", err)
	}

	got, err := ValidateJWT(token, cfg)
	if err != nil {
		t.Fatalf("ValidateJWT() error = %v", err)
	}

	if got.UserID != claims.UserID {
		t.Errorf("UserID = %q, want %q", got.UserID, claims.UserID)
	}
	if got.Issuer != cfg.Issuer {
		t.Errorf("Issuer = %q, want %q", got.Issuer, cfg.Issuer)
	}
}

func TestGenerateAndValidateJWT_EdDSA(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("ed25519.GenerateKey() error = %v", err)
	}

	cfg := JWTConfig{
		PrivateKey: priv,
		PublicKey:  pub,
	}

	claims := Claims{UserID: "scheduler"}

	token, err := GenerateJWT(claims, cfg)
	if err != nil {
		t.Fatalf("GenerateJWT() error = %v", err)
	}

	got, err := ValidateJWT(token, cfg)
	if err != nil {
		t.Fatalf("ValidateJWT() error = %v", err)
	}
	if got.UserID != "scheduler" {
		t.Errorf("UserID = %q, want %q", got.UserID, "scheduler")
	}
}

func TestValidateJWT_EmptyToken(t *testing.T) {
	if _, err := ValidateJWT("", JWTConfig{Secret: []byte("x")}); err == nil {
		t.Error("expected an error for an empty token")
	}
}

func TestValidateJWT_WrongIssuer(t *testing.T) {
	cfg := JWTConfig{Secret: []byte("test-secret")}
	token, err := GenerateJWT(Claims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "someone-else"},
	}, cfg)
	if err != nil {
		t.Fatalf("GenerateJWT() error = %v", err)
	}

	cfg.Issuer = "extractord"
	if _, err := ValidateJWT(token, cfg); err == nil {
		t.Error("expected an issuer mismatch error")
	}
}

func TestValidateJWT_WrongAudience(t *testing.T) {
	cfg := JWTConfig{Secret: []byte("test-secret")}
	token, err := GenerateJWT(Claims{
		RegisteredClaims: jwt.RegisteredClaims{Audience: jwt.ClaimStrings{"other-service"}},
	}, cfg)
	if err != nil {
		t.Fatalf("GenerateJWT() error = %v", err)
	}

	cfg.Audience = "extractord"
	if _, err := ValidateJWT(token, cfg); err == nil {
		t.Error("expected an audience mismatch error")
	}
}

func TestValidateJWT_Expired(t *testing.T) {
	cfg := JWTConfig{Secret: []byte("test-secret")}
	token, err := GenerateJWT(Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}, cfg)
	if err != nil {
		t.Fatalf("GenerateJWT() error = %v", err)
	}

	if _, err := ValidateJWT(token, cfg); err == nil {
		t.Error("expected a token-expired error")
	}
}

func TestValidateJWT_ClockSkewAllowsLeeway(t *testing.T) {
	cfg := JWTConfig{Secret: []byte("test-secret"), ClockSkew: 2 * time.Minute}
	token, err := GenerateJWT(Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}, cfg)
	if err != nil {
		t.Fatalf("GenerateJWT() error = %v", err)
	}

	if _, err := ValidateJWT(token, cfg); err != nil {
		t.Errorf("expected clock skew leeway to accept the token, got error = %v", err)
	}
}

func TestValidateJWT_NoSigningKey(t *testing.T) {
	if _, err := GenerateJWT(Claims{}, JWTConfig{}); err == nil {
		t.Error("expected an error when no signing key is configured")
	}
}
