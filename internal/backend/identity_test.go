package backend

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestIdentityFromUserIDClaim(t *testing.T) {
	tok := signedToken(t, jwt.MapClaims{"userId": float64(1234)})
	id, err := Identity(tok)
	if err != nil {
		t.Fatalf("Identity() error = %v", err)
	}
	if id != 1234 {
		t.Errorf("id = %d, want 1234", id)
	}
}

func TestIdentityFromSubClaim(t *testing.T) {
	tok := signedToken(t, jwt.MapClaims{"sub": "77"})
	id, err := Identity(tok)
	if err != nil {
		t.Fatalf("Identity() error = %v", err)
	}
	if id != 77 {
		t.Errorf("id = %d, want 77", id)
	}
}

func TestIdentityTrimsBearerPrefix(t *testing.T) {
	tok := signedToken(t, jwt.MapClaims{"userId": float64(5)})
	id, err := Identity("Bearer " + tok)
	if err != nil {
		t.Fatalf("Identity() error = %v", err)
	}
	if id != 5 {
		t.Errorf("id = %d, want 5", id)
	}
}

func TestIdentityRejectsGarbage(t *testing.T) {
	if _, err := Identity("not-a-jwt"); err == nil {
		t.Error("Identity() should fail on malformed token")
	}
	if _, err := Identity(""); err == nil {
		t.Error("Identity() should fail on empty token")
	}
}

func TestIdentityNoIDClaims(t *testing.T) {
	tok := signedToken(t, jwt.MapClaims{"name": "nobody"})
	if _, err := Identity(tok); err == nil {
		t.Error("Identity() should fail without userId or sub")
	}
}
