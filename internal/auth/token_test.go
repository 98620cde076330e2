package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestIssueAndParseToken(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, "sid-1", 42, time.Now(), time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	claims, err := ParseToken(secret, issued)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.SessionID != "sid-1" || claims.Subject != "42" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	id, err := claims.UserID()
	if err != nil || id != 42 {
		t.Fatalf("UserID() = %d, %v", id, err)
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, "sid-1", 42, time.Now().Add(-2*time.Hour), time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if _, err := ParseToken(secret, issued); err != ErrExpiredToken {
		t.Fatalf("ParseToken() error = %v, want ErrExpiredToken", err)
	}
}

func TestParseTokenRejectsTampering(t *testing.T) {
	issued, err := IssueToken([]byte("secret"), "sid-1", 42, time.Now(), time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	cases := map[string]string{
		"wrong secret": issued,
		"garbage":      "not-a-token",
		"truncated":    issued[:strings.LastIndex(issued, ".")],
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			secret := []byte("secret")
			if name == "wrong secret" {
				secret = []byte("other")
			}
			if _, err := ParseToken(secret, token); err != ErrInvalidToken {
				t.Fatalf("ParseToken() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestParseTokenRejectsOtherAlgorithms(t *testing.T) {
	claims := Claims{
		SessionID: "sid-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "42",
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := ParseToken([]byte("secret"), unsigned); err != ErrInvalidToken {
		t.Fatalf("ParseToken() error = %v, want ErrInvalidToken", err)
	}
}

func TestParseTokenRequiresSession(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, "", 42, time.Now(), time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if _, err := ParseToken(secret, issued); err != ErrInvalidToken {
		t.Fatalf("ParseToken() error = %v, want ErrInvalidToken", err)
	}
}
