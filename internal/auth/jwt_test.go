package auth

import (
	"context"
	"testing"
	"time"
)

const testKey = "0123456789abcdef-test"

func TestIssueParse(t *testing.T) {
	token, exp, err := Issue("prof-1", "prof@example.com", "asistencia", testKey, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if time.Until(exp) <= 0 {
		t.Errorf("expiry should be in the future, got %s", exp)
	}
	claims, err := Parse(token, testKey, "asistencia")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.Subject != "prof-1" || claims.Email != "prof@example.com" || claims.Role != RoleInstructor {
		t.Errorf("unexpected claims %+v", claims)
	}
}

func TestParse_Rejects(t *testing.T) {
	token, _, _ := Issue("prof-1", "", "asistencia", testKey, time.Minute)
	expired, _, _ := Issue("prof-1", "", "asistencia", testKey, -time.Minute)

	cases := map[string]struct{ token, key, issuer string }{
		"wrong key":    {token, "another-signing-key", "asistencia"},
		"wrong issuer": {token, testKey, "someone-else"},
		"expired":      {expired, testKey, "asistencia"},
		"garbage":      {"not-a-jwt", testKey, "asistencia"},
	}
	for name, c := range cases {
		if _, err := Parse(c.token, c.key, c.issuer); err == nil {
			t.Errorf("%s: expected an error", name)
		}
	}
}

func TestJWTVerifier(t *testing.T) {
	v := NewJWTVerifier(testKey, "asistencia", time.Hour)
	token, _, err := v.Mint("prof-1", "prof@example.com")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	id, err := v.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.UID != "prof-1" || id.Email != "prof@example.com" {
		t.Errorf("unexpected identity %+v", id)
	}
	if _, err := NewJWTVerifier("a-different-key-1234", "asistencia", time.Hour).Verify(context.Background(), token); err == nil {
		t.Error("expected a token signed with another key to fail")
	}
}
